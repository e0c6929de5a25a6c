package data

import (
	"math"
	"time"

	"github.com/mrt46/my-freqtrade/pkg/types"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Synthetic series are used for replays without downloaded data and as test
// fixtures. Prices are kept on quarter steps so that high-low ranges are exact.

var sidewaysSteps = []float64{0.5, 0.5, 0.25, -0.25, -0.5, -0.5}

// Trending generates n bars whose close rises by step every bar with a constant
// high-low range of 1.
func Trending(start time.Time, interval time.Duration, n int, base, step float64) []types.PriceBar {
	bars := make([]types.PriceBar, 0, n)
	price := base
	for i := 0; i < n; i++ {
		open := price
		price += step
		bars = append(bars, bar(start.Add(time.Duration(i)*interval), open, price, 1000))
	}
	return bars
}

// Sideways generates n bars oscillating in a narrow band around base with a
// constant true range, so ATR stays flat and ADX stays low.
func Sideways(start time.Time, interval time.Duration, n int, base float64) []types.PriceBar {
	bars := make([]types.PriceBar, 0, n)
	price := base
	for i := 0; i < n; i++ {
		open := price
		price += sidewaysSteps[i%len(sidewaysSteps)]
		bars = append(bars, bar(start.Add(time.Duration(i)*interval), open, price, 1000))
	}
	return bars
}

// RandomWalk generates n bars following a seeded geometric random walk with
// per-bar volatility sigma. The same seed always yields the same bars.
func RandomWalk(start time.Time, interval time.Duration, n int, base, sigma float64, seed uint64) []types.PriceBar {
	src := rand.NewSource(seed)
	returns := distuv.Normal{Mu: 0, Sigma: sigma, Src: src}
	noise := distuv.Uniform{Min: 0, Max: 1, Src: src}

	bars := make([]types.PriceBar, 0, n)
	price := base
	for i := 0; i < n; i++ {
		open := price
		price = price * math.Exp(returns.Rand())
		hi := math.Max(open, price) * (1 + noise.Rand()*sigma/2)
		lo := math.Min(open, price) * (1 - noise.Rand()*sigma/2)
		vol := 1000 * (0.5 + noise.Rand())
		bars = append(bars, types.PriceBar{
			Timestamp: start.Add(time.Duration(i) * interval),
			Open:      decimal.NewFromFloat(open).Round(6),
			High:      decimal.NewFromFloat(hi).Round(6),
			Low:       decimal.NewFromFloat(lo).Round(6),
			Close:     decimal.NewFromFloat(price).Round(6),
			Volume:    decimal.NewFromFloat(vol).Round(2),
		})
	}
	return bars
}

func bar(ts time.Time, open, close, volume float64) types.PriceBar {
	return types.PriceBar{
		Timestamp: ts,
		Open:      decimal.NewFromFloat(open),
		High:      decimal.NewFromFloat(close + 0.5),
		Low:       decimal.NewFromFloat(close - 0.5),
		Close:     decimal.NewFromFloat(close),
		Volume:    decimal.NewFromFloat(volume),
	}
}
