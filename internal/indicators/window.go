package indicators

import (
	"math"

	"github.com/mrt46/my-freqtrade/pkg/types"
)

// Column names one derived indicator series in a Window.
type Column int

const (
	Close Column = iota
	High
	Low
	Volume
	EMAFast
	EMASlow
	EMATrend
	MACDLine
	MACDSignal
	MACDHist
	RSIValue
	ADXValue
	PlusDI
	MinusDI
	ATRValue
	BBUpper
	BBMiddle
	BBLower
	BBStd
	BBWidth
	ZScoreValue
	StochK
	StochD
	VolumeMA
	RecentHigh
	RecentLow
	numColumns
)

var columnNames = [numColumns]string{
	"close", "high", "low", "volume", "ema_fast", "ema_slow", "ema_trend",
	"macd", "macd_signal", "macd_hist", "rsi", "adx", "plus_di", "minus_di",
	"atr", "bb_upper", "bb_middle", "bb_lower", "bb_std", "bb_width", "zscore",
	"stoch_k", "stoch_d", "volume_ma", "recent_high", "recent_low",
}

func (c Column) String() string {
	if c < 0 || c >= numColumns {
		return "unknown"
	}
	return columnNames[c]
}

// Point is one row of a Window.
type Point struct {
	Timestamp  int64   `json:"timestamp"`
	Close      float64 `json:"close"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Volume     float64 `json:"volume"`
	EMAFast    float64 `json:"emaFast"`
	EMASlow    float64 `json:"emaSlow"`
	EMATrend   float64 `json:"emaTrend"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macdSignal"`
	MACDHist   float64 `json:"macdHist"`
	RSI        float64 `json:"rsi"`
	ADX        float64 `json:"adx"`
	PlusDI     float64 `json:"plusDi"`
	MinusDI    float64 `json:"minusDi"`
	ATR        float64 `json:"atr"`
	BBUpper    float64 `json:"bbUpper"`
	BBMiddle   float64 `json:"bbMiddle"`
	BBLower    float64 `json:"bbLower"`
	BBStd      float64 `json:"bbStd"`
	BBWidth    float64 `json:"bbWidth"`
	ZScore     float64 `json:"zscore"`
	StochK     float64 `json:"stochK"`
	StochD     float64 `json:"stochD"`
	VolumeMA   float64 `json:"volumeMa"`
	RecentHigh float64 `json:"recentHigh"`
	RecentLow  float64 `json:"recentLow"`
}

// Window is a read-only view of the trailing bars and their indicators. All
// accessors return copies; nothing a caller does can change a Window.
type Window struct {
	config *Config
	bars   []types.PriceBar
	cols   [numColumns][]float64
}

// Len returns the number of bars in the window.
func (w *Window) Len() int {
	return len(w.bars)
}

// Config returns the periods the window was computed with.
func (w *Window) Config() Config {
	return *w.config
}

// Bar returns the i-th bar, oldest first.
func (w *Window) Bar(i int) types.PriceBar {
	return w.bars[i]
}

// LastBar returns the most recent bar.
func (w *Window) LastBar() types.PriceBar {
	return w.bars[len(w.bars)-1]
}

// Value returns a single indicator value. Out of range indexes yield NaN.
func (w *Window) Value(c Column, i int) float64 {
	if i < 0 || i >= len(w.bars) {
		return math.NaN()
	}
	return w.cols[c][i]
}

// Column returns a copy of one indicator series.
func (w *Window) Column(c Column) []float64 {
	out := make([]float64, len(w.cols[c]))
	copy(out, w.cols[c])
	return out
}

// Point returns the i-th row.
func (w *Window) Point(i int) Point {
	return Point{
		Timestamp:  w.bars[i].Timestamp.UnixMilli(),
		Close:      w.cols[Close][i],
		High:       w.cols[High][i],
		Low:        w.cols[Low][i],
		Volume:     w.cols[Volume][i],
		EMAFast:    w.cols[EMAFast][i],
		EMASlow:    w.cols[EMASlow][i],
		EMATrend:   w.cols[EMATrend][i],
		MACD:       w.cols[MACDLine][i],
		MACDSignal: w.cols[MACDSignal][i],
		MACDHist:   w.cols[MACDHist][i],
		RSI:        w.cols[RSIValue][i],
		ADX:        w.cols[ADXValue][i],
		PlusDI:     w.cols[PlusDI][i],
		MinusDI:    w.cols[MinusDI][i],
		ATR:        w.cols[ATRValue][i],
		BBUpper:    w.cols[BBUpper][i],
		BBMiddle:   w.cols[BBMiddle][i],
		BBLower:    w.cols[BBLower][i],
		BBStd:      w.cols[BBStd][i],
		BBWidth:    w.cols[BBWidth][i],
		ZScore:     w.cols[ZScoreValue][i],
		StochK:     w.cols[StochK][i],
		StochD:     w.cols[StochD][i],
		VolumeMA:   w.cols[VolumeMA][i],
		RecentHigh: w.cols[RecentHigh][i],
		RecentLow:  w.cols[RecentLow][i],
	}
}

// Latest returns the most recent row.
func (w *Window) Latest() Point {
	return w.Point(len(w.bars) - 1)
}

// Previous returns the row before the most recent one.
func (w *Window) Previous() Point {
	if len(w.bars) < 2 {
		return w.Latest()
	}
	return w.Point(len(w.bars) - 2)
}

// Equal reports whether two windows hold the same bars and indicator values.
// NaN positions compare equal to each other.
func (w *Window) Equal(o *Window) bool {
	if w == nil || o == nil {
		return w == o
	}
	if len(w.bars) != len(o.bars) {
		return false
	}
	for i := range w.bars {
		if !w.bars[i].Timestamp.Equal(o.bars[i].Timestamp) || !w.bars[i].Close.Equal(o.bars[i].Close) {
			return false
		}
	}
	for c := Column(0); c < numColumns; c++ {
		for i := range w.cols[c] {
			a, b := w.cols[c][i], o.cols[c][i]
			if math.IsNaN(a) && math.IsNaN(b) {
				continue
			}
			if a != b {
				return false
			}
		}
	}
	return true
}

// compute derives every indicator column from bars.
func compute(cfg *Config, bars []types.PriceBar) *Window {
	n := len(bars)
	w := &Window{config: cfg, bars: bars}

	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	vols := make([]float64, n)
	for i, b := range bars {
		closes[i] = b.Close.InexactFloat64()
		highs[i] = b.High.InexactFloat64()
		lows[i] = b.Low.InexactFloat64()
		vols[i] = b.Volume.InexactFloat64()
	}
	w.cols[Close], w.cols[High], w.cols[Low], w.cols[Volume] = closes, highs, lows, vols

	w.cols[EMAFast] = EMA(closes, cfg.EMAFast)
	w.cols[EMASlow] = EMA(closes, cfg.EMASlow)
	w.cols[EMATrend] = EMA(closes, cfg.EMATrend)
	w.cols[MACDLine], w.cols[MACDSignal], w.cols[MACDHist] = MACD(closes, cfg.MACDFast, cfg.MACDSlow, cfg.MACDSignal)
	w.cols[RSIValue] = RSI(closes, cfg.RSIPeriod)
	w.cols[ADXValue], w.cols[PlusDI], w.cols[MinusDI] = ADX(highs, lows, closes, cfg.ADXPeriod)
	w.cols[ATRValue] = ATR(highs, lows, closes, cfg.ATRPeriod)
	w.cols[BBUpper], w.cols[BBMiddle], w.cols[BBLower], w.cols[BBStd] = Bollinger(closes, cfg.BBPeriod, cfg.BBStdDev)

	width := nanSlice(n)
	for i := range width {
		if mid := w.cols[BBMiddle][i]; !math.IsNaN(mid) && mid != 0 {
			width[i] = (w.cols[BBUpper][i] - w.cols[BBLower][i]) / mid * 100
		}
	}
	w.cols[BBWidth] = width
	w.cols[ZScoreValue] = ZScore(closes, w.cols[BBMiddle], w.cols[BBStd])
	w.cols[StochK], w.cols[StochD] = Stochastic(highs, lows, closes, cfg.StochK, cfg.StochD)
	w.cols[VolumeMA] = SMA(vols, cfg.VolumeMA)
	w.cols[RecentHigh] = RollingMax(highs, cfg.RangePeriod)
	w.cols[RecentLow] = RollingMin(lows, cfg.RangePeriod)
	return w
}
