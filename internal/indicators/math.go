package indicators

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// All functions return a slice aligned 1:1 with their input. Positions that
// lack enough history hold NaN.

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// EMA computes an exponential moving average with smoothing factor 2/(n+1),
// seeded with the first value.
func EMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if len(values) == 0 || period <= 0 {
		return out
	}
	alpha := 2.0 / float64(period+1)
	prev := values[0]
	out[0] = prev
	for i := 1; i < len(values); i++ {
		prev = alpha*values[i] + (1-alpha)*prev
		out[i] = prev
	}
	return out
}

// SMA computes a simple rolling mean.
func SMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 {
		return out
	}
	for i := period - 1; i < len(values); i++ {
		out[i] = stat.Mean(values[i-period+1:i+1], nil)
	}
	return out
}

// MACD returns the MACD line, its signal line and the histogram.
func MACD(closes []float64, fast, slow, signal int) (line, sig, hist []float64) {
	fastEMA := EMA(closes, fast)
	slowEMA := EMA(closes, slow)
	line = make([]float64, len(closes))
	floats.SubTo(line, fastEMA, slowEMA)
	sig = EMA(line, signal)
	hist = make([]float64, len(closes))
	floats.SubTo(hist, line, sig)
	return line, sig, hist
}

// RSI computes the relative strength index with Wilder smoothing. The first
// average is the simple mean of the first period changes.
func RSI(closes []float64, period int) []float64 {
	out := nanSlice(len(closes))
	if period <= 0 || len(closes) <= period {
		return out
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	n := float64(period)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*(n-1) + g) / n
		avgLoss = (avgLoss*(n-1) + l) / n
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// TrueRange returns the true range of each bar. The first bar uses high-low.
func TrueRange(highs, lows, closes []float64) []float64 {
	out := make([]float64, len(closes))
	for i := range closes {
		hl := highs[i] - lows[i]
		if i == 0 {
			out[i] = hl
			continue
		}
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		out[i] = math.Max(hl, math.Max(hc, lc))
	}
	return out
}

// ATR computes the average true range as a rolling mean of true range.
func ATR(highs, lows, closes []float64, period int) []float64 {
	return SMA(TrueRange(highs, lows, closes), period)
}

// ADX computes the average directional index together with +DI and -DI.
// Directional movement and true range are Wilder-smoothed; ADX is the Wilder
// average of DX.
func ADX(highs, lows, closes []float64, period int) (adx, plusDI, minusDI []float64) {
	n := len(closes)
	adx, plusDI, minusDI = nanSlice(n), nanSlice(n), nanSlice(n)
	if period <= 0 || n <= 2*period {
		return adx, plusDI, minusDI
	}

	tr := TrueRange(highs, lows, closes)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		up := highs[i] - highs[i-1]
		down := lows[i-1] - lows[i]
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	p := float64(period)
	var sTR, sPlus, sMinus float64
	for i := 1; i <= period; i++ {
		sTR += tr[i]
		sPlus += plusDM[i]
		sMinus += minusDM[i]
	}

	dx := nanSlice(n)
	for i := period; i < n; i++ {
		if i > period {
			sTR = sTR - sTR/p + tr[i]
			sPlus = sPlus - sPlus/p + plusDM[i]
			sMinus = sMinus - sMinus/p + minusDM[i]
		}
		if sTR > 0 {
			plusDI[i] = 100 * sPlus / sTR
			minusDI[i] = 100 * sMinus / sTR
		} else {
			plusDI[i], minusDI[i] = 0, 0
		}
		sum := plusDI[i] + minusDI[i]
		if sum > 0 {
			dx[i] = 100 * math.Abs(plusDI[i]-minusDI[i]) / sum
		} else {
			dx[i] = 0
		}
	}

	first := 2*period - 1
	adx[first] = stat.Mean(dx[period:first+1], nil)
	for i := first + 1; i < n; i++ {
		adx[i] = (adx[i-1]*(p-1) + dx[i]) / p
	}
	return adx, plusDI, minusDI
}

// Bollinger returns the upper, middle and lower bands plus the rolling sample
// standard deviation used to build them.
func Bollinger(closes []float64, period int, k float64) (upper, middle, lower, std []float64) {
	n := len(closes)
	upper, middle, lower, std = nanSlice(n), nanSlice(n), nanSlice(n), nanSlice(n)
	if period < 2 {
		return upper, middle, lower, std
	}
	for i := period - 1; i < n; i++ {
		mean, sd := stat.MeanStdDev(closes[i-period+1:i+1], nil)
		middle[i] = mean
		std[i] = sd
		upper[i] = mean + k*sd
		lower[i] = mean - k*sd
	}
	return upper, middle, lower, std
}

// ZScore returns (close - mean) / std. A flat window yields zero.
func ZScore(closes, mean, std []float64) []float64 {
	out := nanSlice(len(closes))
	for i := range closes {
		if math.IsNaN(mean[i]) || math.IsNaN(std[i]) {
			continue
		}
		if std[i] == 0 {
			out[i] = 0
			continue
		}
		out[i] = (closes[i] - mean[i]) / std[i]
	}
	return out
}

// Stochastic returns %K over kPeriod bars and %D as the SMA of %K.
func Stochastic(highs, lows, closes []float64, kPeriod, dPeriod int) (k, d []float64) {
	n := len(closes)
	k = nanSlice(n)
	hh := RollingMax(highs, kPeriod)
	ll := RollingMin(lows, kPeriod)
	for i := range closes {
		if math.IsNaN(hh[i]) {
			continue
		}
		rng := hh[i] - ll[i]
		if rng == 0 {
			k[i] = 50
			continue
		}
		k[i] = 100 * (closes[i] - ll[i]) / rng
	}

	d = nanSlice(n)
	for i := kPeriod - 1 + dPeriod - 1; i < n; i++ {
		d[i] = stat.Mean(k[i-dPeriod+1:i+1], nil)
	}
	return k, d
}

// RollingMax returns the highest value over the trailing period.
func RollingMax(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	for i := period - 1; i >= 0 && i < len(values); i++ {
		out[i] = floats.Max(values[i-period+1 : i+1])
	}
	return out
}

// RollingMin returns the lowest value over the trailing period.
func RollingMin(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	for i := period - 1; i >= 0 && i < len(values); i++ {
		out[i] = floats.Min(values[i-period+1 : i+1])
	}
	return out
}

// PercentChange returns the percent change of values over lookback bars.
func PercentChange(values []float64, lookback int) []float64 {
	out := nanSlice(len(values))
	for i := lookback; i < len(values); i++ {
		base := values[i-lookback]
		if base == 0 || math.IsNaN(base) {
			continue
		}
		out[i] = (values[i] - base) / base * 100
	}
	return out
}
