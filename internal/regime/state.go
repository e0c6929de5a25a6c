package regime

import (
	"time"

	"github.com/mrt46/my-freqtrade/pkg/types"
)

// Trend is the directional tier of the market.
type Trend string

const (
	TrendStrongUp   Trend = "strong_uptrend"
	TrendUp         Trend = "uptrend"
	TrendSideways   Trend = "sideways"
	TrendDown       Trend = "downtrend"
	TrendStrongDown Trend = "strong_downtrend"
)

// IsStrong reports whether the trend is one of the strong tiers.
func (t Trend) IsStrong() bool {
	return t == TrendStrongUp || t == TrendStrongDown
}

// IsUp reports whether the trend points up.
func (t Trend) IsUp() bool {
	return t == TrendStrongUp || t == TrendUp
}

// IsDown reports whether the trend points down.
func (t Trend) IsDown() bool {
	return t == TrendStrongDown || t == TrendDown
}

// Volatility is the realized volatility tier.
type Volatility string

const (
	VolatilityLow     Volatility = "low"
	VolatilityNormal  Volatility = "normal"
	VolatilityHigh    Volatility = "high"
	VolatilityExtreme Volatility = "extreme"
)

// VolumeLevel is the traded volume tier relative to its moving average.
type VolumeLevel string

const (
	VolumeLow    VolumeLevel = "low"
	VolumeNormal VolumeLevel = "normal"
	VolumeHigh   VolumeLevel = "high"
	VolumeSpike  VolumeLevel = "spike"
)

// Phase is the simplified Wyckoff market phase.
type Phase string

const (
	PhaseAccumulation Phase = "accumulation"
	PhaseMarkup       Phase = "markup"
	PhaseDistribution Phase = "distribution"
	PhaseMarkdown     Phase = "markdown"
)

// State is a classified market regime. Exactly one State is current per
// detector; it is replaced, never modified.
type State struct {
	Trend      Trend       `json:"trend"`
	Volatility Volatility  `json:"volatility"`
	Volume     VolumeLevel `json:"volume"`
	ComputedAt time.Time   `json:"computedAt"`

	// Bias is +1 or -1 when a sideways market leans weakly in one direction.
	Bias          int     `json:"bias"`
	Phase         Phase   `json:"phase"`
	Confidence    float64 `json:"confidence"`
	ADX           float64 `json:"adx"`
	RSI           float64 `json:"rsi"`
	AvgSlope      float64 `json:"avgSlope"`
	ATR           float64 `json:"atr"`
	ATRPct        float64 `json:"atrPct"`
	ATRPercentile float64 `json:"atrPercentile"`
	VolumeRatio   float64 `json:"volumeRatio"`
	Version       uint64  `json:"version"`
}

// IsWeakTrend reports whether the market is sideways with a directional lean.
func (s State) IsWeakTrend() bool {
	return s.Trend == TrendSideways && s.Bias != 0
}

// IsRanging reports whether the market is sideways without a lean.
func (s State) IsRanging() bool {
	return s.Trend == TrendSideways && s.Bias == 0
}

// Label returns the trend tier including weak leans, used to key contextual
// statistics.
func (s State) Label() string {
	switch {
	case s.Bias > 0 && s.Trend == TrendSideways:
		return "weak_uptrend"
	case s.Bias < 0 && s.Trend == TrendSideways:
		return "weak_downtrend"
	}
	return string(s.Trend)
}

// Recommendation ranks sub-strategies for a regime, independent of their
// learned performance.
type Recommendation struct {
	Preferred []types.StrategyID `json:"preferred"`
	Avoid     []types.StrategyID `json:"avoid"`
	// SizeMultiplier scales position size for the regime.
	SizeMultiplier float64 `json:"sizeMultiplier"`
}

// Recommend returns the strategy preferences for a state.
func Recommend(s State) Recommendation {
	rec := Recommendation{SizeMultiplier: 1.0}
	switch {
	case s.Trend.IsStrong():
		rec.Preferred = []types.StrategyID{types.StrategyTrendFollowing}
		rec.Avoid = []types.StrategyID{types.StrategyGrid, types.StrategyMeanReversion}
	case s.Trend.IsUp() || s.Trend.IsDown():
		rec.Preferred = []types.StrategyID{types.StrategyTrendFollowing, types.StrategyMeanReversion}
		rec.Avoid = []types.StrategyID{types.StrategyGrid}
	case s.IsWeakTrend():
		rec.Preferred = []types.StrategyID{types.StrategyGrid, types.StrategyMeanReversion, types.StrategyTrendFollowing}
	default:
		rec.Preferred = []types.StrategyID{types.StrategyGrid, types.StrategyMeanReversion}
		rec.Avoid = []types.StrategyID{types.StrategyTrendFollowing}
	}

	switch s.Volatility {
	case VolatilityExtreme:
		rec.SizeMultiplier = 0.5
	case VolatilityHigh:
		rec.SizeMultiplier = 0.75
	}
	return rec
}
