package strategy

import (
	"github.com/mrt46/my-freqtrade/internal/indicators"
	"github.com/mrt46/my-freqtrade/internal/regime"
	"github.com/mrt46/my-freqtrade/pkg/types"
)

const trendConditionCount = 5

// TrendFollowingConfig holds trend following thresholds.
type TrendFollowingConfig struct {
	MaxPositions       int     `json:"maxPositions" mapstructure:"max_positions" yaml:"max_positions" default:"2" validate:"gte=1"`
	MaxCapitalFraction float64 `json:"maxCapitalFraction" mapstructure:"max_capital_fraction" yaml:"max_capital_fraction" default:"0.35" validate:"gt=0,lte=1"`
	MinConditions      int     `json:"minConditions" mapstructure:"min_conditions" yaml:"min_conditions" default:"2" validate:"gte=1,lte=5"`
	RSIMax             float64 `json:"rsiMax" mapstructure:"rsi_max" yaml:"rsi_max" default:"75" validate:"gt=0,lte=100"`
	ADXFloor           float64 `json:"adxFloor" mapstructure:"adx_floor" yaml:"adx_floor" default:"15" validate:"gte=0"`
	SidewaysMaxADX     float64 `json:"sidewaysMaxAdx" mapstructure:"sideways_max_adx" yaml:"sideways_max_adx" default:"25" validate:"gte=0"`
	SidewaysRSI        float64 `json:"sidewaysRsi" mapstructure:"sideways_rsi" yaml:"sideways_rsi" default:"35" validate:"gt=0,lte=100"`
	ExitRSI            float64 `json:"exitRsi" mapstructure:"exit_rsi" yaml:"exit_rsi" default:"75" validate:"gt=0,lte=100"`
	ExitMACDRSI        float64 `json:"exitMacdRsi" mapstructure:"exit_macd_rsi" yaml:"exit_macd_rsi" default:"60" validate:"gt=0,lte=100"`
}

// DefaultTrendFollowingConfig returns the default thresholds.
func DefaultTrendFollowingConfig() TrendFollowingConfig {
	return TrendFollowingConfig{
		MaxPositions:       2,
		MaxCapitalFraction: 0.35,
		MinConditions:      2,
		RSIMax:             75,
		ADXFloor:           15,
		SidewaysMaxADX:     25,
		SidewaysRSI:        35,
		ExitRSI:            75,
		ExitMACDRSI:        60,
	}
}

// Limits returns the position caps.
func (c TrendFollowingConfig) Limits() Caps {
	return Caps{MaxPositions: c.MaxPositions, MaxCapitalFraction: c.MaxCapitalFraction}
}

// TrendFollowing rides established trends: EMA alignment and crossovers
// confirmed by MACD momentum and ADX strength.
type TrendFollowing struct {
	config     TrendFollowingConfig
	stopMult   float64
	targetMult float64
}

// NewTrendFollowing creates the trend following variant.
func NewTrendFollowing(config TrendFollowingConfig, stopMult, targetMult float64) *TrendFollowing {
	return &TrendFollowing{config: config, stopMult: stopMult, targetMult: targetMult}
}

func (s *TrendFollowing) ID() types.StrategyID { return types.StrategyTrendFollowing }
func (s *TrendFollowing) Name() string         { return "Trend Following" }
func (s *TrendFollowing) Description() string {
	return "EMA crossover and alignment confirmed by MACD and ADX"
}
func (s *TrendFollowing) Limits() Caps { return s.config.Limits() }

func (s *TrendFollowing) Parameters() []Parameter {
	return []Parameter{
		{Name: "min_conditions", Description: "Entry conditions required out of 5", Value: float64(s.config.MinConditions)},
		{Name: "rsi_max", Description: "RSI ceiling for entries", Value: s.config.RSIMax},
		{Name: "adx_floor", Description: "Minimum ADX for the strength condition", Value: s.config.ADXFloor},
		{Name: "exit_rsi", Description: "RSI that closes a position", Value: s.config.ExitRSI},
	}
}

// Fitness favors strong directional markets with volume.
func (s *TrendFollowing) Fitness(state regime.State) float64 {
	score := 0.0
	switch {
	case state.Trend.IsStrong():
		score += 0.5
	case state.Trend.IsUp() || state.Trend.IsDown():
		score += 0.35
	case state.IsWeakTrend():
		score += 0.15
	}

	switch {
	case state.ADX > 35:
		score += 0.25
	case state.ADX > 25:
		score += 0.2
	case state.ADX > 20:
		score += 0.1
	}

	switch state.Volume {
	case regime.VolumeHigh, regime.VolumeSpike:
		score += 0.15
	case regime.VolumeNormal:
		score += 0.1
	}

	if state.Volatility == regime.VolatilityNormal || state.Volatility == regime.VolatilityHigh {
		score += 0.1
	}
	return clamp01(score)
}

// Signal enters long in up trends when enough trend conditions agree, and
// buys deep pullbacks in quiet sideways markets.
func (s *TrendFollowing) Signal(w *indicators.Window, state regime.State) types.Signal {
	cur, prev := w.Latest(), w.Previous()

	if state.Trend.IsUp() || (state.IsWeakTrend() && state.Bias > 0) {
		crossUp := prev.EMAFast <= prev.EMASlow && cur.EMAFast > cur.EMASlow
		met := countTrue(
			crossUp,
			above(cur.Close, cur.EMATrend),
			above(cur.MACD, cur.MACDSignal),
			below(cur.RSI, s.config.RSIMax),
			above(cur.ADX, s.config.ADXFloor),
		)
		if met >= s.config.MinConditions {
			return entrySignal(s.ID(), w, s.stopMult, s.targetMult,
				float64(met)/trendConditionCount, "trend_alignment")
		}
		return types.HoldSignal(s.ID(), "trend_conditions_not_met")
	}

	if state.Trend == regime.TrendSideways {
		pullback := countTrue(
			below(cur.ADX, s.config.SidewaysMaxADX),
			below(cur.RSI, s.config.SidewaysRSI),
			below(cur.Close, cur.EMASlow),
		)
		if pullback == 3 {
			return entrySignal(s.ID(), w, s.stopMult, s.targetMult, 0.5, "sideways_pullback")
		}
	}
	return types.HoldSignal(s.ID(), "no_uptrend")
}

// Exit closes on a bearish EMA cross, an overbought RSI or a MACD reversal.
func (s *TrendFollowing) Exit(w *indicators.Window, state regime.State) types.Signal {
	cur, prev := w.Latest(), w.Previous()
	price := w.LastBar().Close

	switch {
	case prev.EMAFast >= prev.EMASlow && cur.EMAFast < cur.EMASlow:
		return exitSignal(s.ID(), price, 1, "exit_ema_cross_down")
	case above(cur.RSI, s.config.ExitRSI):
		return exitSignal(s.ID(), price, 1, "exit_rsi_overbought")
	case prev.MACD >= prev.MACDSignal && cur.MACD < cur.MACDSignal && above(cur.RSI, s.config.ExitMACDRSI):
		return exitSignal(s.ID(), price, 0.8, "exit_macd_reversal")
	}
	return types.HoldSignal(s.ID(), "hold_position")
}
