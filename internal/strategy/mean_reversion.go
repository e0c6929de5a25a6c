package strategy

import (
	"math"

	"github.com/mrt46/my-freqtrade/internal/indicators"
	"github.com/mrt46/my-freqtrade/internal/regime"
	"github.com/mrt46/my-freqtrade/pkg/types"
)

const meanReversionConditionCount = 4

// MeanReversionConfig holds mean reversion thresholds.
type MeanReversionConfig struct {
	MaxPositions       int     `json:"maxPositions" mapstructure:"max_positions" yaml:"max_positions" default:"3" validate:"gte=1"`
	MaxCapitalFraction float64 `json:"maxCapitalFraction" mapstructure:"max_capital_fraction" yaml:"max_capital_fraction" default:"0.25" validate:"gt=0,lte=1"`
	MinConditions      int     `json:"minConditions" mapstructure:"min_conditions" yaml:"min_conditions" default:"1" validate:"gte=1,lte=4"`
	RSIOversold        float64 `json:"rsiOversold" mapstructure:"rsi_oversold" yaml:"rsi_oversold" default:"40" validate:"gt=0,lte=100"`
	LowerBandTolerance float64 `json:"lowerBandTolerance" mapstructure:"lower_band_tolerance" yaml:"lower_band_tolerance" default:"0.02" validate:"gte=0"`
	ZScoreEntry        float64 `json:"zscoreEntry" mapstructure:"zscore_entry" yaml:"zscore_entry" default:"-1.0" validate:"lt=0"`
	StochOversold      float64 `json:"stochOversold" mapstructure:"stoch_oversold" yaml:"stoch_oversold" default:"30" validate:"gt=0,lte=100"`
	MeanExitBand       float64 `json:"meanExitBand" mapstructure:"mean_exit_band" yaml:"mean_exit_band" default:"0.005" validate:"gte=0"`
	ExitRSI            float64 `json:"exitRsi" mapstructure:"exit_rsi" yaml:"exit_rsi" default:"70" validate:"gt=0,lte=100"`
	UpperBandExit      float64 `json:"upperBandExit" mapstructure:"upper_band_exit" yaml:"upper_band_exit" default:"0.99" validate:"gt=0"`
}

// DefaultMeanReversionConfig returns the default thresholds.
func DefaultMeanReversionConfig() MeanReversionConfig {
	return MeanReversionConfig{
		MaxPositions:       3,
		MaxCapitalFraction: 0.25,
		MinConditions:      1,
		RSIOversold:        40,
		LowerBandTolerance: 0.02,
		ZScoreEntry:        -1.0,
		StochOversold:      30,
		MeanExitBand:       0.005,
		ExitRSI:            70,
		UpperBandExit:      0.99,
	}
}

// Limits returns the position caps.
func (c MeanReversionConfig) Limits() Caps {
	return Caps{MaxPositions: c.MaxPositions, MaxCapitalFraction: c.MaxCapitalFraction}
}

// MeanReversion buys statistical extremes and sells the return to the mean.
type MeanReversion struct {
	config     MeanReversionConfig
	stopMult   float64
	targetMult float64
}

// NewMeanReversion creates the mean reversion variant.
func NewMeanReversion(config MeanReversionConfig, stopMult, targetMult float64) *MeanReversion {
	return &MeanReversion{config: config, stopMult: stopMult, targetMult: targetMult}
}

func (s *MeanReversion) ID() types.StrategyID { return types.StrategyMeanReversion }
func (s *MeanReversion) Name() string         { return "Mean Reversion" }
func (s *MeanReversion) Description() string {
	return "Oversold RSI, band and z-score extremes reverting to the mean"
}
func (s *MeanReversion) Limits() Caps { return s.config.Limits() }

func (s *MeanReversion) Parameters() []Parameter {
	return []Parameter{
		{Name: "min_conditions", Description: "Entry conditions required out of 4", Value: float64(s.config.MinConditions)},
		{Name: "rsi_oversold", Description: "RSI below which price is oversold", Value: s.config.RSIOversold},
		{Name: "zscore_entry", Description: "Z-score below which price is stretched", Value: s.config.ZScoreEntry},
		{Name: "stoch_oversold", Description: "Stochastic %K oversold level", Value: s.config.StochOversold},
	}
}

// Fitness favors ranging markets with stretched RSI.
func (s *MeanReversion) Fitness(state regime.State) float64 {
	score := 0.0
	switch {
	case state.IsRanging():
		score += 0.35
	case state.IsWeakTrend():
		score += 0.2
	}

	rsi := state.RSI
	switch {
	case rsi < 25 || rsi > 75:
		score += 0.35
	case rsi < 30 || rsi > 70:
		score += 0.25
	case rsi < 35 || rsi > 65:
		score += 0.1
	}

	if state.Volatility == regime.VolatilityLow || state.Volatility == regime.VolatilityNormal {
		score += 0.2
	}
	if state.Trend.IsStrong() {
		score *= 0.3
	}
	return clamp01(score)
}

// Signal enters long when enough oversold conditions hold.
func (s *MeanReversion) Signal(w *indicators.Window, state regime.State) types.Signal {
	cur := w.Latest()
	met := countTrue(
		below(cur.RSI, s.config.RSIOversold),
		below(cur.Close, cur.BBLower*(1+s.config.LowerBandTolerance)),
		below(cur.ZScore, s.config.ZScoreEntry),
		below(cur.StochK, s.config.StochOversold),
	)
	if met < s.config.MinConditions {
		return types.HoldSignal(s.ID(), "not_oversold")
	}
	return entrySignal(s.ID(), w, s.stopMult, s.targetMult,
		float64(met)/meanReversionConditionCount, "oversold_reversion")
}

// Exit closes once price is back at the mean, RSI is overbought, or price
// reaches the upper band.
func (s *MeanReversion) Exit(w *indicators.Window, state regime.State) types.Signal {
	cur := w.Latest()
	price := w.LastBar().Close
	switch {
	case cur.BBMiddle > 0 && math.Abs(cur.Close-cur.BBMiddle)/cur.BBMiddle < s.config.MeanExitBand:
		return exitSignal(s.ID(), price, 0.8, "exit_at_mean")
	case above(cur.RSI, s.config.ExitRSI):
		return exitSignal(s.ID(), price, 1, "exit_rsi_overbought")
	case above(cur.Close, cur.BBUpper*s.config.UpperBandExit):
		return exitSignal(s.ID(), price, 1, "exit_upper_band")
	}
	return types.HoldSignal(s.ID(), "hold_position")
}
