package strategy

import (
	"github.com/mrt46/my-freqtrade/internal/indicators"
	"github.com/mrt46/my-freqtrade/internal/regime"
	"github.com/mrt46/my-freqtrade/pkg/types"
)

const gridConditionCount = 3

// GridConfig holds grid thresholds. Tolerances are fractions above the level.
type GridConfig struct {
	MaxPositions       int     `json:"maxPositions" mapstructure:"max_positions" yaml:"max_positions" default:"5" validate:"gte=1"`
	MaxCapitalFraction float64 `json:"maxCapitalFraction" mapstructure:"max_capital_fraction" yaml:"max_capital_fraction" default:"0.4" validate:"gt=0,lte=1"`
	LowerBandTolerance float64 `json:"lowerBandTolerance" mapstructure:"lower_band_tolerance" yaml:"lower_band_tolerance" default:"0.03" validate:"gte=0"`
	SupportTolerance   float64 `json:"supportTolerance" mapstructure:"support_tolerance" yaml:"support_tolerance" default:"0.05" validate:"gte=0"`
	MidlineRSI         float64 `json:"midlineRsi" mapstructure:"midline_rsi" yaml:"midline_rsi" default:"50" validate:"gt=0,lte=100"`
	UpperBandExit      float64 `json:"upperBandExit" mapstructure:"upper_band_exit" yaml:"upper_band_exit" default:"0.99" validate:"gt=0"`
	ResistanceExit     float64 `json:"resistanceExit" mapstructure:"resistance_exit" yaml:"resistance_exit" default:"0.98" validate:"gt=0"`
}

// DefaultGridConfig returns the default thresholds.
func DefaultGridConfig() GridConfig {
	return GridConfig{
		MaxPositions:       5,
		MaxCapitalFraction: 0.40,
		LowerBandTolerance: 0.03,
		SupportTolerance:   0.05,
		MidlineRSI:         50,
		UpperBandExit:      0.99,
		ResistanceExit:     0.98,
	}
}

// Limits returns the position caps.
func (c GridConfig) Limits() Caps {
	return Caps{MaxPositions: c.MaxPositions, MaxCapitalFraction: c.MaxCapitalFraction}
}

// Grid buys the lower part of a range and sells the upper part.
type Grid struct {
	config     GridConfig
	stopMult   float64
	targetMult float64
}

// NewGrid creates the grid variant.
func NewGrid(config GridConfig, stopMult, targetMult float64) *Grid {
	return &Grid{config: config, stopMult: stopMult, targetMult: targetMult}
}

func (s *Grid) ID() types.StrategyID { return types.StrategyGrid }
func (s *Grid) Name() string         { return "Grid" }
func (s *Grid) Description() string  { return "Range trading between Bollinger bands and recent support" }
func (s *Grid) Limits() Caps         { return s.config.Limits() }

func (s *Grid) Parameters() []Parameter {
	return []Parameter{
		{Name: "lower_band_tolerance", Description: "Distance above the lower band that still buys", Value: s.config.LowerBandTolerance},
		{Name: "support_tolerance", Description: "Distance above recent low that still buys", Value: s.config.SupportTolerance},
		{Name: "midline_rsi", Description: "RSI ceiling for below-midline entries", Value: s.config.MidlineRSI},
	}
}

// Fitness favors quiet ranges with a low ADX.
func (s *Grid) Fitness(state regime.State) float64 {
	score := 0.0
	switch {
	case state.IsRanging():
		score += 0.45
	case state.IsWeakTrend():
		score += 0.25
	}

	switch {
	case state.ADX < 15:
		score += 0.25
	case state.ADX < 20:
		score += 0.2
	case state.ADX < 25:
		score += 0.1
	}

	switch state.Volatility {
	case regime.VolatilityLow:
		score += 0.2
	case regime.VolatilityNormal:
		score += 0.15
	}

	if state.Trend.IsStrong() {
		score *= 0.3
	}
	if state.Volatility == regime.VolatilityExtreme {
		score *= 0.4
	}
	return clamp01(score)
}

// Signal buys near the lower band, near support, or below the midline with
// a soft RSI. It only trades sideways markets.
func (s *Grid) Signal(w *indicators.Window, state regime.State) types.Signal {
	if state.Trend != regime.TrendSideways {
		return types.HoldSignal(s.ID(), "trending_market")
	}
	cur := w.Latest()
	met := countTrue(
		below(cur.Close, cur.BBLower*(1+s.config.LowerBandTolerance)),
		below(cur.Close, cur.RecentLow*(1+s.config.SupportTolerance)),
		below(cur.Close, cur.BBMiddle) && below(cur.RSI, s.config.MidlineRSI),
	)
	if met == 0 {
		return types.HoldSignal(s.ID(), "price_not_in_buy_zone")
	}
	return entrySignal(s.ID(), w, s.stopMult, s.targetMult, float64(met)/gridConditionCount, "grid_buy_zone")
}

// Exit sells near the upper band or recent resistance.
func (s *Grid) Exit(w *indicators.Window, state regime.State) types.Signal {
	cur := w.Latest()
	price := w.LastBar().Close
	switch {
	case above(cur.Close, cur.BBUpper*s.config.UpperBandExit):
		return exitSignal(s.ID(), price, 1, "exit_upper_band")
	case above(cur.Close, cur.RecentHigh*s.config.ResistanceExit):
		return exitSignal(s.ID(), price, 0.8, "exit_resistance")
	}
	return types.HoldSignal(s.ID(), "hold_position")
}
