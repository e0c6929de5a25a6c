// Package strategy provides the sub-strategy signal generators. Each variant
// scores its fitness for a regime and produces entry and exit signals as pure
// functions of an indicator window and its own thresholds.
package strategy

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/mrt46/my-freqtrade/internal/indicators"
	"github.com/mrt46/my-freqtrade/internal/regime"
	"github.com/mrt46/my-freqtrade/pkg/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SubStrategy is the capability every variant implements.
type SubStrategy interface {
	ID() types.StrategyID
	Name() string
	Description() string
	Limits() Caps
	Parameters() []Parameter
	// Fitness scores suitability for a regime in [0,1].
	Fitness(state regime.State) float64
	// Signal returns an entry signal or hold.
	Signal(w *indicators.Window, state regime.State) types.Signal
	// Exit returns an exit signal or hold for a position opened by this
	// sub-strategy.
	Exit(w *indicators.Window, state regime.State) types.Signal
}

// Caps bounds how much a sub-strategy may hold at once.
type Caps struct {
	MaxPositions       int     `json:"maxPositions"`
	MaxCapitalFraction float64 `json:"maxCapitalFraction"`
}

// Parameter describes one tunable threshold.
type Parameter struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Value       float64 `json:"value"`
}

// Config holds the thresholds of every variant.
type Config struct {
	StopATRMultiple   float64             `json:"stopAtrMultiple" mapstructure:"stop_atr_multiple" yaml:"stop_atr_multiple" default:"2.0" validate:"gt=0"`
	TargetATRMultiple float64             `json:"targetAtrMultiple" mapstructure:"target_atr_multiple" yaml:"target_atr_multiple" default:"3.0" validate:"gt=0"`
	TrendFollowing    TrendFollowingConfig `json:"trendFollowing" mapstructure:"trend_following" yaml:"trend_following"`
	Grid              GridConfig           `json:"grid" mapstructure:"grid" yaml:"grid"`
	MeanReversion     MeanReversionConfig  `json:"meanReversion" mapstructure:"mean_reversion" yaml:"mean_reversion"`
	RegimeExit        RegimeExitConfig     `json:"regimeExit" mapstructure:"regime_exit" yaml:"regime_exit"`
}

// RegimeExitConfig closes positions when the regime turns against them.
type RegimeExitConfig struct {
	Enabled               bool    `json:"enabled" mapstructure:"enabled" yaml:"enabled" default:"true"`
	ExtremeVolatilityGain float64 `json:"extremeVolatilityGain" mapstructure:"extreme_volatility_gain" yaml:"extreme_volatility_gain" default:"0.01" validate:"gte=0"`
}

// DefaultConfig returns the documented thresholds.
func DefaultConfig() *Config {
	return &Config{
		StopATRMultiple:   2.0,
		TargetATRMultiple: 3.0,
		TrendFollowing:    DefaultTrendFollowingConfig(),
		Grid:              DefaultGridConfig(),
		MeanReversion:     DefaultMeanReversionConfig(),
		RegimeExit:        RegimeExitConfig{Enabled: true, ExtremeVolatilityGain: 0.01},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.TrendFollowing.MinConditions < 1 || c.TrendFollowing.MinConditions > trendConditionCount {
		return fmt.Errorf("trend_following.min_conditions must be between 1 and %d", trendConditionCount)
	}
	if c.MeanReversion.MinConditions < 1 || c.MeanReversion.MinConditions > meanReversionConditionCount {
		return fmt.Errorf("mean_reversion.min_conditions must be between 1 and %d", meanReversionConditionCount)
	}
	for _, caps := range []Caps{c.TrendFollowing.Limits(), c.Grid.Limits(), c.MeanReversion.Limits()} {
		if caps.MaxPositions < 1 {
			return fmt.Errorf("max_positions must be at least 1")
		}
		if caps.MaxCapitalFraction <= 0 || caps.MaxCapitalFraction > 1 {
			return fmt.Errorf("max_capital_fraction must be in (0, 1], got %v", caps.MaxCapitalFraction)
		}
	}
	return nil
}

// Registry holds the sub-strategies in ascending id order.
type Registry struct {
	logger     *zap.Logger
	mu         sync.RWMutex
	strategies map[types.StrategyID]SubStrategy
}

// NewRegistry creates a registry with the built-in variants.
func NewRegistry(logger *zap.Logger, config *Config) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = DefaultConfig()
	}
	r := &Registry{
		logger:     logger.Named("strategies"),
		strategies: make(map[types.StrategyID]SubStrategy),
	}
	r.Register(NewTrendFollowing(config.TrendFollowing, config.StopATRMultiple, config.TargetATRMultiple))
	r.Register(NewGrid(config.Grid, config.StopATRMultiple, config.TargetATRMultiple))
	r.Register(NewMeanReversion(config.MeanReversion, config.StopATRMultiple, config.TargetATRMultiple))
	return r
}

// Register adds or replaces a sub-strategy.
func (r *Registry) Register(s SubStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.ID()] = s
	r.logger.Debug("Registered sub-strategy", zap.String("strategy", s.Name()))
}

// Get returns a sub-strategy by id.
func (r *Registry) Get(id types.StrategyID) (SubStrategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[id]
	return s, ok
}

// IDs returns registered ids in ascending order.
func (r *Registry) IDs() []types.StrategyID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := lo.Keys(r.strategies)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// All returns registered sub-strategies in ascending id order.
func (r *Registry) All() []SubStrategy {
	ids := r.IDs()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(ids, func(id types.StrategyID, _ int) SubStrategy { return r.strategies[id] })
}

// Fitness scores every registered sub-strategy for a regime.
func (r *Registry) Fitness(state regime.State) map[types.StrategyID]float64 {
	out := make(map[types.StrategyID]float64)
	for _, s := range r.All() {
		out[s.ID()] = s.Fitness(state)
	}
	return out
}

// Limits returns the caps of every registered sub-strategy.
func (r *Registry) Limits() map[types.StrategyID]Caps {
	out := make(map[types.StrategyID]Caps)
	for _, s := range r.All() {
		out[s.ID()] = s.Limits()
	}
	return out
}

// RegimeExit closes an open long when the regime turns against it: extreme
// volatility while in profit, or a down trend while at a loss.
func RegimeExit(cfg RegimeExitConfig, state regime.State, pos types.OpenPosition, price decimal.Decimal) (types.Signal, bool) {
	if !cfg.Enabled {
		return types.Signal{}, false
	}
	profit := pos.ProfitFraction(price)
	switch {
	case state.Volatility == regime.VolatilityExtreme && profit > cfg.ExtremeVolatilityGain:
		return exitSignal(pos.StrategyID, price, 1, "exit_extreme_volatility"), true
	case state.Trend.IsDown() && profit < 0:
		return exitSignal(pos.StrategyID, price, 1, "exit_trend_reversal"), true
	}
	return types.Signal{}, false
}

// entrySignal builds an enter_long signal with ATR based stop and target.
func entrySignal(id types.StrategyID, w *indicators.Window, stopMult, targetMult, confidence float64, reason string) types.Signal {
	price := w.LastBar().Close
	atr := w.Latest().ATR
	sig := types.Signal{
		Direction:  types.DirectionEnterLong,
		Confidence: clamp01(confidence),
		StrategyID: id,
		Reason:     reason,
		Price:      price,
	}
	if !math.IsNaN(atr) && atr > 0 {
		sig.SuggestedStop = price.Sub(decimal.NewFromFloat(stopMult * atr))
		sig.SuggestedTarget = price.Add(decimal.NewFromFloat(targetMult * atr))
	}
	return sig
}

func exitSignal(id types.StrategyID, price decimal.Decimal, confidence float64, reason string) types.Signal {
	return types.Signal{
		Direction:  types.DirectionExit,
		Confidence: clamp01(confidence),
		StrategyID: id,
		Reason:     reason,
		Price:      price,
	}
}

// countTrue returns how many conditions hold.
func countTrue(conds ...bool) int {
	return lo.Count(conds, true)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// below and above treat NaN as false.
func below(v, limit float64) bool { return !math.IsNaN(v) && !math.IsNaN(limit) && v < limit }
func above(v, limit float64) bool { return !math.IsNaN(v) && !math.IsNaN(limit) && v > limit }
