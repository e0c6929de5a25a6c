// Package learning adapts per-strategy weights and bandit arms from closed
// trade outcomes, and tracks the performance statistics that pause
// underperforming strategies.
package learning

import (
	"fmt"
	"math"

	"github.com/mrt46/my-freqtrade/pkg/types"
)

// Config configures adaptive weights, bandit arms and pause rules.
type Config struct {
	LearningRate  float64 `json:"learningRate" mapstructure:"learning_rate" yaml:"learning_rate" default:"0.1" validate:"gt=0,lte=1"`
	InitialWeight float64 `json:"initialWeight" mapstructure:"initial_weight" yaml:"initial_weight" default:"1.0" validate:"gt=0"`
	MinWeight     float64 `json:"minWeight" mapstructure:"min_weight" yaml:"min_weight" default:"0.1" validate:"gt=0"`
	MaxWeight     float64 `json:"maxWeight" mapstructure:"max_weight" yaml:"max_weight" default:"2.0" validate:"gt=0"`
	// ProfitScale maps profit fractions in [-scale, +scale] onto [0, 1].
	ProfitScale float64 `json:"profitScale" mapstructure:"profit_scale" yaml:"profit_scale" default:"0.1" validate:"gt=0"`

	PriorAlpha float64 `json:"priorAlpha" mapstructure:"prior_alpha" yaml:"prior_alpha" default:"1" validate:"gt=0"`
	PriorBeta  float64 `json:"priorBeta" mapstructure:"prior_beta" yaml:"prior_beta" default:"1" validate:"gt=0"`
	Seed       uint64  `json:"seed" mapstructure:"seed" yaml:"seed" default:"42"`
	Contextual bool    `json:"contextual" mapstructure:"contextual" yaml:"contextual" default:"false"`

	Pause PauseConfig `json:"pause" mapstructure:"pause" yaml:"pause"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		LearningRate:  0.1,
		InitialWeight: 1.0,
		MinWeight:     0.1,
		MaxWeight:     2.0,
		ProfitScale:   0.1,
		PriorAlpha:    1,
		PriorBeta:     1,
		Seed:          42,
		Pause:         DefaultPauseConfig(),
	}
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.MinWeight <= 0 {
		return fmt.Errorf("min_weight must be positive, got %v", c.MinWeight)
	}
	if c.ProfitScale <= 0 {
		return fmt.Errorf("profit_scale must be positive, got %v", c.ProfitScale)
	}
	if c.LearningRate <= 0 || c.LearningRate > 1 {
		return fmt.Errorf("learning_rate must be in (0, 1], got %v", c.LearningRate)
	}
	if c.MinWeight > c.MaxWeight {
		return fmt.Errorf("min_weight (%.2f) exceeds max_weight (%.2f)", c.MinWeight, c.MaxWeight)
	}
	if c.InitialWeight < c.MinWeight || c.InitialWeight > c.MaxWeight {
		return fmt.Errorf("initial_weight (%.2f) outside [%.2f, %.2f]", c.InitialWeight, c.MinWeight, c.MaxWeight)
	}
	return nil
}

// Normalize maps a realized profit fraction onto [0, 1]: -scale and below
// map to 0, zero to 0.5, +scale and above to 1. A non-positive scale maps
// everything to 0.5.
func Normalize(profit, scale float64) float64 {
	if math.IsNaN(profit) || scale <= 0 {
		return 0.5
	}
	n := (profit + scale) / (2 * scale)
	return math.Max(0, math.Min(1, n))
}

// Weights holds one adaptive weight per strategy. It is owned by a single
// engine and not safe for concurrent use.
type Weights struct {
	config  *Config
	weights map[types.StrategyID]float64
}

// NewWeights creates weights at the initial value for the given strategies.
func NewWeights(config *Config, ids []types.StrategyID) *Weights {
	if config == nil {
		config = DefaultConfig()
	}
	w := &Weights{config: config, weights: make(map[types.StrategyID]float64, len(ids))}
	for _, id := range ids {
		w.weights[id] = config.InitialWeight
	}
	return w
}

// Get returns the weight of a strategy, or the initial weight if unknown.
func (w *Weights) Get(id types.StrategyID) float64 {
	if v, ok := w.weights[id]; ok {
		return v
	}
	return w.config.InitialWeight
}

// Update moves one strategy's weight toward twice its normalized profit and
// returns the new weight. No other weight changes.
func (w *Weights) Update(id types.StrategyID, profit float64) float64 {
	lambda := w.config.LearningRate
	target := 2 * Normalize(profit, w.config.ProfitScale)
	next := (1-lambda)*w.Get(id) + lambda*target
	next = math.Max(w.config.MinWeight, math.Min(w.config.MaxWeight, next))
	w.weights[id] = next
	return next
}

// Snapshot returns a copy of all weights.
func (w *Weights) Snapshot() map[types.StrategyID]float64 {
	out := make(map[types.StrategyID]float64, len(w.weights))
	for id, v := range w.weights {
		out[id] = v
	}
	return out
}

// Restore replaces weights with persisted values, clipped to the bounds.
// Ids that are not registered strategies are ignored.
func (w *Weights) Restore(saved map[types.StrategyID]float64) {
	for id, v := range saved {
		if _, ok := w.weights[id]; !ok || math.IsNaN(v) {
			continue
		}
		w.weights[id] = math.Max(w.config.MinWeight, math.Min(w.config.MaxWeight, v))
	}
}
