// Package selection picks the sub-strategy to follow for a bar by combining
// regime fitness, adaptive weights and Thompson sampling.
package selection

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mrt46/my-freqtrade/internal/learning"
	"github.com/mrt46/my-freqtrade/internal/regime"
	"github.com/mrt46/my-freqtrade/internal/strategy"
	"github.com/mrt46/my-freqtrade/pkg/types"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// ErrNoViableStrategy is returned when every strategy is filtered out.
var ErrNoViableStrategy = errors.New("no viable strategy")

// Mode is the exploration mode of the selector.
type Mode string

const (
	ModeThompson Mode = "thompson"
	ModeGreedy   Mode = "greedy"
	ModeEpsilon  Mode = "epsilon"
)

// Config configures the selector
type Config struct {
	FitnessFloor      float64       `json:"fitnessFloor" mapstructure:"fitness_floor" yaml:"fitness_floor" default:"0.25" validate:"gte=0,lte=1"`
	Exploration       Mode          `json:"exploration" mapstructure:"exploration" yaml:"exploration" default:"thompson" validate:"oneof=thompson greedy epsilon"`
	Epsilon           float64       `json:"epsilon" mapstructure:"epsilon" yaml:"epsilon" default:"0.1" validate:"gte=0,lte=1"`
	MinSwitchInterval time.Duration `json:"minSwitchInterval" mapstructure:"min_switch_interval" yaml:"min_switch_interval" default:"30m"`
	SwitchMargin      float64       `json:"switchMargin" mapstructure:"switch_margin" yaml:"switch_margin" default:"0.2" validate:"gte=0"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		FitnessFloor:      0.25,
		Exploration:       ModeThompson,
		Epsilon:           0.1,
		MinSwitchInterval: 30 * time.Minute,
		SwitchMargin:      0.2,
	}
}

// Validate checks the exploration mode.
func (c *Config) Validate() error {
	switch c.Exploration {
	case ModeThompson, ModeGreedy, ModeEpsilon:
		return nil
	}
	return fmt.Errorf("unknown exploration mode %q", c.Exploration)
}

// Input is everything a selection depends on.
type Input struct {
	Regime  regime.State
	Fitness map[types.StrategyID]float64
	Weights map[types.StrategyID]float64
	Open    map[types.StrategyID]int
	Caps    map[types.StrategyID]strategy.Caps
	Paused  map[types.StrategyID]string
	// At is the bar time used for switch hysteresis.
	At time.Time
}

// Candidate is one strategy's standing in a selection.
type Candidate struct {
	ID       types.StrategyID `json:"id"`
	Fitness  float64          `json:"fitness"`
	Weight   float64          `json:"weight"`
	Theta    float64          `json:"theta"`
	Score    float64          `json:"score"`
	Eligible bool             `json:"eligible"`
	Reason   string           `json:"reason,omitempty"`
}

// Decision explains a selection.
type Decision struct {
	Selected   types.StrategyID `json:"selected"`
	Previous   types.StrategyID `json:"previous"`
	Candidates []Candidate      `json:"candidates"`
	Mode       Mode             `json:"mode"`
	Explored   bool             `json:"explored"`
	Switched   bool             `json:"switched"`
	// Held is set when hysteresis kept the previous strategy.
	Held bool `json:"held"`
}

// Selector chooses among sub-strategies. Not safe for concurrent use; the
// owning engine serializes access.
type Selector struct {
	logger     *zap.Logger
	config     *Config
	bandit     *learning.Bandit
	current    types.StrategyID
	switchedAt time.Time
	counts     map[types.StrategyID]int
}

// NewSelector creates a selector drawing from bandit.
func NewSelector(logger *zap.Logger, config *Config, bandit *learning.Bandit) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = DefaultConfig()
	}
	return &Selector{
		logger: logger.Named("selector"),
		config: config,
		bandit: bandit,
		counts: make(map[types.StrategyID]int),
	}
}

// Select returns the strategy to follow. It returns ErrNoViableStrategy when
// every strategy is below the fitness floor, at its position cap or paused.
func (s *Selector) Select(in Input) (types.StrategyID, Decision, error) {
	label := in.Regime.Label()
	decision := Decision{Mode: s.config.Exploration, Previous: s.current}

	ids := lo.Keys(in.Fitness)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		c := Candidate{ID: id, Fitness: in.Fitness[id], Weight: weightOf(in.Weights, id)}
		switch {
		case c.Fitness < s.config.FitnessFloor:
			c.Reason = "below_fitness_floor"
		case atCap(in, id):
			c.Reason = "at_position_cap"
		case in.Paused[id] != "":
			c.Reason = "paused: " + in.Paused[id]
		default:
			c.Eligible = true
			if s.config.Exploration == ModeThompson {
				c.Theta = s.bandit.Sample(label, id)
			} else {
				c.Theta = s.bandit.Mean(label, id)
			}
			c.Score = c.Fitness * c.Weight * c.Theta
		}
		decision.Candidates = append(decision.Candidates, c)
	}

	eligible := lo.Filter(decision.Candidates, func(c Candidate, _ int) bool { return c.Eligible })
	if len(eligible) == 0 {
		s.logger.Debug("No viable strategy", zap.String("regime", label))
		return types.StrategyNone, decision, ErrNoViableStrategy
	}

	rank(eligible)
	winner := eligible[0]
	if s.config.Exploration == ModeEpsilon && s.bandit.Float64() < s.config.Epsilon {
		winner = eligible[s.bandit.Intn(len(eligible))]
		decision.Explored = true
	}

	if cur, ok := lo.Find(eligible, func(c Candidate) bool { return c.ID == s.current }); ok &&
		winner.ID != cur.ID && !decision.Explored && s.withinHold(in.At) &&
		winner.Score < cur.Score*(1+s.config.SwitchMargin) {
		winner = cur
		decision.Held = true
	}

	if winner.ID != s.current {
		decision.Switched = s.current != types.StrategyNone
		s.current = winner.ID
		s.switchedAt = in.At
		s.logger.Debug("Strategy switched",
			zap.String("from", decision.Previous.String()),
			zap.String("to", winner.ID.String()),
			zap.String("regime", label),
			zap.Float64("score", winner.Score))
	}
	s.counts[winner.ID]++
	decision.Selected = winner.ID
	return winner.ID, decision, nil
}

// Current returns the last selected strategy.
func (s *Selector) Current() types.StrategyID {
	return s.current
}

// Counts returns how often each strategy was selected.
func (s *Selector) Counts() map[types.StrategyID]int {
	return lo.Assign(s.counts)
}

func (s *Selector) withinHold(at time.Time) bool {
	if s.config.MinSwitchInterval <= 0 || s.switchedAt.IsZero() {
		return false
	}
	return at.Sub(s.switchedAt) < s.config.MinSwitchInterval
}

// rank orders by score, then weight, then lowest id.
func rank(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Score != cs[j].Score {
			return cs[i].Score > cs[j].Score
		}
		if cs[i].Weight != cs[j].Weight {
			return cs[i].Weight > cs[j].Weight
		}
		return cs[i].ID < cs[j].ID
	})
}

func atCap(in Input, id types.StrategyID) bool {
	caps, ok := in.Caps[id]
	if !ok || caps.MaxPositions <= 0 {
		return false
	}
	return in.Open[id] >= caps.MaxPositions
}

func weightOf(weights map[types.StrategyID]float64, id types.StrategyID) float64 {
	if w, ok := weights[id]; ok {
		return w
	}
	return 1.0
}
