package learning

import (
	"time"

	"github.com/mrt46/my-freqtrade/pkg/types"
	"go.uber.org/zap"
)

// Snapshot is the persistable learned state of one pair.
type Snapshot struct {
	Weights   map[types.StrategyID]float64        `json:"weights"`
	Arms      map[string]map[types.StrategyID]Arm `json:"arms"`
	Trades    []types.ClosedTrade                 `json:"trades,omitempty"`
	UpdatedAt time.Time                           `json:"updatedAt"`
}

// Learner bundles weights, bandit arms and performance tracking for one pair.
// Not safe for concurrent use; the owning engine serializes access.
type Learner struct {
	logger  *zap.Logger
	config  *Config
	Weights *Weights
	Bandit  *Bandit
	Tracker *Tracker
	updated time.Time
}

// NewLearner creates a learner for the given strategies.
func NewLearner(logger *zap.Logger, config *Config, ids []types.StrategyID) *Learner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = DefaultConfig()
	}
	return &Learner{
		logger:  logger.Named("learning"),
		config:  config,
		Weights: NewWeights(config, ids),
		Bandit:  NewBandit(config, ids),
		Tracker: NewTracker(config.Pause),
	}
}

// Record applies a closed trade: the owning strategy's weight and arm move
// toward the outcome and its statistics are updated. label is the regime
// label at entry, used by contextual arms.
func (l *Learner) Record(trade types.ClosedTrade, label string) float64 {
	before := l.Weights.Get(trade.StrategyID)
	after := l.Weights.Update(trade.StrategyID, trade.RealizedProfitFraction)
	arm := l.Bandit.Update(label, trade.StrategyID, trade.RealizedProfitFraction)
	l.Tracker.Record(trade)
	l.updated = trade.ClosedAt

	l.logger.Debug("Outcome recorded",
		zap.String("strategy", trade.StrategyID.String()),
		zap.Float64("profit", trade.RealizedProfitFraction),
		zap.Float64("weightBefore", before),
		zap.Float64("weightAfter", after),
		zap.Float64("armMean", arm.Mean()))

	if st := l.Tracker.Status(trade.StrategyID); st.Paused {
		l.logger.Warn("Strategy paused",
			zap.String("strategy", trade.StrategyID.String()),
			zap.String("reason", st.Reason))
	}
	return after
}

// Snapshot returns a copy of the learned state.
func (l *Learner) Snapshot() Snapshot {
	return Snapshot{
		Weights:   l.Weights.Snapshot(),
		Arms:      l.Bandit.Snapshot(),
		Trades:    l.Tracker.All(),
		UpdatedAt: l.updated,
	}
}

// Restore loads persisted learned state.
func (l *Learner) Restore(s Snapshot) {
	l.Weights.Restore(s.Weights)
	l.Bandit.Restore(s.Arms)
	l.Tracker.Restore(s.Trades)
	l.updated = s.UpdatedAt
}
