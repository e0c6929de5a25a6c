// Package engine runs the per-bar decision cycle for one trading pair:
// indicators, regime, fitness, selection, signal and risk, ending in at most
// one trade intent. It performs no I/O; hosts own persistence and transport.
package engine

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mrt46/my-freqtrade/internal/indicators"
	"github.com/mrt46/my-freqtrade/internal/learning"
	"github.com/mrt46/my-freqtrade/internal/regime"
	"github.com/mrt46/my-freqtrade/internal/risk"
	"github.com/mrt46/my-freqtrade/internal/selection"
	"github.com/mrt46/my-freqtrade/internal/strategy"
	"github.com/mrt46/my-freqtrade/pkg/types"
	"go.uber.org/zap"
)

// Outcome classifies what a cycle produced.
type Outcome string

const (
	OutcomeNotReady Outcome = "not_ready"
	OutcomeHold     Outcome = "hold"
	OutcomeVetoed   Outcome = "vetoed"
	OutcomeIntent   Outcome = "intent"
)

// Result is the record of one decision cycle.
type Result struct {
	Pair     string                       `json:"pair"`
	BarTime  time.Time                    `json:"barTime"`
	Outcome  Outcome                      `json:"outcome"`
	Intent   *types.TradeIntent           `json:"intent,omitempty"`
	Regime   regime.State                 `json:"regime"`
	Fitness  map[types.StrategyID]float64 `json:"fitness,omitempty"`
	Weights  map[types.StrategyID]float64 `json:"weights,omitempty"`
	Selected types.StrategyID             `json:"selected"`
	Signal   types.Signal                 `json:"signal"`
	Decision *selection.Decision          `json:"decision,omitempty"`
	Veto     *risk.Veto                   `json:"veto,omitempty"`
	ATR      float64                      `json:"atr"`
	// RegimeChanged is set when the regime was recomputed with a different
	// trend, volatility or volume tier.
	RegimeChanged bool   `json:"regimeChanged"`
	Reason        string `json:"reason,omitempty"`
}

// Engine decides for one pair. All methods are safe for concurrent use and
// serialize on one mutex.
type Engine struct {
	logger *zap.Logger
	config *Config
	pair   string

	mu          sync.Mutex
	series      *indicators.Series
	detector    *regime.Detector
	registry    *strategy.Registry
	selector    *selection.Selector
	learner     *learning.Learner
	risk        *risk.Manager
	last        *regime.State
	entryLabels map[types.StrategyID][]string
	lastBar     time.Time
	evaluations uint64
	intents     uint64
	vetoes      uint64
}

// New creates an engine for one pair. A nil logger disables logging.
func New(logger *zap.Logger, pair string, config *Config) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = DefaultConfig()
	}
	if pair == "" {
		return nil, fmt.Errorf("%w: empty pair", ErrInvalidConfiguration)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("pair", pair))
	registry := strategy.NewRegistry(logger, &config.Strategies)
	learner := learning.NewLearner(logger, &config.Learning, registry.IDs())
	return &Engine{
		logger:      logger.Named("engine"),
		config:      config,
		pair:        pair,
		series:      indicators.NewSeries(&config.Indicators),
		detector:    regime.NewDetector(logger, &config.Regime),
		registry:    registry,
		selector:    selection.NewSelector(logger, &config.Selector, learner.Bandit),
		learner:     learner,
		risk:        risk.NewManager(logger, &config.Risk, registry.Limits()),
		entryLabels: make(map[types.StrategyID][]string),
	}, nil
}

// Pair returns the engine's pair.
func (e *Engine) Pair() string {
	return e.pair
}

// Evaluate runs one decision cycle for a closed bar. Insufficient history,
// vetoes and the absence of a viable strategy are reported in the Result;
// only malformed or out-of-order bars return an error.
func (e *Engine) Evaluate(bar types.PriceBar, account types.AccountState) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := Result{Pair: e.pair, BarTime: bar.Timestamp}
	w, err := e.series.Update(bar)
	switch {
	case errors.Is(err, ErrInsufficientHistory):
		res.Outcome = OutcomeNotReady
		res.Reason = err.Error()
		return res, nil
	case err != nil:
		return res, fmt.Errorf("evaluate %s: %w", e.pair, err)
	}
	e.lastBar = bar.Timestamp
	e.evaluations++

	state := e.detector.Classify(w)
	res.RegimeChanged = e.last == nil || e.last.Version != state.Version && (e.last.Trend != state.Trend ||
		e.last.Volatility != state.Volatility || e.last.Volume != state.Volume)
	e.last = &state

	p := w.Latest()
	res.Regime = state
	res.ATR = p.ATR
	res.Fitness = e.registry.Fitness(state)
	res.Weights = e.learner.Weights.Snapshot()

	market := risk.Market{
		Pair:        e.pair,
		Time:        bar.Timestamp,
		Price:       bar.Close,
		ATR:         p.ATR,
		Volatility:  state.Volatility,
		PriceChange: priceChange(w, e.config.Risk.CircuitBreaker.MoveWindow),
		VolumeRatio: state.VolumeRatio,
	}
	e.risk.Observe(market)

	var signal types.Signal
	if pos := account.Position; pos != nil {
		signal = e.exitSignal(w, state, *pos, bar)
		res.Selected = pos.StrategyID
	} else {
		id, decision, err := e.selector.Select(selection.Input{
			Regime:  state,
			Fitness: res.Fitness,
			Weights: res.Weights,
			Open:    account.OpenByStrategy,
			Caps:    e.registry.Limits(),
			Paused:  e.learner.Tracker.Paused(),
			At:      bar.Timestamp,
		})
		res.Decision = &decision
		if errors.Is(err, ErrNoViableStrategy) {
			res.Outcome = OutcomeHold
			res.Reason = err.Error()
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("select strategy for %s: %w", e.pair, err)
		}
		res.Selected = id
		sub, ok := e.registry.Get(id)
		if !ok {
			return res, fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
		}
		signal = sub.Signal(w, state)
	}
	res.Signal = signal

	if !signal.IsActionable() {
		res.Outcome = OutcomeHold
		res.Reason = signal.Reason
		return res, nil
	}

	intent, err := e.risk.Evaluate(signal, market, account, e.config.Limits)
	var veto *risk.Veto
	if errors.As(err, &veto) {
		e.vetoes++
		res.Outcome = OutcomeVetoed
		res.Veto = veto
		res.Reason = veto.Error()
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("risk check for %s: %w", e.pair, err)
	}

	e.intents++
	if intent.Direction == types.DirectionEnterLong {
		e.entryLabels[intent.StrategyID] = append(e.entryLabels[intent.StrategyID], state.Label())
	}
	res.Outcome = OutcomeIntent
	res.Intent = &intent
	e.logger.Debug("Trade intent",
		zap.String("direction", string(intent.Direction)),
		zap.String("strategy", intent.StrategyID.String()),
		zap.String("size", intent.Size.String()),
		zap.String("entry", intent.Entry.String()),
		zap.String("stop", intent.Stop.String()))
	return res, nil
}

// exitSignal asks the owning sub-strategy whether to close, after the
// regime-level exits.
func (e *Engine) exitSignal(w *indicators.Window, state regime.State, pos types.OpenPosition, bar types.PriceBar) types.Signal {
	if sig, ok := strategy.RegimeExit(e.config.Strategies.RegimeExit, state, pos, bar.Close); ok {
		return sig
	}
	owner, ok := e.registry.Get(pos.StrategyID)
	if !ok {
		return types.HoldSignal(pos.StrategyID, "unknown_owner")
	}
	return owner.Exit(w, state)
}

// RecordOutcome feeds a closed trade back into the owning strategy's weight,
// arm and statistics. No other strategy's state changes.
func (e *Engine) RecordOutcome(trade types.ClosedTrade) error {
	if _, ok := e.registry.Get(trade.StrategyID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, trade.StrategyID)
	}
	if math.IsNaN(trade.RealizedProfitFraction) || math.IsInf(trade.RealizedProfitFraction, 0) {
		return fmt.Errorf("%w: profit fraction %v", ErrInvalidOutcome, trade.RealizedProfitFraction)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	label := ""
	if q := e.entryLabels[trade.StrategyID]; len(q) > 0 {
		label = q[0]
		e.entryLabels[trade.StrategyID] = q[1:]
	} else if e.last != nil {
		label = e.last.Label()
	}
	if trade.ClosedAt.IsZero() {
		trade.ClosedAt = e.lastBar
	}
	e.learner.Record(trade, label)
	return nil
}

// Restore loads persisted learned state.
func (e *Engine) Restore(s learning.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.learner.Restore(s)
}

// Learning returns the persistable learned state.
func (e *Engine) Learning() learning.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.learner.Snapshot()
}

// Snapshot is a read-only view of an engine.
type Snapshot struct {
	Pair        string                              `json:"pair"`
	Bars        int                                 `json:"bars"`
	Ready       bool                                `json:"ready"`
	LastBar     time.Time                           `json:"lastBar,omitempty"`
	Regime      *regime.State                       `json:"regime,omitempty"`
	Fitness     map[types.StrategyID]float64        `json:"fitness,omitempty"`
	Weights     map[types.StrategyID]float64        `json:"weights"`
	Arms        map[types.StrategyID]learning.Arm   `json:"arms"`
	Stats       map[types.StrategyID]learning.Stats `json:"stats"`
	Paused      map[types.StrategyID]string         `json:"paused,omitempty"`
	Selected    types.StrategyID                    `json:"selected"`
	Selections  map[types.StrategyID]int            `json:"selections"`
	Breaker     risk.BreakerStatus                  `json:"breaker"`
	Evaluations uint64                              `json:"evaluations"`
	Intents     uint64                              `json:"intents"`
	Vetoes      uint64                              `json:"vetoes"`
}

// Snapshot returns copies of the engine's observable state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	label := ""
	s := Snapshot{
		Pair:        e.pair,
		Bars:        e.series.Len(),
		Ready:       e.series.Len() >= e.config.Indicators.MinLookback,
		LastBar:     e.lastBar,
		Weights:     e.learner.Weights.Snapshot(),
		Stats:       make(map[types.StrategyID]learning.Stats),
		Paused:      e.learner.Tracker.Paused(),
		Selected:    e.selector.Current(),
		Selections:  e.selector.Counts(),
		Breaker:     e.risk.Breaker().Status(),
		Evaluations: e.evaluations,
		Intents:     e.intents,
		Vetoes:      e.vetoes,
	}
	if e.last != nil {
		st := *e.last
		s.Regime = &st
		s.Fitness = e.registry.Fitness(st)
		label = st.Label()
	}
	s.Arms = e.learner.Bandit.Arms(label)
	for _, id := range e.registry.IDs() {
		s.Stats[id] = e.learner.Tracker.Recent(id)
	}
	return s
}

// priceChange is the fractional move from the last bar at or before window
// ago to the latest close.
func priceChange(w *indicators.Window, window time.Duration) float64 {
	if window <= 0 || w.Len() < 2 {
		return 0
	}
	last := w.LastBar()
	cutoff := last.Timestamp.Add(-window)
	for i := w.Len() - 2; i >= 0; i-- {
		b := w.Bar(i)
		if b.Timestamp.After(cutoff) {
			continue
		}
		if b.Close.Sign() <= 0 {
			return 0
		}
		f, _ := last.Close.Sub(b.Close).Div(b.Close).Float64()
		return f
	}
	return 0
}
