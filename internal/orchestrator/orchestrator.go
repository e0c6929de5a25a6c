// Package orchestrator is the integration point of the decision engine host.
// It feeds closed bars through the per-pair engines, executes the resulting
// intents against the simulated ledger, feeds closed trades back into
// learning and fans everything out on the event bus.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrt46/my-freqtrade/internal/config"
	"github.com/mrt46/my-freqtrade/internal/engine"
	"github.com/mrt46/my-freqtrade/internal/events"
	"github.com/mrt46/my-freqtrade/internal/ledger"
	"github.com/mrt46/my-freqtrade/internal/metrics"
	"github.com/mrt46/my-freqtrade/internal/statestore"
	"github.com/mrt46/my-freqtrade/internal/workers"
	"github.com/mrt46/my-freqtrade/pkg/types"
	"github.com/mrt46/my-freqtrade/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned by Start on a running orchestrator.
var ErrAlreadyRunning = errors.New("orchestrator already running")

const maxRegimeHistory = 500

// Config configures the orchestrator.
type Config struct {
	Pairs         []string
	InitialEquity decimal.Decimal
	FeeRate       float64
	// Workers is the replay parallelism. With one worker, replay merges all
	// pairs into a single timestamp-ordered stream.
	Workers int
	Bus     events.Config
}

// DefaultConfig returns a single-pair, sequential configuration.
func DefaultConfig() Config {
	return Config{
		Pairs:         []string{"BTC/USDT"},
		InitialEquity: decimal.NewFromInt(10000),
		FeeRate:       0.001,
		Workers:       1,
		Bus:           events.DefaultConfig(),
	}
}

// ConfigFrom derives the orchestrator section of the host configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Pairs:         cfg.Trading.Pairs,
		InitialEquity: decimal.NewFromFloat(cfg.Trading.InitialEquity),
		FeeRate:       cfg.Trading.FeeRate,
		Workers:       cfg.Trading.Workers,
		Bus:           events.DefaultConfig(),
	}
}

// RegimeTransition records a change of a pair's regime tiers.
type RegimeTransition struct {
	Pair      string    `json:"pair"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// Counters are running totals since the orchestrator was created.
type Counters struct {
	Bars     int64 `json:"bars"`
	Errors   int64 `json:"errors"`
	Intents  int64 `json:"intents"`
	Vetoes   int64 `json:"vetoes"`
	Rejected int64 `json:"rejected"`
	Fills    int64 `json:"fills"`
	Outcomes int64 `json:"outcomes"`
}

// Status is a point-in-time view of the host.
type Status struct {
	Running   bool                 `json:"running"`
	Counters  Counters             `json:"counters"`
	Account   ledger.Summary       `json:"account"`
	Positions []types.OpenPosition `json:"positions"`
	Engines   []engine.Snapshot    `json:"engines"`
	Bus       events.Stats         `json:"bus"`
	Pool      workers.PoolStats    `json:"pool"`
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records every cycle and outcome on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = r }
}

// WithStore persists learned state after every outcome and restores it on
// Start.
func WithStore(s statestore.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// Orchestrator coordinates the engines and their surroundings.
type Orchestrator struct {
	logger  *zap.Logger
	config  Config
	engines *engine.Manager
	ledger  *ledger.Ledger
	bus     *events.Bus
	pool    *workers.Pool
	metrics *metrics.Recorder
	store   statestore.Store

	// decide serializes account reads, evaluation and execution so
	// portfolio-wide limits see every position opened before them.
	decide sync.Mutex

	mu            sync.RWMutex
	running       bool
	regimeHistory []RegimeTransition
	lastRegime    map[string]string

	bars     atomic.Int64
	errors   atomic.Int64
	intents  atomic.Int64
	vetoes   atomic.Int64
	rejected atomic.Int64
	fills    atomic.Int64
	outcomes atomic.Int64
}

// New wires an orchestrator. The engine configuration is validated once for
// all pairs.
func New(logger *zap.Logger, engineCfg *engine.Config, cfg Config, opts ...Option) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InitialEquity.Sign() <= 0 {
		return nil, fmt.Errorf("%w: initial equity must be positive", engine.ErrInvalidConfiguration)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	manager, err := engine.NewManager(logger, engineCfg)
	if err != nil {
		return nil, err
	}
	pairs := make([]string, len(cfg.Pairs))
	for i, pair := range cfg.Pairs {
		pairs[i] = utils.FormatPair(pair)
		if _, err := manager.Engine(pairs[i]); err != nil {
			return nil, err
		}
	}
	cfg.Pairs = pairs

	poolCfg := workers.DefaultPoolConfig("replay")
	poolCfg.NumWorkers = cfg.Workers

	o := &Orchestrator{
		logger:     logger.Named("orchestrator"),
		config:     cfg,
		engines:    manager,
		ledger:     ledger.New(cfg.InitialEquity, cfg.FeeRate),
		bus:        events.NewBus(logger, cfg.Bus),
		pool:       workers.NewPool(logger, poolCfg),
		store:      statestore.NopStore{},
		lastRegime: make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics != nil {
		o.metrics.SetEquity(cfg.InitialEquity.InexactFloat64())
	}
	return o, nil
}

// Start restores persisted learning for the configured pairs and starts the
// worker pool.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.running = true
	o.mu.Unlock()

	for _, pair := range o.config.Pairs {
		if err := o.Restore(ctx, pair); err != nil {
			o.logger.Warn("Failed to restore learned state", zap.String("pair", pair), zap.Error(err))
		}
	}
	o.pool.Start()

	o.logger.Info("Orchestrator started",
		zap.Strings("pairs", o.config.Pairs),
		zap.Int("workers", o.config.Workers),
		zap.String("equity", o.config.InitialEquity.String()),
	)
	return nil
}

// Stop saves learned state, then stops the pool and drains the bus.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	o.mu.Unlock()

	err := o.SaveState(ctx)
	if perr := o.pool.Stop(); perr != nil {
		err = errors.Join(err, perr)
	}
	o.bus.Stop()
	o.logger.Info("Orchestrator stopped")
	return err
}

// ProcessBar runs one closed bar of a pair through the pipeline: resting
// stops and targets fill first, then the engine decides against the updated
// account and any intent is executed on the ledger. Bars of different pairs
// are decided one at a time.
func (o *Orchestrator) ProcessBar(ctx context.Context, pair string, bar types.PriceBar) (engine.Result, error) {
	pair = utils.FormatPair(pair)
	o.bars.Add(1)

	o.decide.Lock()
	defer o.decide.Unlock()

	if fill, ok := o.ledger.Mark(pair, bar); ok {
		o.settle(ctx, fill)
	}

	start := time.Now()
	res, err := o.engines.Evaluate(pair, bar, o.ledger.Account(pair))
	if err != nil {
		o.errors.Add(1)
		return res, err
	}
	if o.metrics != nil {
		o.metrics.ObserveResult(res, time.Since(start))
	}

	if res.Outcome != engine.OutcomeNotReady && res.RegimeChanged {
		o.recordRegime(pair, res)
	}

	switch res.Outcome {
	case engine.OutcomeVetoed:
		o.vetoes.Add(1)
		o.bus.Publish(events.NewVetoEvent(pair, bar.Timestamp, *res.Veto))
	case engine.OutcomeIntent:
		o.intents.Add(1)
		o.bus.Publish(events.NewIntentEvent(*res.Intent, res.Regime))
		o.execute(ctx, *res.Intent)
	}

	if o.metrics != nil {
		o.metrics.SetEquity(o.ledger.Equity().InexactFloat64())
	}
	return res, nil
}

func (o *Orchestrator) execute(ctx context.Context, intent types.TradeIntent) {
	fill, err := o.ledger.Apply(intent)
	if err != nil {
		o.rejected.Add(1)
		o.logger.Warn("Ledger rejected intent",
			zap.String("pair", intent.Pair),
			zap.String("direction", string(intent.Direction)),
			zap.Error(err),
		)
		return
	}
	o.fills.Add(1)
	if fill != nil {
		o.settle(ctx, fill)
		return
	}
	if pos := o.ledger.Account(intent.Pair).Position; pos != nil {
		o.bus.Publish(events.NewPositionEvent(events.PositionOpened, *pos, intent.Entry, intent.CreatedAt, intent.Reason))
	}
}

// settle reports a closed position and feeds its outcome back.
func (o *Orchestrator) settle(ctx context.Context, fill *ledger.Fill) {
	ev := events.NewPositionEvent(events.PositionClosed, fill.Position, fill.Price, fill.Trade.ClosedAt, fill.Reason)
	trade := fill.Trade
	ev.Trade = &trade
	o.bus.Publish(ev)

	if err := o.RecordOutcome(ctx, fill.Trade); err != nil {
		o.logger.Error("Failed to record simulated outcome", zap.String("pair", fill.Trade.Pair), zap.Error(err))
	}
}

func (o *Orchestrator) recordRegime(pair string, res engine.Result) {
	label := res.Regime.Label()
	o.mu.Lock()
	prev := o.lastRegime[pair]
	o.lastRegime[pair] = label
	o.regimeHistory = append(o.regimeHistory, RegimeTransition{
		Pair:      pair,
		From:      prev,
		To:        label,
		Timestamp: res.BarTime,
	})
	if n := len(o.regimeHistory); n > maxRegimeHistory {
		o.regimeHistory = append(o.regimeHistory[:0:0], o.regimeHistory[n-maxRegimeHistory:]...)
	}
	o.mu.Unlock()

	o.logger.Info("Regime transition",
		zap.String("pair", pair),
		zap.String("from", prev),
		zap.String("to", label),
		zap.Float64("adx", res.Regime.ADX),
		zap.Float64("atr_pct", res.Regime.ATRPct),
	)
	o.bus.Publish(events.NewRegimeEvent(pair, res.Regime))
}

// RecordOutcome feeds a closed trade back into its pair's engine, then
// persists the pair's learned state. Trades for pairs without an engine are
// rejected with engine.ErrUnknownPair.
func (o *Orchestrator) RecordOutcome(ctx context.Context, trade types.ClosedTrade) error {
	trade.Pair = utils.FormatPair(trade.Pair)
	if err := o.engines.RecordOutcome(trade); err != nil {
		return err
	}
	o.outcomes.Add(1)
	if o.metrics != nil {
		o.metrics.RecordOutcome(trade)
	}

	weight := 0.0
	if eng, ok := o.engines.Lookup(trade.Pair); ok {
		weight = eng.Snapshot().Weights[trade.StrategyID]
		if err := o.store.Save(ctx, trade.Pair, eng.Learning()); err != nil {
			o.logger.Warn("Failed to persist learned state", zap.String("pair", trade.Pair), zap.Error(err))
		}
	}
	o.bus.Publish(events.NewOutcomeEvent(trade, weight))
	return nil
}

// Restore loads a pair's learned state from the store. A pair with nothing
// saved keeps its defaults.
func (o *Orchestrator) Restore(ctx context.Context, pair string) error {
	eng, err := o.engines.Engine(pair)
	if err != nil {
		return err
	}
	snapshot, err := o.store.Load(ctx, eng.Pair())
	if errors.Is(err, statestore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	eng.Restore(snapshot)
	o.logger.Info("Restored learned state", zap.String("pair", eng.Pair()), zap.Int("trades", len(snapshot.Trades)))
	return nil
}

// SaveState persists the learned state of every engine.
func (o *Orchestrator) SaveState(ctx context.Context) error {
	var errs []error
	for _, pair := range o.engines.Pairs() {
		eng, ok := o.engines.Lookup(pair)
		if !ok {
			continue
		}
		if err := o.store.Save(ctx, pair, eng.Learning()); err != nil {
			errs = append(errs, fmt.Errorf("save %s: %w", pair, err))
		}
	}
	return errors.Join(errs...)
}

// ReplayReport summarizes a replay run.
type ReplayReport struct {
	Pairs    []string          `json:"pairs"`
	Bars     int64             `json:"bars"`
	Errors   int64             `json:"errors"`
	Intents  int64             `json:"intents"`
	Vetoes   int64             `json:"vetoes"`
	Account  ledger.Summary    `json:"account"`
	Engines  []engine.Snapshot `json:"engines"`
	Duration time.Duration     `json:"duration"`
}

type pairBar struct {
	pair string
	bar  types.PriceBar
}

// Replay feeds historical bars through ProcessBar. With one worker the
// pairs are merged into a single stream ordered by timestamp, then pair, so
// the run is deterministic. With more workers each pair is replayed as a
// task on the pool; per-pair order holds and portfolio-wide limits still
// hold, but the pairs interleave nondeterministically. Bars an engine
// rejects are counted and skipped.
func (o *Orchestrator) Replay(ctx context.Context, history map[string][]types.PriceBar) (ReplayReport, error) {
	start := time.Now()
	before := o.Counters()

	pairs := make([]string, 0, len(history))
	for pair := range history {
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)

	var err error
	if o.config.Workers <= 1 || len(pairs) <= 1 {
		err = o.replaySequential(ctx, pairs, history)
	} else {
		err = o.replayParallel(ctx, pairs, history)
	}

	after := o.Counters()
	report := ReplayReport{
		Pairs:    pairs,
		Bars:     after.Bars - before.Bars,
		Errors:   after.Errors - before.Errors,
		Intents:  after.Intents - before.Intents,
		Vetoes:   after.Vetoes - before.Vetoes,
		Account:  o.ledger.Summary(),
		Engines:  o.engines.Snapshots(),
		Duration: time.Since(start),
	}
	o.logger.Info("Replay finished",
		zap.Strings("pairs", pairs),
		zap.Int64("bars", report.Bars),
		zap.Int64("intents", report.Intents),
		zap.Int64("vetoes", report.Vetoes),
		zap.Int("trades", report.Account.Trades),
		zap.String("equity", report.Account.Equity.StringFixed(2)),
		zap.Duration("duration", report.Duration),
	)
	return report, err
}

func (o *Orchestrator) replaySequential(ctx context.Context, pairs []string, history map[string][]types.PriceBar) error {
	total := 0
	for _, pair := range pairs {
		total += len(history[pair])
	}
	stream := make([]pairBar, 0, total)
	for _, pair := range pairs {
		for _, bar := range history[pair] {
			stream = append(stream, pairBar{pair: pair, bar: bar})
		}
	}
	sort.SliceStable(stream, func(i, j int) bool {
		if !stream[i].bar.Timestamp.Equal(stream[j].bar.Timestamp) {
			return stream[i].bar.Timestamp.Before(stream[j].bar.Timestamp)
		}
		return stream[i].pair < stream[j].pair
	})

	for i, pb := range stream {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		o.replayBar(ctx, pb.pair, pb.bar)
	}
	return nil
}

func (o *Orchestrator) replayParallel(ctx context.Context, pairs []string, history map[string][]types.PriceBar) error {
	o.pool.Start()
	tasks := make([]workers.Task, 0, len(pairs))
	for _, pair := range pairs {
		pair, bars := pair, history[pair]
		tasks = append(tasks, workers.TaskFunc(func(taskCtx context.Context) error {
			for _, bar := range bars {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-taskCtx.Done():
					return taskCtx.Err()
				default:
				}
				o.replayBar(ctx, pair, bar)
			}
			return nil
		}))
	}
	return o.pool.Run(ctx, tasks)
}

func (o *Orchestrator) replayBar(ctx context.Context, pair string, bar types.PriceBar) {
	if _, err := o.ProcessBar(ctx, pair, bar); err != nil {
		o.logger.Debug("Skipping bar", zap.String("pair", pair), zap.Time("bar", bar.Timestamp), zap.Error(err))
	}
}

// Counters returns the running totals.
func (o *Orchestrator) Counters() Counters {
	return Counters{
		Bars:     o.bars.Load(),
		Errors:   o.errors.Load(),
		Intents:  o.intents.Load(),
		Vetoes:   o.vetoes.Load(),
		Rejected: o.rejected.Load(),
		Fills:    o.fills.Load(),
		Outcomes: o.outcomes.Load(),
	}
}

// Status returns a point-in-time view of the host.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	running := o.running
	o.mu.RUnlock()
	return Status{
		Running:   running,
		Counters:  o.Counters(),
		Account:   o.ledger.Summary(),
		Positions: o.ledger.Positions(),
		Engines:   o.engines.Snapshots(),
		Bus:       o.bus.Stats(),
		Pool:      o.pool.Stats(),
	}
}

// RegimeHistory returns up to limit of the most recent regime transitions,
// oldest first. limit <= 0 returns all of them.
func (o *Orchestrator) RegimeHistory(limit int) []RegimeTransition {
	o.mu.RLock()
	defer o.mu.RUnlock()
	start := 0
	if limit > 0 && len(o.regimeHistory) > limit {
		start = len(o.regimeHistory) - limit
	}
	out := make([]RegimeTransition, len(o.regimeHistory)-start)
	copy(out, o.regimeHistory[start:])
	return out
}

// Engines returns the per-pair engine manager.
func (o *Orchestrator) Engines() *engine.Manager {
	return o.engines
}

// Bus returns the event bus.
func (o *Orchestrator) Bus() *events.Bus {
	return o.bus
}

// Ledger returns the simulated account.
func (o *Orchestrator) Ledger() *ledger.Ledger {
	return o.ledger
}
