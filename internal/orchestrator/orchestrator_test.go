package orchestrator_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/mrt46/my-freqtrade/internal/data"
	"github.com/mrt46/my-freqtrade/internal/engine"
	"github.com/mrt46/my-freqtrade/internal/events"
	"github.com/mrt46/my-freqtrade/internal/metrics"
	"github.com/mrt46/my-freqtrade/internal/orchestrator"
	"github.com/mrt46/my-freqtrade/internal/statestore"
	"github.com/mrt46/my-freqtrade/pkg/types"
	"go.uber.org/zap"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newOrchestrator(t *testing.T, workers int, pairs []string, opts ...orchestrator.Option) *orchestrator.Orchestrator {
	t.Helper()
	cfg := orchestrator.DefaultConfig()
	cfg.Pairs = pairs
	cfg.Workers = workers
	o, err := orchestrator.New(zap.NewNop(), nil, cfg, opts...)
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return o
}

func history() map[string][]types.PriceBar {
	return map[string][]types.PriceBar{
		"BTC/USDT": data.Sideways(start, time.Hour, 400, 100),
		"ETH/USDT": data.RandomWalk(start, time.Hour, 400, 2000, 0.01, 7),
	}
}

func TestReplayExecutesIntentsOnLedger(t *testing.T) {
	o := newOrchestrator(t, 1, []string{"BTC/USDT"})

	var mu sync.Mutex
	published := 0
	o.Bus().Subscribe(events.EventTypeIntent, func(events.Event) error {
		mu.Lock()
		published++
		mu.Unlock()
		return nil
	})

	report, err := o.Replay(context.Background(), map[string][]types.PriceBar{
		"BTC/USDT": data.Sideways(start, time.Hour, 400, 100),
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if report.Bars != 400 || report.Errors != 0 {
		t.Errorf("Expected 400 bars without errors, got %d bars %d errors", report.Bars, report.Errors)
	}
	if report.Intents < 1 {
		t.Fatalf("Expected at least one intent, got %d", report.Intents)
	}
	c := o.Counters()
	if c.Fills+c.Rejected != c.Intents {
		t.Errorf("Expected every intent filled or rejected, got %+v", c)
	}
	if published != int(report.Intents) {
		t.Errorf("Expected %d intent events, got %d", report.Intents, published)
	}
	if len(o.RegimeHistory(0)) == 0 {
		t.Error("Expected at least one regime transition")
	}
	if o.Status().Running {
		t.Error("Expected stopped status")
	}
}

func TestSequentialReplayIsDeterministic(t *testing.T) {
	pairs := []string{"BTC/USDT", "ETH/USDT"}
	a := newOrchestrator(t, 1, pairs)
	b := newOrchestrator(t, 1, pairs)
	defer a.Stop(context.Background())
	defer b.Stop(context.Background())

	ra, err := a.Replay(context.Background(), history())
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	rb, err := b.Replay(context.Background(), history())
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	if ra.Bars != 800 {
		t.Errorf("Expected 800 bars, got %d", ra.Bars)
	}
	if ra.Intents != rb.Intents || ra.Vetoes != rb.Vetoes {
		t.Errorf("Expected identical decisions, got %d/%d and %d/%d", ra.Intents, ra.Vetoes, rb.Intents, rb.Vetoes)
	}
	if !ra.Account.Equity.Equal(rb.Account.Equity) || ra.Account.Trades != rb.Account.Trades {
		t.Errorf("Expected identical accounts, got %+v and %+v", ra.Account, rb.Account)
	}
}

func TestParallelReplayProcessesEveryPair(t *testing.T) {
	o := newOrchestrator(t, 2, []string{"BTC/USDT", "ETH/USDT"})
	defer o.Stop(context.Background())

	report, err := o.Replay(context.Background(), history())
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if report.Bars != 800 || report.Errors != 0 {
		t.Errorf("Expected 800 bars without errors, got %d bars %d errors", report.Bars, report.Errors)
	}
	for _, snap := range report.Engines {
		if snap.Bars != 400 {
			t.Errorf("Expected 400 bars for %s, got %d", snap.Pair, snap.Bars)
		}
	}
	if st := o.Status(); st.Pool.TasksCompleted != 2 {
		t.Errorf("Expected 2 completed replay tasks, got %d", st.Pool.TasksCompleted)
	}
}

func TestConcurrentPairsRespectOpenPositionLimit(t *testing.T) {
	pairs := []string{"BTC/USDT", "ETH/USDT", "SOL/USDT", "XRP/USDT", "ADA/USDT", "DOT/USDT", "LTC/USDT", "BNB/USDT"}
	engineCfg := engine.DefaultConfig()
	engineCfg.Limits.MaxOpenPositions = 1

	for trial := 0; trial < 5; trial++ {
		cfg := orchestrator.DefaultConfig()
		cfg.Pairs = pairs
		o, err := orchestrator.New(zap.NewNop(), engineCfg, cfg)
		if err != nil {
			t.Fatalf("Failed to create orchestrator: %v", err)
		}
		ctx := context.Background()
		if err := o.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		maxOpen := 0
		for i, pair := range pairs {
			wg.Add(1)
			go func(pair string, bars []types.PriceBar) {
				defer wg.Done()
				for _, bar := range bars {
					if _, err := o.ProcessBar(ctx, pair, bar); err != nil {
						t.Errorf("ProcessBar %s failed: %v", pair, err)
						return
					}
					open := o.Ledger().Summary().OpenPositions
					mu.Lock()
					if open > maxOpen {
						maxOpen = open
					}
					mu.Unlock()
				}
			}(pair, data.Sideways(start, time.Hour, 300, 100+float64(i)*10))
		}
		wg.Wait()
		o.Stop(ctx)

		if maxOpen > 1 {
			t.Fatalf("Trial %d: expected at most 1 open position, saw %d", trial, maxOpen)
		}
		if c := o.Counters(); c.Fills == 0 {
			t.Fatalf("Trial %d: expected at least one fill, got %+v", trial, c)
		}
	}
}

func TestRejectedBarsAreCounted(t *testing.T) {
	o := newOrchestrator(t, 1, []string{"BTC/USDT"})
	defer o.Stop(context.Background())
	bars := data.Sideways(start, time.Hour, 2, 100)

	if _, err := o.ProcessBar(context.Background(), "BTC/USDT", bars[1]); err != nil {
		t.Fatalf("ProcessBar failed: %v", err)
	}
	_, err := o.ProcessBar(context.Background(), "btc-usdt", bars[0])
	if !errors.Is(err, engine.ErrNonMonotonicTimestamp) {
		t.Errorf("Expected ErrNonMonotonicTimestamp, got %v", err)
	}
	if c := o.Counters(); c.Bars != 2 || c.Errors != 1 {
		t.Errorf("Expected 2 bars and 1 error, got %+v", c)
	}
}

func TestOutcomesUpdateWeightsAndPersist(t *testing.T) {
	store, err := statestore.NewFileStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	rec := metrics.New()
	o := newOrchestrator(t, 1, []string{"BTC/USDT"}, orchestrator.WithStore(store), orchestrator.WithMetrics(rec))

	var mu sync.Mutex
	var weights []float64
	o.Bus().Subscribe(events.EventTypeOutcome, func(e events.Event) error {
		mu.Lock()
		weights = append(weights, e.(*events.OutcomeEvent).Weight)
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	err = o.RecordOutcome(ctx, types.ClosedTrade{StrategyID: types.StrategyGrid, Pair: "SOL/USDT", RealizedProfitFraction: 0.05, ClosedAt: start})
	if !errors.Is(err, engine.ErrUnknownPair) {
		t.Errorf("Expected ErrUnknownPair, got %v", err)
	}
	if err := o.RecordOutcome(ctx, types.ClosedTrade{StrategyID: types.StrategyGrid, Pair: "btc_usdt", RealizedProfitFraction: 0.05, ClosedAt: start}); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}
	if err := o.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if len(weights) != 1 || math.Abs(weights[0]-1.05) > 1e-9 {
		t.Fatalf("Expected one outcome event with weight 1.05, got %v", weights)
	}

	restored := newOrchestrator(t, 1, []string{"BTC/USDT"}, orchestrator.WithStore(store))
	defer restored.Stop(ctx)
	eng, ok := restored.Engines().Lookup("BTC/USDT")
	if !ok {
		t.Fatal("Expected BTC/USDT engine")
	}
	if got := eng.Snapshot().Weights[types.StrategyGrid]; math.Abs(got-1.05) > 1e-9 {
		t.Errorf("Expected restored grid weight 1.05, got %f", got)
	}
}

func TestNewRejectsInvalidConfiguration(t *testing.T) {
	cfg := orchestrator.DefaultConfig()
	cfg.InitialEquity = cfg.InitialEquity.Neg()
	if _, err := orchestrator.New(zap.NewNop(), nil, cfg); !errors.Is(err, engine.ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration, got %v", err)
	}

	bad := engine.DefaultConfig()
	bad.Indicators.MinLookback = 10
	if _, err := orchestrator.New(zap.NewNop(), bad, orchestrator.DefaultConfig()); !errors.Is(err, engine.ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration, got %v", err)
	}
}
