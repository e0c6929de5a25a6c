package engine_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/mrt46/my-freqtrade/internal/data"
	"github.com/mrt46/my-freqtrade/internal/engine"
	"github.com/mrt46/my-freqtrade/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.New(zap.NewNop(), "BTC/USDT", nil)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return e
}

func flat() types.AccountState {
	return types.NewAccountState(decimal.NewFromInt(10000))
}

func warm(t *testing.T, e *engine.Engine, bars []types.PriceBar) {
	t.Helper()
	for i, bar := range bars {
		if _, err := e.Evaluate(bar, flat()); err != nil {
			t.Fatalf("Evaluate bar %d failed: %v", i, err)
		}
	}
}

func TestNotReadyDuringWarmup(t *testing.T) {
	e := newEngine(t)
	bars := data.Sideways(start, time.Hour, 200, 100)

	for i, bar := range bars[:199] {
		res, err := e.Evaluate(bar, flat())
		if err != nil {
			t.Fatalf("Evaluate bar %d failed: %v", i, err)
		}
		if res.Outcome != engine.OutcomeNotReady {
			t.Fatalf("Expected not_ready at bar %d, got %s", i, res.Outcome)
		}
		if res.Intent != nil {
			t.Fatalf("Expected no intent during warmup, got %+v", res.Intent)
		}
	}

	res, err := e.Evaluate(bars[199], flat())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Outcome == engine.OutcomeNotReady {
		t.Error("Expected engine to be ready on bar 200")
	}
	if !e.Snapshot().Ready {
		t.Error("Expected snapshot to report ready")
	}
}

func TestSidewaysMarketProducesRiskCheckedIntents(t *testing.T) {
	e := newEngine(t)
	bars := data.Sideways(start, time.Hour, 400, 100)

	intents := 0
	for i, bar := range bars {
		res, err := e.Evaluate(bar, flat())
		if err != nil {
			t.Fatalf("Evaluate bar %d failed: %v", i, err)
		}
		if res.Outcome != engine.OutcomeIntent {
			continue
		}
		intents++
		in := res.Intent
		if in.Direction != types.DirectionEnterLong {
			t.Fatalf("Expected enter_long from a flat account, got %s", in.Direction)
		}
		if in.Size.Sign() <= 0 {
			t.Errorf("Expected positive size at bar %d, got %s", i, in.Size)
		}
		distance := math.Min(2*res.ATR, 0.05*in.Entry.InexactFloat64())
		want := in.Entry.Sub(decimal.NewFromFloat(distance))
		if !in.Stop.Sub(want).Abs().LessThan(decimal.RequireFromString("0.000001")) {
			t.Errorf("Expected stop %s at bar %d, got %s", want, i, in.Stop)
		}
		if in.StrategyID != res.Selected {
			t.Errorf("Expected intent from selected strategy %s, got %s", res.Selected, in.StrategyID)
		}
		if in.Pair != "BTC/USDT" {
			t.Errorf("Expected pair BTC/USDT, got %s", in.Pair)
		}
	}
	if intents == 0 {
		t.Fatal("Expected at least one intent in a ranging market")
	}

	snap := e.Snapshot()
	if snap.Intents != uint64(intents) {
		t.Errorf("Expected %d intents in snapshot, got %d", intents, snap.Intents)
	}
	if snap.Evaluations != 201 {
		t.Errorf("Expected 201 evaluations, got %d", snap.Evaluations)
	}
	if snap.Selections[types.StrategyMeanReversion] < 1 {
		t.Errorf("Expected mean reversion selected at least once, got %v", snap.Selections)
	}
}

func TestOpenPositionOnlyConsidersExits(t *testing.T) {
	e := newEngine(t)
	bars := data.Sideways(start, time.Hour, 300, 100)
	warm(t, e, bars[:200])

	account := flat()
	account.OpenPositions = 1
	account.OpenByStrategy[types.StrategyGrid] = 1
	account.Position = &types.OpenPosition{
		Pair:       "BTC/USDT",
		StrategyID: types.StrategyGrid,
		Size:       decimal.NewFromInt(5),
		Entry:      decimal.NewFromInt(100),
		Stop:       decimal.NewFromInt(98),
		Target:     decimal.NewFromInt(103),
		OpenedAt:   bars[199].Timestamp,
	}

	for i, bar := range bars[200:] {
		res, err := e.Evaluate(bar, account)
		if err != nil {
			t.Fatalf("Evaluate bar %d failed: %v", i, err)
		}
		if res.Decision != nil {
			t.Fatalf("Expected no selection while a position is open")
		}
		if res.Intent == nil {
			continue
		}
		if res.Intent.Direction != types.DirectionExit {
			t.Fatalf("Expected only exit intents, got %s", res.Intent.Direction)
		}
		if !res.Intent.Size.Equal(decimal.NewFromInt(5)) {
			t.Errorf("Expected exit at the open size 5, got %s", res.Intent.Size)
		}
	}
}

func TestRecordOutcomeUpdatesOnlyOwner(t *testing.T) {
	e := newEngine(t)
	warm(t, e, data.Sideways(start, time.Hour, 210, 100))

	err := e.RecordOutcome(types.ClosedTrade{
		StrategyID:             types.StrategyGrid,
		Pair:                   "BTC/USDT",
		RealizedProfitFraction: 0.05,
	})
	if err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}

	weights := e.Learning().Weights
	if math.Abs(weights[types.StrategyGrid]-1.05) > 1e-9 {
		t.Errorf("Expected grid weight 1.05, got %v", weights[types.StrategyGrid])
	}
	for _, id := range []types.StrategyID{types.StrategyTrendFollowing, types.StrategyMeanReversion} {
		if weights[id] != 1 {
			t.Errorf("Expected %s weight unchanged at 1, got %v", id, weights[id])
		}
	}
}

func TestRecordOutcomeRejectsBadInput(t *testing.T) {
	e := newEngine(t)

	err := e.RecordOutcome(types.ClosedTrade{StrategyID: types.StrategyID(9), Pair: "BTC/USDT", RealizedProfitFraction: 0.01})
	if !errors.Is(err, engine.ErrUnknownStrategy) {
		t.Errorf("Expected ErrUnknownStrategy, got %v", err)
	}

	err = e.RecordOutcome(types.ClosedTrade{StrategyID: types.StrategyGrid, Pair: "BTC/USDT", RealizedProfitFraction: math.NaN()})
	if !errors.Is(err, engine.ErrInvalidOutcome) {
		t.Errorf("Expected ErrInvalidOutcome, got %v", err)
	}
}

func TestMalformedAndOutOfOrderBars(t *testing.T) {
	e := newEngine(t)
	bars := data.Sideways(start, time.Hour, 3, 100)

	bad := bars[0]
	bad.Low = bad.High.Add(decimal.NewFromInt(1))
	if _, err := e.Evaluate(bad, flat()); !errors.Is(err, engine.ErrMalformedBar) {
		t.Errorf("Expected ErrMalformedBar, got %v", err)
	}

	if _, err := e.Evaluate(bars[1], flat()); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if _, err := e.Evaluate(bars[0], flat()); !errors.Is(err, engine.ErrNonMonotonicTimestamp) {
		t.Errorf("Expected ErrNonMonotonicTimestamp, got %v", err)
	}
	if got := e.Snapshot().Bars; got != 1 {
		t.Errorf("Expected rejected bars to leave 1 bar, got %d", got)
	}
}

func TestInvalidConfiguration(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*engine.Config)
	}{
		{"lookback above window", func(c *engine.Config) { c.Indicators.MinLookback = 10 }},
		{"zero daily loss", func(c *engine.Config) { c.Limits.MaxDailyLoss = 0 }},
		{"negative recompute interval", func(c *engine.Config) { c.Regime.RecomputeInterval = -1 }},
		{"zero profit scale", func(c *engine.Config) { c.Learning.ProfitScale = 0 }},
		{"negative min weight", func(c *engine.Config) { c.Learning.MinWeight = -0.5 }},
		{"epsilon above one", func(c *engine.Config) { c.Selector.Epsilon = 5 }},
		{"negative size step", func(c *engine.Config) { c.Risk.SizeStep = -0.01 }},
		{"learning rate above one", func(c *engine.Config) { c.Learning.LearningRate = 1.5 }},
		{"unknown timeframe", func(c *engine.Config) { c.Timeframe = "3h" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := engine.DefaultConfig()
			tc.mutate(cfg)
			if _, err := engine.New(zap.NewNop(), "BTC/USDT", cfg); !errors.Is(err, engine.ErrInvalidConfiguration) {
				t.Errorf("Expected ErrInvalidConfiguration from New, got %v", err)
			}
			if _, err := engine.NewManager(zap.NewNop(), cfg); !errors.Is(err, engine.ErrInvalidConfiguration) {
				t.Errorf("Expected ErrInvalidConfiguration from manager, got %v", err)
			}
		})
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := engine.DefaultConfig().Validate(); err != nil {
		t.Fatalf("Expected defaults to validate, got %v", err)
	}
}

func TestManagerIsolatesPairs(t *testing.T) {
	m, err := engine.NewManager(zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	for _, bar := range data.Sideways(start, time.Hour, 210, 100) {
		if _, err := m.Evaluate("btc-usdt", bar, flat()); err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
	}
	if _, err := m.Evaluate("ETH/USDT", data.Sideways(start, time.Hour, 1, 50)[0], flat()); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if err := m.RecordOutcome(types.ClosedTrade{StrategyID: types.StrategyGrid, Pair: "BTC/USDT", RealizedProfitFraction: -0.1}); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}
	if err := m.RecordOutcome(types.ClosedTrade{StrategyID: types.StrategyGrid, Pair: "SOL/USDT", RealizedProfitFraction: 0.1}); !errors.Is(err, engine.ErrUnknownPair) {
		t.Errorf("Expected ErrUnknownPair, got %v", err)
	}

	pairs := m.Pairs()
	if len(pairs) != 2 || pairs[0] != "BTC/USDT" || pairs[1] != "ETH/USDT" {
		t.Fatalf("Expected [BTC/USDT ETH/USDT], got %v", pairs)
	}

	snaps := m.Snapshots()
	if snaps[0].Weights[types.StrategyGrid] >= 1 {
		t.Errorf("Expected BTC grid weight below 1 after a loss, got %v", snaps[0].Weights[types.StrategyGrid])
	}
	if snaps[1].Weights[types.StrategyGrid] != 1 {
		t.Errorf("Expected ETH grid weight untouched, got %v", snaps[1].Weights[types.StrategyGrid])
	}
	if snaps[1].Bars != 1 || snaps[0].Bars != 210 {
		t.Errorf("Expected bar counts 210 and 1, got %d and %d", snaps[0].Bars, snaps[1].Bars)
	}
}
