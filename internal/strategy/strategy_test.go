package strategy_test

import (
	"math"
	"testing"
	"time"

	"github.com/mrt46/my-freqtrade/internal/data"
	"github.com/mrt46/my-freqtrade/internal/indicators"
	"github.com/mrt46/my-freqtrade/internal/regime"
	"github.com/mrt46/my-freqtrade/internal/strategy"
	"github.com/mrt46/my-freqtrade/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func window(t *testing.T, bars []types.PriceBar) *indicators.Window {
	t.Helper()
	w, err := indicators.Compute(nil, bars)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	return w
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

var (
	strongUp = regime.State{Trend: regime.TrendStrongUp, Volatility: regime.VolatilityLow, Volume: regime.VolumeNormal, ADX: 100, RSI: 100}
	ranging  = regime.State{Trend: regime.TrendSideways, Volatility: regime.VolatilityLow, Volume: regime.VolumeNormal, ADX: 12, RSI: 50}
)

func TestRegistryOrder(t *testing.T) {
	registry := strategy.NewRegistry(zap.NewNop(), nil)
	ids := registry.IDs()
	want := []types.StrategyID{types.StrategyTrendFollowing, types.StrategyGrid, types.StrategyMeanReversion}
	if len(ids) != len(want) {
		t.Fatalf("Expected %d strategies, got %d", len(want), len(ids))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Expected %s at position %d, got %s", want[i], i, ids[i])
		}
	}
	if _, ok := registry.Get(types.StrategyNone); ok {
		t.Error("Expected no strategy registered for id 0")
	}
	limits := registry.Limits()
	if limits[types.StrategyGrid].MaxPositions != 5 || limits[types.StrategyMeanReversion].MaxCapitalFraction != 0.25 {
		t.Errorf("Unexpected caps: %+v", limits)
	}
}

func TestFitnessStrongTrend(t *testing.T) {
	fitness := strategy.NewRegistry(zap.NewNop(), nil).Fitness(strongUp)

	if got := fitness[types.StrategyTrendFollowing]; !approx(got, 0.85) {
		t.Errorf("Expected trend following fitness 0.85, got %v", got)
	}
	if got := fitness[types.StrategyGrid]; !approx(got, 0.06) {
		t.Errorf("Expected grid fitness 0.06, got %v", got)
	}
	if got := fitness[types.StrategyMeanReversion]; !approx(got, 0.165) {
		t.Errorf("Expected mean reversion fitness 0.165, got %v", got)
	}
}

func TestFitnessOfDetectedTrend(t *testing.T) {
	series := indicators.NewSeries(nil)
	var w *indicators.Window
	for _, bar := range data.Trending(start, time.Hour, 300, 100, 1) {
		if next, err := series.Update(bar); err == nil {
			w = next
		}
	}
	if w == nil {
		t.Fatal("Expected a ready window")
	}
	state := regime.NewDetector(zap.NewNop(), nil).Classify(w)
	fitness := strategy.NewRegistry(zap.NewNop(), nil).Fitness(state)

	if got := fitness[types.StrategyTrendFollowing]; !approx(got, 0.85) {
		t.Errorf("Expected trend following fitness 0.85 in %s, got %v", state.Label(), got)
	}
	if got := fitness[types.StrategyGrid]; !approx(got, 0.06) {
		t.Errorf("Expected grid fitness 0.06 in %s, got %v", state.Label(), got)
	}
	for id, f := range fitness {
		if id != types.StrategyTrendFollowing && f >= fitness[types.StrategyTrendFollowing] {
			t.Errorf("Expected trend following to be fittest, %s scored %v", id, f)
		}
	}
}

func TestFitnessRanging(t *testing.T) {
	fitness := strategy.NewRegistry(zap.NewNop(), nil).Fitness(ranging)

	if got := fitness[types.StrategyGrid]; !approx(got, 0.9) {
		t.Errorf("Expected grid fitness 0.9, got %v", got)
	}
	if got := fitness[types.StrategyMeanReversion]; !approx(got, 0.55) {
		t.Errorf("Expected mean reversion fitness 0.55, got %v", got)
	}
	if got := fitness[types.StrategyTrendFollowing]; !approx(got, 0.1) {
		t.Errorf("Expected trend following fitness 0.1, got %v", got)
	}
	for id, f := range fitness {
		if f < 0 || f > 1 {
			t.Errorf("Fitness of %s out of range: %v", id, f)
		}
	}
}

func TestTrendFollowingEntry(t *testing.T) {
	w := window(t, data.Trending(start, time.Hour, 300, 100, 1))
	tf := strategy.NewTrendFollowing(strategy.DefaultTrendFollowingConfig(), 2, 3)

	sig := tf.Signal(w, strongUp)
	if sig.Direction != types.DirectionEnterLong {
		t.Fatalf("Expected enter_long in a strong uptrend, got %s (%s)", sig.Direction, sig.Reason)
	}
	if sig.Confidence < 0.4 || sig.Confidence > 1 {
		t.Errorf("Expected confidence in [0.4, 1], got %v", sig.Confidence)
	}
	if !sig.SuggestedStop.Equal(decimal.NewFromInt(397)) {
		t.Errorf("Expected stop 397 (close 400 - 2 x ATR 1.5), got %s", sig.SuggestedStop)
	}
	if !sig.SuggestedTarget.Equal(decimal.NewFromFloat(404.5)) {
		t.Errorf("Expected target 404.5, got %s", sig.SuggestedTarget)
	}

	down := strongUp
	down.Trend = regime.TrendStrongDown
	if got := tf.Signal(w, down); got.Direction != types.DirectionHold {
		t.Errorf("Expected hold in a downtrend, got %s", got.Direction)
	}
}

func TestTrendFollowingExitOverbought(t *testing.T) {
	w := window(t, data.Trending(start, time.Hour, 300, 100, 1))
	tf := strategy.NewTrendFollowing(strategy.DefaultTrendFollowingConfig(), 2, 3)
	if sig := tf.Exit(w, strongUp); sig.Direction != types.DirectionExit {
		t.Errorf("Expected exit with RSI 100, got %s", sig.Direction)
	}
}

func TestGridOnlyTradesRanges(t *testing.T) {
	w := window(t, data.Sideways(start, time.Hour, 222, 100))
	grid := strategy.NewGrid(strategy.DefaultGridConfig(), 2, 3)

	sig := grid.Signal(w, ranging)
	if sig.Direction != types.DirectionEnterLong {
		t.Fatalf("Expected enter_long near support, got %s (%s)", sig.Direction, sig.Reason)
	}
	if sig.StrategyID != types.StrategyGrid {
		t.Errorf("Expected grid attribution, got %s", sig.StrategyID)
	}
	if !sig.SuggestedStop.Equal(sig.Price.Sub(decimal.NewFromInt(2))) {
		t.Errorf("Expected stop 2 below price with ATR 1, got %s vs %s", sig.SuggestedStop, sig.Price)
	}

	if got := grid.Signal(w, strongUp); got.Direction != types.DirectionHold {
		t.Errorf("Expected hold while trending, got %s", got.Direction)
	}
}

func TestGridExitAtUpperBand(t *testing.T) {
	w := window(t, data.Trending(start, time.Hour, 300, 100, 1))
	grid := strategy.NewGrid(strategy.DefaultGridConfig(), 2, 3)
	if sig := grid.Exit(w, ranging); sig.Direction != types.DirectionExit {
		t.Errorf("Expected exit above the upper band, got %s", sig.Direction)
	}
}

func TestMeanReversionAtCycleLow(t *testing.T) {
	// 222 bars end on the low of the six-bar cycle
	w := window(t, data.Sideways(start, time.Hour, 222, 100))
	if k := w.Latest().StochK; k >= 30 {
		t.Fatalf("Expected oversold stochastic at the cycle low, got %v", k)
	}
	mr := strategy.NewMeanReversion(strategy.DefaultMeanReversionConfig(), 2, 3)

	sig := mr.Signal(w, ranging)
	if sig.Direction != types.DirectionEnterLong {
		t.Fatalf("Expected enter_long, got %s (%s)", sig.Direction, sig.Reason)
	}
	if sig.Confidence < 0.25 {
		t.Errorf("Expected confidence of at least one condition in four, got %v", sig.Confidence)
	}

	strict := strategy.DefaultMeanReversionConfig()
	strict.MinConditions = 4
	strict.RSIOversold = 1
	if got := strategy.NewMeanReversion(strict, 2, 3).Signal(w, ranging); got.Direction != types.DirectionHold {
		t.Errorf("Expected hold when too few conditions hold, got %s", got.Direction)
	}
}

func TestMeanReversionExitOverbought(t *testing.T) {
	w := window(t, data.Trending(start, time.Hour, 300, 100, 1))
	mr := strategy.NewMeanReversion(strategy.DefaultMeanReversionConfig(), 2, 3)
	if sig := mr.Exit(w, strongUp); sig.Direction != types.DirectionExit {
		t.Errorf("Expected exit on overbought RSI, got %s", sig.Direction)
	}
}

func TestRegimeExit(t *testing.T) {
	cfg := strategy.DefaultConfig().RegimeExit
	pos := types.OpenPosition{StrategyID: types.StrategyGrid, Entry: decimal.NewFromInt(100), Size: decimal.NewFromInt(1)}

	extreme := regime.State{Trend: regime.TrendSideways, Volatility: regime.VolatilityExtreme}
	if _, ok := strategy.RegimeExit(cfg, extreme, pos, decimal.NewFromInt(103)); !ok {
		t.Error("Expected exit in extreme volatility while in profit")
	}
	if _, ok := strategy.RegimeExit(cfg, extreme, pos, decimal.NewFromInt(100)); ok {
		t.Error("Expected no exit in extreme volatility without profit")
	}

	down := regime.State{Trend: regime.TrendDown, Volatility: regime.VolatilityNormal}
	sig, ok := strategy.RegimeExit(cfg, down, pos, decimal.NewFromInt(98))
	if !ok || sig.StrategyID != types.StrategyGrid {
		t.Errorf("Expected trend reversal exit attributed to grid, got %+v", sig)
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := strategy.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected defaults to validate, got %v", err)
	}
	cfg.TrendFollowing.MinConditions = 6
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for more conditions than exist")
	}
	cfg = strategy.DefaultConfig()
	cfg.Grid.MaxCapitalFraction = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for capital fraction above 1")
	}
}
