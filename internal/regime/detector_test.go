package regime_test

import (
	"testing"
	"time"

	"github.com/mrt46/my-freqtrade/internal/data"
	"github.com/mrt46/my-freqtrade/internal/indicators"
	"github.com/mrt46/my-freqtrade/internal/regime"
	"github.com/mrt46/my-freqtrade/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// windows feeds bars through a series and returns one window per ready bar.
func windows(t *testing.T, bars []types.PriceBar) []*indicators.Window {
	t.Helper()
	series := indicators.NewSeries(nil)
	var out []*indicators.Window
	for _, b := range bars {
		w, err := series.Update(b)
		if err != nil {
			continue
		}
		out = append(out, w)
	}
	return out
}

func TestRecomputeThrottle(t *testing.T) {
	cfg := regime.DefaultConfig()
	cfg.RecomputeInterval = 50
	detector := regime.NewDetector(zap.NewNop(), cfg)

	ws := windows(t, data.RandomWalk(start, time.Hour, 349, 100, 0.01, 5))
	if len(ws) != 150 {
		t.Fatalf("Expected 150 ready windows, got %d", len(ws))
	}

	for _, w := range ws {
		detector.Classify(w)
	}
	if got := detector.Recomputations(); got != 3 {
		t.Errorf("Expected 3 recomputations for 150 bars, got %d", got)
	}
}

func TestCachedStateBetweenRecomputations(t *testing.T) {
	detector := regime.NewDetector(zap.NewNop(), nil)
	ws := windows(t, data.RandomWalk(start, time.Hour, 230, 100, 0.01, 9))

	first := detector.Classify(ws[0])
	for _, w := range ws[1:30] {
		got := detector.Classify(w)
		if got.Version != first.Version || got.Trend != first.Trend {
			t.Fatalf("Expected cached state until the next interval, got %+v", got)
		}
	}

	// classifying the same bar again does not advance the interval
	for i := 0; i < 100; i++ {
		detector.Classify(ws[29])
	}
	if detector.Recomputations() != 1 {
		t.Errorf("Expected 1 recomputation, got %d", detector.Recomputations())
	}
}

func TestStrongUptrend(t *testing.T) {
	ws := windows(t, data.Trending(start, time.Hour, 300, 100, 1))
	state := regime.NewDetector(zap.NewNop(), nil).Classify(ws[len(ws)-1])

	if state.Trend != regime.TrendStrongUp {
		t.Errorf("Expected strong_uptrend, got %s (adx %.1f, slope %.2f)", state.Trend, state.ADX, state.AvgSlope)
	}
	if state.Volatility != regime.VolatilityLow {
		t.Errorf("Expected low volatility for constant ATR, got %s", state.Volatility)
	}
	if state.Volume != regime.VolumeNormal {
		t.Errorf("Expected normal volume, got %s", state.Volume)
	}
	if state.Phase != regime.PhaseMarkup {
		t.Errorf("Expected markup phase, got %s", state.Phase)
	}
}

func TestStrongDowntrend(t *testing.T) {
	ws := windows(t, data.Trending(start, time.Hour, 300, 400, -1))
	state := regime.NewDetector(zap.NewNop(), nil).Classify(ws[len(ws)-1])
	if state.Trend != regime.TrendStrongDown {
		t.Errorf("Expected strong_downtrend, got %s", state.Trend)
	}
}

func TestSidewaysMarket(t *testing.T) {
	ws := windows(t, data.Sideways(start, time.Hour, 260, 100))
	state := regime.NewDetector(zap.NewNop(), nil).Classify(ws[len(ws)-1])
	if state.Trend != regime.TrendSideways {
		t.Errorf("Expected sideways, got %s", state.Trend)
	}
	if state.Volatility != regime.VolatilityLow {
		t.Errorf("Expected low volatility, got %s", state.Volatility)
	}
}

func TestVolumeSpike(t *testing.T) {
	bars := data.Sideways(start, time.Hour, 220, 100)
	bars[len(bars)-1].Volume = decimal.NewFromInt(10000)
	ws := windows(t, bars)

	detector := regime.NewDetector(zap.NewNop(), nil)
	detector.Classify(ws[0])
	state := detector.Force(ws[len(ws)-1])
	if state.Volume != regime.VolumeSpike {
		t.Errorf("Expected volume spike, got %s (ratio %.2f)", state.Volume, state.VolumeRatio)
	}
	if detector.Recomputations() != 2 {
		t.Errorf("Expected Force to recompute, got %d recomputations", detector.Recomputations())
	}
}

func TestHistoryAndCurrent(t *testing.T) {
	cfg := regime.DefaultConfig()
	cfg.RecomputeInterval = 1
	detector := regime.NewDetector(zap.NewNop(), cfg)
	if _, ok := detector.Current(); ok {
		t.Fatal("Expected no current state before first classification")
	}

	ws := windows(t, data.RandomWalk(start, time.Hour, 210, 100, 0.01, 1))
	for _, w := range ws {
		detector.Classify(w)
	}
	if got := len(detector.History(5)); got != 5 {
		t.Errorf("Expected 5 history entries, got %d", got)
	}
	current, ok := detector.Current()
	if !ok || current.Version != uint64(len(ws)) {
		t.Errorf("Expected version %d, got %d", len(ws), current.Version)
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := regime.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected defaults to validate, got %v", err)
	}
	cfg.TrendADX = 50
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for trend ADX above strong ADX")
	}
}

func TestRecommend(t *testing.T) {
	rec := regime.Recommend(regime.State{Trend: regime.TrendSideways, Volatility: regime.VolatilityExtreme})
	if rec.SizeMultiplier != 0.5 {
		t.Errorf("Expected size multiplier 0.5, got %v", rec.SizeMultiplier)
	}
	if rec.Preferred[0] != types.StrategyGrid {
		t.Errorf("Expected grid preferred in a range, got %s", rec.Preferred[0])
	}
}
