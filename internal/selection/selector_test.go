package selection_test

import (
	"errors"
	"testing"
	"time"

	"github.com/mrt46/my-freqtrade/internal/learning"
	"github.com/mrt46/my-freqtrade/internal/regime"
	"github.com/mrt46/my-freqtrade/internal/selection"
	"github.com/mrt46/my-freqtrade/internal/strategy"
	"github.com/mrt46/my-freqtrade/pkg/types"
	"go.uber.org/zap"
)

var (
	start    = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	strongUp = regime.State{Trend: regime.TrendStrongUp, Volatility: regime.VolatilityLow, Volume: regime.VolumeNormal, ADX: 100, RSI: 100}
	ranging  = regime.State{Trend: regime.TrendSideways, Volatility: regime.VolatilityLow, Volume: regime.VolumeNormal, ADX: 12, RSI: 50}
	caps     = strategy.NewRegistry(nil, nil).Limits()
)

func newSelector(cfg *selection.Config) (*selection.Selector, *learning.Bandit) {
	if cfg == nil {
		cfg = selection.DefaultConfig()
		cfg.MinSwitchInterval = 0
	}
	bandit := learning.NewBandit(nil, types.AllStrategies)
	return selection.NewSelector(zap.NewNop(), cfg, bandit), bandit
}

func input(state regime.State, fitness map[types.StrategyID]float64) selection.Input {
	return selection.Input{
		Regime:  state,
		Fitness: fitness,
		Weights: map[types.StrategyID]float64{},
		Open:    map[types.StrategyID]int{},
		Caps:    caps,
		At:      start,
	}
}

func TestStrongTrendSelectsTrendFollowing(t *testing.T) {
	sel, _ := newSelector(nil)
	fitness := strategy.NewRegistry(nil, nil).Fitness(strongUp)
	for i := 0; i < 100; i++ {
		id, _, err := sel.Select(input(strongUp, fitness))
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		if id != types.StrategyTrendFollowing {
			t.Fatalf("Round %d: expected trend_following, got %s", i, id)
		}
	}
}

func TestConvergesToRewardedStrategy(t *testing.T) {
	sel, bandit := newSelector(nil)
	label := strongUp.Label()
	for i := 0; i < 50; i++ {
		bandit.Update(label, types.StrategyTrendFollowing, 0.1)
		bandit.Update(label, types.StrategyGrid, -0.1)
		bandit.Update(label, types.StrategyMeanReversion, -0.1)
	}

	fitness := map[types.StrategyID]float64{
		types.StrategyTrendFollowing: 0.9,
		types.StrategyGrid:           0.3,
		types.StrategyMeanReversion:  0.5,
	}
	for i := 0; i < 200; i++ {
		if _, _, err := sel.Select(input(strongUp, fitness)); err != nil {
			t.Fatalf("Select failed: %v", err)
		}
	}
	if got := sel.Counts()[types.StrategyTrendFollowing]; got < 195 {
		t.Errorf("Expected trend_following to dominate, selected %d of 200", got)
	}
}

func TestStrategyAtCapIsNeverSelected(t *testing.T) {
	sel, _ := newSelector(nil)
	in := input(ranging, map[types.StrategyID]float64{
		types.StrategyTrendFollowing: 1.0,
		types.StrategyGrid:           0.3,
		types.StrategyMeanReversion:  0.3,
	})
	in.Open[types.StrategyTrendFollowing] = caps[types.StrategyTrendFollowing].MaxPositions

	for i := 0; i < 100; i++ {
		id, decision, err := sel.Select(in)
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		if id == types.StrategyTrendFollowing {
			t.Fatal("Expected capped strategy to be excluded")
		}
		if decision.Candidates[0].Reason != "at_position_cap" {
			t.Errorf("Expected cap reason, got %q", decision.Candidates[0].Reason)
		}
	}
}

func TestFitnessFloor(t *testing.T) {
	sel, _ := newSelector(nil)
	in := input(ranging, map[types.StrategyID]float64{
		types.StrategyTrendFollowing: 0.1,
		types.StrategyGrid:           0.24,
		types.StrategyMeanReversion:  0.0,
	})
	id, _, err := sel.Select(in)
	if !errors.Is(err, selection.ErrNoViableStrategy) {
		t.Fatalf("Expected ErrNoViableStrategy, got %v", err)
	}
	if id != types.StrategyNone {
		t.Errorf("Expected no strategy, got %s", id)
	}
}

func TestPausedStrategyExcluded(t *testing.T) {
	sel, _ := newSelector(nil)
	in := input(ranging, map[types.StrategyID]float64{
		types.StrategyGrid:          0.9,
		types.StrategyMeanReversion: 0.3,
	})
	in.Paused = map[types.StrategyID]string{types.StrategyGrid: "low win rate"}
	for i := 0; i < 50; i++ {
		if id, _, _ := sel.Select(in); id != types.StrategyMeanReversion {
			t.Fatalf("Expected mean_reversion while grid is paused, got %s", id)
		}
	}
}

func TestTieBreaking(t *testing.T) {
	cfg := selection.DefaultConfig()
	cfg.Exploration = selection.ModeGreedy
	cfg.MinSwitchInterval = 0

	sel, _ := newSelector(cfg)
	in := input(ranging, map[types.StrategyID]float64{
		types.StrategyGrid:          0.6,
		types.StrategyMeanReversion: 0.6,
	})
	if id, _, _ := sel.Select(in); id != types.StrategyGrid {
		t.Errorf("Expected lowest id on a full tie, got %s", id)
	}

	sel, _ = newSelector(cfg)
	in = input(ranging, map[types.StrategyID]float64{
		types.StrategyTrendFollowing: 0.5,
		types.StrategyGrid:           0.25,
	})
	in.Weights[types.StrategyGrid] = 2.0
	if id, _, _ := sel.Select(in); id != types.StrategyGrid {
		t.Errorf("Expected higher weight to win an equal score, got %s", id)
	}
}

func TestSwitchHysteresis(t *testing.T) {
	cfg := selection.DefaultConfig()
	cfg.Exploration = selection.ModeGreedy
	sel, _ := newSelector(cfg)

	first := input(ranging, map[types.StrategyID]float64{
		types.StrategyTrendFollowing: 0.9,
		types.StrategyMeanReversion:  0.5,
	})
	if id, _, _ := sel.Select(first); id != types.StrategyTrendFollowing {
		t.Fatalf("Expected trend_following first, got %s", id)
	}

	small := input(ranging, map[types.StrategyID]float64{
		types.StrategyTrendFollowing: 0.9,
		types.StrategyMeanReversion:  0.99,
	})
	small.At = start.Add(15 * time.Minute)
	id, decision, _ := sel.Select(small)
	if id != types.StrategyTrendFollowing || !decision.Held {
		t.Errorf("Expected a 10%% edge to be held off, got %s (held %v)", id, decision.Held)
	}

	large := input(ranging, map[types.StrategyID]float64{
		types.StrategyTrendFollowing: 0.6,
		types.StrategyMeanReversion:  1.0,
	})
	large.At = start.Add(20 * time.Minute)
	id, decision, _ = sel.Select(large)
	if id != types.StrategyMeanReversion || !decision.Switched {
		t.Errorf("Expected a large edge to switch, got %s", id)
	}

	back := input(ranging, map[types.StrategyID]float64{
		types.StrategyTrendFollowing: 0.99,
		types.StrategyMeanReversion:  0.9,
	})
	back.At = start.Add(time.Hour)
	if id, _, _ := sel.Select(back); id != types.StrategyTrendFollowing {
		t.Errorf("Expected switch once the hold interval passed, got %s", id)
	}
}

func TestEpsilonExploration(t *testing.T) {
	cfg := selection.DefaultConfig()
	cfg.Exploration = selection.ModeEpsilon
	cfg.Epsilon = 1
	cfg.MinSwitchInterval = 0
	sel, _ := newSelector(cfg)

	in := input(ranging, map[types.StrategyID]float64{
		types.StrategyTrendFollowing: 0.9,
		types.StrategyGrid:           0.9,
		types.StrategyMeanReversion:  0.9,
	})
	for i := 0; i < 300; i++ {
		_, decision, err := sel.Select(in)
		if err != nil || !decision.Explored {
			t.Fatalf("Expected exploration on every draw, got %+v (%v)", decision, err)
		}
	}
	for _, id := range types.AllStrategies {
		if sel.Counts()[id] == 0 {
			t.Errorf("Expected %s to be explored at least once", id)
		}
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := selection.DefaultConfig()
	cfg.Exploration = "random"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for unknown exploration mode")
	}
}
