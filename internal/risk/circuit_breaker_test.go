package risk_test

import (
	"testing"
	"time"

	"github.com/mrt46/my-freqtrade/internal/regime"
	"github.com/mrt46/my-freqtrade/internal/risk"
	"github.com/mrt46/my-freqtrade/pkg/types"
	"go.uber.org/zap"
)

func TestBreakerTripsOnPriceMove(t *testing.T) {
	cb := risk.NewCircuitBreaker(zap.NewNop(), risk.DefaultBreakerConfig())

	calm := market(1)
	calm.PriceChange = 0.02
	if cb.Observe(calm) {
		t.Fatal("Expected breaker closed for a 2% move")
	}

	crash := market(1)
	crash.PriceChange = -0.12
	if !cb.Observe(crash) {
		t.Fatal("Expected breaker to trip on a 12% move")
	}
	if st := cb.Status(); st.Reason == "" || !st.ResetAt.Equal(now.Add(time.Hour)) {
		t.Errorf("Unexpected status %+v", st)
	}

	later := calm
	later.Time = now.Add(time.Hour)
	if cb.Observe(later) {
		t.Error("Expected breaker to reset after an hour of bar time")
	}
}

func TestBreakerTripsOnVolumeAndVolatility(t *testing.T) {
	cb := risk.NewCircuitBreaker(zap.NewNop(), risk.DefaultBreakerConfig())
	spike := market(1)
	spike.VolumeRatio = 6
	if !cb.Observe(spike) {
		t.Error("Expected breaker to trip on a 6x volume spike")
	}

	cb = risk.NewCircuitBreaker(zap.NewNop(), risk.DefaultBreakerConfig())
	wild := market(1)
	wild.Volatility = regime.VolatilityExtreme
	if !cb.Observe(wild) {
		t.Error("Expected breaker to trip on extreme volatility")
	}
	cb.Reset()
	if cb.Tripped(now) {
		t.Error("Expected manual reset to clear the trip")
	}
}

func TestTrippedBreakerVetoesEntries(t *testing.T) {
	m := newManager()
	crash := market(1)
	crash.PriceChange = 0.15
	m.Observe(crash)

	_, err := m.Evaluate(entry(types.StrategyGrid, 1), market(1), account(), types.DefaultRiskLimits())
	expectVeto(t, err, risk.RuleCircuitBreaker)
}
