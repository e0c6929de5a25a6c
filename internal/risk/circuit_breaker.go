package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mrt46/my-freqtrade/internal/regime"
	"go.uber.org/zap"
)

// BreakerConfig configures the market circuit breaker.
type BreakerConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled" yaml:"enabled" default:"true"`
	// MaxMove is the absolute price change over MoveWindow that trips the breaker.
	MaxMove          float64       `json:"maxMove" mapstructure:"max_move" yaml:"max_move" default:"0.1" validate:"gt=0"`
	MoveWindow       time.Duration `json:"moveWindow" mapstructure:"move_window" yaml:"move_window" default:"1h"`
	MaxVolumeRatio   float64       `json:"maxVolumeRatio" mapstructure:"max_volume_ratio" yaml:"max_volume_ratio" default:"5.0" validate:"gt=0"`
	TripOnExtremeVol bool          `json:"tripOnExtremeVol" mapstructure:"trip_on_extreme_vol" yaml:"trip_on_extreme_vol" default:"true"`
	AutoReset        time.Duration `json:"autoReset" mapstructure:"auto_reset" yaml:"auto_reset" default:"1h"`
}

// DefaultBreakerConfig returns the default breaker thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          true,
		MaxMove:          0.10,
		MoveWindow:       time.Hour,
		MaxVolumeRatio:   5.0,
		TripOnExtremeVol: true,
		AutoReset:        time.Hour,
	}
}

// BreakerStatus is a point-in-time view of the breaker.
type BreakerStatus struct {
	Tripped   bool      `json:"tripped"`
	Reason    string    `json:"reason,omitempty"`
	TrippedAt time.Time `json:"trippedAt,omitempty"`
	ResetAt   time.Time `json:"resetAt,omitempty"`
}

// CircuitBreaker halts entries during anomalous market conditions. Time is
// bar time, so replays trip and reset exactly as live runs do.
type CircuitBreaker struct {
	logger *zap.Logger
	config BreakerConfig

	mu        sync.Mutex
	tripped   bool
	reason    string
	trippedAt time.Time
}

// NewCircuitBreaker creates a breaker.
func NewCircuitBreaker(logger *zap.Logger, config BreakerConfig) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{logger: logger.Named("circuit-breaker"), config: config}
}

// Observe checks one bar's market conditions and returns whether the breaker
// is tripped afterwards.
func (cb *CircuitBreaker) Observe(m Market) bool {
	if !cb.config.Enabled {
		return false
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.tripped && cb.config.AutoReset > 0 && m.Time.Sub(cb.trippedAt) >= cb.config.AutoReset {
		cb.logger.Debug("Circuit breaker reset", zap.String("was", cb.reason))
		cb.tripped = false
		cb.reason = ""
	}
	if cb.tripped {
		return true
	}

	switch {
	case cb.config.TripOnExtremeVol && m.Volatility == regime.VolatilityExtreme:
		cb.trip("extreme_volatility", m.Time)
	case !math.IsNaN(m.PriceChange) && math.Abs(m.PriceChange) > cb.config.MaxMove:
		cb.trip(fmt.Sprintf("price_move_%.1f%%", m.PriceChange*100), m.Time)
	case !math.IsNaN(m.VolumeRatio) && m.VolumeRatio > cb.config.MaxVolumeRatio:
		cb.trip(fmt.Sprintf("volume_anomaly_%.1fx", m.VolumeRatio), m.Time)
	}
	return cb.tripped
}

func (cb *CircuitBreaker) trip(reason string, at time.Time) {
	cb.tripped = true
	cb.reason = reason
	cb.trippedAt = at
	cb.logger.Debug("Circuit breaker tripped", zap.String("reason", reason), zap.Time("at", at))
}

// Tripped reports whether the breaker is tripped at the given time.
func (cb *CircuitBreaker) Tripped(at time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.tripped {
		return false
	}
	return cb.config.AutoReset <= 0 || at.Sub(cb.trippedAt) < cb.config.AutoReset
}

// Reset clears a trip.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tripped = false
	cb.reason = ""
}

// Status returns the breaker state.
func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	st := BreakerStatus{Tripped: cb.tripped, Reason: cb.reason}
	if cb.tripped {
		st.TrippedAt = cb.trippedAt
		if cb.config.AutoReset > 0 {
			st.ResetAt = cb.trippedAt.Add(cb.config.AutoReset)
		}
	}
	return st
}
