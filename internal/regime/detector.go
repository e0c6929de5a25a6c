// Package regime classifies market conditions into trend, volatility and
// volume tiers. Classification is throttled: the detector recomputes every
// RecomputeInterval bars and serves the cached state in between.
package regime

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mrt46/my-freqtrade/internal/indicators"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// Config configures the regime detector
type Config struct {
	RecomputeInterval int `json:"recomputeInterval" mapstructure:"recompute_interval" yaml:"recompute_interval" default:"50" validate:"gte=1"`
	HistorySize       int `json:"historySize" mapstructure:"history_size" yaml:"history_size" default:"1000" validate:"gte=1"`

	StrongADX   float64 `json:"strongAdx" mapstructure:"strong_adx" yaml:"strong_adx" default:"40" validate:"gt=0,lte=100"`
	TrendADX    float64 `json:"trendAdx" mapstructure:"trend_adx" yaml:"trend_adx" default:"25" validate:"gt=0,lte=100"`
	WeakADX     float64 `json:"weakAdx" mapstructure:"weak_adx" yaml:"weak_adx" default:"20" validate:"gt=0,lte=100"`
	StrongSlope float64 `json:"strongSlope" mapstructure:"strong_slope" yaml:"strong_slope" default:"1.0" validate:"gt=0"`
	TrendSlope  float64 `json:"trendSlope" mapstructure:"trend_slope" yaml:"trend_slope" default:"0.5" validate:"gt=0"`

	// Percentile rank of ATR within VolatilityLookback bars.
	VolatilityLookback int     `json:"volatilityLookback" mapstructure:"volatility_lookback" yaml:"volatility_lookback" default:"720" validate:"gte=1"`
	ExtremePercentile  float64 `json:"extremePercentile" mapstructure:"extreme_percentile" yaml:"extreme_percentile" default:"95" validate:"gt=0,lte=100"`
	HighPercentile     float64 `json:"highPercentile" mapstructure:"high_percentile" yaml:"high_percentile" default:"75" validate:"gt=0,lte=100"`
	NormalPercentile   float64 `json:"normalPercentile" mapstructure:"normal_percentile" yaml:"normal_percentile" default:"25" validate:"gte=0,lte=100"`

	SpikeVolumeRatio  float64 `json:"spikeVolumeRatio" mapstructure:"spike_volume_ratio" yaml:"spike_volume_ratio" default:"2.5" validate:"gt=0"`
	HighVolumeRatio   float64 `json:"highVolumeRatio" mapstructure:"high_volume_ratio" yaml:"high_volume_ratio" default:"1.5" validate:"gt=0"`
	NormalVolumeRatio float64 `json:"normalVolumeRatio" mapstructure:"normal_volume_ratio" yaml:"normal_volume_ratio" default:"0.7" validate:"gte=0"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		RecomputeInterval:  50,
		HistorySize:        1000,
		StrongADX:          40,
		TrendADX:           25,
		WeakADX:            20,
		StrongSlope:        1.0,
		TrendSlope:         0.5,
		VolatilityLookback: 720,
		ExtremePercentile:  95,
		HighPercentile:     75,
		NormalPercentile:   25,
		SpikeVolumeRatio:   2.5,
		HighVolumeRatio:    1.5,
		NormalVolumeRatio:  0.7,
	}
}

// Validate checks threshold ordering.
func (c *Config) Validate() error {
	if c.RecomputeInterval < 1 {
		return fmt.Errorf("recompute_interval must be at least 1, got %d", c.RecomputeInterval)
	}
	if !(c.WeakADX <= c.TrendADX && c.TrendADX <= c.StrongADX) {
		return fmt.Errorf("adx thresholds must satisfy weak <= trend <= strong (%.1f, %.1f, %.1f)", c.WeakADX, c.TrendADX, c.StrongADX)
	}
	if c.TrendSlope > c.StrongSlope {
		return fmt.Errorf("trend_slope (%.2f) exceeds strong_slope (%.2f)", c.TrendSlope, c.StrongSlope)
	}
	if !(c.NormalPercentile < c.HighPercentile && c.HighPercentile < c.ExtremePercentile) {
		return fmt.Errorf("volatility percentiles must be increasing (%.1f, %.1f, %.1f)", c.NormalPercentile, c.HighPercentile, c.ExtremePercentile)
	}
	if !(c.NormalVolumeRatio < c.HighVolumeRatio && c.HighVolumeRatio < c.SpikeVolumeRatio) {
		return fmt.Errorf("volume ratios must be increasing (%.2f, %.2f, %.2f)", c.NormalVolumeRatio, c.HighVolumeRatio, c.SpikeVolumeRatio)
	}
	return nil
}

// Detector classifies windows into regime states and caches the result
// between recomputations.
type Detector struct {
	logger *zap.Logger
	config *Config

	mu             sync.RWMutex
	current        *State
	history        []State
	lastBar        time.Time
	barsSeen       uint64
	lastComputeBar uint64
	recomputations uint64
}

// NewDetector creates a new regime detector
func NewDetector(logger *zap.Logger, config *Config) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = DefaultConfig()
	}
	return &Detector{
		logger:  logger.Named("regime"),
		config:  config,
		history: make([]State, 0, 64),
	}
}

// Classify returns the regime for the window's latest bar. A new bar counts
// toward the recompute interval; classifying the same bar twice does not.
func (d *Detector) Classify(w *indicators.Window) State {
	d.mu.Lock()
	defer d.mu.Unlock()

	ts := w.LastBar().Timestamp
	if d.current != nil && ts.Equal(d.lastBar) {
		return *d.current
	}
	d.barsSeen++
	d.lastBar = ts

	if d.current != nil && d.barsSeen-d.lastComputeBar < uint64(d.config.RecomputeInterval) {
		return *d.current
	}
	return d.recompute(w)
}

// Force recomputes the regime regardless of the interval.
func (d *Detector) Force(w *indicators.Window) State {
	d.mu.Lock()
	defer d.mu.Unlock()

	ts := w.LastBar().Timestamp
	if !ts.Equal(d.lastBar) {
		d.barsSeen++
		d.lastBar = ts
	}
	return d.recompute(w)
}

func (d *Detector) recompute(w *indicators.Window) State {
	state := d.analyze(w)
	d.recomputations++
	d.lastComputeBar = d.barsSeen
	state.Version = d.recomputations

	changed := d.current == nil || d.current.Trend != state.Trend ||
		d.current.Volatility != state.Volatility || d.current.Volume != state.Volume
	if changed {
		d.logger.Debug("Regime changed",
			zap.String("trend", string(state.Trend)),
			zap.String("volatility", string(state.Volatility)),
			zap.String("volume", string(state.Volume)),
			zap.Float64("adx", state.ADX))
	}

	d.current = &state
	d.history = append(d.history, state)
	if len(d.history) > d.config.HistorySize {
		d.history = d.history[len(d.history)-d.config.HistorySize:]
	}
	return state
}

// Current returns a copy of the cached state and whether one exists.
func (d *Detector) Current() (State, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.current == nil {
		return State{}, false
	}
	return *d.current, true
}

// History returns up to limit of the most recent recomputed states.
func (d *Detector) History(limit int) []State {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if limit <= 0 || limit > len(d.history) {
		limit = len(d.history)
	}
	out := make([]State, limit)
	copy(out, d.history[len(d.history)-limit:])
	return out
}

// Recomputations returns how many times the regime has been computed.
func (d *Detector) Recomputations() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.recomputations
}

// analyze is a pure function of the window and configuration.
func (d *Detector) analyze(w *indicators.Window) State {
	p := w.Latest()
	cfg := d.config
	state := State{
		ComputedAt: w.LastBar().Timestamp,
		RSI:        p.RSI,
		ATR:        p.ATR,
	}

	adx := p.ADX
	if math.IsNaN(adx) {
		adx = cfg.WeakADX
	}
	state.ADX = adx
	state.AvgSlope = averageSlope(w)
	state.Trend, state.Bias, state.Confidence = d.classifyTrend(adx, state.AvgSlope)

	state.ATRPercentile = atrPercentile(w.Column(indicators.ATRValue), cfg.VolatilityLookback)
	if p.Close > 0 && !math.IsNaN(p.ATR) {
		state.ATRPct = p.ATR / p.Close * 100
	}
	switch {
	case state.ATRPercentile > cfg.ExtremePercentile:
		state.Volatility = VolatilityExtreme
	case state.ATRPercentile > cfg.HighPercentile:
		state.Volatility = VolatilityHigh
	case state.ATRPercentile > cfg.NormalPercentile:
		state.Volatility = VolatilityNormal
	default:
		state.Volatility = VolatilityLow
	}

	state.VolumeRatio = 1.0
	if p.VolumeMA > 0 {
		state.VolumeRatio = p.Volume / p.VolumeMA
	}
	switch {
	case state.VolumeRatio > cfg.SpikeVolumeRatio:
		state.Volume = VolumeSpike
	case state.VolumeRatio > cfg.HighVolumeRatio:
		state.Volume = VolumeHigh
	case state.VolumeRatio > cfg.NormalVolumeRatio:
		state.Volume = VolumeNormal
	default:
		state.Volume = VolumeLow
	}

	state.Phase = phaseOf(state)
	return state
}

func (d *Detector) classifyTrend(adx, slope float64) (Trend, int, float64) {
	cfg := d.config
	strongConf := math.Min(0.95, 0.7+adx/100)
	switch {
	case adx > cfg.StrongADX && slope > cfg.StrongSlope:
		return TrendStrongUp, 0, strongConf
	case adx > cfg.TrendADX && slope > cfg.TrendSlope:
		return TrendUp, 0, 0.75
	case adx > cfg.StrongADX && slope < -cfg.StrongSlope:
		return TrendStrongDown, 0, strongConf
	case adx > cfg.TrendADX && slope < -cfg.TrendSlope:
		return TrendDown, 0, 0.75
	case adx > cfg.WeakADX && slope > 0:
		return TrendSideways, 1, 0.6
	case adx > cfg.WeakADX && slope < 0:
		return TrendSideways, -1, 0.6
	case adx < cfg.WeakADX:
		return TrendSideways, 0, 0.8
	}
	return TrendSideways, 0, 0.6
}

// averageSlope is the mean percent change of the fast, slow and trend EMAs
// across the last SlopeLookback bars, endpoints included.
func averageSlope(w *indicators.Window) float64 {
	lookback := w.Config().SlopeLookback
	last := w.Len() - 1
	first := last - lookback + 1
	if first < 0 || first == last {
		return 0
	}
	slopes := make([]float64, 0, 3)
	for _, col := range []indicators.Column{indicators.EMAFast, indicators.EMASlow, indicators.EMATrend} {
		then, now := w.Value(col, first), w.Value(col, last)
		if then == 0 || math.IsNaN(then) || math.IsNaN(now) {
			slopes = append(slopes, 0)
			continue
		}
		slopes = append(slopes, (now-then)/then*100)
	}
	return stat.Mean(slopes, nil)
}

// atrPercentile is the share of the last lookback ATR values strictly below
// the current one, in percent.
func atrPercentile(atr []float64, lookback int) float64 {
	valid := make([]float64, 0, len(atr))
	for _, v := range atr {
		if !math.IsNaN(v) {
			valid = append(valid, v)
		}
	}
	if len(valid) < 2 {
		return 50
	}
	current := valid[len(valid)-1]
	n := lookback
	if n > len(valid)-1 {
		n = len(valid) - 1
	}
	below := 0
	for _, v := range valid[len(valid)-n:] {
		if v < current {
			below++
		}
	}
	return float64(below) / float64(n) * 100
}

func phaseOf(s State) Phase {
	switch {
	case s.Trend == TrendSideways && s.Volume == VolumeLow:
		return PhaseAccumulation
	case s.Trend.IsUp():
		return PhaseMarkup
	case s.Trend == TrendSideways && s.Volatility == VolatilityHigh:
		return PhaseDistribution
	case s.Trend.IsDown():
		return PhaseMarkdown
	}
	return PhaseAccumulation
}
