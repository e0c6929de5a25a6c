package engine

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mrt46/my-freqtrade/internal/indicators"
	"github.com/mrt46/my-freqtrade/internal/learning"
	"github.com/mrt46/my-freqtrade/internal/regime"
	"github.com/mrt46/my-freqtrade/internal/risk"
	"github.com/mrt46/my-freqtrade/internal/selection"
	"github.com/mrt46/my-freqtrade/internal/strategy"
	"github.com/mrt46/my-freqtrade/pkg/types"
)

// Config holds every tunable of one engine.
type Config struct {
	Timeframe  types.Timeframe   `json:"timeframe" mapstructure:"timeframe" yaml:"timeframe" default:"1h" validate:"oneof=1m 5m 15m 1h 4h 1d"`
	Indicators indicators.Config `json:"indicators" mapstructure:"indicators" yaml:"indicators"`
	Regime     regime.Config     `json:"regime" mapstructure:"regime" yaml:"regime"`
	Strategies strategy.Config   `json:"strategies" mapstructure:"strategies" yaml:"strategies"`
	Selector   selection.Config  `json:"selector" mapstructure:"selector" yaml:"selector"`
	Learning   learning.Config   `json:"learning" mapstructure:"learning" yaml:"learning"`
	Risk       risk.Config       `json:"risk" mapstructure:"risk" yaml:"risk"`
	Limits     types.RiskLimits  `json:"limits" mapstructure:"limits" yaml:"limits"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeframe:  types.Timeframe1h,
		Indicators: *indicators.DefaultConfig(),
		Regime:     *regime.DefaultConfig(),
		Strategies: *strategy.DefaultConfig(),
		Selector:   *selection.DefaultConfig(),
		Learning:   *learning.DefaultConfig(),
		Risk:       *risk.DefaultConfig(),
		Limits:     types.DefaultRiskLimits(),
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate runs the field range rules, then the cross-field checks. Every
// error matches ErrInvalidConfiguration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
		}
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s=%s, got %v)", fieldName(fe), fe.Tag(), fe.Param(), fe.Value()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidConfiguration, strings.Join(fields, "; "))
	}
	if c.Timeframe.Duration() == 0 {
		return fmt.Errorf("%w: unknown timeframe %q", ErrInvalidConfiguration, c.Timeframe)
	}
	checks := []struct {
		section string
		check   func() error
	}{
		{"indicators", c.Indicators.Validate},
		{"regime", c.Regime.Validate},
		{"strategies", c.Strategies.Validate},
		{"selector", c.Selector.Validate},
		{"learning", c.Learning.Validate},
		{"limits", c.validateLimits},
	}
	for _, ch := range checks {
		if err := ch.check(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfiguration, ch.section, err)
		}
	}
	return nil
}

// fieldName drops the root type from "Config.learning.profit_scale".
func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func (c *Config) validateLimits() error {
	l := c.Limits
	if l.MaxOpenPositions < 1 {
		return fmt.Errorf("max_open_positions must be at least 1, got %d", l.MaxOpenPositions)
	}
	for name, v := range map[string]float64{
		"max_capital_fraction_per_strategy": l.MaxCapitalFractionPerStrategy,
		"max_risk_per_trade":                l.MaxRiskPerTrade,
		"max_daily_loss":                    l.MaxDailyLoss,
		"max_drawdown":                      l.MaxDrawdown,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %v", name, v)
		}
	}
	if c.Risk.ATRMultiplier <= 0 {
		return fmt.Errorf("risk.atr_multiplier must be positive, got %v", c.Risk.ATRMultiplier)
	}
	if c.Risk.MaxStopFraction <= 0 || c.Risk.MaxStopFraction >= 1 {
		return fmt.Errorf("risk.max_stop_fraction must be in (0, 1), got %v", c.Risk.MaxStopFraction)
	}
	return nil
}
