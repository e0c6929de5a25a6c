package types

import (
	"github.com/shopspring/decimal"
)

// RiskLimits represents risk management limits supplied by the operator. The
// engine only reads them.
type RiskLimits struct {
	MaxOpenPositions              int     `json:"maxOpenPositions" mapstructure:"max_open_positions" yaml:"max_open_positions" default:"5" validate:"gte=1"`
	MaxCapitalFractionPerStrategy float64 `json:"maxCapitalFractionPerStrategy" mapstructure:"max_capital_fraction_per_strategy" yaml:"max_capital_fraction_per_strategy" default:"0.4" validate:"gt=0,lte=1"`
	MaxRiskPerTrade               float64 `json:"maxRiskPerTrade" mapstructure:"max_risk_per_trade" yaml:"max_risk_per_trade" default:"0.02" validate:"gt=0,lte=1"`
	MaxDailyLoss                  float64 `json:"maxDailyLoss" mapstructure:"max_daily_loss" yaml:"max_daily_loss" default:"0.05" validate:"gt=0,lte=1"`
	MaxDrawdown                   float64 `json:"maxDrawdown" mapstructure:"max_drawdown" yaml:"max_drawdown" default:"0.15" validate:"gt=0,lte=1"`
}

// DefaultRiskLimits returns the portfolio-wide defaults.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxOpenPositions:              5,
		MaxCapitalFractionPerStrategy: 0.4,
		MaxRiskPerTrade:               0.02,
		MaxDailyLoss:                  0.05,
		MaxDrawdown:                   0.15,
	}
}

// Decimal helpers keep limit comparisons exact against decimal account values.

func (l RiskLimits) MaxDailyLossDecimal() decimal.Decimal {
	return decimal.NewFromFloat(l.MaxDailyLoss)
}

func (l RiskLimits) MaxDrawdownDecimal() decimal.Decimal {
	return decimal.NewFromFloat(l.MaxDrawdown)
}

func (l RiskLimits) MaxRiskPerTradeDecimal() decimal.Decimal {
	return decimal.NewFromFloat(l.MaxRiskPerTrade)
}
