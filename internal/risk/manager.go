// Package risk sizes and vetoes sub-strategy signals against account state
// and operator limits.
package risk

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mrt46/my-freqtrade/internal/regime"
	"github.com/mrt46/my-freqtrade/internal/strategy"
	"github.com/mrt46/my-freqtrade/pkg/types"
	"github.com/mrt46/my-freqtrade/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrVeto matches every *Veto.
var ErrVeto = errors.New("risk veto")

// Violation is one broken risk rule.
type Violation struct {
	Rule    string          `json:"rule"`
	Value   decimal.Decimal `json:"value"`
	Limit   decimal.Decimal `json:"limit"`
	Message string          `json:"message"`
}

// Veto rejects a signal. errors.Is(v, ErrVeto) holds for every Veto.
type Veto struct {
	StrategyID types.StrategyID `json:"strategyId"`
	Violations []Violation      `json:"violations"`
}

func (v *Veto) Error() string {
	rules := make([]string, len(v.Violations))
	for i, vi := range v.Violations {
		rules[i] = vi.Rule
	}
	return fmt.Sprintf("risk veto for %s: %s", v.StrategyID, strings.Join(rules, ", "))
}

func (v *Veto) Unwrap() error { return ErrVeto }

// Has reports whether the veto includes a rule.
func (v *Veto) Has(rule string) bool {
	for _, vi := range v.Violations {
		if vi.Rule == rule {
			return true
		}
	}
	return false
}

// Rules checked by the manager.
const (
	RuleInvalidMarket       = "invalid_market"
	RuleCircuitBreaker      = "circuit_breaker"
	RuleExtremeVolatility   = "extreme_volatility"
	RuleMaxOpenPositions    = "max_open_positions"
	RuleStrategyPositionCap = "strategy_position_cap"
	RuleStrategyCapitalCap  = "strategy_capital_cap"
	RuleMaxDailyLoss        = "max_daily_loss"
	RuleMaxDrawdown         = "max_drawdown"
	RuleDailyTradeLimit     = "daily_trade_limit"
	RuleCooldown            = "cooldown_after_loss"
	RuleZeroSize            = "zero_size"
	RuleNoPosition          = "no_open_position"
)

// StrategyLimits are per-strategy pacing rules.
type StrategyLimits struct {
	MaxDailyTrades    int           `json:"maxDailyTrades" mapstructure:"max_daily_trades" yaml:"max_daily_trades" validate:"gte=0"`
	CooldownAfterLoss time.Duration `json:"cooldownAfterLoss" mapstructure:"cooldown_after_loss" yaml:"cooldown_after_loss"`
}

// Config configures stop placement, sizing and the supplementary rules.
type Config struct {
	ATRMultiplier          float64       `json:"atrMultiplier" mapstructure:"atr_multiplier" yaml:"atr_multiplier" default:"2.0" validate:"gt=0"`
	MaxStopFraction        float64       `json:"maxStopFraction" mapstructure:"max_stop_fraction" yaml:"max_stop_fraction" default:"0.05" validate:"gt=0,lt=1"`
	RewardRatio            float64       `json:"rewardRatio" mapstructure:"reward_ratio" yaml:"reward_ratio" default:"1.5" validate:"gt=0"`
	SizeStep               float64       `json:"sizeStep" mapstructure:"size_step" yaml:"size_step" default:"0.0001" validate:"gte=0"`
	ScaleByConfidence      bool          `json:"scaleByConfidence" mapstructure:"scale_by_confidence" yaml:"scale_by_confidence" default:"true"`
	BlockExtremeVolatility bool          `json:"blockExtremeVolatility" mapstructure:"block_extreme_volatility" yaml:"block_extreme_volatility" default:"true"`
	CircuitBreaker         BreakerConfig `json:"circuitBreaker" mapstructure:"circuit_breaker" yaml:"circuit_breaker"`

	TrendFollowing StrategyLimits `json:"trendFollowing" mapstructure:"trend_following" yaml:"trend_following"`
	Grid           StrategyLimits `json:"grid" mapstructure:"grid" yaml:"grid"`
	MeanReversion  StrategyLimits `json:"meanReversion" mapstructure:"mean_reversion" yaml:"mean_reversion"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		ATRMultiplier:          2.0,
		MaxStopFraction:        0.05,
		RewardRatio:            1.5,
		SizeStep:               0.0001,
		ScaleByConfidence:      true,
		BlockExtremeVolatility: true,
		CircuitBreaker:         DefaultBreakerConfig(),
		TrendFollowing:         StrategyLimits{MaxDailyTrades: 8, CooldownAfterLoss: 20 * time.Minute},
		Grid:                   StrategyLimits{MaxDailyTrades: 15, CooldownAfterLoss: 15 * time.Minute},
		MeanReversion:          StrategyLimits{MaxDailyTrades: 10, CooldownAfterLoss: 25 * time.Minute},
	}
}

// For returns the pacing rules of a strategy. Zero values disable a rule.
func (c *Config) For(id types.StrategyID) StrategyLimits {
	switch id {
	case types.StrategyTrendFollowing:
		return c.TrendFollowing
	case types.StrategyGrid:
		return c.Grid
	case types.StrategyMeanReversion:
		return c.MeanReversion
	}
	return StrategyLimits{}
}

// Market is the per-bar market context the manager evaluates against.
type Market struct {
	Pair       string
	Time       time.Time
	Price      decimal.Decimal
	ATR        float64
	Volatility regime.Volatility
	// PriceChange is the fractional move over the breaker's move window.
	PriceChange float64
	VolumeRatio float64
}

// Manager turns signals into sized trade intents or vetoes.
type Manager struct {
	logger  *zap.Logger
	config  *Config
	caps    map[types.StrategyID]strategy.Caps
	breaker *CircuitBreaker
}

// NewManager creates a risk manager for strategies with the given caps.
func NewManager(logger *zap.Logger, config *Config, caps map[types.StrategyID]strategy.Caps) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = DefaultConfig()
	}
	return &Manager{
		logger:  logger.Named("risk"),
		config:  config,
		caps:    caps,
		breaker: NewCircuitBreaker(logger, config.CircuitBreaker),
	}
}

// Observe feeds one bar of market conditions to the circuit breaker.
func (m *Manager) Observe(market Market) bool {
	return m.breaker.Observe(market)
}

// Breaker returns the circuit breaker.
func (m *Manager) Breaker() *CircuitBreaker {
	return m.breaker
}

// StopFor returns the protective stop for a long entry: entry minus
// ATRMultiplier times ATR, never further than MaxStopFraction of entry.
func (m *Manager) StopFor(entry decimal.Decimal, atr float64) decimal.Decimal {
	distance := decimal.NewFromFloat(m.config.ATRMultiplier * atr)
	maxDistance := entry.Mul(decimal.NewFromFloat(m.config.MaxStopFraction))
	return entry.Sub(utils.MinDecimal(distance, maxDistance))
}

// Evaluate sizes an actionable signal or returns a *Veto. Exits for an open
// position are always approved at the open size.
func (m *Manager) Evaluate(signal types.Signal, market Market, account types.AccountState, limits types.RiskLimits) (types.TradeIntent, error) {
	switch signal.Direction {
	case types.DirectionExit:
		return m.exit(signal, market, account)
	case types.DirectionEnterLong:
		return m.entry(signal, market, account, limits)
	}
	return types.TradeIntent{}, fmt.Errorf("signal direction %q is not actionable", signal.Direction)
}

func (m *Manager) exit(signal types.Signal, market Market, account types.AccountState) (types.TradeIntent, error) {
	pos := account.Position
	if pos == nil || pos.Size.Sign() <= 0 {
		return types.TradeIntent{}, &Veto{StrategyID: signal.StrategyID, Violations: []Violation{{
			Rule:    RuleNoPosition,
			Message: "No open position to exit",
		}}}
	}
	price := market.Price
	if price.Sign() <= 0 {
		price = signal.Price
	}
	return types.TradeIntent{
		ID:         utils.GenerateIntentID(),
		Pair:       market.Pair,
		Direction:  types.DirectionExit,
		Size:       pos.Size,
		Entry:      price,
		Stop:       pos.Stop,
		Target:     pos.Target,
		StrategyID: pos.StrategyID,
		Confidence: signal.Confidence,
		Reason:     signal.Reason,
		CreatedAt:  market.Time,
	}, nil
}

func (m *Manager) entry(signal types.Signal, market Market, account types.AccountState, limits types.RiskLimits) (types.TradeIntent, error) {
	id := signal.StrategyID
	caps := m.caps[id]
	veto := &Veto{StrategyID: id}
	add := func(rule string, value, limit decimal.Decimal, msg string) {
		veto.Violations = append(veto.Violations, Violation{Rule: rule, Value: value, Limit: limit, Message: msg})
	}

	if market.Price.Sign() <= 0 || math.IsNaN(market.ATR) || market.ATR <= 0 {
		add(RuleInvalidMarket, market.Price, decimal.Zero, "Price and ATR must be positive")
		return types.TradeIntent{}, veto
	}
	if m.breaker.Tripped(market.Time) {
		add(RuleCircuitBreaker, decimal.Zero, decimal.Zero, "Circuit breaker tripped: "+m.breaker.Status().Reason)
	}
	if m.config.BlockExtremeVolatility && market.Volatility == regime.VolatilityExtreme {
		add(RuleExtremeVolatility, decimal.Zero, decimal.Zero, "No new entries in extreme volatility")
	}
	if account.OpenPositions >= limits.MaxOpenPositions {
		add(RuleMaxOpenPositions, decimal.NewFromInt(int64(account.OpenPositions)), decimal.NewFromInt(int64(limits.MaxOpenPositions)),
			"Maximum open positions reached")
	}
	if caps.MaxPositions > 0 && account.OpenByStrategy[id] >= caps.MaxPositions {
		add(RuleStrategyPositionCap, decimal.NewFromInt(int64(account.OpenByStrategy[id])), decimal.NewFromInt(int64(caps.MaxPositions)),
			fmt.Sprintf("Strategy %s position cap reached", id))
	}
	if loss, limit := account.DailyLossFraction(), limits.MaxDailyLossDecimal(); loss.GreaterThanOrEqual(limit) {
		add(RuleMaxDailyLoss, loss, limit, "Daily loss limit reached")
	}
	if dd, limit := account.Drawdown(), limits.MaxDrawdownDecimal(); dd.GreaterThanOrEqual(limit) {
		add(RuleMaxDrawdown, dd, limit, "Maximum drawdown reached")
	}
	pacing := m.config.For(id)
	if pacing.MaxDailyTrades > 0 && account.TradesToday[id] >= pacing.MaxDailyTrades {
		add(RuleDailyTradeLimit, decimal.NewFromInt(int64(account.TradesToday[id])), decimal.NewFromInt(int64(pacing.MaxDailyTrades)),
			fmt.Sprintf("Strategy %s daily trade limit reached", id))
	}
	if last, ok := account.LastLossAt[id]; ok && pacing.CooldownAfterLoss > 0 {
		if until := last.Add(pacing.CooldownAfterLoss); market.Time.Before(until) {
			add(RuleCooldown, decimal.Zero, decimal.Zero,
				fmt.Sprintf("Strategy %s in cooldown until %s", id, until.Format(time.RFC3339)))
		}
	}

	entry := market.Price
	stop := m.StopFor(entry, market.ATR)
	distance := entry.Sub(stop)

	size := decimal.Zero
	capFraction := math.Min(limits.MaxCapitalFractionPerStrategy, capFractionOf(caps))
	room := account.Equity.Mul(decimal.NewFromFloat(capFraction)).Sub(account.CapitalByStrategy[id])
	if room.Sign() <= 0 {
		add(RuleStrategyCapitalCap, account.CapitalByStrategy[id], account.Equity.Mul(decimal.NewFromFloat(capFraction)),
			fmt.Sprintf("Strategy %s capital cap reached", id))
	} else if distance.Sign() > 0 {
		size = account.Equity.Mul(limits.MaxRiskPerTradeDecimal()).Div(distance)
		size = utils.MinDecimal(size, room.Div(entry))
		if m.config.ScaleByConfidence {
			size = size.Mul(confidenceScale(signal.Confidence))
		}
		size = utils.RoundToStepSize(size, decimal.NewFromFloat(m.config.SizeStep))
	}
	if size.Sign() <= 0 && len(veto.Violations) == 0 {
		add(RuleZeroSize, size, decimal.NewFromFloat(m.config.SizeStep), "Position size rounds to zero")
	}

	if len(veto.Violations) > 0 {
		m.logger.Debug("Signal vetoed",
			zap.String("pair", market.Pair),
			zap.String("strategy", id.String()),
			zap.Error(veto))
		return types.TradeIntent{}, veto
	}

	target := signal.SuggestedTarget
	if target.LessThanOrEqual(entry) {
		target = entry.Add(distance.Mul(decimal.NewFromFloat(m.config.RewardRatio)))
	}
	return types.TradeIntent{
		ID:         utils.GenerateIntentID(),
		Pair:       market.Pair,
		Direction:  types.DirectionEnterLong,
		Size:       size,
		Entry:      entry,
		Stop:       stop,
		Target:     target,
		StrategyID: id,
		Confidence: signal.Confidence,
		Reason:     signal.Reason,
		CreatedAt:  market.Time,
	}, nil
}

func capFractionOf(caps strategy.Caps) float64 {
	if caps.MaxCapitalFraction <= 0 {
		return 1
	}
	return caps.MaxCapitalFraction
}

// confidenceScale halves low-confidence sizes and trims medium ones.
func confidenceScale(confidence float64) decimal.Decimal {
	switch {
	case confidence < 0.5:
		return decimal.NewFromFloat(0.5)
	case confidence < 0.7:
		return decimal.NewFromFloat(0.75)
	}
	return decimal.NewFromInt(1)
}
