// Package types provides shared type definitions for the decision engine.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is what a signal or intent asks the execution layer to do.
type Direction string

const (
	DirectionEnterLong Direction = "enter_long"
	DirectionExit      Direction = "exit"
	DirectionHold      Direction = "hold"
)

// Timeframe represents bar timeframes
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the bar length of the timeframe, or zero if unknown.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	}
	return 0
}

// StrategyID identifies a sub-strategy. Lower ids win selection ties.
type StrategyID uint8

const (
	StrategyNone           StrategyID = 0
	StrategyTrendFollowing StrategyID = 1
	StrategyGrid           StrategyID = 2
	StrategyMeanReversion  StrategyID = 3
)

// AllStrategies lists every sub-strategy id in ascending order.
var AllStrategies = []StrategyID{StrategyTrendFollowing, StrategyGrid, StrategyMeanReversion}

func (id StrategyID) String() string {
	switch id {
	case StrategyTrendFollowing:
		return "trend_following"
	case StrategyGrid:
		return "grid"
	case StrategyMeanReversion:
		return "mean_reversion"
	case StrategyNone:
		return "none"
	}
	return fmt.Sprintf("strategy(%d)", uint8(id))
}

// MarshalText encodes the id by name so JSON maps keyed by StrategyID stay readable.
func (id StrategyID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses a strategy name.
func (id *StrategyID) UnmarshalText(b []byte) error {
	parsed, err := ParseStrategyID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseStrategyID parses names such as "grid", "MeanReversion" or "trend-following".
func ParseStrategyID(s string) (StrategyID, error) {
	norm := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s))
	switch norm {
	case "trendfollowing", "trend":
		return StrategyTrendFollowing, nil
	case "grid":
		return StrategyGrid, nil
	case "meanreversion", "meanrev":
		return StrategyMeanReversion, nil
	case "none", "":
		return StrategyNone, nil
	}
	return StrategyNone, fmt.Errorf("unknown strategy %q", s)
}

// PriceBar represents a single candlestick. Bars of one pair arrive with strictly
// increasing timestamps and are never modified after being appended.
type PriceBar struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Signal is a sub-strategy's raw recommendation for the current bar.
type Signal struct {
	Direction       Direction       `json:"direction"`
	Confidence      float64         `json:"confidence"`
	SuggestedStop   decimal.Decimal `json:"suggestedStop"`
	SuggestedTarget decimal.Decimal `json:"suggestedTarget"`
	StrategyID      StrategyID      `json:"strategyId"`
	Reason          string          `json:"reason,omitempty"`
	Price           decimal.Decimal `json:"price"`
}

// IsActionable reports whether the signal asks for anything other than hold.
func (s Signal) IsActionable() bool {
	return s.Direction == DirectionEnterLong || s.Direction == DirectionExit
}

// HoldSignal returns a hold signal attributed to the given strategy.
func HoldSignal(id StrategyID, reason string) Signal {
	return Signal{Direction: DirectionHold, StrategyID: id, Reason: reason}
}

// TradeIntent is the engine's terminal output: a risk-checked instruction for the
// execution layer. The engine keeps no reference after returning it.
type TradeIntent struct {
	ID         string          `json:"id"`
	Pair       string          `json:"pair"`
	Direction  Direction       `json:"direction"`
	Size       decimal.Decimal `json:"size"`
	Entry      decimal.Decimal `json:"entry"`
	Stop       decimal.Decimal `json:"stop"`
	Target     decimal.Decimal `json:"target"`
	StrategyID StrategyID      `json:"strategyId"`
	Confidence float64         `json:"confidence"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Notional returns size times entry price.
func (t TradeIntent) Notional() decimal.Decimal {
	return t.Size.Mul(t.Entry)
}

// ClosedTrade is the outcome event that feeds adaptive weights.
type ClosedTrade struct {
	StrategyID             StrategyID `json:"strategyId"`
	Pair                   string     `json:"pair"`
	RealizedProfitFraction float64    `json:"realizedProfitFraction"`
	ClosedAt               time.Time  `json:"closedAt"`
}

// IsWin reports whether the trade closed in profit.
func (c ClosedTrade) IsWin() bool {
	return c.RealizedProfitFraction > 0
}

// OpenPosition is an open long position on a pair.
type OpenPosition struct {
	Pair       string          `json:"pair"`
	StrategyID StrategyID      `json:"strategyId"`
	Size       decimal.Decimal `json:"size"`
	Entry      decimal.Decimal `json:"entry"`
	Stop       decimal.Decimal `json:"stop"`
	Target     decimal.Decimal `json:"target"`
	OpenedAt   time.Time       `json:"openedAt"`
}

// ProfitFraction returns the unrealized profit ratio at the given price.
func (p OpenPosition) ProfitFraction(price decimal.Decimal) float64 {
	if p.Entry.IsZero() {
		return 0
	}
	f, _ := price.Sub(p.Entry).Div(p.Entry).Float64()
	return f
}

// AccountState is the read-only ledger view the risk manager evaluates against.
type AccountState struct {
	Equity            decimal.Decimal                `json:"equity"`
	PeakEquity        decimal.Decimal                `json:"peakEquity"`
	DayStartEquity    decimal.Decimal                `json:"dayStartEquity"`
	DailyRealizedPnL  decimal.Decimal                `json:"dailyRealizedPnl"`
	OpenPositions     int                            `json:"openPositions"`
	OpenByStrategy    map[StrategyID]int             `json:"openByStrategy"`
	CapitalByStrategy map[StrategyID]decimal.Decimal `json:"capitalByStrategy"`
	TradesToday       map[StrategyID]int             `json:"tradesToday,omitempty"`
	LastLossAt        map[StrategyID]time.Time       `json:"lastLossAt,omitempty"`
	Position          *OpenPosition                  `json:"position,omitempty"`
}

// NewAccountState returns a flat account with the given equity.
func NewAccountState(equity decimal.Decimal) AccountState {
	return AccountState{
		Equity:            equity,
		PeakEquity:        equity,
		DayStartEquity:    equity,
		OpenByStrategy:    make(map[StrategyID]int),
		CapitalByStrategy: make(map[StrategyID]decimal.Decimal),
		TradesToday:       make(map[StrategyID]int),
		LastLossAt:        make(map[StrategyID]time.Time),
	}
}

// DailyLossFraction returns realized loss today as a fraction of start-of-day equity.
// Profitable days report zero.
func (a AccountState) DailyLossFraction() decimal.Decimal {
	if a.DayStartEquity.Sign() <= 0 || a.DailyRealizedPnL.Sign() >= 0 {
		return decimal.Zero
	}
	return a.DailyRealizedPnL.Neg().Div(a.DayStartEquity)
}

// Drawdown returns the running drawdown from peak equity as a fraction.
func (a AccountState) Drawdown() decimal.Decimal {
	if a.PeakEquity.Sign() <= 0 || a.Equity.GreaterThanOrEqual(a.PeakEquity) {
		return decimal.Zero
	}
	return a.PeakEquity.Sub(a.Equity).Div(a.PeakEquity)
}
