// Package ledger simulates the account the engine trades against: cash,
// one long position per pair, fills at stops, targets and exit intents, and
// the daily counters the risk manager reads through types.AccountState.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mrt46/my-freqtrade/pkg/types"
	"github.com/shopspring/decimal"
)

var (
	ErrPositionExists    = errors.New("position already open")
	ErrNoPosition        = errors.New("no open position")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnsupportedIntent = errors.New("unsupported intent direction")
)

// Close reasons.
const (
	ReasonStop   = "stop"
	ReasonTarget = "target"
	ReasonExit   = "exit_signal"
)

type position struct {
	types.OpenPosition
	current  decimal.Decimal
	entryFee decimal.Decimal
}

// Fill is a simulated close of a position.
type Fill struct {
	Position types.OpenPosition `json:"position"`
	Price    decimal.Decimal    `json:"price"`
	PnL      decimal.Decimal    `json:"pnl"`
	Reason   string             `json:"reason"`
	Trade    types.ClosedTrade  `json:"trade"`
}

// Summary reports account totals.
type Summary struct {
	Cash          decimal.Decimal `json:"cash"`
	Equity        decimal.Decimal `json:"equity"`
	PeakEquity    decimal.Decimal `json:"peakEquity"`
	Drawdown      decimal.Decimal `json:"drawdown"`
	Return        decimal.Decimal `json:"return"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	OpenPositions int             `json:"openPositions"`
	Trades        int             `json:"trades"`
	Wins          int             `json:"wins"`
}

// WinRate returns the fraction of closed trades that made money.
func (s Summary) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades)
}

// Ledger is a simulated spot account. Safe for concurrent use.
type Ledger struct {
	mu          sync.RWMutex
	cash        decimal.Decimal
	initialCash decimal.Decimal
	peakEquity  decimal.Decimal
	feeRate     decimal.Decimal
	positions   map[string]*position

	day            time.Time
	dayStartEquity decimal.Decimal
	dailyPnL       decimal.Decimal
	tradesToday    map[types.StrategyID]int
	lastLossAt     map[types.StrategyID]time.Time

	realized decimal.Decimal
	trades   int
	wins     int
}

// New creates a flat account. feeRate is charged on the notional of every
// fill.
func New(initialCash decimal.Decimal, feeRate float64) *Ledger {
	return &Ledger{
		cash:           initialCash,
		initialCash:    initialCash,
		peakEquity:     initialCash,
		feeRate:        decimal.NewFromFloat(feeRate),
		positions:      make(map[string]*position),
		dayStartEquity: initialCash,
		tradesToday:    make(map[types.StrategyID]int),
		lastLossAt:     make(map[types.StrategyID]time.Time),
	}
}

// Account returns the risk manager's view of the account for one pair.
func (l *Ledger) Account(pair string) types.AccountState {
	l.mu.RLock()
	defer l.mu.RUnlock()

	acct := types.NewAccountState(l.equity())
	acct.PeakEquity = l.peakEquity
	acct.DayStartEquity = l.dayStartEquity
	acct.DailyRealizedPnL = l.dailyPnL
	acct.OpenPositions = len(l.positions)
	for _, pos := range l.positions {
		acct.OpenByStrategy[pos.StrategyID]++
		committed := acct.CapitalByStrategy[pos.StrategyID]
		acct.CapitalByStrategy[pos.StrategyID] = committed.Add(pos.Size.Mul(pos.Entry))
	}
	for id, n := range l.tradesToday {
		acct.TradesToday[id] = n
	}
	for id, at := range l.lastLossAt {
		acct.LastLossAt[id] = at
	}
	if pos, ok := l.positions[pair]; ok {
		open := pos.OpenPosition
		acct.Position = &open
	}
	return acct
}

// Mark rolls the trading day, marks the pair's position to the bar close
// and fills its stop or target if the bar touched one. The stop is checked
// first, and a bar that opens through the stop fills at the open.
func (l *Ledger) Mark(pair string, bar types.PriceBar) (*Fill, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollDay(bar.Timestamp)
	pos, ok := l.positions[pair]
	if !ok {
		return nil, false
	}

	var fill *Fill
	switch {
	case pos.Stop.Sign() > 0 && bar.Low.LessThanOrEqual(pos.Stop):
		price := pos.Stop
		if bar.Open.LessThan(price) {
			price = bar.Open
		}
		fill = l.close(pair, pos, price, bar.Timestamp, ReasonStop)
	case pos.Target.Sign() > 0 && bar.High.GreaterThanOrEqual(pos.Target):
		price := pos.Target
		if bar.Open.GreaterThan(price) {
			price = bar.Open
		}
		fill = l.close(pair, pos, price, bar.Timestamp, ReasonTarget)
	default:
		pos.current = bar.Close
	}
	l.updatePeak()
	return fill, fill != nil
}

// Apply executes an intent at its entry price. Entries open a position;
// exits close the pair's position and return the fill.
func (l *Ledger) Apply(intent types.TradeIntent) (*Fill, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch intent.Direction {
	case types.DirectionEnterLong:
		return nil, l.open(intent)
	case types.DirectionExit:
		pos, ok := l.positions[intent.Pair]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoPosition, intent.Pair)
		}
		fill := l.close(intent.Pair, pos, intent.Entry, intent.CreatedAt, ReasonExit)
		l.updatePeak()
		return fill, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedIntent, intent.Direction)
}

func (l *Ledger) open(intent types.TradeIntent) error {
	if _, ok := l.positions[intent.Pair]; ok {
		return fmt.Errorf("%w: %s", ErrPositionExists, intent.Pair)
	}
	notional := intent.Size.Mul(intent.Entry)
	fee := notional.Mul(l.feeRate)
	cost := notional.Add(fee)
	if cost.GreaterThan(l.cash) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, cost.StringFixed(2), l.cash.StringFixed(2))
	}

	l.rollDay(intent.CreatedAt)
	l.cash = l.cash.Sub(cost)
	l.positions[intent.Pair] = &position{
		OpenPosition: types.OpenPosition{
			Pair:       intent.Pair,
			StrategyID: intent.StrategyID,
			Size:       intent.Size,
			Entry:      intent.Entry,
			Stop:       intent.Stop,
			Target:     intent.Target,
			OpenedAt:   intent.CreatedAt,
		},
		current:  intent.Entry,
		entryFee: fee,
	}
	l.tradesToday[intent.StrategyID]++
	return nil
}

// close must hold the lock.
func (l *Ledger) close(pair string, pos *position, price decimal.Decimal, at time.Time, reason string) *Fill {
	proceeds := pos.Size.Mul(price)
	exitFee := proceeds.Mul(l.feeRate)
	cost := pos.Size.Mul(pos.Entry)
	pnl := proceeds.Sub(cost).Sub(pos.entryFee).Sub(exitFee)

	l.cash = l.cash.Add(proceeds).Sub(exitFee)
	l.dailyPnL = l.dailyPnL.Add(pnl)
	l.realized = l.realized.Add(pnl)
	l.trades++
	if pnl.Sign() > 0 {
		l.wins++
	} else {
		l.lastLossAt[pos.StrategyID] = at
	}
	delete(l.positions, pair)

	fraction := 0.0
	if cost.Sign() > 0 {
		fraction, _ = pnl.Div(cost).Float64()
	}
	return &Fill{
		Position: pos.OpenPosition,
		Price:    price,
		PnL:      pnl,
		Reason:   reason,
		Trade: types.ClosedTrade{
			StrategyID:             pos.StrategyID,
			Pair:                   pair,
			RealizedProfitFraction: fraction,
			ClosedAt:               at,
		},
	}
}

// rollDay resets the daily counters when ts falls on a new UTC day.
func (l *Ledger) rollDay(ts time.Time) {
	if ts.IsZero() {
		return
	}
	day := ts.UTC().Truncate(24 * time.Hour)
	if !day.After(l.day) {
		return
	}
	l.day = day
	l.dayStartEquity = l.equity()
	l.dailyPnL = decimal.Zero
	l.tradesToday = make(map[types.StrategyID]int)
}

func (l *Ledger) equity() decimal.Decimal {
	equity := l.cash
	for _, pos := range l.positions {
		equity = equity.Add(pos.Size.Mul(pos.current))
	}
	return equity
}

func (l *Ledger) updatePeak() {
	if e := l.equity(); e.GreaterThan(l.peakEquity) {
		l.peakEquity = e
	}
}

// Equity returns cash plus positions marked to their last price.
func (l *Ledger) Equity() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.equity()
}

// Positions returns the open positions sorted by pair.
func (l *Ledger) Positions() []types.OpenPosition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.OpenPosition, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos.OpenPosition)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair < out[j].Pair })
	return out
}

// Summary returns account totals.
func (l *Ledger) Summary() Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	equity := l.equity()
	drawdown := decimal.Zero
	if l.peakEquity.Sign() > 0 && equity.LessThan(l.peakEquity) {
		drawdown = l.peakEquity.Sub(equity).Div(l.peakEquity)
	}
	ret := decimal.Zero
	if l.initialCash.Sign() > 0 {
		ret = equity.Sub(l.initialCash).Div(l.initialCash)
	}
	return Summary{
		Cash:          l.cash,
		Equity:        equity,
		PeakEquity:    l.peakEquity,
		Drawdown:      drawdown,
		Return:        ret,
		RealizedPnL:   l.realized,
		OpenPositions: len(l.positions),
		Trades:        l.trades,
		Wins:          l.wins,
	}
}
