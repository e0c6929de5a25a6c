package learning

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/mrt46/my-freqtrade/pkg/types"
)

// PauseConfig holds the rules that pause a strategy. Rules apply once a
// strategy has MinTrades trades inside Lookback.
type PauseConfig struct {
	Enabled         bool          `json:"enabled" mapstructure:"enabled" yaml:"enabled" default:"true"`
	Lookback        time.Duration `json:"lookback" mapstructure:"lookback" yaml:"lookback" default:"72h"`
	MinTrades       int           `json:"minTrades" mapstructure:"min_trades" yaml:"min_trades" default:"10" validate:"gte=1"`
	MinProfitFactor float64       `json:"minProfitFactor" mapstructure:"min_profit_factor" yaml:"min_profit_factor" default:"0.8" validate:"gte=0"`
	MinWinRate      float64       `json:"minWinRate" mapstructure:"min_win_rate" yaml:"min_win_rate" default:"0.35" validate:"gte=0,lte=1"`
	MaxSingleLoss   float64       `json:"maxSingleLoss" mapstructure:"max_single_loss" yaml:"max_single_loss" default:"-0.1" validate:"lte=0"`
}

// DefaultPauseConfig returns the default pause rules.
func DefaultPauseConfig() PauseConfig {
	return PauseConfig{
		Enabled:         true,
		Lookback:        72 * time.Hour,
		MinTrades:       10,
		MinProfitFactor: 0.8,
		MinWinRate:      0.35,
		MaxSingleLoss:   -0.10,
	}
}

// Stats aggregates closed trades of one strategy.
type Stats struct {
	StrategyID  types.StrategyID `json:"strategyId"`
	Trades      int              `json:"trades"`
	Wins        int              `json:"wins"`
	Losses      int              `json:"losses"`
	GrossProfit float64          `json:"grossProfit"`
	GrossLoss   float64          `json:"grossLoss"`
	MaxWin      float64          `json:"maxWin"`
	MaxLoss     float64          `json:"maxLoss"`
	LastTradeAt time.Time        `json:"lastTradeAt,omitempty"`
}

// WinRate returns wins over trades, 0.5 with no trades.
func (s Stats) WinRate() float64 {
	if s.Trades == 0 {
		return 0.5
	}
	return float64(s.Wins) / float64(s.Trades)
}

// ProfitFactor returns gross profit over gross loss. Without losses it is 10
// when profitable and 1 otherwise.
func (s Stats) ProfitFactor() float64 {
	if s.GrossLoss == 0 {
		if s.GrossProfit > 0 {
			return 10
		}
		return 1
	}
	return math.Abs(s.GrossProfit / s.GrossLoss)
}

// Expectancy returns the expected profit fraction per trade.
func (s Stats) Expectancy() float64 {
	avgWin, avgLoss := 0.0, 0.0
	if s.Wins > 0 {
		avgWin = s.GrossProfit / float64(s.Wins)
	}
	if s.Losses > 0 {
		avgLoss = math.Abs(s.GrossLoss / float64(s.Losses))
	}
	wr := s.WinRate()
	return wr*avgWin - (1-wr)*avgLoss
}

func (s *Stats) add(t types.ClosedTrade) {
	r := t.RealizedProfitFraction
	s.Trades++
	if r > 0 {
		s.Wins++
		s.GrossProfit += r
		s.MaxWin = math.Max(s.MaxWin, r)
	} else {
		s.Losses++
		s.GrossLoss += r
		s.MaxLoss = math.Min(s.MaxLoss, r)
	}
	if t.ClosedAt.After(s.LastTradeAt) {
		s.LastTradeAt = t.ClosedAt
	}
}

// PauseStatus reports whether a strategy is paused and why.
type PauseStatus struct {
	Paused bool   `json:"paused"`
	Reason string `json:"reason,omitempty"`
}

// Tracker keeps closed trades per strategy and derives rolling statistics.
// Not safe for concurrent use.
type Tracker struct {
	config PauseConfig
	trades map[types.StrategyID][]types.ClosedTrade
	total  map[types.StrategyID]*Stats
}

// NewTracker creates an empty tracker.
func NewTracker(config PauseConfig) *Tracker {
	return &Tracker{
		config: config,
		trades: make(map[types.StrategyID][]types.ClosedTrade),
		total:  make(map[types.StrategyID]*Stats),
	}
}

// Record adds a closed trade and drops trades older than the lookback,
// measured from the newest trade. Trades may arrive out of order; each
// strategy's trades are kept sorted by close time.
func (t *Tracker) Record(trade types.ClosedTrade) {
	id := trade.StrategyID
	trades := t.trades[id]
	i := sort.Search(len(trades), func(i int) bool { return trades[i].ClosedAt.After(trade.ClosedAt) })
	trades = append(trades, types.ClosedTrade{})
	copy(trades[i+1:], trades[i:])
	trades[i] = trade
	t.trades[id] = trades

	total, ok := t.total[id]
	if !ok {
		total = &Stats{StrategyID: id}
		t.total[id] = total
	}
	total.add(trade)
	t.prune(id)
}

func (t *Tracker) prune(id types.StrategyID) {
	trades := t.trades[id]
	if t.config.Lookback <= 0 || len(trades) == 0 {
		return
	}
	cutoff := trades[len(trades)-1].ClosedAt.Add(-t.config.Lookback)
	i := sort.Search(len(trades), func(i int) bool { return !trades[i].ClosedAt.Before(cutoff) })
	if i > 0 {
		t.trades[id] = append([]types.ClosedTrade(nil), trades[i:]...)
	}
}

// Recent returns statistics over the lookback window.
func (t *Tracker) Recent(id types.StrategyID) Stats {
	s := Stats{StrategyID: id}
	for _, tr := range t.trades[id] {
		s.add(tr)
	}
	return s
}

// Lifetime returns statistics over every recorded trade.
func (t *Tracker) Lifetime(id types.StrategyID) Stats {
	if s, ok := t.total[id]; ok {
		return *s
	}
	return Stats{StrategyID: id}
}

// Status applies the pause rules to the recent statistics.
func (t *Tracker) Status(id types.StrategyID) PauseStatus {
	if !t.config.Enabled {
		return PauseStatus{}
	}
	s := t.Recent(id)
	if s.Trades < t.config.MinTrades {
		return PauseStatus{}
	}
	switch {
	case s.ProfitFactor() < t.config.MinProfitFactor:
		return PauseStatus{Paused: true, Reason: fmt.Sprintf("low profit factor: %.2f", s.ProfitFactor())}
	case s.WinRate() < t.config.MinWinRate:
		return PauseStatus{Paused: true, Reason: fmt.Sprintf("low win rate: %.1f%%", s.WinRate()*100)}
	case s.MaxLoss < t.config.MaxSingleLoss:
		return PauseStatus{Paused: true, Reason: fmt.Sprintf("large single loss: %.1f%%", s.MaxLoss*100)}
	}
	return PauseStatus{}
}

// Paused returns the set of currently paused strategies.
func (t *Tracker) Paused() map[types.StrategyID]string {
	out := make(map[types.StrategyID]string)
	for id := range t.trades {
		if st := t.Status(id); st.Paused {
			out[id] = st.Reason
		}
	}
	return out
}

// Trades returns a copy of the recent trades for a strategy.
func (t *Tracker) Trades(id types.StrategyID) []types.ClosedTrade {
	return append([]types.ClosedTrade(nil), t.trades[id]...)
}

// Restore replaces the tracker's state with persisted trades.
func (t *Tracker) Restore(trades []types.ClosedTrade) {
	t.trades = make(map[types.StrategyID][]types.ClosedTrade)
	t.total = make(map[types.StrategyID]*Stats)
	sorted := append([]types.ClosedTrade(nil), trades...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ClosedAt.Before(sorted[j].ClosedAt) })
	for _, tr := range sorted {
		t.Record(tr)
	}
}

// All returns recent trades of every strategy, oldest first.
func (t *Tracker) All() []types.ClosedTrade {
	var out []types.ClosedTrade
	for _, trades := range t.trades {
		out = append(out, trades...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ClosedAt.Before(out[j].ClosedAt) })
	return out
}
