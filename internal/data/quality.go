package data

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/mrt46/my-freqtrade/pkg/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Issue types reported by the Validator.
const (
	IssueGap            = "GAP_DETECTED"
	IssueNonPositive    = "NON_POSITIVE_PRICE"
	IssueOHLC           = "OHLC_INCONSISTENT"
	IssueExtremeMove    = "EXTREME_MOVE"
	IssueGapMove        = "GAP_MOVE"
	IssueZeroVolume     = "ZERO_VOLUME"
	IssueVolumeSpike    = "VOLUME_SPIKE"
	IssueOutOfOrder     = "OUT_OF_ORDER"
	IssueDuplicateStamp = "DUPLICATE_TIMESTAMP"
)

// Severities, most severe first.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Issue is one data quality problem.
type Issue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Index     int       `json:"index"`
	Message   string    `json:"message"`
}

// QualityReport summarizes a pair's bar history.
type QualityReport struct {
	Pair     string         `json:"pair"`
	Bars     int            `json:"bars"`
	Start    time.Time      `json:"start"`
	End      time.Time      `json:"end"`
	Issues   []Issue        `json:"issues"`
	Counts   map[string]int `json:"counts"`
	Score    int            `json:"score"`
	Usable   bool           `json:"usable"`
	Critical int            `json:"critical"`
}

// Validator checks bar histories before they are replayed. Bars the engine
// would reject outright are critical; large moves and volume oddities are
// reported so a bad file can be spotted, but the engine's circuit breaker is
// what acts on them.
type Validator struct {
	logger *zap.Logger

	MaxIntradayMove   float64
	MaxGapMove        float64
	MaxVolumeMultiple float64
}

// NewValidator creates a validator with crypto defaults.
func NewValidator(logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		logger:            logger.Named("data-quality"),
		MaxIntradayMove:   0.30,
		MaxGapMove:        0.20,
		MaxVolumeMultiple: 20,
	}
}

// Validate runs every check over bars. interval is the expected bar
// spacing; zero infers it from the median of the first intervals.
func (v *Validator) Validate(pair string, interval time.Duration, bars []types.PriceBar) QualityReport {
	report := QualityReport{Pair: pair, Bars: len(bars), Counts: make(map[string]int)}
	if len(bars) == 0 {
		return report
	}
	report.Start = bars[0].Timestamp
	report.End = bars[len(bars)-1].Timestamp

	if interval <= 0 {
		interval = medianInterval(bars)
	}

	var issues []Issue
	issues = append(issues, v.checkOrder(bars)...)
	issues = append(issues, v.checkGaps(bars, interval)...)
	issues = append(issues, v.checkPrices(bars)...)
	issues = append(issues, v.checkVolume(bars)...)

	report.Issues = issues
	for _, is := range issues {
		report.Counts[is.Type]++
	}
	report.Critical = lo.CountBy(issues, func(is Issue) bool { return is.Severity == SeverityCritical })
	report.Score = score(len(bars), issues)
	report.Usable = report.Score >= 70 && report.Critical == 0
	return report
}

func medianInterval(bars []types.PriceBar) time.Duration {
	n := len(bars) - 1
	if n > 10 {
		n = 10
	}
	if n <= 0 {
		return 0
	}
	gaps := make([]time.Duration, 0, n)
	for i := 1; i <= n; i++ {
		gaps = append(gaps, bars[i].Timestamp.Sub(bars[i-1].Timestamp))
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	return gaps[len(gaps)/2]
}

func (v *Validator) checkOrder(bars []types.PriceBar) []Issue {
	var issues []Issue
	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1].Timestamp, bars[i].Timestamp
		switch {
		case cur.Equal(prev):
			issues = append(issues, Issue{
				Type: IssueDuplicateStamp, Severity: SeverityHigh, Timestamp: cur, Index: i,
				Message: "Duplicate timestamp",
			})
		case cur.Before(prev):
			issues = append(issues, Issue{
				Type: IssueOutOfOrder, Severity: SeverityCritical, Timestamp: cur, Index: i,
				Message: "Bar is out of chronological order",
			})
		}
	}
	return issues
}

func (v *Validator) checkGaps(bars []types.PriceBar, interval time.Duration) []Issue {
	if interval <= 0 {
		return nil
	}
	var issues []Issue
	for i := 1; i < len(bars); i++ {
		gap := bars[i].Timestamp.Sub(bars[i-1].Timestamp)
		if gap <= interval*3/2 {
			continue
		}
		severity := SeverityMedium
		if gap > interval*10 {
			severity = SeverityHigh
		}
		issues = append(issues, Issue{
			Type: IssueGap, Severity: severity, Timestamp: bars[i-1].Timestamp, Index: i - 1,
			Message: fmt.Sprintf("Data gap of %s (expected %s)", gap, interval),
		})
	}
	return issues
}

func (v *Validator) checkPrices(bars []types.PriceBar) []Issue {
	var issues []Issue
	for i, bar := range bars {
		if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
			issues = append(issues, Issue{
				Type: IssueNonPositive, Severity: SeverityCritical, Timestamp: bar.Timestamp, Index: i,
				Message: "Zero or negative price",
			})
			continue
		}
		if !consistent(bar) {
			issues = append(issues, Issue{
				Type: IssueOHLC, Severity: SeverityCritical, Timestamp: bar.Timestamp, Index: i,
				Message: fmt.Sprintf("Inconsistent bar (O:%s H:%s L:%s C:%s)", bar.Open, bar.High, bar.Low, bar.Close),
			})
			continue
		}

		if move, _ := bar.High.Sub(bar.Low).Div(bar.Low).Float64(); move > v.MaxIntradayMove {
			issues = append(issues, Issue{
				Type: IssueExtremeMove, Severity: SeverityMedium, Timestamp: bar.Timestamp, Index: i,
				Message: fmt.Sprintf("Extreme intraday move: %.2f%%", move*100),
			})
		}
		if i > 0 && bars[i-1].Close.IsPositive() {
			prev := bars[i-1].Close
			if move, _ := bar.Open.Sub(prev).Div(prev).Abs().Float64(); move > v.MaxGapMove {
				issues = append(issues, Issue{
					Type: IssueGapMove, Severity: SeverityMedium, Timestamp: bar.Timestamp, Index: i,
					Message: fmt.Sprintf("Large price gap: %.2f%%", move*100),
				})
			}
		}
	}
	return issues
}

func (v *Validator) checkVolume(bars []types.PriceBar) []Issue {
	total := decimal.Zero
	nonZero := 0
	for _, bar := range bars {
		if bar.Volume.IsPositive() {
			total = total.Add(bar.Volume)
			nonZero++
		}
	}
	avg := 0.0
	if nonZero > 0 {
		avg, _ = total.Div(decimal.NewFromInt(int64(nonZero))).Float64()
	}

	var issues []Issue
	for i, bar := range bars {
		if !bar.Volume.IsPositive() {
			issues = append(issues, Issue{
				Type: IssueZeroVolume, Severity: SeverityLow, Timestamp: bar.Timestamp, Index: i,
				Message: "Zero volume bar",
			})
			continue
		}
		if vol, _ := bar.Volume.Float64(); avg > 0 && vol > avg*v.MaxVolumeMultiple {
			issues = append(issues, Issue{
				Type: IssueVolumeSpike, Severity: SeverityLow, Timestamp: bar.Timestamp, Index: i,
				Message: fmt.Sprintf("Volume spike: %.1fx average", vol/avg),
			})
		}
	}
	return issues
}

func consistent(bar types.PriceBar) bool {
	return bar.High.GreaterThanOrEqual(decimal.Max(bar.Open, bar.Close, bar.Low)) &&
		bar.Low.LessThanOrEqual(decimal.Min(bar.Open, bar.Close, bar.High))
}

// score weights issues by severity and normalizes by history length.
func score(total int, issues []Issue) int {
	if total == 0 {
		return 0
	}
	penalty := 0.0
	for _, is := range issues {
		switch is.Severity {
		case SeverityCritical:
			penalty += 10
		case SeverityHigh:
			penalty += 5
		case SeverityMedium:
			penalty += 2
		case SeverityLow:
			penalty += 0.5
		}
	}
	normalized := penalty / math.Max(1, float64(total)/100) * 10
	return int(math.Max(0, 100-math.Min(normalized, 100)))
}

// Clean drops bars the engine would reject: non-positive prices,
// inconsistent OHLC, and bars that do not advance the timestamp.
func (v *Validator) Clean(bars []types.PriceBar) []types.PriceBar {
	out := make([]types.PriceBar, 0, len(bars))
	for _, bar := range bars {
		if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
			continue
		}
		if !consistent(bar) || bar.Volume.IsNegative() {
			continue
		}
		if n := len(out); n > 0 && !bar.Timestamp.After(out[n-1].Timestamp) {
			continue
		}
		out = append(out, bar)
	}
	if dropped := len(bars) - len(out); dropped > 0 {
		v.logger.Info("Dropped unusable bars",
			zap.Int("bars", len(bars)),
			zap.Int("dropped", dropped),
		)
	}
	return out
}
