package data_test

import (
	"testing"
	"time"

	"github.com/mrt46/my-freqtrade/internal/data"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestValidateCleanSeries(t *testing.T) {
	v := data.NewValidator(zap.NewNop())
	bars := data.Sideways(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Hour, 100, 100)

	report := v.Validate("BTC/USDT", time.Hour, bars)
	if len(report.Issues) != 0 {
		t.Fatalf("Expected no issues, got %v", report.Issues)
	}
	if report.Score != 100 || !report.Usable {
		t.Errorf("Expected score 100 and usable, got %d / %v", report.Score, report.Usable)
	}
	if !report.End.Equal(bars[99].Timestamp) {
		t.Errorf("Expected end %v, got %v", bars[99].Timestamp, report.End)
	}
}

func TestValidateReportsIssues(t *testing.T) {
	v := data.NewValidator(zap.NewNop())
	bars := data.Sideways(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Hour, 50, 100)
	bars = append(bars[:10:10], bars[11:]...)
	bars[20].High = bars[20].Low.Sub(decimal.NewFromInt(1))
	bars[30].Volume = decimal.Zero

	// Interval is inferred from the median spacing.
	report := v.Validate("BTC/USDT", 0, bars)
	if report.Counts[data.IssueGap] != 1 {
		t.Errorf("Expected 1 gap, got %d", report.Counts[data.IssueGap])
	}
	if report.Counts[data.IssueOHLC] != 1 {
		t.Errorf("Expected 1 OHLC issue, got %d", report.Counts[data.IssueOHLC])
	}
	if report.Counts[data.IssueZeroVolume] != 1 {
		t.Errorf("Expected 1 zero volume bar, got %d", report.Counts[data.IssueZeroVolume])
	}
	if report.Critical != 1 {
		t.Errorf("Expected 1 critical issue, got %d", report.Critical)
	}
	if report.Usable {
		t.Error("Expected series with a critical issue to be unusable")
	}

	cleaned := v.Clean(append(bars, bars[5]))
	if len(cleaned) != len(bars)-1 {
		t.Fatalf("Expected %d bars after cleaning, got %d", len(bars)-1, len(cleaned))
	}
	for i := 1; i < len(cleaned); i++ {
		if !cleaned[i].Timestamp.After(cleaned[i-1].Timestamp) {
			t.Fatalf("Cleaned bars not strictly increasing at %d", i)
		}
	}
}
