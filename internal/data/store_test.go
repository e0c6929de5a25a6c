// Package data_test provides tests for the data store.
package data_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mrt46/my-freqtrade/internal/data"
	"github.com/mrt46/my-freqtrade/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestLoadFreqtradeExport(t *testing.T) {
	dir := t.TempDir()
	content := `[[1700000000000, 100.5, 101, 99.5, 100.75, 12.5],
[1700003600000, 100.75, 102, 100, 101.25, 8]]`
	if err := os.WriteFile(filepath.Join(dir, "BTC_USDT-1h.json"), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	store, err := data.NewStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	bars, err := store.LoadBars(context.Background(), "BTC/USDT", types.Timeframe1h)
	if err != nil {
		t.Fatalf("LoadBars failed: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("Expected 2 bars, got %d", len(bars))
	}
	if !bars[1].Close.Equal(decimal.RequireFromString("101.25")) {
		t.Errorf("Expected close 101.25, got %s", bars[1].Close)
	}
	if !bars[0].Timestamp.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("Unexpected timestamp %s", bars[0].Timestamp)
	}
}

func TestLoadCSVSortsAndDeduplicates(t *testing.T) {
	dir := t.TempDir()
	content := "timestamp,open,high,low,close,volume\n" +
		"2024-01-01T02:00:00Z,3,3,3,3,1\n" +
		"2024-01-01T00:00:00Z,1,1,1,1,1\n" +
		"2024-01-01T01:00:00Z,2,2,2,2,1\n" +
		"2024-01-01T01:00:00Z,2,2,2,2.5,1\n"
	if err := os.WriteFile(filepath.Join(dir, "ETH_USDT-1h.csv"), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	store, err := data.NewStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	bars, err := store.LoadBars(context.Background(), "eth-usdt", types.Timeframe1h)
	if err != nil {
		t.Fatalf("LoadBars failed: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("Expected 3 bars after dedupe, got %d", len(bars))
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			t.Fatalf("Bars not sorted at %d", i)
		}
	}
	if !bars[1].Close.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("Expected duplicate to keep last close 2.5, got %s", bars[1].Close)
	}
}

func TestMissingDataReturnsErrNoData(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	_, err = store.LoadBars(context.Background(), "SOL/USDT", types.Timeframe5m)
	if !errors.Is(err, data.ErrNoData) {
		t.Fatalf("Expected ErrNoData, got %v", err)
	}
}

func TestSaveBarsRecordsMetadata(t *testing.T) {
	dir := t.TempDir()
	store, err := data.NewStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := data.Sideways(start, time.Hour, 48, 100)
	if err := store.SaveBars("SOL/USDT", types.Timeframe1h, bars); err != nil {
		t.Fatalf("SaveBars failed: %v", err)
	}

	reopened, err := data.NewStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	meta, ok := reopened.Metadata("SOL/USDT")
	if !ok {
		t.Fatal("Expected metadata after reopen")
	}
	if meta.BarCount != 48 {
		t.Errorf("Expected 48 bars in metadata, got %d", meta.BarCount)
	}

	window, err := reopened.LoadRange(context.Background(), "SOL/USDT", types.Timeframe1h, start.Add(10*time.Hour), start.Add(19*time.Hour))
	if err != nil {
		t.Fatalf("LoadRange failed: %v", err)
	}
	if len(window) != 10 {
		t.Errorf("Expected 10 bars in range, got %d", len(window))
	}
}

func TestRandomWalkIsDeterministic(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := data.RandomWalk(start, time.Hour, 50, 100, 0.01, 7)
	b := data.RandomWalk(start, time.Hour, 50, 100, 0.01, 7)
	for i := range a {
		if !a[i].Close.Equal(b[i].Close) || !a[i].High.Equal(b[i].High) {
			t.Fatalf("Bar %d differs between identical seeds", i)
		}
		if a[i].High.LessThan(a[i].Low) {
			t.Fatalf("Bar %d has high below low", i)
		}
	}
}
