// Package data provides historical bar storage and loading for replays.
package data

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mrt46/my-freqtrade/pkg/types"
	"github.com/mrt46/my-freqtrade/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNoData is returned when no file exists for a pair and timeframe.
var ErrNoData = errors.New("no data for pair")

// Store provides access to historical bars on disk. Files are named
// <BASE>_<QUOTE>-<timeframe>.json (freqtrade array export or object list) or
// .csv (timestamp,open,high,low,close,volume).
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string][]types.PriceBar
	metadata map[string]*PairMetadata
}

// PairMetadata describes the bars available for a pair.
type PairMetadata struct {
	Pair      string    `json:"pair"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	BarCount  int       `json:"barCount"`
	Timeframe string    `json:"timeframe"`
}

// NewStore creates a new data store
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store := &Store{
		logger:   logger.Named("data-store"),
		dataDir:  dataDir,
		cache:    make(map[string][]types.PriceBar),
		metadata: make(map[string]*PairMetadata),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := store.loadMetadata(); err != nil {
		store.logger.Warn("Failed to load metadata", zap.Error(err))
	}
	return store, nil
}

func fileBase(pair string, timeframe types.Timeframe) string {
	return fmt.Sprintf("%s-%s", utils.PairKey(pair), timeframe)
}

// LoadBars loads all bars for a pair, sorted by timestamp. Duplicate
// timestamps keep the last occurrence.
func (s *Store) LoadBars(ctx context.Context, pair string, timeframe types.Timeframe) ([]types.PriceBar, error) {
	key := fileBase(pair, timeframe)

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return cloneBars(cached), nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		bars []types.PriceBar
		err  error
	)
	jsonPath := filepath.Join(s.dataDir, key+".json")
	csvPath := filepath.Join(s.dataDir, key+".csv")
	switch {
	case fileExists(jsonPath):
		bars, err = readJSON(jsonPath)
	case fileExists(csvPath):
		bars, err = readCSV(csvPath)
	default:
		return nil, fmt.Errorf("%w: %s %s", ErrNoData, pair, timeframe)
	}
	if err != nil {
		return nil, err
	}

	bars = normalize(bars)
	s.logger.Debug("Loaded bars", zap.String("pair", pair), zap.String("timeframe", string(timeframe)), zap.Int("count", len(bars)))

	s.mu.Lock()
	s.cache[key] = bars
	s.recordMetadata(pair, timeframe, bars)
	s.mu.Unlock()

	return cloneBars(bars), nil
}

// LoadRange loads bars within [start, end].
func (s *Store) LoadRange(ctx context.Context, pair string, timeframe types.Timeframe, start, end time.Time) ([]types.PriceBar, error) {
	bars, err := s.LoadBars(ctx, pair, timeframe)
	if err != nil {
		return nil, err
	}
	return filterByTimeRange(bars, start, end), nil
}

// SaveBars writes bars for a pair as a JSON object list.
func (s *Store) SaveBars(pair string, timeframe types.Timeframe, bars []types.PriceBar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fileBase(pair, timeframe)
	data, err := json.MarshalIndent(bars, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal bars: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dataDir, key+".json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}

	s.cache[key] = normalize(cloneBars(bars))
	s.recordMetadata(pair, timeframe, bars)
	if err := s.saveMetadata(); err != nil {
		s.logger.Warn("Failed to save metadata", zap.Error(err))
	}
	return nil
}

// Pairs returns the pairs with known metadata, sorted.
func (s *Store) Pairs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pairs := make([]string, 0, len(s.metadata))
	for _, meta := range s.metadata {
		pairs = append(pairs, meta.Pair)
	}
	sort.Strings(pairs)
	return pairs
}

// Metadata returns the metadata recorded for a pair.
func (s *Store) Metadata(pair string) (PairMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.metadata[utils.FormatPair(pair)]
	if !ok {
		return PairMetadata{}, false
	}
	return *meta, true
}

// ClearCache clears the in-memory cache
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]types.PriceBar)
}

func (s *Store) recordMetadata(pair string, timeframe types.Timeframe, bars []types.PriceBar) {
	if len(bars) == 0 {
		return
	}
	pair = utils.FormatPair(pair)
	s.metadata[pair] = &PairMetadata{
		Pair:      pair,
		StartDate: bars[0].Timestamp,
		EndDate:   bars[len(bars)-1].Timestamp,
		BarCount:  len(bars),
		Timeframe: string(timeframe),
	}
}

func (s *Store) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(s.dataDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var metadata map[string]*PairMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return err
	}
	s.metadata = metadata
	return nil
}

func (s *Store) saveMetadata() error {
	data, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, "metadata.json"), data, 0644)
}

func readJSON(path string) ([]types.PriceBar, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	var bars []types.PriceBar
	if err := json.Unmarshal(raw, &bars); err == nil {
		return bars, nil
	}

	// freqtrade exports [[ts_ms, open, high, low, close, volume], ...]
	var rows [][]json.Number
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	bars = make([]types.PriceBar, 0, len(rows))
	for i, row := range rows {
		fields := make([]string, len(row))
		for j, v := range row {
			fields[j] = v.String()
		}
		b, err := parseRow(fields)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func readCSV(path string) ([]types.PriceBar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6
	r.TrimLeadingSpace = true

	var bars []types.PriceBar
	for line := 1; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if line == 1 && strings.EqualFold(rec[0], "timestamp") {
			continue
		}
		b, err := parseRow(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func parseRow(fields []string) (types.PriceBar, error) {
	if len(fields) < 6 {
		return types.PriceBar{}, fmt.Errorf("expected 6 fields, got %d", len(fields))
	}
	ts, err := parseTimestamp(fields[0])
	if err != nil {
		return types.PriceBar{}, err
	}
	vals := make([]decimal.Decimal, 5)
	for i := range vals {
		vals[i], err = decimal.NewFromString(strings.TrimSpace(fields[i+1]))
		if err != nil {
			return types.PriceBar{}, fmt.Errorf("field %d: %w", i+1, err)
		}
	}
	return types.PriceBar{Timestamp: ts, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4]}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.UnixMilli(int64(f)).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}

func normalize(bars []types.PriceBar) []types.PriceBar {
	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})
	out := bars[:0]
	for _, b := range bars {
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(b.Timestamp) {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}

func filterByTimeRange(bars []types.PriceBar, start, end time.Time) []types.PriceBar {
	var filtered []types.PriceBar
	for _, bar := range bars {
		if !bar.Timestamp.Before(start) && !bar.Timestamp.After(end) {
			filtered = append(filtered, bar)
		}
	}
	return filtered
}

func cloneBars(bars []types.PriceBar) []types.PriceBar {
	out := make([]types.PriceBar, len(bars))
	copy(out, bars)
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
