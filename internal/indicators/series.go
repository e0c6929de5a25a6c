// Package indicators computes technical indicators over a trailing window of
// price bars.
package indicators

import (
	"errors"
	"fmt"

	"github.com/mrt46/my-freqtrade/pkg/types"
)

var (
	// ErrInsufficientHistory means fewer bars than MinLookback are available.
	// The bar was still recorded; callers should wait for more data.
	ErrInsufficientHistory = errors.New("insufficient history")
	// ErrNonMonotonicTimestamp means a bar did not advance time.
	ErrNonMonotonicTimestamp = errors.New("non-monotonic timestamp")
	// ErrMalformedBar means a bar carried impossible prices or volume.
	ErrMalformedBar = errors.New("malformed bar")
)

// Series keeps the trailing bars of one pair. Its only state is the retained
// bars, so feeding bars one at a time produces the same Window as Compute.
type Series struct {
	config *Config
	bars   []types.PriceBar
}

// NewSeries creates an empty series.
func NewSeries(config *Config) *Series {
	if config == nil {
		config = DefaultConfig()
	}
	return &Series{
		config: config,
		bars:   make([]types.PriceBar, 0, config.WindowSize),
	}
}

// Len returns the number of retained bars.
func (s *Series) Len() int {
	return len(s.bars)
}

// Update appends a bar and recomputes the window.
func (s *Series) Update(bar types.PriceBar) (*Window, error) {
	if err := ValidateBar(bar); err != nil {
		return nil, err
	}
	if n := len(s.bars); n > 0 && !bar.Timestamp.After(s.bars[n-1].Timestamp) {
		return nil, fmt.Errorf("%w: %s is not after %s", ErrNonMonotonicTimestamp,
			bar.Timestamp.Format("2006-01-02T15:04:05Z07:00"), s.bars[n-1].Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	}

	if len(s.bars) == s.config.WindowSize {
		copy(s.bars, s.bars[1:])
		s.bars = s.bars[:len(s.bars)-1]
	}
	s.bars = append(s.bars, bar)

	if len(s.bars) < s.config.MinLookback {
		return nil, fmt.Errorf("%w: have %d bars, need %d", ErrInsufficientHistory, len(s.bars), s.config.MinLookback)
	}
	return s.window(), nil
}

// Window returns the current window without appending anything.
func (s *Series) Window() (*Window, error) {
	if len(s.bars) < s.config.MinLookback {
		return nil, fmt.Errorf("%w: have %d bars, need %d", ErrInsufficientHistory, len(s.bars), s.config.MinLookback)
	}
	return s.window(), nil
}

func (s *Series) window() *Window {
	bars := make([]types.PriceBar, len(s.bars))
	copy(bars, s.bars)
	return compute(s.config, bars)
}

// Compute builds the window for a complete bar history in one call.
func Compute(config *Config, bars []types.PriceBar) (*Window, error) {
	s := NewSeries(config)
	start := 0
	if len(bars) > s.config.WindowSize {
		start = len(bars) - s.config.WindowSize
	}
	for i, bar := range bars {
		if err := ValidateBar(bar); err != nil {
			return nil, fmt.Errorf("bar %d: %w", i, err)
		}
		if i > 0 && !bar.Timestamp.After(bars[i-1].Timestamp) {
			return nil, fmt.Errorf("bar %d: %w", i, ErrNonMonotonicTimestamp)
		}
	}
	s.bars = append(s.bars, bars[start:]...)
	return s.Window()
}

// ValidateBar rejects bars that no exchange could have produced.
func ValidateBar(bar types.PriceBar) error {
	switch {
	case bar.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrMalformedBar)
	case bar.Open.Sign() <= 0 || bar.High.Sign() <= 0 || bar.Low.Sign() <= 0 || bar.Close.Sign() <= 0:
		return fmt.Errorf("%w: non-positive price", ErrMalformedBar)
	case bar.Volume.Sign() < 0:
		return fmt.Errorf("%w: negative volume", ErrMalformedBar)
	case bar.High.LessThan(bar.Low):
		return fmt.Errorf("%w: high below low", ErrMalformedBar)
	}
	return nil
}
