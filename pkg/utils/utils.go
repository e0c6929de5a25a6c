// Package utils provides utility functions shared by the engine and its host.
package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GenerateID generates a unique ID with optional prefix.
func GenerateID(prefix string) string {
	id := uuid.NewString()
	if prefix != "" {
		return fmt.Sprintf("%s_%s", prefix, id)
	}
	return id
}

// GenerateIntentID generates a unique trade intent ID.
func GenerateIntentID() string {
	return GenerateID("int")
}

// FormatPair normalizes a trading pair to BASE/QUOTE.
func FormatPair(pair string) string {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	pair = strings.ReplaceAll(pair, "-", "/")
	pair = strings.ReplaceAll(pair, "_", "/")

	if !strings.Contains(pair, "/") {
		for _, quote := range []string{"USDT", "USDC", "USD", "BTC", "ETH", "BNB"} {
			if strings.HasSuffix(pair, quote) && len(pair) > len(quote) {
				return strings.TrimSuffix(pair, quote) + "/" + quote
			}
		}
	}
	return pair
}

// PairKey returns a filesystem and URL safe form of a pair (BTC/USDT -> BTC_USDT).
func PairKey(pair string) string {
	return strings.ReplaceAll(FormatPair(pair), "/", "_")
}

// RoundToStepSize rounds a quantity down to the nearest step size.
func RoundToStepSize(qty, stepSize decimal.Decimal) decimal.Decimal {
	if stepSize.Sign() <= 0 {
		return qty
	}
	return qty.Div(stepSize).Floor().Mul(stepSize)
}

// MinDecimal returns the minimum of two decimals.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// RetryConfig contains retry configuration.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// Retry retries a function with exponential backoff.
func Retry[T any](config RetryConfig, fn func() (T, error)) (T, error) {
	var result T
	var err error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result, err = fn()
		if err == nil {
			return result, nil
		}
		if attempt == config.MaxAttempts {
			break
		}
		time.Sleep(delay)
		delay = time.Duration(float64(delay) * config.Multiplier)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return result, fmt.Errorf("after %d attempts: %w", config.MaxAttempts, err)
}

// FormatPct formats a fraction as a percentage string.
func FormatPct(f float64) string {
	return fmt.Sprintf("%.2f%%", f*100)
}
