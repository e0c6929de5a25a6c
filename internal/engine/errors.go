package engine

import (
	"errors"

	"github.com/mrt46/my-freqtrade/internal/indicators"
	"github.com/mrt46/my-freqtrade/internal/risk"
	"github.com/mrt46/my-freqtrade/internal/selection"
)

// Errors callers can match with errors.Is. Evaluate reports insufficient
// history, vetoes and the absence of a viable strategy through Result.Outcome;
// they are exported so hosts can match errors from the lower-level packages.
var (
	ErrInsufficientHistory   = indicators.ErrInsufficientHistory
	ErrNonMonotonicTimestamp = indicators.ErrNonMonotonicTimestamp
	ErrMalformedBar          = indicators.ErrMalformedBar
	ErrVeto                  = risk.ErrVeto
	ErrNoViableStrategy      = selection.ErrNoViableStrategy

	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrUnknownStrategy      = errors.New("unknown strategy")
	ErrUnknownPair          = errors.New("unknown pair")
	ErrInvalidOutcome       = errors.New("invalid outcome")
)
