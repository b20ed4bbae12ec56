package core

import (
	"errors"
	"fmt"
)

// Domain errors - centralized error definitions
var (
	// Configuration errors (fatal, reported immediately)
	ErrConfig          = errors.New("invalid configuration")
	ErrMissingClusters = fmt.Errorf("%w: cluster covariance requires cluster labels", ErrConfig)
	ErrUnknownCovKind  = fmt.Errorf("%w: unknown covariance kind", ErrConfig)
	ErrUnknownKernel   = fmt.Errorf("%w: unknown HAC kernel", ErrConfig)
	ErrUnknownMethod   = fmt.Errorf("%w: unknown test method", ErrConfig)
	ErrBadAlpha        = fmt.Errorf("%w: alpha must be in (0, 1)", ErrConfig)
	ErrBadSearchDomain = fmt.Errorf("%w: search domain must be finite with lo < hi", ErrConfig)
	ErrGridTooSmall    = fmt.Errorf("%w: grid must contain at least 3 points", ErrConfig)

	// Data validation errors
	ErrDimensionMismatch  = errors.New("arrays must share the same row count")
	ErrNonFinite          = errors.New("non-finite value in input array")
	ErrNoInstruments      = errors.New("at least one instrument column is required")
	ErrNoObservations     = errors.New("outcome vector must not be empty")
	ErrBadWeights         = errors.New("weights must be strictly positive")
	ErrTooFewClusters     = errors.New("cluster covariance requires at least 2 distinct clusters")
	ErrInsufficientSample = errors.New("insufficient observations for covariance estimation")
)

// Error constructors with context
func NewDimensionError(name string, want, got int) error {
	return fmt.Errorf("%w: %s has %d rows, expected %d", ErrDimensionMismatch, name, got, want)
}

func NewNonFiniteError(name string, row int) error {
	return fmt.Errorf("%w: %s at row %d", ErrNonFinite, name, row)
}

func NewConfigError(reason string) error {
	return fmt.Errorf("%w: %s", ErrConfig, reason)
}

// Error checking helpers
func IsConfigError(err error) bool {
	return errors.Is(err, ErrConfig)
}

func IsDataError(err error) bool {
	return errors.Is(err, ErrDimensionMismatch) ||
		errors.Is(err, ErrNonFinite) ||
		errors.Is(err, ErrNoInstruments) ||
		errors.Is(err, ErrNoObservations) ||
		errors.Is(err, ErrBadWeights) ||
		errors.Is(err, ErrTooFewClusters)
}
