package engine

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateMarket        = errors.New("engine: duplicate market")
	ErrUnknownMarket          = errors.New("engine: unknown market")
	ErrUnknownPosition        = errors.New("engine: unknown position")
	ErrAssetNotEnabled        = errors.New("engine: asset not enabled")
	ErrStalePrice             = errors.New("engine: stale price")
	ErrInsufficientCollateral = errors.New("engine: insufficient collateral")
	ErrInsufficientMargin     = errors.New("engine: insufficient margin")
	ErrInsufficientEscrow     = errors.New("engine: insufficient escrow")
	ErrZeroAmount             = errors.New("engine: amount must be non-zero")
)

// MarginError reports a failed margin or collateral check together with
// the values that failed it, so callers can retry with different
// parameters.
type MarginError struct {
	Kind      error // ErrInsufficientMargin or ErrInsufficientCollateral
	Required  int64 // required margin, ×1e9
	Available int64 // available equity, ×1e9
}

func (e *MarginError) Error() string {
	return fmt.Sprintf("%s: required %d, available %d", e.Kind, e.Required, e.Available)
}

func (e *MarginError) Unwrap() error { return e.Kind }
