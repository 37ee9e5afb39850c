// Package engine implements the margin-exchange accounting core:
// collateral deposits and withdrawals, leveraged position trading with
// maker/taker fees, mark-to-market basis tracking, and treasury escrow.
//
// All monetary values are scaled integers (see internal/fixed); money
// never travels as float64.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/perpx/margin-engine/internal/oracle"
	"github.com/perpx/margin-engine/internal/risk"
	"github.com/perpx/margin-engine/internal/store"
)

const (
	defaultStaleness     = 30 * time.Second
	defaultOracleTimeout = 2 * time.Second
)

// Engine serializes all mutations behind a single mutex
// (single-instance). Every operation stages changes on entity copies
// and commits them through the store in one atomic write, so a failed
// check leaves no partial state. For horizontal scaling, replace the
// mutex with distributed locking or database-level optimistic
// concurrency.
type Engine struct {
	store         store.Store
	oracle        oracle.Oracle
	limiter       *risk.Limiter
	staleness     time.Duration
	oracleTimeout time.Duration
	mu            sync.Mutex
}

// New creates an engine. Pass nil for limiter to disable exposure caps.
// Zero durations fall back to defaults.
func New(st store.Store, orc oracle.Oracle, limiter *risk.Limiter, staleness, oracleTimeout time.Duration) *Engine {
	if staleness <= 0 {
		staleness = defaultStaleness
	}
	if oracleTimeout <= 0 {
		oracleTimeout = defaultOracleTimeout
	}
	return &Engine{
		store:         st,
		oracle:        orc,
		limiter:       limiter,
		staleness:     staleness,
		oracleTimeout: oracleTimeout,
	}
}

// readPrice fetches a feed with a bounded timeout and rejects readings
// older than the staleness threshold.
func (e *Engine) readPrice(ctx context.Context, feedAddress string) (int64, error) {
	rctx, cancel := context.WithTimeout(ctx, e.oracleTimeout)
	defer cancel()

	r, err := e.oracle.Read(rctx, feedAddress)
	if err != nil {
		return 0, fmt.Errorf("read feed %s: %w", feedAddress, err)
	}
	if age := time.Since(r.PublishedAt); age > e.staleness {
		return 0, fmt.Errorf("%w: feed %s is %s old", ErrStalePrice, feedAddress, age.Round(time.Millisecond))
	}
	return r.Price, nil
}

// mapNotFound rewrites a store-level not-found into the given
// operation-level error, leaving other errors untouched.
func mapNotFound(err, kind error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", kind, err)
	}
	return err
}
