// Package oracle adapts external price feeds for the engine. An
// Oracle re-reads its feed on every call, with no caching, and reports
// when the reading was published so callers can enforce their own
// staleness threshold before acting on it.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrFeedNotFound is returned when no feed exists at the address.
	ErrFeedNotFound = errors.New("oracle: feed not found")

	// ErrBadReading is returned when a feed holds an unparseable value.
	ErrBadReading = errors.New("oracle: malformed feed reading")
)

// Reading is one price observation from a feed.
type Reading struct {
	Price       int64     // ×1e9
	PublishedAt time.Time // feed publish time, not read time
}

// Oracle reads the latest price from a feed address.
type Oracle interface {
	Read(ctx context.Context, feedAddress string) (Reading, error)
}

// Static is an in-process oracle backed by a map of feed readings.
// Used in tests and single-node deployments where prices are pushed
// through the Publish method by an external poller.
type Static struct {
	mu    sync.RWMutex
	feeds map[string]Reading
}

// NewStatic creates an empty static oracle.
func NewStatic() *Static {
	return &Static{feeds: make(map[string]Reading)}
}

// Publish sets the latest reading for a feed.
func (s *Static) Publish(feedAddress string, price int64, publishedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds[feedAddress] = Reading{Price: price, PublishedAt: publishedAt}
}

func (s *Static) Read(ctx context.Context, feedAddress string) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.feeds[feedAddress]
	if !ok {
		return Reading{}, fmt.Errorf("%w: %s", ErrFeedNotFound, feedAddress)
	}
	return r, nil
}
