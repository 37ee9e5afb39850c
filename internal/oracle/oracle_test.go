package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticReadsLatest(t *testing.T) {
	o := NewStatic()
	now := time.Now().UTC()

	o.Publish("sol-usd", 10_000_000_000, now.Add(-time.Minute))
	o.Publish("sol-usd", 11_000_000_000, now)

	r, err := o.Read(context.Background(), "sol-usd")
	require.NoError(t, err)
	assert.Equal(t, int64(11_000_000_000), r.Price)
	assert.Equal(t, now, r.PublishedAt)
}

func TestStaticUnknownFeed(t *testing.T) {
	o := NewStatic()
	_, err := o.Read(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrFeedNotFound)
}

func TestStaticHonorsContext(t *testing.T) {
	o := NewStatic()
	o.Publish("sol-usd", 1, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Read(ctx, "sol-usd")
	assert.ErrorIs(t, err, context.Canceled)
}
