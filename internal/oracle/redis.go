package oracle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// feedKeyPrefix namespaces feed hashes in Redis.
const feedKeyPrefix = "feed:"

// Redis reads price feeds from Redis hashes written by an external
// feed publisher. Each feed lives at "feed:{address}" with fields
// "price" (scaled ×1e9 integer) and "published_at" (unix millis).
// Every Read hits Redis; there is no client-side caching.
type Redis struct {
	rdb *redis.Client
}

// NewRedis creates a Redis-backed oracle.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (o *Redis) Read(ctx context.Context, feedAddress string) (Reading, error) {
	vals, err := o.rdb.HGetAll(ctx, feedKeyPrefix+feedAddress).Result()
	if err != nil {
		return Reading{}, fmt.Errorf("oracle: redis read %s: %w", feedAddress, err)
	}
	if len(vals) == 0 {
		return Reading{}, fmt.Errorf("%w: %s", ErrFeedNotFound, feedAddress)
	}

	price, err := strconv.ParseInt(vals["price"], 10, 64)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: price %q", ErrBadReading, vals["price"])
	}
	millis, err := strconv.ParseInt(vals["published_at"], 10, 64)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: published_at %q", ErrBadReading, vals["published_at"])
	}

	return Reading{
		Price:       price,
		PublishedAt: time.UnixMilli(millis).UTC(),
	}, nil
}
