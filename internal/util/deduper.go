package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewDeduper(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	return &Deduper{rdb: rdb, ttl: ttl, logger: logger}
}

// AcquireOnce tries to acquire a dedup lock for a handler + run key.
// Returns true if this is the first time processing, false on a duplicate.
// When redis is unavailable processing is allowed through; the digest store
// is idempotent per day, so a duplicate run is safe.
func (d *Deduper) AcquireOnce(ctx context.Context, handler, runKey string) bool {
	key := fmt.Sprintf("dedup:%s:%s", handler, runKey)

	ok, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		if d.logger != nil {
			d.logger.Warn("Deduper unavailable, allowing processing",
				zap.String("key", key),
				zap.Error(err),
			)
		}
		return true
	}
	return ok
}

// Release drops the dedup lock so a requeued message can be retried.
func (d *Deduper) Release(ctx context.Context, handler, runKey string) {
	key := fmt.Sprintf("dedup:%s:%s", handler, runKey)
	if err := d.rdb.Del(ctx, key).Err(); err != nil && d.logger != nil {
		d.logger.Warn("Failed to release dedup lock",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}
