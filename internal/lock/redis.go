package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix    = "cobranca:lock:"
	retryBackoff = 50 * time.Millisecond
)

// Redis shares locks across API instances. A lock expires after ttl if its
// holder dies without releasing it.
type Redis struct {
	client *redislock.Client
	ttl    time.Duration
	logger *slog.Logger
}

var _ Locker = (*Redis)(nil)

func NewRedis(rdb redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}

	return &Redis{
		client: redislock.New(rdb),
		ttl:    ttl,
		logger: logger,
	}
}

// Lock retries until the key is free or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	l, err := r.client.Obtain(ctx, keyPrefix+key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(retryBackoff),
	})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
	}

	if err != nil {
		return nil, fmt.Errorf("obtain redis lock %s: %w", key, err)
	}

	return func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.logger.Warn("failed to release redis lock", "key", key, "error", err)
		}
	}, nil
}
