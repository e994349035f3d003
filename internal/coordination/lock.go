package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/config"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/metrics"

	"github.com/redis/go-redis/v9"
)

// Lock is a named mutual-exclusion flag stored in Redis with a TTL. It carries
// no owner token: whoever holds a Lock value may release the key.
type Lock struct {
	client       redis.Cmdable
	key          string
	ttl          time.Duration
	timeout      time.Duration
	pollInterval time.Duration
}

type LockFactory struct {
	client       redis.Cmdable
	ttl          time.Duration
	timeout      time.Duration
	pollInterval time.Duration
}

func NewLockFactory(client *redis.Client, cfg *config.Config) *LockFactory {
	return &LockFactory{
		client:       client,
		ttl:          cfg.Redis.LockTTL,
		timeout:      cfg.Redis.LockTimeout,
		pollInterval: cfg.Redis.PollInterval,
	}
}

func (f *LockFactory) New(key string) *Lock {
	return NewLock(f.client, key, f.ttl, f.timeout, f.pollInterval)
}

func NewLock(client redis.Cmdable, key string, ttl, timeout, pollInterval time.Duration) *Lock {
	return &Lock{
		client:       client,
		key:          key,
		ttl:          ttl,
		timeout:      timeout,
		pollInterval: pollInterval,
	}
}

func (l *Lock) Key() string {
	return l.key
}

func (l *Lock) tryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, 1, l.ttl).Result()
	if err != nil {
		metrics.LockAcquisitions.WithLabelValues("error").Inc()
		return false, fmt.Errorf("failed to set lock %s: %w", l.key, err)
	}
	return ok, nil
}

// Acquire takes the lock. With raiseIfLocked a held key fails immediately with
// ErrLockHeld, otherwise the key is polled until the timeout elapses.
func (l *Lock) Acquire(ctx context.Context, raiseIfLocked bool) error {
	ok, err := l.tryAcquire(ctx)
	if err != nil {
		return err
	}
	if ok {
		metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
		return nil
	}
	if raiseIfLocked {
		metrics.LockAcquisitions.WithLabelValues("held").Inc()
		return fmt.Errorf("%w: %s", ErrLockHeld, l.key)
	}

	deadline := time.Now().Add(l.timeout)
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		ok, err := l.tryAcquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
			return nil
		}
		if !time.Now().Before(deadline) {
			metrics.LockAcquisitions.WithLabelValues("timeout").Inc()
			return fmt.Errorf("%w: %s after %s", ErrLockTimeout, l.key, l.timeout)
		}
	}
}

// Reacquire restores the lock if its key has expired. A present key is left
// alone whoever set it.
func (l *Lock) Reacquire(ctx context.Context) error {
	n, err := l.client.Exists(ctx, l.key).Result()
	if err != nil {
		return fmt.Errorf("failed to check lock %s: %w", l.key, err)
	}
	if n > 0 {
		return nil
	}
	return l.Acquire(ctx, false)
}

func (l *Lock) Release(ctx context.Context) error {
	if err := l.client.Del(ctx, l.key).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}

// WithLock runs fn while holding lock and releases it on every exit path.
func WithLock(ctx context.Context, lock *Lock, raiseIfLocked bool, fn func(ctx context.Context) error) error {
	if err := lock.Acquire(ctx, raiseIfLocked); err != nil {
		return err
	}

	fnErr := fn(ctx)
	releaseErr := lock.Release(context.WithoutCancel(ctx))
	if fnErr != nil {
		return fnErr
	}
	return releaseErr
}
