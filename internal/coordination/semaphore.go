package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/constants"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KEYS[1] semaphore key
// ARGV now, capacity, expires_at, token, key ttl (ms)
var acquireScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) < tonumber(ARGV[2]) then
	redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
	return 1
end
return 0
`)

// Semaphore admits at most capacity concurrent holders across all processes.
// Holders are members of a sorted set scored by their expiry in unix
// milliseconds; expired members are pruned on every acquisition attempt.
type Semaphore struct {
	client       redis.Cmdable
	key          string
	capacity     int
	ttl          time.Duration
	timeout      time.Duration
	pollInterval time.Duration
	token        string
	now          func() time.Time
}

type SemaphoreOption func(*Semaphore)

func WithClock(now func() time.Time) SemaphoreOption {
	return func(s *Semaphore) {
		s.now = now
	}
}

func WithPollInterval(d time.Duration) SemaphoreOption {
	return func(s *Semaphore) {
		s.pollInterval = d
	}
}

// NewSemaphore returns a semaphore handle with a fresh token. Each caller that
// wants its own slot needs its own handle.
func NewSemaphore(client redis.Cmdable, key string, capacity int, ttl, timeout time.Duration, opts ...SemaphoreOption) *Semaphore {
	s := &Semaphore{
		client:       client,
		key:          key,
		capacity:     capacity,
		ttl:          ttl,
		timeout:      timeout,
		pollInterval: time.Second,
		token:        uuid.NewString(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Semaphore) Token() string {
	return s.token
}

func (s *Semaphore) keyTTL() time.Duration {
	return max(2*s.ttl, constants.SemaphoreMinKeyTTL)
}

func (s *Semaphore) tryAcquire(ctx context.Context) (bool, error) {
	now := s.now()
	res, err := acquireScript.Run(ctx, s.client, []string{s.key},
		now.UnixMilli(),
		s.capacity,
		now.Add(s.ttl).UnixMilli(),
		s.token,
		s.keyTTL().Milliseconds(),
	).Int()
	if err != nil {
		metrics.SemaphoreAcquisitions.WithLabelValues(s.key, "error").Inc()
		return false, fmt.Errorf("failed to run semaphore script for %s: %w", s.key, err)
	}
	return res == 1, nil
}

// Acquire takes a slot. With raiseIfFull a full semaphore fails immediately
// with ErrSemaphoreFull, otherwise it is polled until the timeout elapses.
func (s *Semaphore) Acquire(ctx context.Context, raiseIfFull bool) error {
	start := time.Now()
	defer func() {
		metrics.SemaphoreWait.WithLabelValues(s.key).Observe(time.Since(start).Seconds())
	}()

	ok, err := s.tryAcquire(ctx)
	if err != nil {
		return err
	}
	if ok {
		metrics.SemaphoreAcquisitions.WithLabelValues(s.key, "acquired").Inc()
		return nil
	}
	if raiseIfFull {
		metrics.SemaphoreAcquisitions.WithLabelValues(s.key, "full").Inc()
		return fmt.Errorf("%w: %s", ErrSemaphoreFull, s.key)
	}

	deadline := time.Now().Add(s.timeout)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		ok, err := s.tryAcquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			metrics.SemaphoreAcquisitions.WithLabelValues(s.key, "acquired").Inc()
			return nil
		}
		if !time.Now().Before(deadline) {
			metrics.SemaphoreAcquisitions.WithLabelValues(s.key, "timeout").Inc()
			return fmt.Errorf("%w: %s: timeout expired after %s", ErrSemaphoreFull, s.key, s.timeout)
		}
	}
}

// Reacquire is a no-op while this token still holds an unexpired slot.
func (s *Semaphore) Reacquire(ctx context.Context) error {
	score, err := s.client.ZScore(ctx, s.key, s.token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read semaphore token %s: %w", s.key, err)
	}
	if err == nil && int64(score) > s.now().UnixMilli() {
		return nil
	}
	return s.Acquire(ctx, false)
}

// Refresh pushes this token's expiry forward. A token that was already pruned
// is not re-added.
func (s *Semaphore) Refresh(ctx context.Context) error {
	expiresAt := s.now().Add(s.ttl).UnixMilli()
	if err := s.client.ZAddXX(ctx, s.key, redis.Z{Score: float64(expiresAt), Member: s.token}).Err(); err != nil {
		return fmt.Errorf("failed to refresh semaphore %s: %w", s.key, err)
	}
	if err := s.client.PExpire(ctx, s.key, s.keyTTL()).Err(); err != nil {
		return fmt.Errorf("failed to extend semaphore key %s: %w", s.key, err)
	}
	return nil
}

func (s *Semaphore) Release(ctx context.Context) error {
	if err := s.client.ZRem(ctx, s.key, s.token).Err(); err != nil {
		return fmt.Errorf("failed to release semaphore %s: %w", s.key, err)
	}
	return nil
}

// WithSemaphore runs fn while holding a slot and releases it on every exit
// path.
func WithSemaphore(ctx context.Context, sem *Semaphore, raiseIfFull bool, fn func(ctx context.Context) error) error {
	if err := sem.Acquire(ctx, raiseIfFull); err != nil {
		return err
	}

	fnErr := fn(ctx)
	releaseErr := sem.Release(context.WithoutCancel(ctx))
	if fnErr != nil {
		return fnErr
	}
	return releaseErr
}

// SemaphoreFactory hands out semaphore handles sharing one key and capacity.
type SemaphoreFactory struct {
	client   redis.Cmdable
	key      string
	capacity int
	ttl      time.Duration
	timeout  time.Duration
	opts     []SemaphoreOption
}

func NewSemaphoreFactory(client redis.Cmdable, key string, capacity int, ttl, timeout time.Duration, opts ...SemaphoreOption) *SemaphoreFactory {
	return &SemaphoreFactory{
		client:   client,
		key:      key,
		capacity: capacity,
		ttl:      ttl,
		timeout:  timeout,
		opts:     opts,
	}
}

func (f *SemaphoreFactory) New() *Semaphore {
	return NewSemaphore(f.client, f.key, f.capacity, f.ttl, f.timeout, f.opts...)
}
