//go:build integration

package coordination_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/config"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/coordination"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/testinfra"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealRedisLockAndSemaphore(t *testing.T) {
	cfg := &config.Config{Redis: config.RedisConfig{
		URL:          testinfra.StartRedis(t),
		LockTTL:      time.Minute,
		LockTimeout:  500 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
	}}

	client, err := coordination.NewRedisClient(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	locks := coordination.NewLockFactory(client, cfg)

	first := locks.New("CSGO-IT")
	require.NoError(t, first.Acquire(ctx, true))
	assert.ErrorIs(t, locks.New("CSGO-IT").Acquire(ctx, true), coordination.ErrLockHeld)
	require.NoError(t, first.Release(ctx))
	require.NoError(t, locks.New("CSGO-IT").Acquire(ctx, true))

	semaphores := coordination.NewSemaphoreFactory(client, "it_semaphore", 2, 10*time.Second, 5*time.Second,
		coordination.WithPollInterval(10*time.Millisecond))

	var (
		inside, peak atomic.Int32
		wg           sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := coordination.WithSemaphore(ctx, semaphores.New(), false, func(context.Context) error {
				n := inside.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(30 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}
