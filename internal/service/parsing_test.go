package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/coordination"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/domain"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newParsingService(env *testEnv, conn *fakeConnector, disp *fakeDispatcher) *ParsingService {
	return NewParsingService(env.cfg, conn, disp, env.locks, env.tasks, zerolog.Nop())
}

func TestRunStartsPipeline(t *testing.T) {
	env := newTestEnv(t)
	conn := &fakeConnector{loggedIn: true}
	disp := &fakeDispatcher{}
	svc := newParsingService(env, conn, disp)

	require.NoError(t, svc.Run(context.Background(), testCode, RunOptions{OverwriteRanks: true}))

	require.Len(t, disp.calls, 1)
	assert.Equal(t, StageResolve, disp.calls[0].stage)
	assert.Equal(t, testCode, disp.calls[0].pc.LockKey)
	assert.True(t, disp.calls[0].pc.OverwriteRanks)
	assert.True(t, env.mr.Exists(testCode))

	task, err := env.tasks.GetByMatchCode(context.Background(), testCode)
	require.NoError(t, err)
	assert.Equal(t, domain.ParsingInProgress, task.State)
}

func TestRunRejectsDuplicate(t *testing.T) {
	for _, state := range []domain.ParsingState{domain.ParsingSuccess, domain.ParsingInProgress} {
		t.Run(string(state), func(t *testing.T) {
			env := newTestEnv(t)
			conn := &fakeConnector{loggedIn: true}
			disp := &fakeDispatcher{}
			svc := newParsingService(env, conn, disp)

			require.NoError(t, env.tasks.SetState(context.Background(), testCode, state, nil))

			err := svc.Run(context.Background(), testCode, RunOptions{})
			assert.ErrorIs(t, err, ErrDuplicateParsing)
			assert.False(t, env.mr.Exists(testCode))
			assert.Zero(t, conn.calls)
			assert.Empty(t, disp.calls)
		})
	}
}

func TestRunRestartsStaleInProgress(t *testing.T) {
	env := newTestEnv(t)
	disp := &fakeDispatcher{}
	svc := newParsingService(env, &fakeConnector{loggedIn: true}, disp)
	ctx := context.Background()

	require.NoError(t, env.tasks.SetState(ctx, testCode, domain.ParsingInProgress, nil))
	_, err := env.db.Exec("UPDATE parsing_tasks SET updated_at = $1 WHERE match_code = $2",
		time.Now().Add(-time.Hour).UTC(), testCode)
	require.NoError(t, err)

	require.NoError(t, svc.Run(ctx, testCode, RunOptions{}))
	assert.Len(t, disp.calls, 1)
}

func TestRunRetriesAfterError(t *testing.T) {
	env := newTestEnv(t)
	disp := &fakeDispatcher{}
	svc := newParsingService(env, &fakeConnector{loggedIn: true}, disp)

	msg := "boom"
	require.NoError(t, env.tasks.SetState(context.Background(), testCode, domain.ParsingError, &msg))
	require.NoError(t, svc.Run(context.Background(), testCode, RunOptions{}))
}

func TestRunConnectorNotLoggedIn(t *testing.T) {
	env := newTestEnv(t)
	disp := &fakeDispatcher{}
	svc := newParsingService(env, &fakeConnector{loggedIn: false}, disp)

	err := svc.Run(context.Background(), testCode, RunOptions{})
	assert.ErrorIs(t, err, ErrUnresolvedMatch)
	assert.False(t, env.mr.Exists(testCode))
	assert.Empty(t, disp.calls)
}

func TestRunLockHeld(t *testing.T) {
	env := newTestEnv(t)
	svc := newParsingService(env, &fakeConnector{loggedIn: true}, &fakeDispatcher{})
	ctx := context.Background()

	require.NoError(t, env.locks.New(testCode).Acquire(ctx, true))

	err := svc.Run(ctx, testCode, RunOptions{RaiseIfLocked: true})
	assert.ErrorIs(t, err, coordination.ErrLockHeld)

	err = svc.Run(ctx, testCode, RunOptions{})
	assert.ErrorIs(t, err, coordination.ErrLockTimeout)
}

func TestRunDispatchFailureReleasesLock(t *testing.T) {
	env := newTestEnv(t)
	disp := &fakeDispatcher{err: errors.New("broker down")}
	svc := newParsingService(env, &fakeConnector{loggedIn: true}, disp)

	err := svc.Run(context.Background(), testCode, RunOptions{})
	require.Error(t, err)
	assert.False(t, env.mr.Exists(testCode))

	task, err := env.tasks.GetByMatchCode(context.Background(), testCode)
	require.NoError(t, err)
	assert.Equal(t, domain.ParsingError, task.State)
}

func TestRunInvalidMatchCode(t *testing.T) {
	env := newTestEnv(t)
	conn := &fakeConnector{loggedIn: true}
	svc := newParsingService(env, conn, &fakeDispatcher{})

	for _, code := range []string{"", "CSGO-AAAAA", "csgo-AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", testCode + "-FFFFF"} {
		assert.ErrorIs(t, svc.Run(context.Background(), code, RunOptions{}), ErrInvalidMatchCode, code)
	}
	assert.Zero(t, conn.calls)
}
