package repository

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/database"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/domain"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000&_foreign_keys=on"
	db, err := database.Open(database.DriverSQLite, dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// TestCreateOrUpdateIdempotent verifies the first upsert reports creation and
// the second overwrites the update fields on the same row.
func TestCreateOrUpdateIdempotent(t *testing.T) {
	db := newTestDB(t)
	repo := NewPlayerRepository(db, zerolog.Nop())
	ctx := context.Background()

	first, created, err := repo.CreateOrUpdate(ctx, "76561198000000001", "alpha")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.CreatedAt, first.UpdatedAt)

	time.Sleep(2 * time.Millisecond)

	second, created, err := repo.CreateOrUpdate(ctx, "76561198000000001", "alpha-renamed")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "alpha-renamed", second.DisplayName)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.UpdatedAt.After(second.CreatedAt))

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM players").Scan(&count))
	assert.Equal(t, 1, count)
}

// TestCreateOrUpdateConcurrent verifies that racing upserts on one key produce
// exactly one row and exactly one creation.
func TestCreateOrUpdateConcurrent(t *testing.T) {
	db := newTestDB(t)
	repo := NewMatchRepository(db, zerolog.Nop())
	ctx := context.Background()

	var (
		mu      sync.Mutex
		creates int
		ids     = map[string]struct{}{}
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, created, err := repo.CreateOrUpdate(ctx, domain.Match{
				MatchID:   3001,
				MatchCode: "CSGO-AAAAA-BBBBB-CCCCC-DDDDD-EEEEE",
				MapName:   "de_mirage",
				TScore:    i,
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[m.ID] = struct{}{}
			if created {
				creates++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, creates)
	assert.Len(t, ids, 1)
}

func TestMatchRosterRoundTrip(t *testing.T) {
	db := newTestDB(t)
	repo := NewMatchRepository(db, zerolog.Nop())
	ctx := context.Background()

	m, _, err := repo.CreateOrUpdate(ctx, domain.Match{
		MatchID:   42,
		MatchCode: "CSGO-AAAAA-BBBBB-CCCCC-DDDDD-EEEEE",
		MapName:   "de_inferno",
		SteamIDs:  []string{"1", "2"},
		TScore:    13,
		CTScore:   9,
	})
	require.NoError(t, err)

	byCode, err := repo.GetByMatchCode(ctx, "CSGO-AAAAA-BBBBB-CCCCC-DDDDD-EEEEE")
	require.NoError(t, err)
	assert.Equal(t, m.ID, byCode.ID)
	assert.Equal(t, []string{"1", "2"}, byCode.SteamIDs)

	_, err = repo.GetByMatchID(ctx, 43)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatUpsertBatch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	players := NewPlayerRepository(db, zerolog.Nop())
	matches := NewMatchRepository(db, zerolog.Nop())
	stats := NewStatRepository(db, zerolog.Nop())

	p, _, err := players.CreateOrUpdate(ctx, "76561198000000001", "alpha")
	require.NoError(t, err)
	m, _, err := matches.CreateOrUpdate(ctx, domain.Match{MatchID: 1, MatchCode: "CSGO-AAAAA-BBBBB-CCCCC-DDDDD-EEEEE"})
	require.NoError(t, err)

	stat := domain.PlayerMatchStat{MatchID: m.ID, PlayerID: p.ID, Kills: 20, Deaths: 10, Assists: 3}

	res, err := stats.UpsertBatch(ctx, []domain.PlayerMatchStat{stat})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.True(t, res[0].Created)

	stat.Kills = 21
	res, err = stats.UpsertBatch(ctx, []domain.PlayerMatchStat{stat})
	require.NoError(t, err)
	assert.False(t, res[0].Created)

	stored, err := stats.Get(ctx, m.ID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 21, stored.Kills)
}

func TestRankChangeApply(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	players := NewPlayerRepository(db, zerolog.Nop())
	matches := NewMatchRepository(db, zerolog.Nop())
	changes := NewRankChangeRepository(db, zerolog.Nop())

	p, _, err := players.CreateOrUpdate(ctx, "76561198000000001", "alpha")
	require.NoError(t, err)
	m, _, err := matches.CreateOrUpdate(ctx, domain.Match{MatchID: 1, MatchCode: "CSGO-AAAAA-BBBBB-CCCCC-DDDDD-EEEEE"})
	require.NoError(t, err)

	_, created, err := changes.Apply(ctx, domain.PlayerRankChange{MatchID: m.ID, PlayerID: p.ID, OldRank: nil, NewRank: 6})
	require.NoError(t, err)
	assert.True(t, created)

	stored, err := changes.Get(ctx, m.ID, p.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.OldRank)
	assert.Equal(t, 6, stored.NewRank)

	player, err := players.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, player.Rank)
	assert.Equal(t, 6, *player.Rank)

	_, err = changes.Get(ctx, m.ID, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMatchSourceLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewMatchSourceRepository(db, zerolog.Nop())

	active, created, err := repo.CreateOrUpdate(ctx, domain.MatchSource{
		SteamID: "76561198000000001", AuthCode: "AAAA-BBBBB-CCCC", LastKnownCode: "CSGO-1", Active: true,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, active.FirstKnownCode)

	_, _, err = repo.CreateOrUpdate(ctx, domain.MatchSource{
		SteamID: "76561198000000002", AuthCode: "AAAA-BBBBB-DDDD", LastKnownCode: "CSGO-9", Active: false,
	})
	require.NoError(t, err)

	listed, err := repo.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, active.ID, listed[0].ID)

	all, err := repo.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, repo.UpdateKnownCodes(ctx, active.ID, "CSGO-3", "CSGO-2"))
	updated, err := repo.Get(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, "CSGO-3", updated.LastKnownCode)
	require.NotNil(t, updated.FirstKnownCode)
	assert.Equal(t, "CSGO-2", *updated.FirstKnownCode)

	off := false
	updated, err = repo.Update(ctx, active.ID, MatchSourceUpdate{Active: &off})
	require.NoError(t, err)
	assert.False(t, updated.Active)

	require.NoError(t, repo.Delete(ctx, active.ID))
	assert.ErrorIs(t, repo.Delete(ctx, active.ID), ErrNotFound)
	assert.ErrorIs(t, repo.UpdateKnownCodes(ctx, active.ID, "x", "y"), ErrNotFound)
}

func TestParsingTaskState(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewParsingTaskRepository(db, zerolog.Nop())

	_, err := repo.GetByMatchCode(ctx, "CSGO-X")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.SetState(ctx, "CSGO-X", domain.ParsingInProgress, nil))
	msg := "download failed"
	require.NoError(t, repo.SetState(ctx, "CSGO-X", domain.ParsingError, &msg))

	task, err := repo.GetByMatchCode(ctx, "CSGO-X")
	require.NoError(t, err)
	assert.Equal(t, domain.ParsingError, task.State)
	require.NotNil(t, task.ErrorMessage)
	assert.Equal(t, msg, *task.ErrorMessage)

	require.NoError(t, repo.SetState(ctx, "CSGO-X", domain.ParsingSuccess, nil))
	task, err = repo.GetByMatchCode(ctx, "CSGO-X")
	require.NoError(t, err)
	assert.Equal(t, domain.ParsingSuccess, task.State)
	assert.Nil(t, task.ErrorMessage)
}

func TestWebhookRepository(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewWebhookRepository(db, zerolog.Nop())

	w, created, err := repo.CreateOrUpdate(ctx, domain.Webhook{URL: "http://hook", Active: true, ExpectedSteamIDs: []string{"1"}})
	require.NoError(t, err)
	assert.True(t, created)

	w2, created, err := repo.CreateOrUpdate(ctx, domain.Webhook{URL: "http://hook", Active: false})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, w.ID, w2.ID)
	assert.False(t, w2.Active)
	assert.Empty(t, w2.ExpectedSteamIDs)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	on := true
	w3, err := repo.Update(ctx, w.ID, WebhookUpdate{Active: &on, ExpectedSteamIDs: []string{"2", "3"}})
	require.NoError(t, err)
	assert.True(t, w3.Active)
	assert.Equal(t, []string{"2", "3"}, w3.ExpectedSteamIDs)
	assert.Equal(t, "http://hook", w3.URL)

	require.NoError(t, repo.Delete(ctx, w.ID))
	_, err = repo.Get(ctx, w.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
