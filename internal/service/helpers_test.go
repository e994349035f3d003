package service

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/config"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/coordination"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/database"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/demo"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/domain"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/ranking"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testCode  = "CSGO-AAAAA-BBBBB-CCCCC-DDDDD-EEEEE"
	steamA    = "76561198000000001"
	steamB    = "76561198000000002"
	testDemo  = "http://replay.example/730/003.dem.bz2"
	testMatch = int64(3001)
)

type testEnv struct {
	cfg      *config.Config
	db       *sql.DB
	mr       *miniredis.Miniredis
	locks    *coordination.LockFactory
	tasks    *repository.ParsingTaskRepository
	matches  *repository.MatchRepository
	players  *repository.PlayerRepository
	stats    *repository.StatRepository
	changes  *repository.RankChangeRepository
	sources  *repository.MatchSourceRepository
	webhooks *repository.WebhookRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Redis: config.RedisConfig{
			LockTTL:      time.Minute,
			LockTimeout:  200 * time.Millisecond,
			PollInterval: 10 * time.Millisecond,
		},
		Pipeline: config.PipelineConfig{
			StaleInProgressAfter: 15 * time.Minute,
		},
		Steam:   config.SteamConfig{HistoryRPS: 1000},
		Ranking: config.RankingConfig{InitialRank: 5, MinRank: 0, MaxRank: 10},
	}

	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000&_foreign_keys=on"
	db, err := database.Open(database.DriverSQLite, dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := zerolog.Nop()
	return &testEnv{
		cfg:      cfg,
		db:       db,
		mr:       mr,
		locks:    coordination.NewLockFactory(client, cfg),
		tasks:    repository.NewParsingTaskRepository(db, log),
		matches:  repository.NewMatchRepository(db, log),
		players:  repository.NewPlayerRepository(db, log),
		stats:    repository.NewStatRepository(db, log),
		changes:  repository.NewRankChangeRepository(db, log),
		sources:  repository.NewMatchSourceRepository(db, log),
		webhooks: repository.NewWebhookRepository(db, log),
	}
}

func (e *testEnv) rankService() *RankService {
	return NewRankService(e.matches, e.players, e.stats, e.changes, ranking.NewBounds(e.cfg), zerolog.Nop())
}

func (e *testEnv) webhookService() *WebhookService {
	return NewWebhookService(e.webhooks, e.matches, e.players, e.stats, e.changes, zerolog.Nop())
}

type fakeConnector struct {
	mu       sync.Mutex
	loggedIn bool
	info     *domain.DemoInfo
	err      error
	calls    int
}

func (f *fakeConnector) IsLoggedIn(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.loggedIn, nil
}

func (f *fakeConnector) GetDemoInfo(_ context.Context, code string) (*domain.DemoInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	info := *f.info
	info.MatchCode = code
	return &info, nil
}

type dispatched struct {
	stage Stage
	pc    *PipelineContext
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatched
	err   error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, stage Stage, pc *PipelineContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, dispatched{stage: stage, pc: pc})
	return nil
}

type fakeDownloader struct {
	path string
	err  error
}

func (f *fakeDownloader) Download(context.Context, string, string) (string, error) {
	return f.path, f.err
}

type fakeDemo struct {
	match demo.MatchInfo
	names map[string]string
	stats []demo.PlayerStat
}

func (d *fakeDemo) Match() demo.MatchInfo { return d.match }

func (d *fakeDemo) PlayerInfo(steamID string) demo.PlayerInfo {
	return demo.PlayerInfo{SteamID: steamID, DisplayName: d.names[steamID]}
}

func (d *fakeDemo) Stats() []demo.PlayerStat { return d.stats }

type fakeParser struct {
	demo *fakeDemo
	err  error
}

func (f *fakeParser) Parse(context.Context, string) (demo.Demo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.demo, nil
}

type fakeProfiles struct {
	profiles map[string]domain.PlayerProfile
	err      error
}

func (f *fakeProfiles) GetPlayerSummaries(_ context.Context, ids []string) (map[string]domain.PlayerProfile, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]domain.PlayerProfile)
	for _, id := range ids {
		if p, ok := f.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func newFakeDemo() *fakeDemo {
	return &fakeDemo{
		match: demo.MatchInfo{SteamIDs: []string{steamA, steamB}, TScore: 13, CTScore: 9, MapName: "de_mirage"},
		names: map[string]string{steamA: "alpha", steamB: "bravo"},
		stats: []demo.PlayerStat{
			{SteamID: steamA, Kills: 20, Deaths: 10, Assists: 3},
			{SteamID: steamB, Kills: 5, Deaths: 10, Assists: 1},
		},
	}
}

func ptr[T any](v T) *T { return &v }
