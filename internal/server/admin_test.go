package server

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/config"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/coordination"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/database"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/middleware"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/repository"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/service"

	"connectrpc.com/connect"
	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testCode  = "CSGO-AAAAA-BBBBB-CCCCC-DDDDD-EEEEE"
	testSteam = "76561198000000001"
	testKey   = "secret"
)

type fakeRunner struct {
	mu    sync.Mutex
	codes []string
	opts  []service.RunOptions
	err   error
}

func (f *fakeRunner) Run(_ context.Context, code string, opts service.RunOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = append(f.codes, code)
	f.opts = append(f.opts, opts)
	return f.err
}

type fakeCollector struct {
	result *service.CollectResult
	err    error
}

func (f *fakeCollector) CollectAll(context.Context) (*service.CollectResult, error) {
	return f.result, f.err
}

func (f *fakeCollector) CollectSource(_ context.Context, id string) (*service.CollectResult, error) {
	if id == "missing" {
		return nil, repository.ErrNotFound
	}
	return f.result, f.err
}

type fakeSender struct {
	all bool
	ids []string
}

func (f *fakeSender) SendAll(_ context.Context, code string) ([]service.WebhookResult, error) {
	f.all = true
	return []service.WebhookResult{{ID: "w1", Status: service.WebhookSuccess}}, nil
}

func (f *fakeSender) Send(_ context.Context, code string, ids []string) ([]service.WebhookResult, error) {
	f.ids = ids
	results := make([]service.WebhookResult, len(ids))
	for i, id := range ids {
		results[i] = service.WebhookResult{ID: id, Status: service.WebhookDisabled}
	}
	return results, nil
}

type fakeStats struct {
	calls [][]string
}

func (f *fakeStats) RecalculateStats(_ context.Context, ids []string) error {
	f.calls = append(f.calls, ids)
	return nil
}

type testServer struct {
	url       string
	runner    *fakeRunner
	collector *fakeCollector
	sender    *fakeSender
	stats     *fakeStats
	db        *sql.DB
	mr        *miniredis.Miniredis
}

func newTestServer(t *testing.T, apiKey string) *testServer {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000&_foreign_keys=on"
	db, err := database.Open(database.DriverSQLite, dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{AllowedOrigins: []string{"*"}, RateLimit: 1000, RateWindow: time.Minute},
		Admin:  config.AdminConfig{APIKey: apiKey},
	}

	ts := &testServer{
		runner:    &fakeRunner{},
		collector: &fakeCollector{result: &service.CollectResult{Sources: 2, Codes: []string{testCode}}},
		sender:    &fakeSender{},
		stats:     &fakeStats{},
		db:        db,
		mr:        mr,
	}

	admin := NewAdminServer(
		ts.runner, ts.collector, ts.sender, ts.stats,
		repository.NewMatchSourceRepository(db, zerolog.Nop()),
		repository.NewWebhookRepository(db, zerolog.Nop()),
		zerolog.Nop(),
	)

	srv := httptest.NewServer(NewRouter(cfg, admin, db, rdb, zerolog.Nop()))
	t.Cleanup(srv.Close)
	ts.url = srv.URL
	return ts
}

func call[Req, Res any](t *testing.T, ts *testServer, procedure string, msg *Req, apiKey string) (*Res, error) {
	t.Helper()
	client := connect.NewClient[Req, Res](http.DefaultClient, ts.url+procedure, connect.WithCodec(jsonCodec{}))
	req := connect.NewRequest(msg)
	if apiKey != "" {
		req.Header().Set(middleware.APIKeyHeader, apiKey)
	}
	resp, err := client.CallUnary(context.Background(), req)
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func TestRunParsing(t *testing.T) {
	ts := newTestServer(t, "")

	resp, err := call[RunParsingRequest, RunParsingResponse](t, ts, RunParsingProcedure,
		&RunParsingRequest{MatchCode: testCode, OverwriteRanks: true}, "")
	require.NoError(t, err)
	assert.Equal(t, "dispatched", resp.Status)

	require.Len(t, ts.runner.codes, 1)
	assert.Equal(t, testCode, ts.runner.codes[0])
	assert.True(t, ts.runner.opts[0].RaiseIfLocked)
	assert.True(t, ts.runner.opts[0].OverwriteRanks)
}

func TestRunParsingErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		code string
		err  error
		want connect.Code
	}{
		{"malformed code", "CSGO-AAAA", nil, connect.CodeInvalidArgument},
		{"empty code", "", nil, connect.CodeInvalidArgument},
		{"duplicate", testCode, service.ErrDuplicateParsing, connect.CodeAlreadyExists},
		{"lock held", testCode, coordination.ErrLockHeld, connect.CodeAlreadyExists},
		{"not logged in", testCode, service.ErrUnresolvedMatch, connect.CodeFailedPrecondition},
		{"lock timeout", testCode, coordination.ErrLockTimeout, connect.CodeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, "")
			ts.runner.err = tt.err

			_, err := call[RunParsingRequest, RunParsingResponse](t, ts, RunParsingProcedure, &RunParsingRequest{MatchCode: tt.code}, "")
			require.Error(t, err)
			assert.Equal(t, tt.want, connect.CodeOf(err))
		})
	}
}

func TestAPIKeyRequired(t *testing.T) {
	ts := newTestServer(t, testKey)

	_, err := call[RunParsingRequest, RunParsingResponse](t, ts, RunParsingProcedure, &RunParsingRequest{MatchCode: testCode}, "")
	require.Error(t, err)
	assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))

	_, err = call[RunParsingRequest, RunParsingResponse](t, ts, RunParsingProcedure, &RunParsingRequest{MatchCode: testCode}, "wrong")
	assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))

	_, err = call[RunParsingRequest, RunParsingResponse](t, ts, RunParsingProcedure, &RunParsingRequest{MatchCode: testCode}, testKey)
	require.NoError(t, err)
	assert.Len(t, ts.runner.codes, 1)
}

func TestCollect(t *testing.T) {
	ts := newTestServer(t, "")

	resp, err := call[Empty, CollectResponse](t, ts, CollectSourcesProcedure, &Empty{}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Result.Sources)
	assert.Equal(t, []string{testCode}, resp.Result.Codes)

	_, err = call[CollectSourceRequest, CollectResponse](t, ts, CollectSourceProcedure, &CollectSourceRequest{SourceID: "missing"}, "")
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))

	_, err = call[CollectSourceRequest, CollectResponse](t, ts, CollectSourceProcedure, &CollectSourceRequest{}, "")
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}

func TestSourceCRUD(t *testing.T) {
	ts := newTestServer(t, "")

	_, err := call[CreateSourceRequest, Source](t, ts, CreateSourceProcedure, &CreateSourceRequest{
		SteamID: "123", AuthCode: "AAAA-BBBBB-CCCC", LastMatchCode: testCode,
	}, "")
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err), "short steam id")

	created, err := call[CreateSourceRequest, Source](t, ts, CreateSourceProcedure, &CreateSourceRequest{
		SteamID: testSteam, AuthCode: "AAAA-BBBBB-CCCC", LastMatchCode: testCode, Active: true,
	}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, testCode, created.LastKnownCode)
	assert.Nil(t, created.FirstKnownCode)

	got, err := call[IDRequest, Source](t, ts, GetSourceProcedure, &IDRequest{ID: created.ID}, "")
	require.NoError(t, err)
	assert.Equal(t, testSteam, got.SteamID)

	off := false
	updated, err := call[UpdateSourceRequest, Source](t, ts, UpdateSourceProcedure, &UpdateSourceRequest{ID: created.ID, Active: &off}, "")
	require.NoError(t, err)
	assert.False(t, updated.Active)
	assert.Equal(t, "AAAA-BBBBB-CCCC", updated.AuthCode)

	list, err := call[ListSourcesRequest, ListSourcesResponse](t, ts, ListSourcesProcedure, &ListSourcesRequest{ActiveOnly: true}, "")
	require.NoError(t, err)
	assert.Empty(t, list.Sources)

	_, err = call[IDRequest, Empty](t, ts, DeleteSourceProcedure, &IDRequest{ID: created.ID}, "")
	require.NoError(t, err)

	_, err = call[IDRequest, Source](t, ts, GetSourceProcedure, &IDRequest{ID: created.ID}, "")
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
}

func TestWebhookCRUD(t *testing.T) {
	ts := newTestServer(t, "")

	_, err := call[CreateWebhookRequest, Webhook](t, ts, CreateWebhookProcedure, &CreateWebhookRequest{URL: "not a url"}, "")
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	created, err := call[CreateWebhookRequest, Webhook](t, ts, CreateWebhookProcedure, &CreateWebhookRequest{
		URL: "http://hooks.example/cs2", Active: true, ExpectedSteamIDs: []string{testSteam},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{testSteam}, created.ExpectedSteamIDs)

	updated, err := call[UpdateWebhookRequest, Webhook](t, ts, UpdateWebhookProcedure, &UpdateWebhookRequest{
		ID: created.ID, ExpectedSteamIDs: []string{},
	}, "")
	require.NoError(t, err)
	assert.Empty(t, updated.ExpectedSteamIDs)
	assert.True(t, updated.Active)

	list, err := call[Empty, ListWebhooksResponse](t, ts, ListWebhooksProcedure, &Empty{}, "")
	require.NoError(t, err)
	require.Len(t, list.Webhooks, 1)

	_, err = call[IDRequest, Empty](t, ts, DeleteWebhookProcedure, &IDRequest{ID: created.ID}, "")
	require.NoError(t, err)
	_, err = call[IDRequest, Empty](t, ts, DeleteWebhookProcedure, &IDRequest{ID: created.ID}, "")
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
}

func TestSendWebhooks(t *testing.T) {
	ts := newTestServer(t, "")

	resp, err := call[SendWebhooksRequest, SendWebhooksResponse](t, ts, SendWebhooksProcedure, &SendWebhooksRequest{MatchCode: testCode}, "")
	require.NoError(t, err)
	assert.True(t, ts.sender.all)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, service.WebhookSuccess, resp.Results[0].Status)

	resp, err = call[SendWebhooksRequest, SendWebhooksResponse](t, ts, SendWebhooksProcedure, &SendWebhooksRequest{
		MatchCode: testCode, WebhookIDs: []string{"a", "b"},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ts.sender.ids)
	assert.Len(t, resp.Results, 2)
}

func TestRecalibrateStats(t *testing.T) {
	ts := newTestServer(t, "")

	_, err := call[RecalibrateStatsRequest, Empty](t, ts, RecalibrateStatsProcedure, &RecalibrateStatsRequest{}, "")
	require.NoError(t, err)
	require.Len(t, ts.stats.calls, 1)
	assert.Empty(t, ts.stats.calls[0])
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, testKey)

	resp, err := http.Get(ts.url + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(middleware.RequestIDHeader))

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)

	ts.mr.Close()
	resp2, err := http.Get(ts.url + "/healthz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, testKey)

	resp, err := http.Get(ts.url + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
