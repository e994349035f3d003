package service

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/constants"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/domain"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/metrics"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/ranking"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/repository"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"
)

const webhookConcurrency = 4

type WebhookStatus string

const (
	WebhookSuccess     WebhookStatus = "SUCCESS"
	WebhookFailed      WebhookStatus = "FAILED"
	WebhookDisabled    WebhookStatus = "DISABLED"
	WebhookNoURL       WebhookStatus = "NO_URL"
	WebhookNoInterests WebhookStatus = "NO_INTERESTS"
)

type WebhookResult struct {
	ID      string        `json:"id"`
	Status  WebhookStatus `json:"status"`
	Message string        `json:"message,omitempty"`
}

type webhookPlayer struct {
	ID           string  `json:"id"`
	SteamID      string  `json:"steam_id"`
	DisplayName  string  `json:"display_name"`
	ProfileName  *string `json:"steam_profile_name"`
	ProfileURL   *string `json:"profile_url"`
	AvatarURL    *string `json:"avatar_url"`
	Rank         *int    `json:"rank"`
	AvgKD        float64 `json:"avg_kd"`
	GamesPlayed  int     `json:"games_played"`
	PlusKDGames  int     `json:"plus_kd_games"`
	MinusKDGames int     `json:"minus_kd_games"`
}

type webhookMatch struct {
	ID        string    `json:"id"`
	MatchID   int64     `json:"cs2_match_id"`
	MatchCode string    `json:"match_code"`
	MapName   string    `json:"map_name"`
	SteamIDs  []string  `json:"player_steam_ids"`
	TScore    int       `json:"t_score"`
	CTScore   int       `json:"ct_score"`
	CreatedAt time.Time `json:"created"`
}

type webhookStat struct {
	PlayerSteamID string `json:"player_steam_id"`
	Kills         int    `json:"kills"`
	Deaths        int    `json:"deaths"`
	Assists       int    `json:"assists"`
}

type webhookRankChange struct {
	PlayerSteamID string `json:"player_steam_id"`
	OldRank       *int   `json:"old_rank"`
	NewRank       int    `json:"new_rank"`
}

type WebhookBody struct {
	WebhookID        string                `json:"webhook_id"`
	Match            webhookMatch          `json:"match"`
	Stats            []webhookStat         `json:"stats"`
	RankChanges      []webhookRankChange   `json:"rank_changes"`
	Players          []webhookPlayer       `json:"players"`
	RankDescriptions []ranking.Description `json:"rank_descriptions"`
}

type WebhookService struct {
	webhooks *repository.WebhookRepository
	matches  *repository.MatchRepository
	players  *repository.PlayerRepository
	stats    *repository.StatRepository
	changes  *repository.RankChangeRepository
	client   *fasthttp.Client
	logger   zerolog.Logger
}

func NewWebhookService(
	webhooks *repository.WebhookRepository,
	matches *repository.MatchRepository,
	players *repository.PlayerRepository,
	stats *repository.StatRepository,
	changes *repository.RankChangeRepository,
	logger zerolog.Logger,
) *WebhookService {
	return &WebhookService{
		webhooks: webhooks,
		matches:  matches,
		players:  players,
		stats:    stats,
		changes:  changes,
		client: &fasthttp.Client{
			ReadTimeout:         constants.ExternalAPITimeout,
			WriteTimeout:        constants.ExternalAPITimeout,
			MaxIdleConnDuration: 30 * time.Second,
		},
		logger: logger,
	}
}

// SendAll delivers the match report to every active webhook. Delivery
// failures are reported per webhook and never returned as an error.
func (s *WebhookService) SendAll(ctx context.Context, matchCode string) ([]WebhookResult, error) {
	webhooks, err := s.webhooks.List(ctx)
	if err != nil {
		return nil, err
	}
	webhooks = slices.DeleteFunc(webhooks, func(w domain.Webhook) bool { return !w.Active })
	return s.send(ctx, matchCode, webhooks)
}

// Send delivers the match report to the given webhooks. Inactive ones are
// reported as DISABLED.
func (s *WebhookService) Send(ctx context.Context, matchCode string, webhookIDs []string) ([]WebhookResult, error) {
	webhooks := make([]domain.Webhook, 0, len(webhookIDs))
	for _, id := range webhookIDs {
		w, err := s.webhooks.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load webhook %s: %w", id, err)
		}
		webhooks = append(webhooks, *w)
	}
	return s.send(ctx, matchCode, webhooks)
}

func (s *WebhookService) send(ctx context.Context, matchCode string, webhooks []domain.Webhook) ([]WebhookResult, error) {
	match, err := s.matches.GetByMatchCode(ctx, matchCode)
	if err != nil {
		return nil, fmt.Errorf("failed to load match %s: %w", matchCode, err)
	}

	var (
		body    *WebhookBody
		bodyErr error
		once    sync.Once
	)
	loadBody := func() (*WebhookBody, error) {
		once.Do(func() { body, bodyErr = s.buildBody(ctx, match) })
		return body, bodyErr
	}

	results := make([]WebhookResult, len(webhooks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(webhookConcurrency)
	for i, w := range webhooks {
		g.Go(func() error {
			// deliveries not yet started are dropped once the caller gives up
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = s.deliver(gctx, w, match, loadBody)
			metrics.WebhookDeliveries.WithLabelValues(string(results[i].Status)).Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("webhook delivery for %s interrupted: %w", matchCode, err)
	}

	return results, nil
}

func (s *WebhookService) deliver(ctx context.Context, w domain.Webhook, match *domain.Match, loadBody func() (*WebhookBody, error)) WebhookResult {
	result := WebhookResult{ID: w.ID}
	log := s.logger.With().Str("webhook_id", w.ID).Str("url", w.URL).Str("match_code", match.MatchCode).Logger()

	switch {
	case w.URL == "":
		result.Status = WebhookNoURL
		return result
	case !w.Active:
		result.Status = WebhookDisabled
		return result
	case !intersects(w.ExpectedSteamIDs, match.SteamIDs):
		result.Status = WebhookNoInterests
		return result
	}

	body, err := loadBody()
	if err != nil {
		log.Error().Err(err).Msg("failed to build webhook body")
		result.Status = WebhookFailed
		result.Message = err.Error()
		return result
	}

	payload := *body
	payload.WebhookID = w.ID
	data, err := json.Marshal(payload)
	if err != nil {
		result.Status = WebhookFailed
		result.Message = err.Error()
		return result
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(w.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(data)

	deadline := time.Now().Add(constants.ExternalAPITimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.client.DoDeadline(req, resp, deadline); err != nil {
		log.Error().Err(err).Msg("webhook delivery failed")
		result.Status = WebhookFailed
		result.Message = err.Error()
		return result
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		log.Error().Int("status", code).Msg("webhook rejected delivery")
		result.Status = WebhookFailed
		result.Message = fmt.Sprintf("unexpected status %d", code)
		return result
	}

	log.Info().Msg("webhook sent")
	result.Status = WebhookSuccess
	return result
}

func (s *WebhookService) buildBody(ctx context.Context, match *domain.Match) (*WebhookBody, error) {
	players, err := s.players.GetBySteamIDs(ctx, match.SteamIDs)
	if err != nil {
		return nil, err
	}
	stats, err := s.stats.ListByMatch(ctx, match.ID)
	if err != nil {
		return nil, err
	}
	changes, err := s.changes.ListByMatch(ctx, match.ID)
	if err != nil {
		return nil, err
	}

	steamIDByPlayer := make(map[string]string, len(players))
	body := &WebhookBody{
		Match: webhookMatch{
			ID:        match.ID,
			MatchID:   match.MatchID,
			MatchCode: match.MatchCode,
			MapName:   match.MapName,
			SteamIDs:  match.SteamIDs,
			TScore:    match.TScore,
			CTScore:   match.CTScore,
			CreatedAt: match.CreatedAt,
		},
		Stats:            make([]webhookStat, 0, len(stats)),
		RankChanges:      make([]webhookRankChange, 0, len(changes)),
		Players:          make([]webhookPlayer, 0, len(players)),
		RankDescriptions: ranking.Descriptions(),
	}
	for _, p := range players {
		steamIDByPlayer[p.ID] = p.SteamID
		body.Players = append(body.Players, webhookPlayer{
			ID:           p.ID,
			SteamID:      p.SteamID,
			DisplayName:  p.DisplayName,
			ProfileName:  p.ProfileName,
			ProfileURL:   p.ProfileURL,
			AvatarURL:    p.AvatarURL,
			Rank:         p.Rank,
			AvgKD:        p.AvgKD,
			GamesPlayed:  p.GamesPlayed,
			PlusKDGames:  p.PlusKDGames,
			MinusKDGames: p.MinusKDGames,
		})
	}
	for _, st := range stats {
		steamID, ok := steamIDByPlayer[st.PlayerID]
		if !ok {
			continue
		}
		body.Stats = append(body.Stats, webhookStat{PlayerSteamID: steamID, Kills: st.Kills, Deaths: st.Deaths, Assists: st.Assists})
	}
	for _, c := range changes {
		steamID, ok := steamIDByPlayer[c.PlayerID]
		if !ok {
			continue
		}
		body.RankChanges = append(body.RankChanges, webhookRankChange{PlayerSteamID: steamID, OldRank: c.OldRank, NewRank: c.NewRank})
	}
	return body, nil
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}
