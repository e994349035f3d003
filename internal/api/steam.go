package api

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/config"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/constants"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/coordination"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/domain"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/metrics"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"github.com/valyala/fasthttp"
)

const steamService = "steam"

var ErrMissingAPIKey = errors.New("steam api key is not configured")

// SteamClient calls the public Steam Web API. Every request holds a slot of
// the cluster-wide steam semaphore and passes through a circuit breaker.
type SteamClient struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	jitter     time.Duration
	client     *fasthttp.Client
	semaphores *coordination.SemaphoreFactory
	breaker    *gobreaker.CircuitBreaker[*response]
	logger     zerolog.Logger
}

type nextMatchCodeResponse struct {
	Result struct {
		NextCode string `json:"nextcode"`
	} `json:"result"`
}

type playerSummariesResponse struct {
	Response struct {
		Players []playerSummary `json:"players"`
	} `json:"response"`
}

type playerSummary struct {
	SteamID     string `json:"steamid"`
	PersonaName string `json:"personaname"`
	ProfileURL  string `json:"profileurl"`
	AvatarFull  string `json:"avatarfull"`
}

func NewSteamClient(cfg *config.Config, semaphores *coordination.SemaphoreFactory, logger zerolog.Logger) *SteamClient {
	breaker := gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        steamService,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var apiErr *ExternalAPIError
			if errors.As(err, &apiErr) {
				return !apiErr.Retryable()
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})

	return &SteamClient{
		baseURL:    strings.TrimRight(cfg.Steam.BaseURL, "/"),
		apiKey:     cfg.Steam.APIKey,
		timeout:    cfg.Steam.Timeout,
		jitter:     cfg.Steam.Jitter,
		semaphores: semaphores,
		breaker:    breaker,
		client: &fasthttp.Client{
			MaxConnsPerHost:     cfg.Steam.MaxParallel * 2,
			ReadTimeout:         cfg.Steam.Timeout,
			WriteTimeout:        cfg.Steam.Timeout,
			MaxIdleConnDuration: 1 * time.Minute,
		},
		logger: logger,
	}
}

func (c *SteamClient) HasAPIKey() bool {
	return c.apiKey != ""
}

// call performs one GET while holding a semaphore slot. The jitter delay runs
// before the slot is requested. The returned response may carry any status
// code; only transport and 5xx failures are errors.
func (c *SteamClient) call(ctx context.Context, path string, query map[string]string) (*response, error) {
	if err := c.sleepJitter(ctx); err != nil {
		return nil, fmt.Errorf("steam request %s failed: %w", path, err)
	}

	var resp *response
	err := coordination.WithSemaphore(ctx, c.semaphores.New(), false, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req := fasthttp.AcquireRequest()
		defer fasthttp.ReleaseRequest(req)
		req.SetRequestURI(c.baseURL + path)
		req.Header.SetMethod(fasthttp.MethodGet)
		req.Header.Set("Accept", "application/json")
		args := req.URI().QueryArgs()
		args.Set("key", c.apiKey)
		for k, v := range query {
			args.Set(k, v)
		}

		var err error
		resp, err = c.breaker.Execute(func() (*response, error) {
			r, err := do(ctx, c.client, req)
			if err != nil {
				return nil, err
			}
			if r.status >= 500 {
				return r, &ExternalAPIError{Service: steamService, StatusCode: r.status, Body: truncate(string(r.body), 256)}
			}
			return r, nil
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("steam request %s failed: %w", path, err)
	}
	return resp, nil
}

func (c *SteamClient) sleepJitter(ctx context.Context) error {
	if c.jitter <= 0 {
		return nil
	}
	timer := time.NewTimer(rand.N(c.jitter))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NextMatchCode returns the share code that follows knownCode in the match
// history of steamID, or constants.NoMoreMatchCodes when there is none yet.
func (c *SteamClient) NextMatchCode(ctx context.Context, steamID, authCode, knownCode string) (string, error) {
	if !c.HasAPIKey() {
		return "", ErrMissingAPIKey
	}

	resp, err := c.call(ctx, "/ICSGOPlayers_730/GetNextMatchSharingCode/v1", map[string]string{
		"steamid":    steamID,
		"steamidkey": authCode,
		"knowncode":  knownCode,
	})
	if err != nil {
		return "", err
	}

	result, err := decodeResponse[nextMatchCodeResponse](steamService, resp)
	if err != nil {
		return "", err
	}
	if result.Result.NextCode == "" {
		return constants.NoMoreMatchCodes, nil
	}
	return result.Result.NextCode, nil
}

// GetPlayerSummaries fetches public profiles in batches. Ids Steam does not
// return, or that belong to a failed batch, are absent from the result.
func (c *SteamClient) GetPlayerSummaries(ctx context.Context, steamIDs []string) (map[string]domain.PlayerProfile, error) {
	profiles := make(map[string]domain.PlayerProfile, len(steamIDs))
	if len(steamIDs) == 0 {
		return profiles, nil
	}
	if !c.HasAPIKey() {
		c.logger.Warn().Int("count", len(steamIDs)).Msg("steam api key is not configured, skipping profile lookup")
		return profiles, nil
	}

	for start := 0; start < len(steamIDs); start += constants.ProfileBatchSize {
		end := min(start+constants.ProfileBatchSize, len(steamIDs))
		batch := steamIDs[start:end]

		resp, err := c.call(ctx, "/ISteamUser/GetPlayerSummaries/v2/", map[string]string{
			"steamids": strings.Join(batch, ","),
		})
		if err != nil {
			if ctx.Err() != nil {
				return profiles, ctx.Err()
			}
			c.logger.Warn().Err(err).Int("batch_start", start).Msg("failed to fetch player summaries batch")
			continue
		}

		summaries, err := decodeResponse[playerSummariesResponse](steamService, resp)
		if err != nil {
			var apiErr *ExternalAPIError
			if errors.As(err, &apiErr) && apiErr.IsCredentialFailure() {
				c.logger.Error().Int("status", apiErr.StatusCode).Msg("steam rejected api key, aborting profile lookup")
				return profiles, nil
			}
			c.logger.Warn().Err(err).Int("batch_start", start).Msg("unexpected player summaries response")
			continue
		}

		for _, s := range summaries.Response.Players {
			profiles[s.SteamID] = domain.PlayerProfile{
				SteamID:     s.SteamID,
				ProfileName: s.PersonaName,
				ProfileURL:  s.ProfileURL,
				AvatarURL:   s.AvatarFull,
			}
		}
	}

	c.logger.Debug().Int("requested", len(steamIDs)).Int("found", len(profiles)).Msg("fetched player summaries")
	return profiles, nil
}
