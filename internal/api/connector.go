package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/config"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/domain"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

const connectorService = "steam connector"

// ConnectorClient talks to the logged-in Steam client sidecar that resolves
// match codes to demo locations.
type ConnectorClient struct {
	baseURL   string
	apiSecret string
	timeout   time.Duration
	client    *fasthttp.Client
	logger    zerolog.Logger
}

type loginInfoResponse struct {
	Username *string `json:"username"`
}

func NewConnectorClient(cfg *config.Config, logger zerolog.Logger) *ConnectorClient {
	return &ConnectorClient{
		baseURL:   strings.TrimRight(cfg.Connector.BaseURL, "/"),
		apiSecret: cfg.Connector.APISecret,
		timeout:   cfg.Connector.Timeout,
		client: &fasthttp.Client{
			MaxConnsPerHost:     16,
			ReadTimeout:         cfg.Connector.Timeout,
			WriteTimeout:        cfg.Connector.Timeout,
			MaxIdleConnDuration: 1 * time.Minute,
		},
		logger: logger,
	}
}

func (c *ConnectorClient) newRequest(path string) *fasthttp.Request {
	req := fasthttp.AcquireRequest()
	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")
	if c.apiSecret != "" {
		req.Header.Set("X-API-Key", c.apiSecret)
	}
	return req
}

func (c *ConnectorClient) IsLoggedIn(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := c.newRequest("/api/steam/login_info/")
	defer fasthttp.ReleaseRequest(req)

	info, err := doJSON[loginInfoResponse](ctx, c.client, connectorService, req)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to fetch connector login info")
		return false, fmt.Errorf("failed to fetch connector login info: %w", err)
	}
	return info.Username != nil && *info.Username != "", nil
}

func (c *ConnectorClient) GetDemoInfo(ctx context.Context, matchCode string) (*domain.DemoInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := c.newRequest("/api/cs2/demo/")
	defer fasthttp.ReleaseRequest(req)
	req.URI().QueryArgs().Set("match_code", matchCode)

	c.logger.Info().Str("match_code", matchCode).Msg("requesting demo info")

	info, err := doJSON[domain.DemoInfo](ctx, c.client, connectorService, req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch demo info for %s: %w", matchCode, err)
	}
	return info, nil
}
