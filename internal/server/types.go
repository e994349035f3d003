package server

import (
	"time"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/domain"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/service"
)

type Empty struct{}

type RunParsingRequest struct {
	MatchCode      string `json:"match_code" validate:"required,match_code"`
	OverwriteRanks bool   `json:"overwrite_ranks"`
}

type RunParsingResponse struct {
	MatchCode string `json:"match_code"`
	Status    string `json:"status"`
}

type CollectSourceRequest struct {
	SourceID string `json:"source_id" validate:"required"`
}

type CollectResponse struct {
	Result *service.CollectResult `json:"result"`
}

type Source struct {
	ID             string    `json:"id"`
	SteamID        string    `json:"steam_id"`
	AuthCode       string    `json:"auth_code"`
	LastKnownCode  string    `json:"last_known_code"`
	FirstKnownCode *string   `json:"first_known_code"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func toSource(s domain.MatchSource) Source {
	return Source{
		ID:             s.ID,
		SteamID:        s.SteamID,
		AuthCode:       s.AuthCode,
		LastKnownCode:  s.LastKnownCode,
		FirstKnownCode: s.FirstKnownCode,
		Active:         s.Active,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

type ListSourcesRequest struct {
	ActiveOnly bool `json:"active_only"`
}

type ListSourcesResponse struct {
	Sources []Source `json:"sources"`
}

type IDRequest struct {
	ID string `json:"id" validate:"required"`
}

type CreateSourceRequest struct {
	SteamID       string `json:"steam_id" validate:"required,steam_id"`
	AuthCode      string `json:"auth_code" validate:"required"`
	LastMatchCode string `json:"last_match_code" validate:"required,match_code"`
	Active        bool   `json:"active"`
}

type UpdateSourceRequest struct {
	ID            string  `json:"id" validate:"required"`
	AuthCode      *string `json:"auth_code" validate:"omitempty,min=1"`
	LastMatchCode *string `json:"last_match_code" validate:"omitempty,match_code"`
	Active        *bool   `json:"active"`
}

type Webhook struct {
	ID               string    `json:"id"`
	URL              string    `json:"url"`
	Active           bool      `json:"active"`
	ExpectedSteamIDs []string  `json:"expected_steam_ids"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func toWebhook(w domain.Webhook) Webhook {
	ids := w.ExpectedSteamIDs
	if ids == nil {
		ids = []string{}
	}
	return Webhook{
		ID:               w.ID,
		URL:              w.URL,
		Active:           w.Active,
		ExpectedSteamIDs: ids,
		CreatedAt:        w.CreatedAt,
		UpdatedAt:        w.UpdatedAt,
	}
}

type ListWebhooksResponse struct {
	Webhooks []Webhook `json:"webhooks"`
}

type CreateWebhookRequest struct {
	URL              string   `json:"url" validate:"required,url"`
	Active           bool     `json:"active"`
	ExpectedSteamIDs []string `json:"expected_steam_ids" validate:"dive,steam_id"`
}

type UpdateWebhookRequest struct {
	ID               string   `json:"id" validate:"required"`
	URL              *string  `json:"url" validate:"omitempty,url"`
	Active           *bool    `json:"active"`
	ExpectedSteamIDs []string `json:"expected_steam_ids" validate:"omitempty,dive,steam_id"`
}

type SendWebhooksRequest struct {
	MatchCode string `json:"match_code" validate:"required,match_code"`
	// Empty means every active webhook.
	WebhookIDs []string `json:"webhook_ids" validate:"dive,required"`
}

type SendWebhooksResponse struct {
	Results []service.WebhookResult `json:"results"`
}

type RecalibrateStatsRequest struct {
	// Empty means every player.
	PlayerIDs []string `json:"player_ids" validate:"dive,required"`
}
