package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/domain"

	"github.com/rs/zerolog"
)

const webhookColumns = "id, url, active, expected_steam_ids, created_at, updated_at"

type WebhookRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewWebhookRepository(sqlDB *sql.DB, logger zerolog.Logger) *WebhookRepository {
	return &WebhookRepository{
		db:     sqlDB,
		logger: logger,
	}
}

func scanWebhook(row rowScanner) (*domain.Webhook, error) {
	var (
		w        domain.Webhook
		expected string
	)
	if err := row.Scan(&w.ID, &w.URL, &w.Active, &expected, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	ids, err := decodeStrings(expected)
	if err != nil {
		return nil, fmt.Errorf("failed to decode webhook steam ids: %w", err)
	}
	w.ExpectedSteamIDs = ids
	return &w, nil
}

// CreateOrUpdate upserts a webhook by url.
func (r *WebhookRepository) CreateOrUpdate(ctx context.Context, webhook domain.Webhook) (*domain.Webhook, bool, error) {
	expected, err := encodeStrings(webhook.ExpectedSteamIDs)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode webhook steam ids: %w", err)
	}

	id, created, err := createOrUpdate(ctx, r.db, "webhooks",
		[]Field{{"url", webhook.URL}},
		[]Field{{"active", webhook.Active}, {"expected_steam_ids", expected}},
	)
	if err != nil {
		return nil, false, err
	}

	stored, err := r.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (r *WebhookRepository) Get(ctx context.Context, id string) (*domain.Webhook, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+webhookColumns+" FROM webhooks WHERE id = $1", id)
	webhook, err := scanWebhook(row)
	if err != nil {
		return nil, notFound(err)
	}
	return webhook, nil
}

func (r *WebhookRepository) List(ctx context.Context) ([]domain.Webhook, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+webhookColumns+" FROM webhooks ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to query webhooks: %w", err)
	}
	defer rows.Close()

	var webhooks []domain.Webhook
	for rows.Next() {
		webhook, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		webhooks = append(webhooks, *webhook)
	}
	return webhooks, rows.Err()
}

type WebhookUpdate struct {
	URL              *string
	Active           *bool
	ExpectedSteamIDs []string
}

func (r *WebhookRepository) Update(ctx context.Context, id string, update WebhookUpdate) (*domain.Webhook, error) {
	var fields []Field
	if update.URL != nil {
		fields = append(fields, Field{"url", *update.URL})
	}
	if update.Active != nil {
		fields = append(fields, Field{"active", *update.Active})
	}
	if update.ExpectedSteamIDs != nil {
		expected, err := encodeStrings(update.ExpectedSteamIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to encode webhook steam ids: %w", err)
		}
		fields = append(fields, Field{"expected_steam_ids", expected})
	}
	if err := updateFields(ctx, r.db, "webhooks", id, fields); err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

func (r *WebhookRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM webhooks WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
