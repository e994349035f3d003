package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/domain"

	"github.com/rs/zerolog"
)

const matchSourceColumns = "id, steam_id, auth_code, last_known_code, first_known_code, active, created_at, updated_at"

type MatchSourceRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewMatchSourceRepository(sqlDB *sql.DB, logger zerolog.Logger) *MatchSourceRepository {
	return &MatchSourceRepository{
		db:     sqlDB,
		logger: logger,
	}
}

func scanMatchSource(row rowScanner) (*domain.MatchSource, error) {
	var (
		s          domain.MatchSource
		firstKnown sql.NullString
	)
	if err := row.Scan(&s.ID, &s.SteamID, &s.AuthCode, &s.LastKnownCode, &firstKnown, &s.Active, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.FirstKnownCode = stringPtr(firstKnown)
	return &s, nil
}

// CreateOrUpdate upserts a source by steam id.
func (r *MatchSourceRepository) CreateOrUpdate(ctx context.Context, source domain.MatchSource) (*domain.MatchSource, bool, error) {
	id, created, err := createOrUpdate(ctx, r.db, "match_sources",
		[]Field{{"steam_id", source.SteamID}},
		[]Field{
			{"auth_code", source.AuthCode},
			{"last_known_code", source.LastKnownCode},
			{"active", source.Active},
		},
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

func (r *MatchSourceRepository) Get(ctx context.Context, id string) (*domain.MatchSource, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+matchSourceColumns+" FROM match_sources WHERE id = $1", id)
	source, err := scanMatchSource(row)
	if err != nil {
		return nil, notFound(err)
	}
	return source, nil
}

func (r *MatchSourceRepository) List(ctx context.Context, activeOnly bool) ([]domain.MatchSource, error) {
	query := "SELECT " + matchSourceColumns + " FROM match_sources"
	var args []any
	if activeOnly {
		query += " WHERE active = $1"
		args = append(args, true)
	}
	query += " ORDER BY created_at"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query match sources: %w", err)
	}
	defer rows.Close()

	var sources []domain.MatchSource
	for rows.Next() {
		source, err := scanMatchSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan match source: %w", err)
		}
		sources = append(sources, *source)
	}
	return sources, rows.Err()
}

// UpdateKnownCodes moves the discovery cursor of a source.
func (r *MatchSourceRepository) UpdateKnownCodes(ctx context.Context, id, lastKnownCode, firstKnownCode string) error {
	return updateFields(ctx, r.db, "match_sources", id, []Field{
		{"last_known_code", lastKnownCode},
		{"first_known_code", firstKnownCode},
	})
}

type MatchSourceUpdate struct {
	AuthCode      *string
	LastKnownCode *string
	Active        *bool
}

func (r *MatchSourceRepository) Update(ctx context.Context, id string, update MatchSourceUpdate) (*domain.MatchSource, error) {
	var fields []Field
	if update.AuthCode != nil {
		fields = append(fields, Field{"auth_code", *update.AuthCode})
	}
	if update.LastKnownCode != nil {
		fields = append(fields, Field{"last_known_code", *update.LastKnownCode})
	}
	if update.Active != nil {
		fields = append(fields, Field{"active", *update.Active})
	}
	if err := updateFields(ctx, r.db, "match_sources", id, fields); err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

func (r *MatchSourceRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM match_sources WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete match source: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete match source: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
