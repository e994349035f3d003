package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/domain"

	"github.com/rs/zerolog"
)

const matchColumns = "id, match_id, match_code, map_name, steam_ids, t_score, ct_score, created_at, updated_at"

type MatchRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewMatchRepository(sqlDB *sql.DB, logger zerolog.Logger) *MatchRepository {
	return &MatchRepository{
		db:     sqlDB,
		logger: logger,
	}
}

func scanMatch(row rowScanner) (*domain.Match, error) {
	var (
		m        domain.Match
		steamIDs string
	)
	err := row.Scan(&m.ID, &m.MatchID, &m.MatchCode, &m.MapName, &steamIDs, &m.TScore, &m.CTScore, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.SteamIDs, err = decodeStrings(steamIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to decode match roster: %w", err)
	}
	return &m, nil
}

// CreateOrUpdate upserts a match by its numeric match id.
func (r *MatchRepository) CreateOrUpdate(ctx context.Context, match domain.Match) (*domain.Match, bool, error) {
	steamIDs, err := encodeStrings(match.SteamIDs)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode match roster: %w", err)
	}

	id, created, err := createOrUpdate(ctx, r.db, "matches",
		[]Field{{"match_id", match.MatchID}},
		[]Field{
			{"match_code", match.MatchCode},
			{"map_name", match.MapName},
			{"steam_ids", steamIDs},
			{"t_score", match.TScore},
			{"ct_score", match.CTScore},
		},
	)
	if err != nil {
		return nil, false, err
	}

	stored, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (r *MatchRepository) GetByID(ctx context.Context, id string) (*domain.Match, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+matchColumns+" FROM matches WHERE id = $1", id)
	match, err := scanMatch(row)
	if err != nil {
		return nil, notFound(err)
	}
	return match, nil
}

func (r *MatchRepository) GetByMatchID(ctx context.Context, matchID int64) (*domain.Match, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+matchColumns+" FROM matches WHERE match_id = $1", matchID)
	match, err := scanMatch(row)
	if err != nil {
		return nil, notFound(err)
	}
	return match, nil
}

func (r *MatchRepository) GetByMatchCode(ctx context.Context, matchCode string) (*domain.Match, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+matchColumns+" FROM matches WHERE match_code = $1 ORDER BY created_at DESC LIMIT 1", matchCode)
	match, err := scanMatch(row)
	if err != nil {
		return nil, notFound(err)
	}
	return match, nil
}
