package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/domain"

	"github.com/rs/zerolog"
)

const statColumns = "id, match_id, player_id, kills, deaths, assists, created_at, updated_at"

type StatRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewStatRepository(sqlDB *sql.DB, logger zerolog.Logger) *StatRepository {
	return &StatRepository{
		db:     sqlDB,
		logger: logger,
	}
}

func scanStat(row rowScanner) (*domain.PlayerMatchStat, error) {
	var s domain.PlayerMatchStat
	if err := row.Scan(&s.ID, &s.MatchID, &s.PlayerID, &s.Kills, &s.Deaths, &s.Assists, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

type StatUpsertResult struct {
	Stat    domain.PlayerMatchStat
	Created bool
}

// UpsertBatch writes all stat rows of one match in a single transaction.
func (r *StatRepository) UpsertBatch(ctx context.Context, stats []domain.PlayerMatchStat) ([]StatUpsertResult, error) {
	if len(stats) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	results := make([]StatUpsertResult, 0, len(stats))
	for _, stat := range stats {
		id, created, err := createOrUpdate(ctx, tx, "player_match_stats",
			[]Field{{"match_id", stat.MatchID}, {"player_id", stat.PlayerID}},
			[]Field{{"kills", stat.Kills}, {"deaths", stat.Deaths}, {"assists", stat.Assists}},
		)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert player stat: %w", err)
		}
		stat.ID = id
		results = append(results, StatUpsertResult{Stat: stat, Created: created})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit player stats: %w", err)
	}
	return results, nil
}

func (r *StatRepository) Get(ctx context.Context, matchID, playerID string) (*domain.PlayerMatchStat, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+statColumns+" FROM player_match_stats WHERE match_id = $1 AND player_id = $2", matchID, playerID)
	stat, err := scanStat(row)
	if err != nil {
		return nil, notFound(err)
	}
	return stat, nil
}

func (r *StatRepository) ListByMatch(ctx context.Context, matchID string) ([]domain.PlayerMatchStat, error) {
	return r.list(ctx, "SELECT "+statColumns+" FROM player_match_stats WHERE match_id = $1 ORDER BY player_id", matchID)
}

func (r *StatRepository) ListByPlayer(ctx context.Context, playerID string) ([]domain.PlayerMatchStat, error) {
	return r.list(ctx, "SELECT "+statColumns+" FROM player_match_stats WHERE player_id = $1 ORDER BY created_at", playerID)
}

func (r *StatRepository) list(ctx context.Context, query string, args ...any) ([]domain.PlayerMatchStat, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query player stats: %w", err)
	}
	defer rows.Close()

	var stats []domain.PlayerMatchStat
	for rows.Next() {
		stat, err := scanStat(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan player stat: %w", err)
		}
		stats = append(stats, *stat)
	}
	return stats, rows.Err()
}
