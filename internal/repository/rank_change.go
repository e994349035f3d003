package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/domain"

	"github.com/rs/zerolog"
)

const rankChangeColumns = "id, match_id, player_id, old_rank, new_rank, created_at, updated_at"

type RankChangeRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewRankChangeRepository(sqlDB *sql.DB, logger zerolog.Logger) *RankChangeRepository {
	return &RankChangeRepository{
		db:     sqlDB,
		logger: logger,
	}
}

func scanRankChange(row rowScanner) (*domain.PlayerRankChange, error) {
	var (
		rc      domain.PlayerRankChange
		oldRank sql.NullInt64
	)
	if err := row.Scan(&rc.ID, &rc.MatchID, &rc.PlayerID, &oldRank, &rc.NewRank, &rc.CreatedAt, &rc.UpdatedAt); err != nil {
		return nil, err
	}
	rc.OldRank = intPtr(oldRank)
	return &rc, nil
}

// Apply records the rank change for (match, player) and moves the player's
// current rank in the same transaction.
func (r *RankChangeRepository) Apply(ctx context.Context, change domain.PlayerRankChange) (*domain.PlayerRankChange, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id, created, err := createOrUpdate(ctx, tx, "player_rank_changes",
		[]Field{{"match_id", change.MatchID}, {"player_id", change.PlayerID}},
		[]Field{{"old_rank", nullInt(change.OldRank)}, {"new_rank", change.NewRank}},
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert rank change: %w", err)
	}

	if err := updateFields(ctx, tx, "players", change.PlayerID, []Field{{"current_rank", change.NewRank}}); err != nil {
		return nil, false, fmt.Errorf("failed to update player rank: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit rank change: %w", err)
	}

	change.ID = id
	return &change, created, nil
}

func (r *RankChangeRepository) Get(ctx context.Context, matchID, playerID string) (*domain.PlayerRankChange, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+rankChangeColumns+" FROM player_rank_changes WHERE match_id = $1 AND player_id = $2", matchID, playerID)
	rc, err := scanRankChange(row)
	if err != nil {
		return nil, notFound(err)
	}
	return rc, nil
}

func (r *RankChangeRepository) ListByMatch(ctx context.Context, matchID string) ([]domain.PlayerRankChange, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+rankChangeColumns+" FROM player_rank_changes WHERE match_id = $1 ORDER BY player_id", matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rank changes: %w", err)
	}
	defer rows.Close()

	var changes []domain.PlayerRankChange
	for rows.Next() {
		rc, err := scanRankChange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rank change: %w", err)
		}
		changes = append(changes, *rc)
	}
	return changes, rows.Err()
}
