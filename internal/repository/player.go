package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/domain"

	"github.com/rs/zerolog"
)

const playerColumns = `id, steam_id, display_name, profile_name, profile_url, avatar_url, current_rank,
	avg_kd, games_played, plus_kd_games, minus_kd_games, created_at, updated_at`

type PlayerRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewPlayerRepository(sqlDB *sql.DB, logger zerolog.Logger) *PlayerRepository {
	return &PlayerRepository{
		db:     sqlDB,
		logger: logger,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlayer(row rowScanner) (*domain.Player, error) {
	var (
		p                                  domain.Player
		profileName, profileURL, avatarURL sql.NullString
		rank                               sql.NullInt64
	)
	err := row.Scan(
		&p.ID, &p.SteamID, &p.DisplayName, &profileName, &profileURL, &avatarURL, &rank,
		&p.AvgKD, &p.GamesPlayed, &p.PlusKDGames, &p.MinusKDGames, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.ProfileName = stringPtr(profileName)
	p.ProfileURL = stringPtr(profileURL)
	p.AvatarURL = stringPtr(avatarURL)
	p.Rank = intPtr(rank)
	return &p, nil
}

// CreateOrUpdate upserts a player by steam id. Only the display name is
// overwritten on an existing row.
func (r *PlayerRepository) CreateOrUpdate(ctx context.Context, steamID, displayName string) (*domain.Player, bool, error) {
	id, created, err := createOrUpdate(ctx, r.db, "players",
		[]Field{{"steam_id", steamID}},
		[]Field{{"display_name", displayName}},
	)
	if err != nil {
		return nil, false, err
	}

	player, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return player, created, nil
}

func (r *PlayerRepository) GetByID(ctx context.Context, id string) (*domain.Player, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+playerColumns+" FROM players WHERE id = $1", id)
	player, err := scanPlayer(row)
	if err != nil {
		return nil, notFound(err)
	}
	return player, nil
}

func (r *PlayerRepository) GetBySteamID(ctx context.Context, steamID string) (*domain.Player, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+playerColumns+" FROM players WHERE steam_id = $1", steamID)
	player, err := scanPlayer(row)
	if err != nil {
		return nil, notFound(err)
	}
	return player, nil
}

func (r *PlayerRepository) GetBySteamIDs(ctx context.Context, steamIDs []string) ([]domain.Player, error) {
	if len(steamIDs) == 0 {
		return nil, nil
	}

	args := make([]any, len(steamIDs))
	for i, id := range steamIDs {
		args[i] = id
	}

	query := fmt.Sprintf("SELECT %s FROM players WHERE steam_id IN (%s) ORDER BY steam_id", playerColumns, placeholderList(1, len(steamIDs)))
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query players: %w", err)
	}
	defer rows.Close()

	var players []domain.Player
	for rows.Next() {
		player, err := scanPlayer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan player: %w", err)
		}
		players = append(players, *player)
	}
	return players, rows.Err()
}

func (r *PlayerRepository) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id FROM players ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list players: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan player id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PlayerRepository) UpdateRank(ctx context.Context, id string, rank int) error {
	return updateFields(ctx, r.db, "players", id, []Field{{"current_rank", rank}})
}

// UpdateProfile stores the non-empty profile fields. An empty profile is a
// no-op.
func (r *PlayerRepository) UpdateProfile(ctx context.Context, id string, profile domain.PlayerProfile) error {
	var fields []Field
	if profile.ProfileName != "" {
		fields = append(fields, Field{"profile_name", profile.ProfileName})
	}
	if profile.ProfileURL != "" {
		fields = append(fields, Field{"profile_url", profile.ProfileURL})
	}
	if profile.AvatarURL != "" {
		fields = append(fields, Field{"avatar_url", profile.AvatarURL})
	}
	if len(fields) == 0 {
		return nil
	}

	r.logger.Debug().
		Str("player_id", id).
		Str("steam_id", profile.SteamID).
		Int("fields", len(fields)).
		Msg("updating player profile")

	return updateFields(ctx, r.db, "players", id, fields)
}

func (r *PlayerRepository) UpdateAggregates(ctx context.Context, id string, avgKD float64, gamesPlayed, plusKDGames, minusKDGames int) error {
	return updateFields(ctx, r.db, "players", id, []Field{
		{"avg_kd", avgKD},
		{"games_played", gamesPlayed},
		{"plus_kd_games", plusKDGames},
		{"minus_kd_games", minusKDGames},
	})
}
