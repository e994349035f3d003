package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/domain"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/ranking"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/repository"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const rankWorkers = 4

type RankService struct {
	matches *repository.MatchRepository
	players *repository.PlayerRepository
	stats   *repository.StatRepository
	changes *repository.RankChangeRepository
	bounds  ranking.Bounds
	logger  zerolog.Logger
}

func NewRankService(
	matches *repository.MatchRepository,
	players *repository.PlayerRepository,
	stats *repository.StatRepository,
	changes *repository.RankChangeRepository,
	bounds ranking.Bounds,
	logger zerolog.Logger,
) *RankService {
	return &RankService{
		matches: matches,
		players: players,
		stats:   stats,
		changes: changes,
		bounds:  bounds,
		logger:  logger,
	}
}

// UpdateMatchRanks moves the rank of every player of the match. Players that
// already have a rank change for the match are skipped unless overwrite is
// set. Missing players or stat rows are logged and skipped.
func (s *RankService) UpdateMatchRanks(ctx context.Context, matchID string, overwrite bool) ([]domain.PlayerRankChange, error) {
	match, err := s.matches.GetByID(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load match %s: %w", matchID, err)
	}

	s.logger.Info().
		Int64("match_id", match.MatchID).
		Int("players", len(match.SteamIDs)).
		Bool("overwrite", overwrite).
		Msg("calculating ranks")

	results := make([]*domain.PlayerRankChange, len(match.SteamIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rankWorkers)
	for i, steamID := range match.SteamIDs {
		g.Go(func() error {
			change, err := s.updatePlayerRank(gctx, match, steamID, overwrite)
			if err != nil {
				return err
			}
			results[i] = change
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var changes []domain.PlayerRankChange
	for _, c := range results {
		if c != nil {
			changes = append(changes, *c)
		}
	}
	return changes, nil
}

func (s *RankService) updatePlayerRank(ctx context.Context, match *domain.Match, steamID string, overwrite bool) (*domain.PlayerRankChange, error) {
	log := s.logger.With().Int64("match_id", match.MatchID).Str("steam_id", steamID).Logger()

	player, err := s.players.GetBySteamID(ctx, steamID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Error().Msg("player does not exist, skipping rank update")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load player %s: %w", steamID, err)
	}

	stat, err := s.stats.Get(ctx, match.ID, player.ID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Error().Msg("no match stat for player, skipping rank update")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stat for %s: %w", steamID, err)
	}

	_, err = s.changes.Get(ctx, match.ID, player.ID)
	switch {
	case err == nil && !overwrite:
		log.Warn().Msg("rank already calculated for match, skipping")
		return nil, nil
	case err == nil:
		log.Warn().Msg("rank already calculated for match, overwriting")
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("failed to load rank change for %s: %w", steamID, err)
	}

	oldRank, newRank := s.bounds.Calculate(player.Rank, stat.Kills, stat.Deaths)
	change, _, err := s.changes.Apply(ctx, domain.PlayerRankChange{
		MatchID:  match.ID,
		PlayerID: player.ID,
		OldRank:  &oldRank,
		NewRank:  newRank,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply rank change for %s: %w", steamID, err)
	}

	log.Info().Int("old_rank", oldRank).Int("new_rank", newRank).Msg("player rank updated")
	return change, nil
}

// RecalculateStats rebuilds the aggregate counters of the given players from
// their stored match stats. An empty list means every player.
func (s *RankService) RecalculateStats(ctx context.Context, playerIDs []string) error {
	if len(playerIDs) == 0 {
		ids, err := s.players.ListIDs(ctx)
		if err != nil {
			return err
		}
		playerIDs = ids
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rankWorkers)
	for _, id := range playerIDs {
		g.Go(func() error {
			return s.recalculatePlayer(gctx, id)
		})
	}
	return g.Wait()
}

func (s *RankService) recalculatePlayer(ctx context.Context, playerID string) error {
	stats, err := s.stats.ListByPlayer(ctx, playerID)
	if err != nil {
		return fmt.Errorf("failed to list stats of %s: %w", playerID, err)
	}

	agg := Aggregate(stats)
	if err := s.players.UpdateAggregates(ctx, playerID, agg.AvgKD, agg.GamesPlayed, agg.PlusKDGames, agg.MinusKDGames); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn().Str("player_id", playerID).Msg("player disappeared before stats update")
			return nil
		}
		return fmt.Errorf("failed to update aggregates of %s: %w", playerID, err)
	}
	return nil
}

type PlayerAggregate struct {
	AvgKD        float64
	GamesPlayed  int
	PlusKDGames  int
	MinusKDGames int
}

// Aggregate folds per-match stats into lifetime counters. A game counts as
// plus when kills are at least deaths.
func Aggregate(stats []domain.PlayerMatchStat) PlayerAggregate {
	var (
		agg           PlayerAggregate
		kills, deaths int
	)
	for _, st := range stats {
		kills += st.Kills
		deaths += st.Deaths
		if st.Kills >= st.Deaths {
			agg.PlusKDGames++
		} else {
			agg.MinusKDGames++
		}
		agg.GamesPlayed++
	}
	if deaths > 0 {
		agg.AvgKD = float64(kills) / float64(deaths)
	}
	return agg
}
