package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/domain"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/repository"

	"github.com/rs/zerolog"
)

type ProfileFetcher interface {
	GetPlayerSummaries(ctx context.Context, steamIDs []string) (map[string]domain.PlayerProfile, error)
}

type ProfileService struct {
	steam   ProfileFetcher
	players *repository.PlayerRepository
	logger  zerolog.Logger
}

func NewProfileService(steam ProfileFetcher, players *repository.PlayerRepository, logger zerolog.Logger) *ProfileService {
	return &ProfileService{steam: steam, players: players, logger: logger}
}

// Refresh pulls public Steam profiles for the given ids and stores them.
// Ids without profile data are logged and skipped. It returns the number of
// players updated.
func (s *ProfileService) Refresh(ctx context.Context, steamIDs []string) (int, error) {
	s.logger.Info().Strs("steam_ids", steamIDs).Msg("refreshing steam profiles")

	profiles, err := s.steam.GetPlayerSummaries(ctx, steamIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch steam profiles: %w", err)
	}

	updated := 0
	for _, steamID := range steamIDs {
		profile, ok := profiles[steamID]
		if !ok {
			s.logger.Warn().Str("steam_id", steamID).Msg("no steam profile info")
			continue
		}

		player, err := s.players.GetBySteamID(ctx, steamID)
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn().Str("steam_id", steamID).Msg("profile for unknown player, skipping")
			continue
		}
		if err != nil {
			return updated, err
		}

		if err := s.players.UpdateProfile(ctx, player.ID, profile); err != nil {
			return updated, fmt.Errorf("failed to update profile of %s: %w", steamID, err)
		}
		updated++
	}
	return updated, nil
}
