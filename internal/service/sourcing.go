package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/config"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/constants"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/coordination"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/domain"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/metrics"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/repository"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type MatchHistory interface {
	NextMatchCode(ctx context.Context, steamID, authCode, knownCode string) (string, error)
}

type ParsingRunner interface {
	Run(ctx context.Context, matchCode string, opts RunOptions) error
}

// CollectResult summarizes one polling pass.
type CollectResult struct {
	Sources  int      `json:"sources"`
	Failed   int      `json:"failed"`
	Codes    []string `json:"codes"`
	Started  []string `json:"started"`
	Skipped  []string `json:"skipped"`
	Rejected []string `json:"rejected"`
}

type SourcingService struct {
	history MatchHistory
	runner  ParsingRunner
	sources *repository.MatchSourceRepository
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func NewSourcingService(
	cfg *config.Config,
	history MatchHistory,
	runner ParsingRunner,
	sources *repository.MatchSourceRepository,
	logger zerolog.Logger,
) *SourcingService {
	return &SourcingService{
		history: history,
		runner:  runner,
		sources: sources,
		limiter: rate.NewLimiter(rate.Limit(cfg.Steam.HistoryRPS), 1),
		logger:  logger,
	}
}

// CollectAll polls every active source concurrently and starts parsing for
// the union of discovered codes. A failing source is logged and does not
// affect the others.
func (s *SourcingService) CollectAll(ctx context.Context) (*CollectResult, error) {
	sources, err := s.sources.List(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list match sources: %w", err)
	}
	s.logger.Info().Int("sources", len(sources)).Msg("collecting all match sources")

	var (
		mu     sync.Mutex
		failed int
		found  = make([][]string, len(sources))
	)

	g, gctx := errgroup.WithContext(ctx)
	for i, source := range sources {
		g.Go(func() error {
			codes, err := s.collect(gctx, source)
			if err != nil {
				if errors.Is(err, context.Canceled) && ctx.Err() != nil {
					return err
				}
				metrics.SourceFailures.Inc()
				s.logger.Error().Err(err).Str("source_id", source.ID).Str("steam_id", source.SteamID).Msg("failed to collect source")
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			found[i] = codes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []string
	for _, codes := range found {
		all = append(all, codes...)
	}

	result := s.runParsing(ctx, all)
	result.Sources = len(sources)
	result.Failed = failed
	return result, nil
}

// CollectSource polls a single source. Inactive sources are skipped.
func (s *SourcingService) CollectSource(ctx context.Context, sourceID string) (*CollectResult, error) {
	source, err := s.sources.Get(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if !source.Active {
		s.logger.Info().Str("source_id", source.ID).Msg("source is not active, skipping")
		return &CollectResult{}, nil
	}

	codes, err := s.collect(ctx, *source)
	if err != nil {
		metrics.SourceFailures.Inc()
		return nil, err
	}

	result := s.runParsing(ctx, codes)
	result.Sources = 1
	return result, nil
}

// collect walks the share code history of one source and advances its
// cursor when anything new was found.
func (s *SourcingService) collect(ctx context.Context, source domain.MatchSource) ([]string, error) {
	codes, err := s.discover(ctx, source)
	if err != nil {
		return nil, err
	}
	if len(codes) == 0 {
		return nil, nil
	}

	last, first := codes[len(codes)-1], codes[0]
	if err := s.sources.UpdateKnownCodes(ctx, source.ID, last, first); err != nil {
		return nil, fmt.Errorf("failed to update source cursor: %w", err)
	}
	metrics.DiscoveredCodes.Add(float64(len(codes)))

	s.logger.Info().
		Str("source_id", source.ID).
		Int("codes", len(codes)).
		Str("first", first).
		Str("last", last).
		Msg("discovered new match codes")
	return codes, nil
}

// discover returns the codes after the source's last known code, oldest
// first.
func (s *SourcingService) discover(ctx context.Context, source domain.MatchSource) ([]string, error) {
	var codes []string
	known := source.LastKnownCode
	for len(codes) < constants.MaxCodesPerSourcePoll {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		next, err := s.history.NextMatchCode(ctx, source.SteamID, source.AuthCode, known)
		if err != nil {
			return nil, err
		}
		if next == constants.NoMoreMatchCodes || next == "" || next == known {
			return codes, nil
		}
		codes = append(codes, next)
		known = next
	}
	s.logger.Warn().Str("source_id", source.ID).Msg("match history poll hit the per-pass limit")
	return codes, nil
}

func (s *SourcingService) runParsing(ctx context.Context, codes []string) *CollectResult {
	result := &CollectResult{}
	seen := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		result.Codes = append(result.Codes, code)

		err := s.runner.Run(ctx, code, RunOptions{RaiseIfLocked: true})
		switch {
		case err == nil:
			result.Started = append(result.Started, code)
		case errors.Is(err, coordination.ErrLockHeld):
			s.logger.Warn().Str("match_code", code).Msg("parsing already in progress, skipping")
			result.Skipped = append(result.Skipped, code)
		case errors.Is(err, ErrDuplicateParsing):
			s.logger.Info().Str("match_code", code).Msg("match code already parsed, skipping")
			result.Skipped = append(result.Skipped, code)
		default:
			s.logger.Error().Err(err).Str("match_code", code).Msg("failed to start parsing")
			result.Rejected = append(result.Rejected, code)
		}
	}
	return result
}
