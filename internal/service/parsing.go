package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/config"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/coordination"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/domain"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/metrics"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/repository"

	"github.com/rs/zerolog"
)

var matchCodePattern = regexp.MustCompile(`^CSGO(-[A-Za-z0-9]{5}){5}$`)

func ValidateMatchCode(code string) error {
	if !matchCodePattern.MatchString(code) {
		return fmt.Errorf("%w: %q", ErrInvalidMatchCode, code)
	}
	return nil
}

type Connector interface {
	IsLoggedIn(ctx context.Context) (bool, error)
	GetDemoInfo(ctx context.Context, matchCode string) (*domain.DemoInfo, error)
}

// Dispatcher hands a pipeline context to the worker that runs the given
// stage.
type Dispatcher interface {
	Dispatch(ctx context.Context, stage Stage, pc *PipelineContext) error
}

type RunOptions struct {
	// RaiseIfLocked fails with coordination.ErrLockHeld instead of waiting
	// for a concurrent run of the same code.
	RaiseIfLocked  bool
	OverwriteRanks bool
}

type ParsingService struct {
	connector  Connector
	dispatcher Dispatcher
	locks      *coordination.LockFactory
	tasks      *repository.ParsingTaskRepository
	staleAfter time.Duration
	logger     zerolog.Logger
}

func NewParsingService(
	cfg *config.Config,
	connector Connector,
	dispatcher Dispatcher,
	locks *coordination.LockFactory,
	tasks *repository.ParsingTaskRepository,
	logger zerolog.Logger,
) *ParsingService {
	return &ParsingService{
		connector:  connector,
		dispatcher: dispatcher,
		locks:      locks,
		tasks:      tasks,
		staleAfter: cfg.Pipeline.StaleInProgressAfter,
		logger:     logger,
	}
}

// Run starts the parsing pipeline for a match code. It returns once the first
// stage is queued; the stages themselves run asynchronously.
func (s *ParsingService) Run(ctx context.Context, matchCode string, opts RunOptions) error {
	if err := ValidateMatchCode(matchCode); err != nil {
		return err
	}
	log := s.logger.With().Str("match_code", matchCode).Logger()

	if err := s.checkDuplicate(ctx, matchCode); err != nil {
		metrics.ParsingRuns.WithLabelValues("duplicate").Inc()
		return err
	}

	loggedIn, err := s.connector.IsLoggedIn(ctx)
	if err != nil {
		return err
	}
	if !loggedIn {
		log.Error().Msg("steam connector is not logged in, aborting")
		return ErrUnresolvedMatch
	}

	pc := NewPipelineContext(matchCode)
	pc.OverwriteRanks = opts.OverwriteRanks

	lock := s.locks.New(pc.LockKey)
	if err := lock.Acquire(ctx, opts.RaiseIfLocked); err != nil {
		return err
	}

	if err := s.tasks.SetState(ctx, matchCode, domain.ParsingInProgress, nil); err != nil {
		s.abort(ctx, lock, matchCode, err)
		return fmt.Errorf("failed to mark parsing in progress: %w", err)
	}

	if err := s.dispatcher.Dispatch(ctx, Stages[0], pc); err != nil {
		log.Error().Err(err).Msg("failed to dispatch parsing pipeline")
		s.abort(ctx, lock, matchCode, err)
		return fmt.Errorf("failed to dispatch pipeline: %w", err)
	}

	metrics.ParsingRuns.WithLabelValues("started").Inc()
	log.Info().Msg("parsing pipeline started")
	return nil
}

// checkDuplicate rejects codes that are already parsed or being parsed. An
// in-progress record older than the stale threshold is treated as abandoned.
func (s *ParsingService) checkDuplicate(ctx context.Context, matchCode string) error {
	task, err := s.tasks.GetByMatchCode(ctx, matchCode)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load parsing task: %w", err)
	}

	switch task.State {
	case domain.ParsingSuccess:
		return fmt.Errorf("%w: %s", ErrDuplicateParsing, matchCode)
	case domain.ParsingInProgress:
		if age := time.Since(task.UpdatedAt); age > s.staleAfter {
			s.logger.Warn().
				Str("match_code", matchCode).
				Dur("age", age).
				Msg("in-progress parsing is stale, restarting")
			return nil
		}
		return fmt.Errorf("%w: %s", ErrDuplicateParsing, matchCode)
	}
	return nil
}

func (s *ParsingService) abort(ctx context.Context, lock *coordination.Lock, matchCode string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := lock.Release(ctx); err != nil {
		s.logger.Warn().Err(err).Str("match_code", matchCode).Msg("failed to release parsing lock")
	}
	msg := cause.Error()
	if err := s.tasks.SetState(ctx, matchCode, domain.ParsingError, &msg); err != nil {
		s.logger.Warn().Err(err).Str("match_code", matchCode).Msg("failed to mark parsing error")
	}
	metrics.ParsingRuns.WithLabelValues("error").Inc()
}
