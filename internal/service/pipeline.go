package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/api"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/config"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/constants"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/coordination"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/demo"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/domain"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/metrics"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/repository"

	"github.com/rs/zerolog"
)

type DemoFetcher interface {
	Download(ctx context.Context, matchCode, demoURL string) (string, error)
}

// Pipeline executes single stages of a parsing run. Whatever a stage learns is
// written back into the returned context for the next stage.
type Pipeline struct {
	connector        Connector
	downloader       DemoFetcher
	parser           demo.Parser
	locks            *coordination.LockFactory
	tasks            *repository.ParsingTaskRepository
	matches          *repository.MatchRepository
	players          *repository.PlayerRepository
	stats            *repository.StatRepository
	ranks            *RankService
	profiles         *ProfileService
	webhooks         *WebhookService
	releaseOnSuccess bool
	logger           zerolog.Logger
}

type PipelineDeps struct {
	Connector  Connector
	Downloader DemoFetcher
	Parser     demo.Parser
	Locks      *coordination.LockFactory
	Tasks      *repository.ParsingTaskRepository
	Matches    *repository.MatchRepository
	Players    *repository.PlayerRepository
	Stats      *repository.StatRepository
	Ranks      *RankService
	Profiles   *ProfileService
	Webhooks   *WebhookService
}

func NewPipeline(cfg *config.Config, deps PipelineDeps, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		connector:        deps.Connector,
		downloader:       deps.Downloader,
		parser:           deps.Parser,
		locks:            deps.Locks,
		tasks:            deps.Tasks,
		matches:          deps.Matches,
		players:          deps.Players,
		stats:            deps.Stats,
		ranks:            deps.Ranks,
		profiles:         deps.Profiles,
		webhooks:         deps.Webhooks,
		releaseOnSuccess: cfg.Pipeline.ReleaseLockOnSuccess,
		logger:           logger,
	}
}

// Execute runs one stage. On any failure the match lock is released before the
// error is returned; retrying is up to the caller. Only permanent failures mark
// the parsing task as failed, a retryable one keeps it in progress.
func (p *Pipeline) Execute(ctx context.Context, stage Stage, pc *PipelineContext) (*PipelineContext, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.StageTimeout)
	defer cancel()

	log := p.logger.With().Str("match_code", pc.MatchCode).Str("stage", string(stage)).Logger()
	ctx = log.WithContext(ctx)

	if err := pc.Validate(stage); err != nil {
		p.fail(ctx, pc, stage, err)
		return nil, err
	}

	if err := p.locks.New(pc.LockKey).Reacquire(ctx); err != nil {
		p.fail(ctx, pc, stage, err)
		return nil, fmt.Errorf("failed to reacquire parsing lock: %w", err)
	}

	next := *pc
	start := time.Now()
	log.Debug().Msg("stage started")

	var err error
	switch stage {
	case StageResolve:
		err = p.resolve(ctx, &next)
	case StageDownload:
		err = p.download(ctx, &next)
	case StageParse:
		err = p.parse(ctx, &next)
	case StageRank:
		err = p.rank(ctx, &next)
	case StageRefresh:
		err = p.refresh(ctx, &next)
	case StageNotify:
		err = p.notify(ctx, &next)
	}

	elapsed := time.Since(start)
	if err != nil {
		metrics.StageDuration.WithLabelValues(string(stage), "error").Observe(elapsed.Seconds())
		log.Error().Err(err).Dur("elapsed", elapsed).Bool("retryable", IsRetryable(err)).Msg("stage failed")
		p.fail(ctx, pc, stage, err)
		return nil, err
	}

	metrics.StageDuration.WithLabelValues(string(stage), "ok").Observe(elapsed.Seconds())
	log.Info().Dur("elapsed", elapsed).Msg("stage completed")
	return &next, nil
}

func (p *Pipeline) fail(ctx context.Context, pc *PipelineContext, stage Stage, cause error) {
	ctx = context.WithoutCancel(ctx)
	p.releaseLock(ctx, pc)
	if pc.MatchCode == "" || IsRetryable(cause) {
		return
	}
	p.markError(ctx, pc.MatchCode, fmt.Sprintf("%s: %v", stage, cause))
}

// Abandon records a run whose stage will not be retried again.
func (p *Pipeline) Abandon(ctx context.Context, stage Stage, pc *PipelineContext, reason string) {
	ctx = context.WithoutCancel(ctx)
	p.releaseLock(ctx, pc)
	if pc.MatchCode == "" {
		return
	}
	p.markError(ctx, pc.MatchCode, fmt.Sprintf("%s: retries exhausted: %s", stage, reason))
}

func (p *Pipeline) releaseLock(ctx context.Context, pc *PipelineContext) {
	if pc.LockKey == "" {
		return
	}
	if err := p.locks.New(pc.LockKey).Release(ctx); err != nil {
		p.logger.Warn().Err(err).Str("lock_key", pc.LockKey).Msg("failed to release parsing lock")
	}
}

func (p *Pipeline) markError(ctx context.Context, matchCode, msg string) {
	if err := p.tasks.SetState(ctx, matchCode, domain.ParsingError, &msg); err != nil {
		p.logger.Warn().Err(err).Str("match_code", matchCode).Msg("failed to mark parsing error")
	}
	metrics.ParsingRuns.WithLabelValues("error").Inc()
}

func (p *Pipeline) resolve(ctx context.Context, pc *PipelineContext) error {
	info, err := p.connector.GetDemoInfo(ctx, pc.MatchCode)
	if err != nil {
		var apiErr *api.ExternalAPIError
		if errors.As(err, &apiErr) && apiErr.IsCredentialFailure() {
			return fmt.Errorf("%w: %v", ErrUnresolvedMatch, err)
		}
		return err
	}
	if info.DemoURL == nil || *info.DemoURL == "" {
		return fmt.Errorf("%w: no demo url for %s", ErrUnresolvedMatch, pc.MatchCode)
	}

	zerolog.Ctx(ctx).Info().Str("demo_url", *info.DemoURL).Int64("match_id", info.MatchID).Msg("found demo url")
	pc.DemoInfo = info
	return nil
}

func (p *Pipeline) download(ctx context.Context, pc *PipelineContext) error {
	if pc.DemoInfo.DemoURL == nil {
		return fmt.Errorf("%w: no demo url for %s", ErrUnresolvedMatch, pc.MatchCode)
	}
	path, err := p.downloader.Download(ctx, pc.MatchCode, *pc.DemoInfo.DemoURL)
	if err != nil {
		return err
	}
	pc.DemoFilePath = path
	return nil
}

func (p *Pipeline) parse(ctx context.Context, pc *PipelineContext) error {
	log := zerolog.Ctx(ctx)

	parsed, err := p.parser.Parse(ctx, pc.DemoFilePath)
	if err != nil {
		return err
	}
	info := parsed.Match()

	match, created, err := p.matches.CreateOrUpdate(ctx, domain.Match{
		MatchID:   pc.DemoInfo.MatchID,
		MatchCode: pc.MatchCode,
		MapName:   info.MapName,
		SteamIDs:  info.SteamIDs,
		TScore:    info.TScore,
		CTScore:   info.CTScore,
	})
	if err != nil {
		return fmt.Errorf("failed to store match: %w", err)
	}
	if created {
		log.Info().Int64("match_id", match.MatchID).Msg("created match")
	} else {
		log.Info().Int64("match_id", match.MatchID).Msg("updated match")
	}

	playerIDs := make(map[string]string, len(info.SteamIDs))
	upsertPlayer := func(steamID string) (string, error) {
		if id, ok := playerIDs[steamID]; ok {
			return id, nil
		}
		pi := parsed.PlayerInfo(steamID)
		player, created, err := p.players.CreateOrUpdate(ctx, pi.SteamID, pi.DisplayName)
		if err != nil {
			return "", fmt.Errorf("failed to store player %s: %w", steamID, err)
		}
		if created {
			log.Info().Str("steam_id", steamID).Str("display_name", pi.DisplayName).Msg("created player")
		}
		playerIDs[steamID] = player.ID
		return player.ID, nil
	}

	for _, steamID := range info.SteamIDs {
		if _, err := upsertPlayer(steamID); err != nil {
			return err
		}
	}

	rows := parsed.Stats()
	stats := make([]domain.PlayerMatchStat, 0, len(rows))
	for _, row := range rows {
		playerID, err := upsertPlayer(row.SteamID)
		if err != nil {
			return err
		}
		stats = append(stats, domain.PlayerMatchStat{
			MatchID:  match.ID,
			PlayerID: playerID,
			Kills:    row.Kills,
			Deaths:   row.Deaths,
			Assists:  row.Assists,
		})
	}

	results, err := p.stats.UpsertBatch(ctx, stats)
	if err != nil {
		return fmt.Errorf("failed to store match stats: %w", err)
	}
	for _, r := range results {
		if !r.Created {
			log.Warn().
				Str("player_id", r.Stat.PlayerID).
				Int64("match_id", match.MatchID).
				Msg("probably duplicated match: updated existing match stat")
		}
	}

	pc.Match = &MatchRef{
		ID:        match.ID,
		MatchID:   match.MatchID,
		MatchCode: match.MatchCode,
		SteamIDs:  match.SteamIDs,
		Created:   created,
	}
	return nil
}

func (p *Pipeline) rank(ctx context.Context, pc *PipelineContext) error {
	if _, err := p.ranks.UpdateMatchRanks(ctx, pc.Match.ID, pc.OverwriteRanks); err != nil {
		return err
	}

	players, err := p.players.GetBySteamIDs(ctx, pc.Match.SteamIDs)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(players))
	for _, pl := range players {
		ids = append(ids, pl.ID)
	}
	if len(ids) > 0 {
		if err := p.ranks.RecalculateStats(ctx, ids); err != nil {
			return err
		}
	}
	pc.RankComputed = true
	return nil
}

func (p *Pipeline) refresh(ctx context.Context, pc *PipelineContext) error {
	n, err := p.profiles.Refresh(ctx, pc.Match.SteamIDs)
	if err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Int("updated", n).Msg("steam profiles refreshed")
	return nil
}

func (p *Pipeline) notify(ctx context.Context, pc *PipelineContext) error {
	log := zerolog.Ctx(ctx)

	results, err := p.webhooks.SendAll(ctx, pc.MatchCode)
	if err != nil {
		return err
	}
	for _, r := range results {
		log.Info().Str("webhook_id", r.ID).Str("status", string(r.Status)).Msg("webhook processed")
	}

	if err := p.tasks.SetState(ctx, pc.MatchCode, domain.ParsingSuccess, nil); err != nil {
		return fmt.Errorf("failed to mark parsing success: %w", err)
	}
	metrics.ParsingRuns.WithLabelValues("success").Inc()

	if p.releaseOnSuccess {
		if err := p.locks.New(pc.LockKey).Release(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to release parsing lock")
		}
	}
	log.Info().Dur("total", time.Since(pc.StartedAt)).Msg("parsing finished")
	return nil
}
