package fx

import (
	"github.com/pivo-v-banke/pvb-cs2-core/internal/api"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/config"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/constants"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/coordination"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/database"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/demo"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/logger"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/ranking"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/repository"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/server"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/service"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/supervisor"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/workflow"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

func ProvideSemaphores(client *redis.Client, cfg *config.Config) *coordination.SemaphoreFactory {
	return coordination.NewSemaphoreFactory(
		client,
		constants.SteamSemaphoreKey,
		cfg.Steam.MaxParallel,
		cfg.Steam.SemaphoreTTL,
		cfg.Steam.SemaphoreTimeout,
	)
}

type PipelineParams struct {
	fx.In

	Connector  service.Connector
	Downloader service.DemoFetcher
	Parser     demo.Parser
	Locks      *coordination.LockFactory
	Tasks      *repository.ParsingTaskRepository
	Matches    *repository.MatchRepository
	Players    *repository.PlayerRepository
	Stats      *repository.StatRepository
	Ranks      *service.RankService
	Profiles   *service.ProfileService
	Webhooks   *service.WebhookService
}

func ProvidePipeline(cfg *config.Config, p PipelineParams, logger zerolog.Logger) *service.Pipeline {
	return service.NewPipeline(cfg, service.PipelineDeps{
		Connector:  p.Connector,
		Downloader: p.Downloader,
		Parser:     p.Parser,
		Locks:      p.Locks,
		Tasks:      p.Tasks,
		Matches:    p.Matches,
		Players:    p.Players,
		Stats:      p.Stats,
		Ranks:      p.Ranks,
		Profiles:   p.Profiles,
		Webhooks:   p.Webhooks,
	}, logger)
}

var Module = fx.Options(
	config.Module,
	logger.Module,
	fx.Provide(logger.NewWatermill),
	fx.Provide(database.New),
	fx.Provide(coordination.NewRedisClient),
	// coordination
	fx.Provide(coordination.NewLockFactory),
	fx.Provide(ProvideSemaphores),
	// repos
	fx.Provide(repository.NewPlayerRepository),
	fx.Provide(repository.NewMatchRepository),
	fx.Provide(repository.NewStatRepository),
	fx.Provide(repository.NewRankChangeRepository),
	fx.Provide(repository.NewMatchSourceRepository),
	fx.Provide(repository.NewParsingTaskRepository),
	fx.Provide(repository.NewWebhookRepository),
	// api clients
	fx.Provide(fx.Annotate(api.NewConnectorClient, fx.As(new(service.Connector)))),
	fx.Provide(fx.Annotate(api.NewSteamClient,
		fx.As(new(service.ProfileFetcher)),
		fx.As(new(service.MatchHistory)),
	)),
	// demo
	fx.Provide(fx.Annotate(demo.NewDownloader, fx.As(new(service.DemoFetcher)))),
	fx.Provide(fx.Annotate(demo.NewParser, fx.As(new(demo.Parser)))),
	// svc
	fx.Provide(ranking.NewBounds),
	fx.Provide(fx.Annotate(service.NewRankService,
		fx.As(fx.Self()),
		fx.As(new(server.StatsRecalculator)),
	)),
	fx.Provide(service.NewProfileService),
	fx.Provide(fx.Annotate(service.NewWebhookService,
		fx.As(fx.Self()),
		fx.As(new(server.WebhookSender)),
	)),
	fx.Provide(fx.Annotate(ProvidePipeline, fx.As(new(workflow.StageExecutor)))),
	fx.Provide(fx.Annotate(service.NewParsingService,
		fx.As(new(service.ParsingRunner)),
		fx.As(new(server.ParsingRunner)),
	)),
	fx.Provide(fx.Annotate(service.NewSourcingService,
		fx.As(new(server.SourceCollector)),
		fx.As(new(supervisor.Collector)),
	)),
	// workflow
	fx.Provide(workflow.NewTransport),
	fx.Provide(fx.Annotate(workflow.New,
		fx.As(fx.Self()),
		fx.As(new(service.Dispatcher)),
	)),
	// server
	fx.Provide(server.NewAdminServer),
	fx.Provide(supervisor.NewTree),
)
