package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/config"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/constants"
	fxmodules "github.com/pivo-v-banke/pvb-cs2-core/internal/fx"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/server"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/supervisor"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/workflow"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

func main() {
	fx.New(
		fxmodules.Module,
		fx.Invoke(runServer),
	).Run()
}

func runServer(
	lc fx.Lifecycle,
	cfg *config.Config,
	tree *supervisor.Tree,
	admin *server.AdminServer,
	wf *workflow.Workflow,
	collector supervisor.Collector,
	db *sql.DB,
	rdb *redis.Client,
	logger zerolog.Logger,
) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           server.NewRouter(cfg, admin, db, rdb, logger),
		ReadHeaderTimeout: constants.RequestTimeout,
	}

	tree.AddPipelineService(supervisor.NewRouterService(wf))
	if cfg.Poller.Enabled {
		tree.AddPipelineService(supervisor.NewPollerService(collector, cfg.Poller.Interval, logger))
	}
	tree.AddAPIService(supervisor.NewHTTPService(srv, constants.ShutdownTimeout, logger))

	var (
		cancel context.CancelFunc
		done   <-chan error
	)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var treeCtx context.Context
			treeCtx, cancel = context.WithCancel(context.Background())
			done = tree.ServeBackground(treeCtx)

			// dispatches before the router subscribes would be lost
			select {
			case <-wf.Running():
			case <-ctx.Done():
				return fmt.Errorf("stage router did not start: %w", ctx.Err())
			}
			logger.Info().Str("addr", srv.Addr).Str("transport", cfg.Pipeline.Transport).Msg("server starting")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info().Msg("shutting down")
			cancel()

			select {
			case err := <-done:
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn().Err(err).Msg("supervisor stopped with error")
				}
			case <-ctx.Done():
				if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
					logger.Warn().Int("services", len(report)).Msg("services did not stop in time")
				}
			}

			if err := wf.Close(); err != nil {
				logger.Warn().Err(err).Msg("error closing stage router")
			}
			if err := rdb.Close(); err != nil {
				logger.Warn().Err(err).Msg("error closing redis connection")
			}
			if err := db.Close(); err != nil {
				logger.Warn().Err(err).Msg("error closing database connection")
			}
			logger.Info().Msg("shutdown complete")
			return nil
		},
	})
}
