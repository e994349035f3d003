package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/service"

	"github.com/rs/zerolog"
)

type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an http.Server until the supervisor stops it.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	logger          zerolog.Logger
}

func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration, logger zerolog.Logger) *HTTPService {
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout, logger: logger}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		h.logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()

		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		h.logger.Info().Msg("server stopped gracefully")
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return "http-server" }

type Router interface {
	Run(ctx context.Context) error
}

// RouterService runs the stage router. A router that returns while ctx is
// still live is reported as failed so the supervisor restarts it.
type RouterService struct {
	router Router
}

func NewRouterService(router Router) *RouterService {
	return &RouterService{router: router}
}

func (r *RouterService) Serve(ctx context.Context) error {
	if err := r.router.Run(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("stage router stopped unexpectedly")
}

func (r *RouterService) String() string { return "stage-router" }

type Collector interface {
	CollectAll(ctx context.Context) (*service.CollectResult, error)
}

// PollerService collects every active match source on a fixed interval.
type PollerService struct {
	collector Collector
	interval  time.Duration
	logger    zerolog.Logger
}

func NewPollerService(collector Collector, interval time.Duration, logger zerolog.Logger) *PollerService {
	return &PollerService{collector: collector, interval: interval, logger: logger}
}

func (p *PollerService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *PollerService) poll(ctx context.Context) {
	start := time.Now()
	result, err := p.collector.CollectAll(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("source poll failed")
		return
	}
	p.logger.Info().
		Int("sources", result.Sources).
		Int("failed", result.Failed).
		Int("codes", len(result.Codes)).
		Int("started", len(result.Started)).
		Dur("elapsed", time.Since(start)).
		Msg("source poll finished")
}

func (p *PollerService) String() string { return "source-poller" }
