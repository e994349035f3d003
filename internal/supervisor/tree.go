package supervisor

import (
	"context"
	"time"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/logger"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

const (
	failureThreshold = 5.0
	failureDecay     = 30.0
	failureBackoff   = 15 * time.Second
	shutdownTimeout  = 10 * time.Second
)

// Tree supervises the long-running parts of the service. Pipeline workers and
// the API live under separate child supervisors so a crashing worker does not
// restart the HTTP server.
type Tree struct {
	root     *suture.Supervisor
	pipeline *suture.Supervisor
	api      *suture.Supervisor
}

func NewTree(log zerolog.Logger) *Tree {
	hook := (&sutureslog.Handler{Logger: logger.NewSlog(log.With().Str("component", "supervisor").Logger())}).MustHook()

	spec := suture.Spec{
		FailureThreshold: failureThreshold,
		FailureDecay:     failureDecay,
		FailureBackoff:   failureBackoff,
		Timeout:          shutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = hook

	t := &Tree{
		root:     suture.New("pvb-cs2-core", rootSpec),
		pipeline: suture.New("pipeline", spec),
		api:      suture.New("api", spec),
	}
	t.root.Add(t.pipeline)
	t.root.Add(t.api)
	return t
}

func (t *Tree) AddPipelineService(svc suture.Service) suture.ServiceToken {
	return t.pipeline.Add(svc)
}

func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
