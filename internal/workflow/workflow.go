package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/config"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/constants"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/logger"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/metrics"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/service"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	routerCloseTimeout = 30 * time.Second
	retryMultiplier    = 2

	metadataMatchCode = "match_code"
	metadataStage     = "stage"
)

// StageExecutor runs a single pipeline stage. Abandon is called once a stage
// message has exhausted its retries.
type StageExecutor interface {
	Execute(ctx context.Context, stage service.Stage, pc *service.PipelineContext) (*service.PipelineContext, error)
	Abandon(ctx context.Context, stage service.Stage, pc *service.PipelineContext, reason string)
}

// Workflow chains pipeline stages over a message transport. Every stage has
// its own topic; a successful stage publishes the updated context to the topic
// of the next one.
type Workflow struct {
	router    *message.Router
	transport *Transport
	executor  StageExecutor
	logger    zerolog.Logger
}

func New(cfg *config.Config, transport *Transport, executor StageExecutor, log zerolog.Logger) (*Workflow, error) {
	wmLogger := logger.NewWatermill(log)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: routerCloseTimeout}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	poisonQueue, err := middleware.PoisonQueue(transport.Publisher, constants.PoisonTopic)
	if err != nil {
		return nil, fmt.Errorf("failed to create poison queue middleware: %w", err)
	}

	// outermost first: retries are exhausted before a message is poisoned
	router.AddMiddleware(
		poisonQueue,
		middleware.Retry{
			MaxRetries:      cfg.Pipeline.MaxRetries,
			InitialInterval: cfg.Pipeline.RetryInitialInterval,
			MaxInterval:     cfg.Pipeline.RetryMaxInterval,
			Multiplier:      retryMultiplier,
			Logger:          wmLogger,
		}.Middleware,
		middleware.Recoverer,
	)

	w := &Workflow{
		router:    router,
		transport: transport,
		executor:  executor,
		logger:    log,
	}

	for _, stage := range service.Stages {
		router.AddConsumerHandler(
			"stage_"+string(stage),
			Topic(stage),
			transport.Subscriber,
			w.stageHandler(stage),
		)
	}
	router.AddConsumerHandler("poison", constants.PoisonTopic, transport.Subscriber, w.poisonHandler)

	return w, nil
}

func Topic(stage service.Stage) string {
	return constants.PipelineTopicPrefix + string(stage)
}

// Dispatch publishes the context to the topic of the given stage.
func (w *Workflow) Dispatch(ctx context.Context, stage service.Stage, pc *service.PipelineContext) error {
	if !stage.Valid() {
		return fmt.Errorf("unknown stage %q", stage)
	}

	payload, err := pc.Marshal()
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(metadataMatchCode, pc.MatchCode)
	msg.Metadata.Set(metadataStage, string(stage))
	msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)

	if err := w.transport.Publisher.Publish(Topic(stage), msg); err != nil {
		return fmt.Errorf("failed to publish %s stage: %w", stage, err)
	}

	w.logger.Debug().
		Str("match_code", pc.MatchCode).
		Str("stage", string(stage)).
		Str("message_uuid", msg.UUID).
		Msg("stage dispatched")
	return nil
}

// stageHandler acks permanent failures after the pipeline has recorded them
// and hands retryable ones to the retry middleware.
func (w *Workflow) stageHandler(stage service.Stage) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		log := w.logger.With().
			Str("stage", string(stage)).
			Str("message_uuid", msg.UUID).
			Logger()

		pc, err := service.UnmarshalPipelineContext(msg.Payload)
		if err != nil {
			log.Error().Err(err).Msg("dropping malformed stage message")
			return nil
		}

		next, err := w.executor.Execute(msg.Context(), stage, pc)
		if err != nil {
			if service.IsRetryable(err) {
				return err
			}
			log.Warn().Err(err).Str("match_code", pc.MatchCode).Msg("stage failed permanently")
			return nil
		}

		nextStage, ok := stage.Next()
		if !ok {
			return nil
		}
		return w.Dispatch(msg.Context(), nextStage, next)
	}
}

func (w *Workflow) poisonHandler(msg *message.Message) error {
	stage := msg.Metadata.Get(metadataStage)
	reason := msg.Metadata.Get(middleware.ReasonForPoisonedKey)

	metrics.PoisonedMessages.WithLabelValues(stage).Inc()
	w.logger.Error().
		Str("match_code", msg.Metadata.Get(metadataMatchCode)).
		Str("stage", stage).
		Str("handler", msg.Metadata.Get(middleware.PoisonedHandlerKey)).
		Str("reason", reason).
		Msg("pipeline message poisoned")

	pc, err := service.UnmarshalPipelineContext(msg.Payload)
	if err != nil {
		w.logger.Error().Err(err).Str("message_uuid", msg.UUID).Msg("poisoned message has no usable context")
		return nil
	}
	w.executor.Abandon(msg.Context(), service.Stage(stage), pc, reason)
	return nil
}

// Run blocks until the router stops or ctx is cancelled.
func (w *Workflow) Run(ctx context.Context) error {
	err := w.router.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("workflow router stopped: %w", err)
	}
	return nil
}

// Running is closed once all handlers are subscribed.
func (w *Workflow) Running() chan struct{} {
	return w.router.Running()
}

func (w *Workflow) Close() error {
	if err := w.router.Close(); err != nil {
		return fmt.Errorf("failed to close router: %w", err)
	}
	return w.transport.Close()
}
