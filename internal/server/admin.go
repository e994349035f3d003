package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/coordination"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/domain"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/middleware"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/repository"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/service"

	"connectrpc.com/connect"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

const AdminServiceName = "admin.v1.AdminService"

const (
	RunParsingProcedure       = "/" + AdminServiceName + "/RunParsing"
	CollectSourcesProcedure   = "/" + AdminServiceName + "/CollectSources"
	CollectSourceProcedure    = "/" + AdminServiceName + "/CollectSource"
	ListSourcesProcedure      = "/" + AdminServiceName + "/ListSources"
	GetSourceProcedure        = "/" + AdminServiceName + "/GetSource"
	CreateSourceProcedure     = "/" + AdminServiceName + "/CreateSource"
	UpdateSourceProcedure     = "/" + AdminServiceName + "/UpdateSource"
	DeleteSourceProcedure     = "/" + AdminServiceName + "/DeleteSource"
	ListWebhooksProcedure     = "/" + AdminServiceName + "/ListWebhooks"
	GetWebhookProcedure       = "/" + AdminServiceName + "/GetWebhook"
	CreateWebhookProcedure    = "/" + AdminServiceName + "/CreateWebhook"
	UpdateWebhookProcedure    = "/" + AdminServiceName + "/UpdateWebhook"
	DeleteWebhookProcedure    = "/" + AdminServiceName + "/DeleteWebhook"
	SendWebhooksProcedure     = "/" + AdminServiceName + "/SendWebhooks"
	RecalibrateStatsProcedure = "/" + AdminServiceName + "/RecalibrateStats"
)

type ParsingRunner interface {
	Run(ctx context.Context, matchCode string, opts service.RunOptions) error
}

type SourceCollector interface {
	CollectAll(ctx context.Context) (*service.CollectResult, error)
	CollectSource(ctx context.Context, sourceID string) (*service.CollectResult, error)
}

type WebhookSender interface {
	SendAll(ctx context.Context, matchCode string) ([]service.WebhookResult, error)
	Send(ctx context.Context, matchCode string, webhookIDs []string) ([]service.WebhookResult, error)
}

type StatsRecalculator interface {
	RecalculateStats(ctx context.Context, playerIDs []string) error
}

type AdminServer struct {
	parsing  ParsingRunner
	sourcing SourceCollector
	sender   WebhookSender
	stats    StatsRecalculator
	sources  *repository.MatchSourceRepository
	webhooks *repository.WebhookRepository
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewAdminServer(
	parsing ParsingRunner,
	sourcing SourceCollector,
	sender WebhookSender,
	stats StatsRecalculator,
	sources *repository.MatchSourceRepository,
	webhooks *repository.WebhookRepository,
	logger zerolog.Logger,
) *AdminServer {
	return &AdminServer{
		parsing:  parsing,
		sourcing: sourcing,
		sender:   sender,
		stats:    stats,
		sources:  sources,
		webhooks: webhooks,
		validate: newValidator(),
		logger:   logger,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("match_code", func(fl validator.FieldLevel) bool {
		return service.ValidateMatchCode(fl.Field().String()) == nil
	})
	_ = v.RegisterValidation("steam_id", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if len(s) != 17 {
			return false
		}
		for _, r := range s {
			if r < '0' || r > '9' {
				return false
			}
		}
		return true
	})
	return v
}

// Handler mounts every admin procedure under one http.Handler.
func (s *AdminServer) Handler(opts ...connect.HandlerOption) http.Handler {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)

	mux := http.NewServeMux()
	mux.Handle(RunParsingProcedure, connect.NewUnaryHandler(RunParsingProcedure, s.RunParsing, opts...))
	mux.Handle(CollectSourcesProcedure, connect.NewUnaryHandler(CollectSourcesProcedure, s.CollectSources, opts...))
	mux.Handle(CollectSourceProcedure, connect.NewUnaryHandler(CollectSourceProcedure, s.CollectSource, opts...))
	mux.Handle(ListSourcesProcedure, connect.NewUnaryHandler(ListSourcesProcedure, s.ListSources, opts...))
	mux.Handle(GetSourceProcedure, connect.NewUnaryHandler(GetSourceProcedure, s.GetSource, opts...))
	mux.Handle(CreateSourceProcedure, connect.NewUnaryHandler(CreateSourceProcedure, s.CreateSource, opts...))
	mux.Handle(UpdateSourceProcedure, connect.NewUnaryHandler(UpdateSourceProcedure, s.UpdateSource, opts...))
	mux.Handle(DeleteSourceProcedure, connect.NewUnaryHandler(DeleteSourceProcedure, s.DeleteSource, opts...))
	mux.Handle(ListWebhooksProcedure, connect.NewUnaryHandler(ListWebhooksProcedure, s.ListWebhooks, opts...))
	mux.Handle(GetWebhookProcedure, connect.NewUnaryHandler(GetWebhookProcedure, s.GetWebhook, opts...))
	mux.Handle(CreateWebhookProcedure, connect.NewUnaryHandler(CreateWebhookProcedure, s.CreateWebhook, opts...))
	mux.Handle(UpdateWebhookProcedure, connect.NewUnaryHandler(UpdateWebhookProcedure, s.UpdateWebhook, opts...))
	mux.Handle(DeleteWebhookProcedure, connect.NewUnaryHandler(DeleteWebhookProcedure, s.DeleteWebhook, opts...))
	mux.Handle(SendWebhooksProcedure, connect.NewUnaryHandler(SendWebhooksProcedure, s.SendWebhooks, opts...))
	mux.Handle(RecalibrateStatsProcedure, connect.NewUnaryHandler(RecalibrateStatsProcedure, s.RecalibrateStats, opts...))
	return mux
}

func (s *AdminServer) check(req any) error {
	if err := s.validate.Struct(req); err != nil {
		return connect.NewError(connect.CodeInvalidArgument, err)
	}
	return nil
}

func (s *AdminServer) RunParsing(ctx context.Context, req *connect.Request[RunParsingRequest]) (*connect.Response[RunParsingResponse], error) {
	if err := s.check(req.Msg); err != nil {
		return nil, err
	}

	err := s.parsing.Run(ctx, req.Msg.MatchCode, service.RunOptions{
		RaiseIfLocked:  true,
		OverwriteRanks: req.Msg.OverwriteRanks,
	})
	if err != nil {
		return nil, s.toConnectError(ctx, err)
	}
	return connect.NewResponse(&RunParsingResponse{MatchCode: req.Msg.MatchCode, Status: "dispatched"}), nil
}

func (s *AdminServer) CollectSources(ctx context.Context, _ *connect.Request[Empty]) (*connect.Response[CollectResponse], error) {
	result, err := s.sourcing.CollectAll(ctx)
	if err != nil {
		return nil, s.toConnectError(ctx, err)
	}
	return connect.NewResponse(&CollectResponse{Result: result}), nil
}

func (s *AdminServer) CollectSource(ctx context.Context, req *connect.Request[CollectSourceRequest]) (*connect.Response[CollectResponse], error) {
	if err := s.check(req.Msg); err != nil {
		return nil, err
	}
	result, err := s.sourcing.CollectSource(ctx, req.Msg.SourceID)
	if err != nil {
		return nil, s.toConnectError(ctx, err)
	}
	return connect.NewResponse(&CollectResponse{Result: result}), nil
}

func (s *AdminServer) ListSources(ctx context.Context, req *connect.Request[ListSourcesRequest]) (*connect.Response[ListSourcesResponse], error) {
	sources, err := s.sources.List(ctx, req.Msg.ActiveOnly)
	if err != nil {
		return nil, s.toConnectError(ctx, err)
	}

	resp := &ListSourcesResponse{Sources: make([]Source, 0, len(sources))}
	for _, src := range sources {
		resp.Sources = append(resp.Sources, toSource(src))
	}
	return connect.NewResponse(resp), nil
}

func (s *AdminServer) GetSource(ctx context.Context, req *connect.Request[IDRequest]) (*connect.Response[Source], error) {
	if err := s.check(req.Msg); err != nil {
		return nil, err
	}
	src, err := s.sources.Get(ctx, req.Msg.ID)
	if err != nil {
		return nil, s.toConnectError(ctx, err)
	}
	resp := toSource(*src)
	return connect.NewResponse(&resp), nil
}

func (s *AdminServer) CreateSource(ctx context.Context, req *connect.Request[CreateSourceRequest]) (*connect.Response[Source], error) {
	if err := s.check(req.Msg); err != nil {
		return nil, err
	}

	src, created, err := s.sources.CreateOrUpdate(ctx, domain.MatchSource{
		SteamID:       req.Msg.SteamID,
		AuthCode:      req.Msg.AuthCode,
		LastKnownCode: req.Msg.LastMatchCode,
		Active:        req.Msg.Active,
	})
	if err != nil {
		return nil, s.toConnectError(ctx, err)
	}

	s.logger.Info().
		Str("request_id", middleware.GetRequestID(ctx)).
		Str("source_id", src.ID).
		Str("steam_id", src.SteamID).
		Bool("created", created).
		Msg("match source saved")

	resp := toSource(*src)
	return connect.NewResponse(&resp), nil
}

func (s *AdminServer) UpdateSource(ctx context.Context, req *connect.Request[UpdateSourceRequest]) (*connect.Response[Source], error) {
	if err := s.check(req.Msg); err != nil {
		return nil, err
	}

	src, err := s.sources.Update(ctx, req.Msg.ID, repository.MatchSourceUpdate{
		AuthCode:      req.Msg.AuthCode,
		LastKnownCode: req.Msg.LastMatchCode,
		Active:        req.Msg.Active,
	})
	if err != nil {
		return nil, s.toConnectError(ctx, err)
	}
	resp := toSource(*src)
	return connect.NewResponse(&resp), nil
}

func (s *AdminServer) DeleteSource(ctx context.Context, req *connect.Request[IDRequest]) (*connect.Response[Empty], error) {
	if err := s.check(req.Msg); err != nil {
		return nil, err
	}
	if err := s.sources.Delete(ctx, req.Msg.ID); err != nil {
		return nil, s.toConnectError(ctx, err)
	}
	return connect.NewResponse(&Empty{}), nil
}

func (s *AdminServer) ListWebhooks(ctx context.Context, _ *connect.Request[Empty]) (*connect.Response[ListWebhooksResponse], error) {
	webhooks, err := s.webhooks.List(ctx)
	if err != nil {
		return nil, s.toConnectError(ctx, err)
	}

	resp := &ListWebhooksResponse{Webhooks: make([]Webhook, 0, len(webhooks))}
	for _, w := range webhooks {
		resp.Webhooks = append(resp.Webhooks, toWebhook(w))
	}
	return connect.NewResponse(resp), nil
}

func (s *AdminServer) GetWebhook(ctx context.Context, req *connect.Request[IDRequest]) (*connect.Response[Webhook], error) {
	if err := s.check(req.Msg); err != nil {
		return nil, err
	}
	w, err := s.webhooks.Get(ctx, req.Msg.ID)
	if err != nil {
		return nil, s.toConnectError(ctx, err)
	}
	resp := toWebhook(*w)
	return connect.NewResponse(&resp), nil
}

func (s *AdminServer) CreateWebhook(ctx context.Context, req *connect.Request[CreateWebhookRequest]) (*connect.Response[Webhook], error) {
	if err := s.check(req.Msg); err != nil {
		return nil, err
	}

	w, _, err := s.webhooks.CreateOrUpdate(ctx, domain.Webhook{
		URL:              req.Msg.URL,
		Active:           req.Msg.Active,
		ExpectedSteamIDs: req.Msg.ExpectedSteamIDs,
	})
	if err != nil {
		return nil, s.toConnectError(ctx, err)
	}
	resp := toWebhook(*w)
	return connect.NewResponse(&resp), nil
}

func (s *AdminServer) UpdateWebhook(ctx context.Context, req *connect.Request[UpdateWebhookRequest]) (*connect.Response[Webhook], error) {
	if err := s.check(req.Msg); err != nil {
		return nil, err
	}

	w, err := s.webhooks.Update(ctx, req.Msg.ID, repository.WebhookUpdate{
		URL:              req.Msg.URL,
		Active:           req.Msg.Active,
		ExpectedSteamIDs: req.Msg.ExpectedSteamIDs,
	})
	if err != nil {
		return nil, s.toConnectError(ctx, err)
	}
	resp := toWebhook(*w)
	return connect.NewResponse(&resp), nil
}

func (s *AdminServer) DeleteWebhook(ctx context.Context, req *connect.Request[IDRequest]) (*connect.Response[Empty], error) {
	if err := s.check(req.Msg); err != nil {
		return nil, err
	}
	if err := s.webhooks.Delete(ctx, req.Msg.ID); err != nil {
		return nil, s.toConnectError(ctx, err)
	}
	return connect.NewResponse(&Empty{}), nil
}

func (s *AdminServer) SendWebhooks(ctx context.Context, req *connect.Request[SendWebhooksRequest]) (*connect.Response[SendWebhooksResponse], error) {
	if err := s.check(req.Msg); err != nil {
		return nil, err
	}

	var (
		results []service.WebhookResult
		err     error
	)
	if len(req.Msg.WebhookIDs) == 0 {
		results, err = s.sender.SendAll(ctx, req.Msg.MatchCode)
	} else {
		results, err = s.sender.Send(ctx, req.Msg.MatchCode, req.Msg.WebhookIDs)
	}
	if err != nil {
		return nil, s.toConnectError(ctx, err)
	}
	if results == nil {
		results = []service.WebhookResult{}
	}
	return connect.NewResponse(&SendWebhooksResponse{Results: results}), nil
}

func (s *AdminServer) RecalibrateStats(ctx context.Context, req *connect.Request[RecalibrateStatsRequest]) (*connect.Response[Empty], error) {
	if err := s.check(req.Msg); err != nil {
		return nil, err
	}
	if err := s.stats.RecalculateStats(ctx, req.Msg.PlayerIDs); err != nil {
		return nil, s.toConnectError(ctx, err)
	}
	return connect.NewResponse(&Empty{}), nil
}

func (s *AdminServer) toConnectError(ctx context.Context, err error) error {
	var code connect.Code
	switch {
	case errors.Is(err, service.ErrInvalidMatchCode):
		code = connect.CodeInvalidArgument
	case errors.Is(err, repository.ErrNotFound):
		code = connect.CodeNotFound
	case errors.Is(err, service.ErrDuplicateParsing), errors.Is(err, coordination.ErrLockHeld):
		code = connect.CodeAlreadyExists
	case errors.Is(err, service.ErrUnresolvedMatch):
		code = connect.CodeFailedPrecondition
	case errors.Is(err, coordination.ErrLockTimeout), service.IsRetryable(err):
		code = connect.CodeUnavailable
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	default:
		code = connect.CodeInternal
		s.logger.Error().Err(err).Str("request_id", middleware.GetRequestID(ctx)).Msg("admin request failed")
	}
	return connect.NewError(code, err)
}
