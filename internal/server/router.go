package server

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/config"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

const (
	AdminPath     = "/" + AdminServiceName + "/"
	healthTimeout = 2 * time.Second
)

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

func NewRouter(cfg *config.Config, admin *AdminServer, db *sql.DB, rdb *redis.Client, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID(logger))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler)

	r.Get("/healthz", health(db, rdb))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if cfg.Server.RateLimit > 0 {
			r.Use(httprate.Limit(cfg.Server.RateLimit, cfg.Server.RateWindow, httprate.WithKeyFuncs(httprate.KeyByIP)))
		}
		r.Use(middleware.APIKey(cfg.Admin.APIKey))
		r.Mount(AdminPath, admin.Handler())
	})

	return r
}

func health(db *sql.DB, rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		resp := healthResponse{Status: "ok", Database: "ok", Redis: "ok"}
		if err := db.PingContext(ctx); err != nil {
			resp.Status, resp.Database = "degraded", err.Error()
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			resp.Status, resp.Redis = "degraded", err.Error()
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
