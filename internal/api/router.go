package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/septivank/climax-ledger/internal/auth"
	"github.com/septivank/climax-ledger/internal/db"
	"github.com/septivank/climax-ledger/internal/query"
	"github.com/septivank/climax-ledger/internal/retention"
	"github.com/septivank/climax-ledger/internal/service"
	"go.uber.org/zap"
)

// Ingestor accepts raw submissions of one record kind
type Ingestor interface {
	IngestRaw(ctx context.Context, kind string, body []byte) (*service.Result, error)
}

// Cleaner runs and describes retention
type Cleaner interface {
	Run(ctx context.Context) *retention.Report
	Settings() []retention.Policy
}

// RequestLogger persists served requests
type RequestLogger interface {
	InsertRequestLog(ctx context.Context, entry *db.RequestLogEntry) error
}

// Options tunes the HTTP surface
type Options struct {
	CORSOrigins []string
	// RequestLog receives every served request when set
	RequestLog RequestLogger
}

// Handler serves the HTTP API
type Handler struct {
	ingestor  Ingestor
	queries   *query.Engine
	retention Cleaner
	policy    *auth.Policy
	opts      Options
	logger    *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(ingestor Ingestor, queries *query.Engine, cleaner Cleaner, policy *auth.Policy, opts Options, logger *zap.Logger) *Handler {
	return &Handler{
		ingestor:  ingestor,
		queries:   queries,
		retention: cleaner,
		policy:    policy,
		opts:      opts,
		logger:    logger,
	}
}

// Router builds the chi router for every API route
func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(h.requestID)
	r.Use(middleware.RealIP)
	if h.opts.RequestLog != nil {
		r.Use(h.logRequests)
	}
	r.Use(middleware.Recoverer)
	r.Use(h.cors)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Get("/server/time", h.serverTime)

		r.Group(func(r chi.Router) {
			r.Use(h.require(auth.Write))
			for _, kind := range service.RawKinds {
				r.Post("/log/"+kind, h.ingest(kind))
			}

			r.Get("/admin/retention", h.retentionSettings)
			r.Post("/admin/cleanup", h.cleanup)
			r.Get("/admin/stats", h.tableStats)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.require(auth.Read))
			r.Get("/events", h.events)
			r.Get("/climate/{mac}", h.climateHistory)
			r.Get("/battery/{mac}", h.batteryHistory)
			r.Get("/alarms", h.alarms)
			r.Get("/sensors", h.sensors)
			r.Get("/sensors/{mac}", h.sensor)
			r.Get("/bridges", h.bridges)
			r.Get("/stats/daily", h.dailyStats)
			r.Get("/export/events", h.exportEvents)

			r.Get("/dashboard/summary", h.summary)
			r.Get("/dashboard/recent-activity", h.recentActivity)
			r.Get("/dashboard/climate-current", h.currentClimate)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
	})
	return r
}
