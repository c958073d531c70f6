// Package api exposes sync control and the provenance ledger over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/ddr-archive/corpus-cli/internal/model"
	"github.com/ddr-archive/corpus-cli/internal/pidsync"
	"github.com/ddr-archive/corpus-cli/internal/provenance"
)

// Syncer starts, cancels and reports sync runs.
type Syncer interface {
	Trigger(ctx context.Context, sourceID string, mode model.SyncMode, opts pidsync.RunOptions) (string, error)
	Cancel(syncID string) bool
	Status(ctx context.Context, sourceID string) (*pidsync.SourceStatus, error)
	StatusAll(ctx context.Context) ([]pidsync.SourceStatus, error)
	History(ctx context.Context, sourceID string, limit int) ([]model.SyncRun, error)
}

// Ledger reads and appends provenance.
type Ledger interface {
	GetCitation(ctx context.Context, chunkID string) (*model.Citation, error)
	GetLineage(ctx context.Context, chunkID string) (*model.Lineage, error)
	RecordTrainingRun(ctx context.Context, in provenance.TrainingRunInput) (string, error)
	RecordInference(ctx context.Context, in provenance.InferenceInput) (string, error)
	AttachChunks(ctx context.Context, pid string, chunks []model.Chunk) (int, error)
}

// SnapshotBuilder creates corpus snapshots.
type SnapshotBuilder interface {
	BuildSnapshot(ctx context.Context, name, description string) (*model.CorpusSnapshot, error)
}

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the handlers' dependencies.
type Server struct {
	syncer    Syncer
	ledger    Ledger
	snapshots SnapshotBuilder
	store     Pinger
	log       *zap.Logger
}

// New creates a Server.
func New(syncer Syncer, ledger Ledger, snapshots SnapshotBuilder, store Pinger) *Server {
	return &Server{
		syncer:    syncer,
		ledger:    ledger,
		snapshots: snapshots,
		store:     store,
		log:       zap.L().With(zap.String("component", "api")),
	}
}

// Handler builds the router. corsOrigins lists the allowed browser origins.
func (s *Server) Handler(corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Route("/sources", func(r chi.Router) {
		r.Get("/", s.listSources)
		r.Post("/{sourceID}/sync", s.triggerSync)
		r.Get("/{sourceID}/status", s.syncStatus)
		r.Get("/{sourceID}/history", s.syncHistory)
	})
	r.Delete("/syncs/{syncID}", s.cancelSync)

	r.Get("/chunks/{chunkID}/citation", s.citation)
	r.Get("/chunks/{chunkID}/lineage", s.lineage)
	r.Post("/records/{pid}/chunks", s.attachChunks)
	r.Post("/training-runs", s.recordTrainingRun)
	r.Post("/inferences", s.recordInference)
	r.Post("/snapshots", s.buildSnapshot)

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn("api: health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
