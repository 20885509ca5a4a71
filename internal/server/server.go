package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Mao74/insurance-analyzer/internal/analysis"
	"github.com/Mao74/insurance-analyzer/internal/cache"
	"github.com/Mao74/insurance-analyzer/internal/config"
	"github.com/Mao74/insurance-analyzer/internal/ingest"
	"github.com/Mao74/insurance-analyzer/internal/logger"
	"github.com/Mao74/insurance-analyzer/internal/security"
	"github.com/Mao74/insurance-analyzer/internal/store"
	"github.com/Mao74/insurance-analyzer/internal/web"
	"github.com/Mao74/insurance-analyzer/internal/websocket"
)

// Version is reported by /info
const Version = "0.3.0"

// Store is the persistence used by the HTTP handlers
type Store interface {
	InsertDocument(ctx context.Context, doc *store.Document) error
	GetDocument(ctx context.Context, id int64) (*store.Document, error)
	GetDocuments(ctx context.Context, ids []int64) ([]*store.Document, error)
	ListDocuments(ctx context.Context, limit int) ([]*store.Document, error)
	DeleteDocument(ctx context.Context, id int64) error
	GetAnalysis(ctx context.Context, id int64) (*store.Analysis, error)
	DeleteAnalysis(ctx context.Context, id int64) error
	GetStats(ctx context.Context) (*store.Stats, error)
}

// TextSource returns the extracted text of a document
type TextSource interface {
	Read(ctx context.Context, doc *store.Document) (string, error)
}

// TextCache drops cached text of deleted documents and reports hit rates
type TextCache interface {
	Delete(ctx context.Context, docID int64) error
	GetStats(ctx context.Context) (*cache.CacheStats, error)
}

// JobQueue accepts extraction jobs for uploaded files
type JobQueue interface {
	Enqueue(job ingest.Job) error
	GetStats() ingest.Stats
}

// AnalysisRunner starts background analyses
type AnalysisRunner interface {
	Start(ctx context.Context, req analysis.Request) (*store.Analysis, error)
}

// Hub serves the live preview websocket
type Hub interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
	GetStats() websocket.HubStats
}

// Deps are the components behind the HTTP interface. Cache and Hub may be nil.
type Deps struct {
	Store    Store
	Texts    TextSource
	Cache    TextCache
	Queue    JobQueue
	Analyses AnalysisRunner
	Hub      Hub
}

// Server represents the HTTP server
type Server struct {
	config    *config.Config
	logger    *logger.Logger
	deps      Deps
	limiter   *security.RateLimiter
	ips       *security.IPResolver
	router    *mux.Router
	server    *http.Server
	startedAt time.Time
}

// New creates a new server instance
func New(cfg *config.Config, log *logger.Logger, deps Deps) *Server {
	s := &Server{
		config:    cfg,
		logger:    log.WithComponent("server"),
		deps:      deps,
		limiter:   security.NewRateLimiter(cfg.RateLimit),
		router:    mux.NewRouter(),
		startedAt: time.Now(),
	}

	ips, err := security.NewIPResolver(cfg.Server.TrustedProxies)
	if err != nil {
		s.logger.Warn("Ignoring trusted proxies, keying clients on remote address", zap.Error(err))
	}
	s.ips = ips

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	page := web.MaskingPage(s.config.Server.WebDir)
	s.router.HandleFunc("/", page).Methods(http.MethodGet)
	s.router.HandleFunc("/masking", page).Methods(http.MethodGet)

	if s.config.WebSocket.Enabled && s.deps.Hub != nil {
		s.router.HandleFunc(s.config.WebSocket.Path, s.deps.Hub.HandleWebSocket).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/documents", s.handleListDocuments).Methods(http.MethodGet)
	api.Handle("/documents/upload", s.rateLimitMiddleware(http.HandlerFunc(s.handleUpload))).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id:[0-9]+}", s.handleGetDocument).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id:[0-9]+}/text", s.handleDocumentText).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id:[0-9]+}", s.handleDeleteDocument).Methods(http.MethodDelete)

	api.HandleFunc("/masking", s.handleMaskingData).Methods(http.MethodGet)
	api.HandleFunc("/masking/preview", s.handleMaskingPreview).Methods(http.MethodPost)

	api.Handle("/analysis/start", s.rateLimitMiddleware(http.HandlerFunc(s.handleStartAnalysis))).Methods(http.MethodPost)
	api.HandleFunc("/analysis/{id:[0-9]+}", s.handleGetAnalysis).Methods(http.MethodGet)
	api.HandleFunc("/analysis/{id:[0-9]+}", s.handleDeleteAnalysis).Methods(http.MethodDelete)
	api.Handle("/compare/start", s.rateLimitMiddleware(http.HandlerFunc(s.handleStartCompare))).Methods(http.MethodPost)

	s.router.HandleFunc("/report/{id:[0-9]+}/content", s.handleReportContent).Methods(http.MethodGet)
	s.router.HandleFunc("/report/{id:[0-9]+}/download", s.handleReportDownload).Methods(http.MethodGet)
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and sweeps idle rate limit buckets until ctx ends
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting PoliSight server",
		zap.Int("port", s.config.Server.Port),
		zap.String("model", s.config.LLM.Model),
		zap.Bool("websocket", s.config.WebSocket.Enabled),
		zap.Bool("rate_limit", s.config.RateLimit.Enabled),
	)

	if s.config.RateLimit.Enabled {
		s.limiter.StartCleanupRoutine(ctx, 30*time.Minute)
	}

	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping PoliSight server")
	return s.server.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"name":           "polisight",
		"version":        Version,
		"model":          s.config.LLM.Model,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"cache_enabled":  s.deps.Cache != nil,
	}

	if stats, err := s.deps.Store.GetStats(r.Context()); err != nil {
		s.requestLogger(r).Warn("Failed to read stats", zap.Error(err))
	} else {
		info["documents"] = stats.Documents
		info["analyses"] = stats.Analyses
		info["completed_analyses"] = stats.Completed
	}
	info["ingest"] = s.deps.Queue.GetStats()
	if s.deps.Cache != nil {
		if stats, err := s.deps.Cache.GetStats(r.Context()); err != nil {
			s.requestLogger(r).Warn("Failed to read cache stats", zap.Error(err))
		} else {
			info["cache"] = stats
		}
	}
	if s.deps.Hub != nil {
		stats := s.deps.Hub.GetStats()
		info["websocket_clients"] = stats.ActiveConnections
		info["websocket"] = stats
	}

	writeJSON(w, http.StatusOK, info)
}
