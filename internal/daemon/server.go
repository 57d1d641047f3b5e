package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/ratelimit"

	"github.com/felixgeelhaar/agentlens/internal/config"
	"github.com/felixgeelhaar/agentlens/internal/ingest"
	"github.com/felixgeelhaar/agentlens/internal/query"
	"github.com/felixgeelhaar/agentlens/internal/queue"
	"github.com/felixgeelhaar/agentlens/internal/sessionindex"
	"github.com/felixgeelhaar/agentlens/internal/storage/local"
	"github.com/felixgeelhaar/agentlens/internal/storage/sqlite"
)

// Server represents the agentlens daemon HTTP server
type Server struct {
	cfg     *config.LocalConfig
	paths   config.Paths
	version string
	started time.Time

	server  *http.Server
	router  *http.ServeMux
	handler http.Handler

	// Services
	db      *sqlite.DB
	store   *sqlite.InteractionStore
	index   *sessionindex.Index
	ingest  *ingest.Service
	query   *query.Service
	syncer  *Syncer
	limiter ratelimit.RateLimiter

	// Optional AMQP relay
	conn  *queue.Connection
	relay *queue.RelayConsumer

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// ServerConfig holds configuration for creating a new server
type ServerConfig struct {
	Config  *config.LocalConfig
	Paths   config.Paths
	Version string
}

// NewServer opens the store and wires the ingest and query services.
// Background work starts with Start.
func NewServer(ctx context.Context, cfg ServerConfig) (*Server, error) {
	if cfg.Config == nil {
		cfg.Config = config.DefaultLocalConfig()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		cfg:     cfg.Config,
		paths:   cfg.Paths,
		version: cfg.Version,
		started: time.Now(),
		router:  http.NewServeMux(),
	}

	for _, dir := range []string{filepath.Dir(cfg.Paths.Store), cfg.Paths.Captures, cfg.Paths.Spool} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	db, err := sqlite.Open(cfg.Paths.Store)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	s.db = db
	s.store = sqlite.NewInteractionStore(db)
	s.index = sessionindex.New(cfg.Paths.Index)

	spool, err := local.NewStore(cfg.Paths.Spool)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create spool: %w", err)
	}

	var notifier ingest.Notifier
	if cfg.Config.Queue.Enabled {
		conn, err := queue.NewConnection(cfg.Config.Queue.URL)
		if err != nil {
			slog.Warn("queue not available, relay and events disabled", "error", err)
		} else {
			s.conn = conn
			notifier = queue.NewEventPublisher(conn, queue.DefaultEventPublisherConfig())
			s.relay = queue.NewRelayConsumer(conn, cfg.Paths.Captures, queue.DefaultConsumerConfig())
		}
	}

	s.ingest = ingest.NewService(s.store, s.index, spool, notifier, ingest.ConfigFrom(cfg.Config))
	s.query = query.NewService(s.store)
	s.syncer = NewSyncer(s.ingest, cfg.Paths.Captures, cfg.Config.Sync.Interval)

	rate := cfg.Config.Replay.RatePerSecond
	if rate <= 0 {
		rate = 5
	}
	s.limiter = ratelimit.New(&ratelimit.Config{
		Rate:     rate,
		Burst:    rate * 3,
		Interval: time.Second,
	})

	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Config.Daemon.Bind, cfg.Config.Daemon.Port)
	s.handler = recoveryMiddleware(correlationIDMiddleware(loggingMiddleware(s.router)))
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// Health & status
	s.router.HandleFunc("GET /v1/health", s.handleHealth)
	s.router.HandleFunc("GET /v1/status", s.handleStatus)

	// Sessions
	s.router.HandleFunc("GET /v1/sessions", s.handleListSessions)
	s.router.HandleFunc("GET /v1/session/{id}", s.handleGetSession)
	s.router.HandleFunc("DELETE /v1/session/{id}", s.handleDeleteSession)
	s.router.HandleFunc("GET /v1/session/{id}/turns", s.handleListTurns)

	// Turns & interactions
	s.router.HandleFunc("GET /v1/turn/{session_id}/{turn_number}", s.handleGetTurn)
	s.router.HandleFunc("GET /v1/interaction/{id}", s.handleGetInteraction)

	// Replay
	s.router.Handle("POST /v1/replay", rateLimitMiddleware(s.limiter, http.HandlerFunc(s.handleReplay)))

	// Ingest
	s.router.HandleFunc("GET /v1/imports", s.handleListImports)
	s.router.HandleFunc("POST /v1/imports", s.handleImport)
	s.router.HandleFunc("POST /v1/reconcile", s.handleReconcile)
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Ingest returns the ingest service.
func (s *Server) Ingest() *ingest.Service {
	return s.ingest
}

// Query returns the query service.
func (s *Server) Query() *query.Service {
	return s.query
}

// Syncer returns the capture directory syncer.
func (s *Server) Syncer() *Syncer {
	return s.syncer
}

// StartBackground launches the syncer and, when configured, the AMQP relay.
func (s *Server) StartBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.relay != nil {
		if err := s.relay.Start(ctx); err != nil {
			slog.Warn("relay consumer not started", "error", err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.syncer.Run(ctx)
	}()
}

// Start starts background work and the HTTP server
func (s *Server) Start() error {
	s.StartBackground()
	slog.Info("starting agentlens daemon",
		"addr", s.server.Addr,
		"store", s.paths.Store,
		"captures", s.paths.Captures,
		"relay", s.relay != nil,
	)
	return s.server.ListenAndServe()
}

// Shutdown stops background work, drains HTTP requests and closes the
// store. Calls after the first are no-ops.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.shutdown(ctx)
	})
	return err
}

func (s *Server) shutdown(ctx context.Context) error {
	slog.Info("shutting down daemon...")

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.relay != nil {
		s.relay.Stop()
	}

	err := s.server.Shutdown(ctx)

	if cerr := s.limiter.Close(); cerr != nil {
		slog.Warn("failed to close rate limiter", "error", cerr)
	}
	if s.conn != nil {
		if cerr := s.conn.Close(); cerr != nil {
			slog.Warn("failed to close queue connection", "error", cerr)
		}
	}
	if cerr := s.db.Close(); cerr != nil {
		slog.Warn("failed to close store", "error", cerr)
	}
	return err
}
