package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/michaelbrown/jvis/internal/config"
	"github.com/michaelbrown/jvis/internal/examples"
	"github.com/michaelbrown/jvis/internal/runner"
	"github.com/michaelbrown/jvis/internal/session"
	"github.com/michaelbrown/jvis/internal/storage"
	"github.com/michaelbrown/jvis/internal/workspace"
)

// Executor starts runs on behalf of HTTP callers.
type Executor interface {
	ExecuteSingle(ctx context.Context, source, sessionID string) (runner.Result, error)
	ExecuteProject(ctx context.Context, tree []workspace.Node, entryPath, sessionID string) (runner.Result, error)
}

// Server is the HTTP and WebSocket front of the execution service.
type Server struct {
	cfg      *config.Config
	exec     Executor
	sessions *session.Registry
	store    storage.Store // nil when the run journal is disabled
	examples []examples.Example
	metrics  http.Handler
	logger   *zap.Logger
	router   chi.Router
	http     *http.Server

	// Runs outlive the request that started them; this context only ends
	// when shutdown gives up waiting.
	runCtx     context.Context
	cancelRuns context.CancelFunc
	inflight   sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithStore serves the run journal under /api/runs.
func WithStore(store storage.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithExamples serves list under /api/examples.
func WithExamples(list []examples.Example) Option {
	return func(s *Server) { s.examples = list }
}

// WithMetricsHandler exposes h under /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// New creates a new Server.
func New(cfg *config.Config, exec Executor, sessions *session.Registry, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		exec:     exec,
		sessions: sessions,
		examples: []examples.Example{},
		logger:   logger,
		router:   chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.runCtx, s.cancelRuns = context.WithCancel(context.Background())
	s.setupRoutes()
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors(s.cfg.Server.AllowedOrigins))

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)
		r.Use(middleware.RequestSize(s.cfg.Server.MaxBodyBytes))

		r.Get("/health", s.handleHealth)
		r.Get("/examples", s.handleExamples)

		r.Post("/execute", s.handleExecute)
		r.Post("/execute/project", s.handleExecuteProject)

		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
	})

	r.Get("/ws", s.handleWebSocket)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// cors answers preflight requests and tags responses for allowed origins.
// "*" allows any origin.
func cors(allowed []string) func(http.Handler) http.Handler {
	allowAll := false
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		set[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || set[origin]) {
				h := w.Header()
				if allowAll {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
				if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
					h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					h.Set("Access-Control-Allow-Headers", "Content-Type")
					h.Set("Access-Control-Max-Age", "600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http.Addr = addr

	s.logger.Info("jvis server starting", zap.String("addr", addr))
	return s.http.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight runs. Runs still
// going when ctx ends are cancelled, which kills their containers. Session
// channels are closed last.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	defer s.sessions.CloseAll()

	err := s.http.Shutdown(ctx)
	s.cancelRuns()
	s.waitRuns(runDrainTimeout)
	return err
}

// runDrainTimeout bounds how long shutdown waits for cancelled runs to
// remove their containers.
const runDrainTimeout = 15 * time.Second

func (s *Server) waitRuns(limit time.Duration) {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(limit):
		s.logger.Warn("runs still active after shutdown")
	}
}
