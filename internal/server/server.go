// Package server exposes the relay's health and progress over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardrelay/internal/dispatch"
	"github.com/gosuda/boardrelay/internal/relay"
	"github.com/gosuda/boardrelay/internal/server/middleware"
)

// StateSource reports the relay lifecycle state.
type StateSource interface {
	State() relay.State
}

// QueueStats reports the event queue counters.
type QueueStats interface {
	Len() int
	Dropped() int
}

// DispatchStats reports dispatcher progress.
type DispatchStats interface {
	Stats() dispatch.Stats
}

// Sources bundles what the status endpoint reads. All methods must be safe
// for concurrent use.
type Sources struct {
	State      StateSource
	Queue      QueueStats
	Dispatcher DispatchStats
}

// Status is the /healthz response body.
type Status struct {
	State      string `json:"state"`
	QueueDepth int    `json:"queue_depth"`
	Dropped    int    `json:"dropped"`
	dispatch.Stats
	RateLimited uint64 `json:"rate_limited"`
}

type Options struct {
	Addr        string
	CORSOrigins []string
	// RequestsPerSecond and Burst limit each non-loopback client host, with
	// separate budgets for /healthz and /ws. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int
	// Feed, when set, is mounted under /ws.
	Feed interface{ Routes(r chi.Router) }
}

// Server is the status HTTP server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	src        Sources
	limiter    *middleware.Limiter // nil when limiting is off
}

// New creates a Server with all routes wired. ctx bounds the rate limiter's
// background cleanup.
func New(ctx context.Context, opts Options, src Sources) *Server {
	router := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(middleware.Logger)
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}).Handler)

	s := &Server{
		router: router,
		src:    src,
		httpServer: &http.Server{
			Addr:              opts.Addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	if opts.RequestsPerSecond > 0 {
		s.limiter = middleware.NewLimiter(ctx, opts.RequestsPerSecond, opts.Burst)
	}

	router.With(s.budget("health")).Get("/healthz", s.handleHealth)
	if opts.Feed != nil {
		router.Route("/ws", func(r chi.Router) {
			r.Use(s.budget("feed"))
			opts.Feed.Routes(r)
		})
	}

	return s
}

func (s *Server) budget(name string) func(http.Handler) http.Handler {
	if s.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.limiter.Budget(name)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Snapshot collects the current status.
func (s *Server) Snapshot() Status {
	st := Status{State: relay.StateIdle.String()}
	if s.src.State != nil {
		st.State = s.src.State.State().String()
	}
	if s.src.Queue != nil {
		st.QueueDepth = s.src.Queue.Len()
		st.Dropped = s.src.Queue.Dropped()
	}
	if s.src.Dispatcher != nil {
		st.Stats = s.src.Dispatcher.Stats()
	}
	if s.limiter != nil {
		st.RateLimited = s.limiter.Rejected()
	}
	return st
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.Snapshot()

	code := http.StatusServiceUnavailable
	if st.State == relay.StateRunning.String() {
		code = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(st); err != nil {
		log.Warn().Err(err).Msg("encode health response")
	}
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}
