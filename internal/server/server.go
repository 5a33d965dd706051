package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wardenlabs/warden/internal/exec"
	"github.com/wardenlabs/warden/internal/inference"
	"github.com/wardenlabs/warden/internal/memstore"
	"github.com/wardenlabs/warden/internal/otel"
	"github.com/wardenlabs/warden/internal/retrieval"
	"github.com/wardenlabs/warden/internal/riskevent"
)

const defaultTimeout = 60 * time.Second

// EventLogger is the slice of *riskevent.Logger the server needs.
type EventLogger interface {
	Log(ctx context.Context, ev *riskevent.Event) error
	Sync(ctx context.Context) (int, error)
	Buffered(ctx context.Context) (int, error)
}

// EventSource lists buffered risk events. *riskevent.Buffer satisfies it.
type EventSource interface {
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]*riskevent.Event, error)
}

// Server holds all dependencies for the HTTP API.
type Server struct {
	router      *chi.Mux
	adapter     *exec.Adapter
	memoryStore *memstore.Store
	retriever   *retrieval.Engine
	embedder    inference.Client
	events      EventLogger
	eventSource EventSource
	apiKeys     map[string]string
	limiter     *tenantLimiter
	corsOrigins []string
	startTime   time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithMemoryStore enables the memory write endpoint.
func WithMemoryStore(m *memstore.Store) Option {
	return func(s *Server) { s.memoryStore = m }
}

// WithRetriever enables the memory search endpoint.
func WithRetriever(r *retrieval.Engine) Option {
	return func(s *Server) { s.retriever = r }
}

// WithEmbedder sets the inference client used to embed memory content on
// write. Without it, written items are keyword-searchable only.
func WithEmbedder(c inference.Client) Option {
	return func(s *Server) { s.embedder = c }
}

// WithEventSource enables listing buffered risk events.
func WithEventSource(src EventSource) Option {
	return func(s *Server) { s.eventSource = src }
}

// WithRateLimit sets a per-tenant token bucket of rps requests per second
// with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) { s.limiter = newTenantLimiter(rps, burst) }
}

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"]).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// NewServer builds a Server from the execution adapter, the risk-event
// logger, and the key->tenant map, plus optional Option(s).
func NewServer(adapter *exec.Adapter, events EventLogger, apiKeys map[string]string, opts ...Option) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		adapter:     adapter,
		events:      events,
		apiKeys:     apiKeys,
		corsOrigins: []string{"*"},
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	return s
}

// Routes returns the configured http.Handler (chi router with all
// middleware and routes).
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.MiddlewareWithStatus())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated
	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	// Authenticated API group
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(RateLimitMiddleware(s.limiter, s.events))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Post("/v1/execute", s.handleExecute)
		r.Post("/v1/execute/batch", s.handleExecuteBatch)

		r.Post("/v1/memory", s.handleMemoryWrite)
		r.Get("/v1/memory/search", s.handleMemorySearch)
		r.Get("/v1/memory/{id}", s.handleMemoryGet)
		r.Delete("/v1/memory/{id}", s.handleMemoryDelete)

		r.Get("/v1/events", s.handleEventsList)
		r.Post("/v1/events/sync", s.handleEventsSync)
	})

	return r
}

// CORSMiddleware sets CORS headers. allowedOrigins can be ["*"] for any.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
			break
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" {
				for _, o := range allowedOrigins {
					if o == origin {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						break
					}
				}
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Warden-Key")
			w.Header().Set("Access-Control-Max-Age", "300")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
