// Package registryapi wires the Index, Storage, Auth, and publish
// orchestrator contracts to the fixed upstream-compatible HTTP surface: the
// sparse index, download, publish, yank, ownership, and search routes.
package registryapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/spokehub/registry/pkg/auth"
	"github.com/spokehub/registry/pkg/audit"
	"github.com/spokehub/registry/pkg/httputil"
	"github.com/spokehub/registry/pkg/index"
	"github.com/spokehub/registry/pkg/observability"
	"github.com/spokehub/registry/pkg/publish"
	"github.com/spokehub/registry/pkg/ratelimit"
	"github.com/spokehub/registry/pkg/registry"
	"github.com/spokehub/registry/pkg/tarball"
)

// Server holds the assembled backend contracts and routes the HTTP surface to
// them. It is safe for concurrent use; all state either is read-only after
// construction or guarded by its own synchronization.
type Server struct {
	Index   index.Index
	Storage tarball.Storage
	Auth    auth.Auth
	Orch    *publish.Orchestrator
	Audit   audit.Store

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Health  *observability.HealthChecker

	MaxCrateSize      int64
	AuthRequired      bool
	AllowRegistration bool
	RequestTimeout    time.Duration
	PublishTimeout    time.Duration
	PublishLimiter    *ratelimit.Limiter
	SearchLimiter     *ratelimit.Limiter

	router   *mux.Router
	draining int32
}

// NewServer constructs a Server and wires the full route table, including
// the ambient health, readiness, and audit routes.
func NewServer(s *Server) *Server {
	s.router = mux.NewRouter()
	if s.Health == nil {
		s.Health = s.buildHealthChecker()
	}
	s.setupRoutes()
	return s
}

// buildHealthChecker assembles a DependencyCheck per backend contract this
// server actually holds: Storage always, the Index and Auth backends only when
// they implement index.HealthChecker or auth.HealthChecker — the OIDC and
// permissive Auth backends have no backing store and are skipped.
func (s *Server) buildHealthChecker() *observability.HealthChecker {
	var checks []observability.DependencyCheck
	if s.Storage != nil {
		checks = append(checks, observability.DependencyCheck{Name: "storage", Fn: s.Storage.HealthCheck})
	}
	if checker, ok := s.Index.(index.HealthChecker); ok {
		checks = append(checks, observability.DependencyCheck{Name: "index", Fn: checker.HealthCheck})
	}
	if checker, ok := s.Auth.(auth.HealthChecker); ok {
		checks = append(checks, observability.DependencyCheck{Name: "auth", Fn: checker.HealthCheck})
	}
	return observability.NewHealthChecker(checks...)
}

// Router exposes the assembled mux.Router, e.g. so cmd/registry can wrap it in
// an *http.Server.
func (s *Server) Router() http.Handler {
	return s.withMiddleware(s.router)
}

// BeginDraining flips the atomic flag checked by drainingMiddleware, causing
// every new request to receive 503 ShuttingDown while in-flight requests are
// still allowed to finish under the caller's own shutdown deadline.
func (s *Server) BeginDraining() {
	atomic.StoreInt32(&s.draining, 1)
}

func (s *Server) isDraining() bool {
	return atomic.LoadInt32(&s.draining) == 1
}

func (s *Server) setupRoutes() {
	r := s.router

	r.HandleFunc("/index/config.json", s.handleIndexConfig).Methods(http.MethodGet)
	r.HandleFunc("/index/{prefix:.+}/{name}", s.handleSparseIndex).Methods(http.MethodGet)
	r.HandleFunc("/downloads/{name}/{version}", s.handleDownload).Methods(http.MethodGet)

	r.Handle("/api/v1/crates/new", s.rateLimited(s.PublishLimiter, s.bodySizeCap(s.handlePublish))).Methods(http.MethodPut)
	r.HandleFunc("/api/v1/crates/{name}/{version}/yank", s.handleYank(true)).Methods(http.MethodDelete)
	r.HandleFunc("/api/v1/crates/{name}/{version}/unyank", s.handleYank(false)).Methods(http.MethodPut)

	r.HandleFunc("/api/v1/crates/{name}/owners", s.handleListOwners).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/crates/{name}/owners", s.handleAddOwners).Methods(http.MethodPut)
	r.HandleFunc("/api/v1/crates/{name}/owners", s.handleRemoveOwners).Methods(http.MethodDelete)

	r.Handle("/api/v1/crates", s.rateLimited(s.SearchLimiter, s.handleSearch)).Methods(http.MethodGet)
	r.HandleFunc("/me", s.handleMe).Methods(http.MethodGet)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.Health.Readiness).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/audit", s.handleAudit).Methods(http.MethodGet)
}

// withMiddleware wraps the router with the ambient request-surface layers,
// outermost first: request-id assignment, panic recovery, draining check,
// Prometheus instrumentation.
func (s *Server) withMiddleware(h http.Handler) http.Handler {
	if s.Metrics != nil {
		h = observability.HTTPMetricsMiddleware(s.Metrics)(h)
	}
	h = s.drainingMiddleware(h)
	h = s.recoveryMiddleware(h)
	h = s.requestIDMiddleware(h)
	return h
}

// requestIDMiddleware assigns each request a correlation id (honoring one an
// upstream proxy already set), echoes it back in the response, and threads it
// through the context so backend-layer log lines can be joined to the request.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(observability.WithRequestID(r.Context(), id)))
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.Logger.WithContext(r.Context()).WithField("panic", rec).WithField("path", r.URL.Path).Error("panic recovered in handler")
				httputil.WriteErrorMessage(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) drainingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.isDraining() {
			httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bodySizeCap caps the publish route's request body at MaxCrateSize plus
// slack for the framing overhead and metadata JSON.
func (s *Server) bodySizeCap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := s.MaxCrateSize + (2 << 20)
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next(w, r)
	}
}

func (s *Server) rateLimited(limiter *ratelimit.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if limiter == nil {
			next(w, r)
			return
		}
		key := rateLimitKey(r)
		if !limiter.Allow(key) {
			w.Header().Set("Retry-After", strconv.Itoa(int(limiter.Window().Seconds())))
			httputil.WriteErrorMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func rateLimitKey(r *http.Request) string {
	if tok := bearerToken(r); tok != "" {
		return "token:" + tok
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return "ip:" + fwd
	}
	return "ip:" + r.RemoteAddr
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return h
}

// writeError maps a registry.Error (or an opaque error) to its HTTP status,
// in the one place the taxonomy is supposed to live.
func writeError(w http.ResponseWriter, err error) {
	kind := registry.KindOf(err)
	status := statusForKind(kind)
	httputil.WriteErrorMessage(w, status, err.Error())
}

func statusForKind(kind registry.Kind) int {
	switch kind {
	case registry.KindBadRequest:
		return http.StatusBadRequest
	case registry.KindUnauthorized:
		return http.StatusUnauthorized
	case registry.KindForbidden:
		return http.StatusForbidden
	case registry.KindNotFound:
		return http.StatusNotFound
	case registry.KindVersionExists, registry.KindConflict:
		return http.StatusConflict
	case registry.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case registry.KindShuttingDown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// requestTimeout is the per-request deadline: RequestTimeout, or 60s when unset.
func (s *Server) requestTimeout() time.Duration {
	if s.RequestTimeout > 0 {
		return s.RequestTimeout
	}
	return 60 * time.Second
}

// requestContext attaches the request-scoped wall-clock deadline.
func requestContext(r *http.Request, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return context.WithTimeout(r.Context(), timeout)
}
