// Package server wires the gateway's HTTP surface: middleware chain,
// route dispatch, rate limiting, token verification, and proxying.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/teamboard/gateway/internal/accesslog"
	"github.com/teamboard/gateway/internal/authclient"
	"github.com/teamboard/gateway/internal/proxy"
	"github.com/teamboard/gateway/internal/ratelimit"
)

const poweredByHeader = "Teamboard API Gateway"

// Deps carries the collaborators a Server needs. All of them are
// constructed at startup and read-only afterwards.
type Deps struct {
	Logger      *slog.Logger
	Table       *RouteTable
	Limiter     *ratelimit.Limiter
	GlobalLimit ratelimit.Policy
	Verifier    TokenVerifier
	Forwarder   *proxy.Forwarder
	AccessLog   *accesslog.Store // optional
}

type Server struct {
	Router *chi.Mux
	Port   int

	logger      *slog.Logger
	table       *RouteTable
	limiter     *ratelimit.Limiter
	globalLimit ratelimit.Policy
	verifier    TokenVerifier
	forwarder   *proxy.Forwarder
	access      *accesslog.Store

	httpServer *http.Server
}

// New assembles the middleware chain and dispatch routes.
func New(port int, deps Deps) *Server {
	s := &Server{
		Port:        port,
		logger:      deps.Logger,
		table:       deps.Table,
		limiter:     deps.Limiter,
		globalLimit: deps.GlobalLimit,
		verifier:    deps.Verifier,
		forwarder:   deps.Forwarder,
		access:      deps.AccessLog,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.forwarder == nil {
		s.forwarder = proxy.NewForwarder(30 * time.Second)
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(RecovererMiddleware(s.logger))
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "teamboard-gateway")
	})
	// Preflights are answered here, before any ceiling is consumed or
	// anything is forwarded.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(s.globalRateLimit)

	r.Get("/health", s.handleHealth)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w)
	})
	r.Handle("/*", http.HandlerFunc(s.dispatch))

	s.Router = r
	return s
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.Port),
		Handler: s.Router,
	}
	s.logger.Info("starting gateway",
		slog.Int("port", s.Port),
		slog.Any("services", s.table.Names()),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// dispatch is the top-level request handler: route match, route rate
// limit, token verification where required, forward, relay.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
	w = rec

	path := NormalizePath(r.URL.Path)
	route, ok := s.table.Match(path)
	if !ok {
		writeNotFound(w)
		s.record(r, nil, rec.statusCode, time.Since(start))
		return
	}
	AddLogField(r.Context(), "route", route.Name)

	// The route-specific ceiling fires before any auth check, so
	// unauthenticated floods (login attempts in particular) are cut
	// off without auth-service traffic.
	if !s.checkRouteLimit(w, r, route) {
		s.record(r, nil, rec.statusCode, time.Since(start))
		return
	}

	principal := PrincipalFrom(r.Context())
	if route.AuthRequired {
		p, ok := s.authenticate(w, r)
		if !ok {
			s.record(r, nil, rec.statusCode, time.Since(start))
			return
		}
		principal = p
		r = r.WithContext(withPrincipal(r.Context(), p))
		AddLogField(r.Context(), "principal_id", p.ID)
	}

	upstreamURL := proxy.Rewrite(route.Target, route.TargetPrefix, route.Prefix, path, r.URL.RawQuery)
	outcome := s.forwarder.Forward(r, upstreamURL)
	if !outcome.OK() {
		AddError(r.Context(), outcome.Err)
		writeUpstreamUnavailable(w, route.unavailableMessage)
		s.record(r, principal, rec.statusCode, time.Since(start))
		return
	}
	defer outcome.Response.Body.Close()

	// Headers the gateway already set (request ID, rate limit state,
	// CORS) win over upstream values with the same name.
	h := w.Header()
	for key, vals := range outcome.Response.Header {
		if len(h.Values(key)) > 0 {
			continue
		}
		for _, v := range vals {
			h.Add(key, v)
		}
	}
	h.Set("X-Powered-By", poweredByHeader)
	if principal != nil {
		h.Set("X-User-ID", principal.ID)
	}
	w.WriteHeader(outcome.Response.StatusCode)
	// A copy error here means the client went away mid-response; the
	// upstream read is already cancelled through the request context.
	if _, err := io.Copy(w, outcome.Response.Body); err != nil {
		AddError(r.Context(), err)
	}

	s.record(r, principal, rec.statusCode, time.Since(start))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  s.table.Names(),
	})
}

// record persists an access-log entry when the store is configured. It
// runs asynchronously off the request path; failures are logged and
// dropped.
func (s *Server) record(r *http.Request, principal *authclient.Principal, status int, duration time.Duration) {
	if s.access == nil {
		return
	}
	entry := accesslog.Entry{
		Method:     r.Method,
		Path:       r.URL.Path,
		Status:     status,
		Duration:   duration,
		RemoteAddr: clientIP(r),
	}
	if principal != nil {
		entry.PrincipalID = principal.ID
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.access.Record(ctx, entry); err != nil {
			s.logger.Warn("access log write failed", slog.String("error", err.Error()))
		}
	}()
}
