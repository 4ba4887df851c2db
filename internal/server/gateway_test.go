package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teamboard/gateway/internal/authclient"
	"github.com/teamboard/gateway/internal/config"
	"github.com/teamboard/gateway/internal/proxy"
	"github.com/teamboard/gateway/internal/ratelimit"
)

// fakeClock drives the limiter in tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeVerifier is a canned TokenVerifier.
type fakeVerifier struct {
	principal *authclient.Principal
	err       error
	calls     atomic.Int64
}

func (f *fakeVerifier) Verify(_ context.Context, _ string) (*authclient.Principal, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.principal, nil
}

type gatewayFixture struct {
	srv   *Server
	clock *fakeClock
}

func newGateway(t *testing.T, routes []config.RouteConfig, global ratelimit.Policy, verifier TokenVerifier) *gatewayFixture {
	t.Helper()

	clock := newFakeClock()
	store := ratelimit.NewMemoryStore(0)
	t.Cleanup(func() { _ = store.Close() })
	limiter := ratelimit.NewLimiter(store, ratelimit.WithClock(clock.Now))

	table, err := NewRouteTable(routes)
	if err != nil {
		t.Fatalf("NewRouteTable: %v", err)
	}

	srv := New(0, Deps{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Table:       table,
		Limiter:     limiter,
		GlobalLimit: global,
		Verifier:    verifier,
		Forwarder:   proxy.NewForwarder(2 * time.Second),
	})
	return &gatewayFixture{srv: srv, clock: clock}
}

func (g *gatewayFixture) do(method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	g.srv.Router.ServeHTTP(rec, req)
	return rec
}

func looseGlobal() ratelimit.Policy {
	return ratelimit.Policy{Window: 15 * time.Minute, Max: 1000, Message: "Too many requests"}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var body apiError
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func okBackend(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true}`)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestUnmatchedPathReturns404(t *testing.T) {
	g := newGateway(t, config.DefaultRoutes("http://127.0.0.1:1"), looseGlobal(), &fakeVerifier{})

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		rec := g.do(method, "/api/unknown/thing", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: status = %d, want 404", method, rec.Code)
		}
		body := decodeError(t, rec)
		if body.Error != "Not Found" {
			t.Errorf("%s: error = %q", method, body.Error)
		}
		if body.Message == "" {
			t.Errorf("%s: message missing", method)
		}
	}
}

func TestProtectedRouteWithoutTokenNeverHitsBackend(t *testing.T) {
	var hits atomic.Int64
	backend := okBackend(t, &hits)

	routes := []config.RouteConfig{
		{Name: "users", Prefix: "/api/users", Target: backend.URL, AuthRequired: true,
			Limit: config.LimitConfig{Window: 15 * time.Minute, Max: 500}},
	}
	verifier := &fakeVerifier{principal: &authclient.Principal{ID: "u1"}}
	g := newGateway(t, routes, looseGlobal(), verifier)

	rec := g.do(http.MethodGet, "/api/users/me", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if body := decodeError(t, rec); body.Error != "No token provided" {
		t.Errorf("error = %q", body.Error)
	}
	if hits.Load() != 0 {
		t.Error("backend was called despite missing token")
	}
	if verifier.calls.Load() != 0 {
		t.Error("auth service was called despite missing token")
	}
}

func TestProtectedRouteWithInvalidTokenNeverHitsBackend(t *testing.T) {
	var hits atomic.Int64
	backend := okBackend(t, &hits)

	routes := []config.RouteConfig{
		{Name: "users", Prefix: "/api/users", Target: backend.URL, AuthRequired: true,
			Limit: config.LimitConfig{Window: 15 * time.Minute, Max: 500}},
	}
	verifier := &fakeVerifier{err: authclient.ErrInvalidToken}
	g := newGateway(t, routes, looseGlobal(), verifier)

	rec := g.do(http.MethodGet, "/api/users/me", map[string]string{"Authorization": "Bearer bad"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if body := decodeError(t, rec); body.Error != "Invalid token" {
		t.Errorf("error = %q", body.Error)
	}
	if hits.Load() != 0 {
		t.Error("backend was called despite invalid token")
	}
}

func TestAuthServiceOutageFailsClosed(t *testing.T) {
	var hits atomic.Int64
	backend := okBackend(t, &hits)

	routes := []config.RouteConfig{
		{Name: "users", Prefix: "/api/users", Target: backend.URL, AuthRequired: true,
			Limit: config.LimitConfig{Window: 15 * time.Minute, Max: 500}},
	}
	verifier := &fakeVerifier{err: authclient.ErrUnavailable}
	g := newGateway(t, routes, looseGlobal(), verifier)

	rec := g.do(http.MethodGet, "/api/users/me", map[string]string{"Authorization": "Bearer tok"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if body := decodeError(t, rec); body.Error != "Auth service unavailable" {
		t.Errorf("error = %q", body.Error)
	}
	if hits.Load() != 0 {
		t.Error("backend was called while verification was impossible")
	}
}

func TestAuthRouteBypassesTokenCheck(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"access_token":"t"}`)
	}))
	t.Cleanup(backend.Close)

	routes := []config.RouteConfig{
		{Name: "auth", Prefix: "/api/auth", Target: backend.URL, TargetPrefix: "/auth",
			Limit: config.LimitConfig{Window: 15 * time.Minute, Max: 100}},
	}
	verifier := &fakeVerifier{err: authclient.ErrInvalidToken}
	g := newGateway(t, routes, looseGlobal(), verifier)

	// No Authorization header: the request must still reach the backend.
	rec := g.do(http.MethodPost, "/api/auth/login", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotPath != "/auth/login" {
		t.Errorf("backend path = %q, want /auth/login", gotPath)
	}
	if verifier.calls.Load() != 0 {
		t.Error("verifier called on the auth route")
	}
}

func TestTrailingSlashNormalization(t *testing.T) {
	var gotPaths []string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(backend.Close)

	routes := []config.RouteConfig{
		{Name: "auth", Prefix: "/api/auth", Target: backend.URL, TargetPrefix: "/auth",
			Limit: config.LimitConfig{Window: 15 * time.Minute, Max: 100}},
	}
	g := newGateway(t, routes, looseGlobal(), &fakeVerifier{})

	for _, p := range []string{"/api/auth/login", "/api/auth/login/"} {
		if rec := g.do(http.MethodPost, p, nil); rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, want 200", p, rec.Code)
		}
	}
	if len(gotPaths) != 2 || gotPaths[0] != gotPaths[1] {
		t.Errorf("backend paths = %v, want identical", gotPaths)
	}
}

func TestAuthRouteRateLimitScenario(t *testing.T) {
	backend := okBackend(t, nil)

	routes := []config.RouteConfig{
		{Name: "auth", Prefix: "/api/auth", Target: backend.URL, TargetPrefix: "/auth",
			Limit: config.LimitConfig{Window: 15 * time.Minute, Max: 3, Message: "Too many authentication attempts"}},
	}
	g := newGateway(t, routes, looseGlobal(), &fakeVerifier{})

	// Four login attempts in one window: [200, 200, 200, 429].
	var codes []int
	for i := 0; i < 4; i++ {
		codes = append(codes, g.do(http.MethodPost, "/api/auth/login", nil).Code)
	}
	want := []int{200, 200, 200, 429}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("codes = %v, want %v", codes, want)
		}
	}

	rec := g.do(http.MethodPost, "/api/auth/login", nil)
	body := decodeError(t, rec)
	if body.Error != "Too many authentication attempts" {
		t.Errorf("error = %q", body.Error)
	}
	if body.Status != http.StatusTooManyRequests {
		t.Errorf("status field = %d, want 429", body.Status)
	}
}

func TestRouteLimitBoundaryAndWindowReset(t *testing.T) {
	backend := okBackend(t, nil)

	routes := []config.RouteConfig{
		{Name: "auth", Prefix: "/api/auth", Target: backend.URL, TargetPrefix: "/auth",
			Limit: config.LimitConfig{Window: 15 * time.Minute, Max: 5}},
	}
	g := newGateway(t, routes, looseGlobal(), &fakeVerifier{})

	// Requests 1-5 succeed, request 6 is rejected.
	for i := 1; i <= 5; i++ {
		if rec := g.do(http.MethodPost, "/api/auth/login", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, rec.Code)
		}
	}
	if rec := g.do(http.MethodPost, "/api/auth/login", nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("request 6: status = %d, want 429", rec.Code)
	}

	// After the window elapses the same client passes again.
	g.clock.Advance(15 * time.Minute)
	if rec := g.do(http.MethodPost, "/api/auth/login", nil); rec.Code != http.StatusOK {
		t.Fatalf("post-reset request: status = %d, want 200", rec.Code)
	}
}

func TestGlobalRateLimitAppliesBeforeRouting(t *testing.T) {
	backend := okBackend(t, nil)

	routes := []config.RouteConfig{
		{Name: "auth", Prefix: "/api/auth", Target: backend.URL, TargetPrefix: "/auth",
			Limit: config.LimitConfig{Window: 15 * time.Minute, Max: 100}},
	}
	global := ratelimit.Policy{Window: 15 * time.Minute, Max: 2, Message: "Too many requests"}
	g := newGateway(t, routes, global, &fakeVerifier{})

	g.do(http.MethodGet, "/health", nil)
	g.do(http.MethodPost, "/api/auth/login", nil)

	// The global ceiling also covers unmatched paths and health checks.
	rec := g.do(http.MethodGet, "/does/not/exist", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if body := decodeError(t, rec); body.Error != "Too many requests" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestUpstreamFailureReturnsGenericMessage(t *testing.T) {
	routes := []config.RouteConfig{
		{Name: "users", Prefix: "/api/users", Target: "http://127.0.0.1:1", AuthRequired: true,
			Limit: config.LimitConfig{Window: 15 * time.Minute, Max: 500}},
	}
	verifier := &fakeVerifier{principal: &authclient.Principal{ID: "u1"}}
	g := newGateway(t, routes, looseGlobal(), verifier)

	rec := g.do(http.MethodGet, "/api/users/me", map[string]string{"Authorization": "Bearer tok"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if body := decodeError(t, rec); body.Error != "Service unavailable" {
		t.Errorf("error = %q", body.Error)
	}
	// The raw connection error never reaches the client.
	if strings.Contains(rec.Body.String(), "refused") || strings.Contains(rec.Body.String(), "127.0.0.1") {
		t.Errorf("upstream detail leaked: %s", rec.Body.String())
	}
}

func TestAuthRouteOutageMessage(t *testing.T) {
	routes := []config.RouteConfig{
		{Name: "auth", Prefix: "/api/auth", Target: "http://127.0.0.1:1", TargetPrefix: "/auth",
			Limit: config.LimitConfig{Window: 15 * time.Minute, Max: 100}},
	}
	g := newGateway(t, routes, looseGlobal(), &fakeVerifier{})

	rec := g.do(http.MethodPost, "/api/auth/login", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if body := decodeError(t, rec); body.Error != "Auth service unavailable" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestVerifiedRequestInjectsUserHeader(t *testing.T) {
	backend := okBackend(t, nil)

	// A real verifier client against a mocked auth service, end to end.
	authSvc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/verify" {
			t.Errorf("auth service path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"valid":true,"user":{"id":"u1","email":"ada@example.com"}}`)
	}))
	t.Cleanup(authSvc.Close)

	routes := []config.RouteConfig{
		{Name: "users", Prefix: "/api/users", Target: backend.URL, AuthRequired: true,
			Limit: config.LimitConfig{Window: 15 * time.Minute, Max: 500}},
	}
	g := newGateway(t, routes, looseGlobal(), authclient.New(authSvc.URL))

	rec := g.do(http.MethodGet, "/api/users/me", map[string]string{"Authorization": "Bearer good"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-User-ID"); got != "u1" {
		t.Errorf("X-User-ID = %q, want u1", got)
	}
	if got := rec.Header().Get("X-Powered-By"); got != poweredByHeader {
		t.Errorf("X-Powered-By = %q", got)
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Errorf("body altered: %s", rec.Body.String())
	}
}

func TestPreflightAnsweredAtGateway(t *testing.T) {
	var hits atomic.Int64
	backend := okBackend(t, &hits)

	routes := []config.RouteConfig{
		{Name: "users", Prefix: "/api/users", Target: backend.URL, AuthRequired: true,
			Limit: config.LimitConfig{Window: 15 * time.Minute, Max: 500}},
	}
	verifier := &fakeVerifier{err: authclient.ErrInvalidToken}
	g := newGateway(t, routes, looseGlobal(), verifier)

	rec := g.do(http.MethodOptions, "/api/users/me", map[string]string{
		"Origin":                        "http://localhost:3000",
		"Access-Control-Request-Method": http.MethodGet,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
	// Preflights never reach the backend or the auth service.
	if hits.Load() != 0 {
		t.Error("backend saw the preflight")
	}
	if verifier.calls.Load() != 0 {
		t.Error("verifier saw the preflight")
	}
}

func TestBrowserRequestGetsCORSHeader(t *testing.T) {
	backend := okBackend(t, nil)

	routes := []config.RouteConfig{
		{Name: "auth", Prefix: "/api/auth", Target: backend.URL, TargetPrefix: "/auth",
			Limit: config.LimitConfig{Window: 15 * time.Minute, Max: 100}},
	}
	g := newGateway(t, routes, looseGlobal(), &fakeVerifier{})

	rec := g.do(http.MethodPost, "/api/auth/login", map[string]string{"Origin": "http://localhost:3000"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestGlobalLimiterEmitsRateLimitHeaders(t *testing.T) {
	g := newGateway(t, config.DefaultRoutes("http://127.0.0.1:1"), looseGlobal(), &fakeVerifier{})

	rec := g.do(http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("RateLimit-Limit"); got != "1000" {
		t.Errorf("RateLimit-Limit = %q, want 1000", got)
	}
	if got := rec.Header().Get("RateLimit-Remaining"); got != "999" {
		t.Errorf("RateLimit-Remaining = %q, want 999", got)
	}
}

func TestUpstreamCannotOverrideGatewayHeaders(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", "forged")
		w.Header().Set("RateLimit-Limit", "9999")
		w.Header().Set("X-Service", "orders")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(backend.Close)

	routes := []config.RouteConfig{
		{Name: "auth", Prefix: "/api/auth", Target: backend.URL, TargetPrefix: "/auth",
			Limit: config.LimitConfig{Window: 15 * time.Minute, Max: 100}},
	}
	g := newGateway(t, routes, looseGlobal(), &fakeVerifier{})

	rec := g.do(http.MethodPost, "/api/auth/login", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	if ids := rec.Header().Values("X-Request-ID"); len(ids) != 1 || ids[0] == "forged" {
		t.Errorf("X-Request-ID = %v, want the gateway's single value", ids)
	}
	if limits := rec.Header().Values("RateLimit-Limit"); len(limits) != 1 || limits[0] != "100" {
		t.Errorf("RateLimit-Limit = %v, want [100]", limits)
	}
	// Upstream headers the gateway does not set still pass through.
	if got := rec.Header().Get("X-Service"); got != "orders" {
		t.Errorf("X-Service = %q, want orders", got)
	}
}

func TestRateLimitHeadersOnAllowedResponses(t *testing.T) {
	backend := okBackend(t, nil)

	routes := []config.RouteConfig{
		{Name: "auth", Prefix: "/api/auth", Target: backend.URL, TargetPrefix: "/auth",
			Limit: config.LimitConfig{Window: 15 * time.Minute, Max: 100}},
	}
	g := newGateway(t, routes, looseGlobal(), &fakeVerifier{})

	rec := g.do(http.MethodPost, "/api/auth/login", nil)
	if rec.Header().Get("RateLimit-Limit") != "100" {
		t.Errorf("RateLimit-Limit = %q", rec.Header().Get("RateLimit-Limit"))
	}
	if rec.Header().Get("RateLimit-Remaining") != "99" {
		t.Errorf("RateLimit-Remaining = %q", rec.Header().Get("RateLimit-Remaining"))
	}
}

func TestHealthEndpoint(t *testing.T) {
	g := newGateway(t, config.DefaultRoutes("http://127.0.0.1:1"), looseGlobal(), &fakeVerifier{})

	rec := g.do(http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Status    string   `json:"status"`
		Timestamp string   `json:"timestamp"`
		Services  []string `json:"services"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if body.Status != "healthy" {
		t.Errorf("status = %q", body.Status)
	}
	if _, err := time.Parse(time.RFC3339, body.Timestamp); err != nil {
		t.Errorf("timestamp %q not RFC3339: %v", body.Timestamp, err)
	}
	want := []string{"auth", "users", "products", "orders"}
	if len(body.Services) != len(want) {
		t.Fatalf("services = %v, want %v", body.Services, want)
	}
	for i := range want {
		if body.Services[i] != want[i] {
			t.Errorf("services[%d] = %q, want %q", i, body.Services[i], want[i])
		}
	}
}

func TestQueryStringPreserved(t *testing.T) {
	var gotQuery string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(backend.Close)

	routes := []config.RouteConfig{
		{Name: "auth", Prefix: "/api/auth", Target: backend.URL, TargetPrefix: "/auth",
			Limit: config.LimitConfig{Window: 15 * time.Minute, Max: 100}},
	}
	g := newGateway(t, routes, looseGlobal(), &fakeVerifier{})

	rec := g.do(http.MethodGet, "/api/auth/sessions?page=2&sort=desc", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gotQuery != "page=2&sort=desc" {
		t.Errorf("query = %q", gotQuery)
	}
}
