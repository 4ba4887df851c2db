package server

import (
	"fmt"
	"sort"
	"strings"

	"github.com/teamboard/gateway/internal/config"
	"github.com/teamboard/gateway/internal/ratelimit"
)

// Route is one entry of the gateway's route table.
type Route struct {
	Name         string
	Prefix       string
	Target       string
	TargetPrefix string
	AuthRequired bool
	Limit        ratelimit.Policy
	// unavailableMessage is the client-facing text used when the
	// route's backend cannot be reached. It never carries the raw
	// upstream error.
	unavailableMessage string
}

// RouteTable maps public path prefixes to backend routes. It is built
// once at startup and read-only afterwards, so lookups need no
// synchronization.
//
// Matching is longest-prefix-first on segment boundaries, which makes
// overlapping prefixes (/api/users and /api/users/admin) deterministic
// regardless of configuration order.
type RouteTable struct {
	routes []Route  // sorted by descending prefix length
	names  []string // configuration order, reported by /health
}

// NewRouteTable builds a RouteTable from configuration.
func NewRouteTable(cfgs []config.RouteConfig) (*RouteTable, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("route table: no routes configured")
	}

	t := &RouteTable{
		routes: make([]Route, 0, len(cfgs)),
		names:  make([]string, 0, len(cfgs)),
	}
	seen := make(map[string]bool, len(cfgs))
	for _, rc := range cfgs {
		prefix := strings.TrimRight(rc.Prefix, "/")
		if prefix == "" || !strings.HasPrefix(prefix, "/") {
			return nil, fmt.Errorf("route %q: invalid prefix %q", rc.Name, rc.Prefix)
		}
		if seen[prefix] {
			return nil, fmt.Errorf("route %q: duplicate prefix %q", rc.Name, prefix)
		}
		seen[prefix] = true

		unavailable := "Service unavailable"
		if rc.Name == "auth" {
			unavailable = "Auth service unavailable"
		}
		t.routes = append(t.routes, Route{
			Name:         rc.Name,
			Prefix:       prefix,
			Target:       rc.Target,
			TargetPrefix: rc.TargetPrefix,
			AuthRequired: rc.AuthRequired,
			Limit: ratelimit.Policy{
				Window:  rc.Limit.Window,
				Max:     rc.Limit.Max,
				Message: rc.Limit.Message,
			},
			unavailableMessage: unavailable,
		})
		t.names = append(t.names, rc.Name)
	}

	sort.SliceStable(t.routes, func(i, j int) bool {
		return len(t.routes[i].Prefix) > len(t.routes[j].Prefix)
	})
	return t, nil
}

// NormalizePath collapses duplicate slashes and removes trailing
// slashes, so /api/auth/login/ and /api/auth/login address the same
// route and the same upstream path.
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	var b strings.Builder
	b.Grow(len(p))
	prevSlash := false
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(p[i])
	}
	out := b.String()
	if len(out) > 1 {
		out = strings.TrimRight(out, "/")
	}
	if out == "" {
		out = "/"
	}
	return out
}

// Match finds the route whose prefix matches the (already normalized)
// path on a segment boundary. At most one route matches because prefixes
// are unique and checked longest-first.
func (t *RouteTable) Match(path string) (*Route, bool) {
	for i := range t.routes {
		r := &t.routes[i]
		if path == r.Prefix || strings.HasPrefix(path, r.Prefix+"/") {
			return r, true
		}
	}
	return nil, false
}

// Names returns route names in configuration order.
func (t *RouteTable) Names() []string {
	return t.names
}
