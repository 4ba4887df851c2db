package server

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/teamboard/gateway/internal/ratelimit"
)

// clientIP derives the rate-limit identity from the request's source
// address. The gateway keys counters on the peer address, not on
// spoofable forwarding headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// globalRateLimit applies the process-wide ceiling to every request,
// including health checks, before any routing decision.
func (s *Server) globalRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := s.limiter.Allow(r.Context(), "global", clientIP(r), s.globalLimit)
		if !res.Allowed {
			writeRateLimited(w, s.globalLimit.RejectionMessage())
			return
		}
		// Route-level checks overwrite these with the tighter ceiling.
		setRateLimitHeaders(w, s.globalLimit, res, s.limiter.Now())
		next.ServeHTTP(w, r)
	})
}

// checkRouteLimit applies a route's policy and writes the 429 rejection
// itself. It reports whether the request may proceed. On allowed
// requests it exposes the draft RateLimit-* headers.
func (s *Server) checkRouteLimit(w http.ResponseWriter, r *http.Request, route *Route) bool {
	res := s.limiter.Allow(r.Context(), "route:"+route.Name, clientIP(r), route.Limit)
	if !res.Allowed {
		writeRateLimited(w, route.Limit.RejectionMessage())
		return false
	}
	setRateLimitHeaders(w, route.Limit, res, s.limiter.Now())
	return true
}

func setRateLimitHeaders(w http.ResponseWriter, p ratelimit.Policy, res ratelimit.Result, now time.Time) {
	if p.Max <= 0 {
		return
	}
	h := w.Header()
	h.Set("RateLimit-Limit", strconv.Itoa(p.Max))
	h.Set("RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if !res.Reset.IsZero() {
		secs := int(res.Reset.Sub(now).Round(time.Second).Seconds())
		if secs < 0 {
			secs = 0
		}
		h.Set("RateLimit-Reset", strconv.Itoa(secs))
	}
}
