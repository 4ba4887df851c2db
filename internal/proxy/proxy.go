// Package proxy forwards gateway requests to backend services.
package proxy

import (
	"net/http"
	"strings"
	"time"
)

// Outcome is the tagged result of a forwarding attempt: either an
// upstream response or an upstream failure, never both. Dispatchers
// branch on it instead of wiring error callbacks into the transport.
type Outcome struct {
	Response *http.Response
	Err      error
}

// OK reports whether the upstream produced a response.
func (o Outcome) OK() bool {
	return o.Err == nil && o.Response != nil
}

// hop-by-hop headers must not be forwarded (RFC 7230 section 6.1).
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder sends rewritten requests to backend targets.
type Forwarder struct {
	client *http.Client
}

// NewForwarder constructs a Forwarder. The client timeout bounds the
// full upstream exchange; individual requests are additionally bounded
// by their own context.
func NewForwarder(timeout time.Duration) *Forwarder {
	return &Forwarder{
		client: &http.Client{Timeout: timeout},
	}
}

// Rewrite computes the upstream URL for an inbound path: the matched
// public prefix is stripped, the route's target prefix is prepended, and
// the query string is preserved untouched.
func Rewrite(target, targetPrefix, prefix, path, rawQuery string) string {
	stripped := strings.TrimPrefix(path, prefix)
	if stripped == "" {
		stripped = "/"
	}
	out := strings.TrimRight(target, "/") + targetPrefix + stripped
	if rawQuery != "" {
		out += "?" + rawQuery
	}
	return out
}

// Forward relays r to upstreamURL, preserving method, body, and
// end-to-end headers. The inbound request's context rides along, so a
// client disconnect cancels the upstream call.
func (f *Forwarder) Forward(r *http.Request, upstreamURL string) Outcome {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, r.Body)
	if err != nil {
		return Outcome{Err: err}
	}

	req.Header = r.Header.Clone()
	// Keep the declared length so bodied requests are not re-framed as
	// chunked on the upstream leg.
	req.ContentLength = r.ContentLength
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	if r.RemoteAddr != "" {
		req.Header.Set("X-Forwarded-For", clientHost(r.RemoteAddr))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Outcome{Err: err}
	}
	return Outcome{Response: resp}
}

func clientHost(remoteAddr string) string {
	if i := strings.LastIndex(remoteAddr, ":"); i > 0 {
		return remoteAddr[:i]
	}
	return remoteAddr
}
