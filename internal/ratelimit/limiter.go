// Package ratelimit implements fixed-window request counting keyed by
// client identity. Windows are not sliding: a burst at a window boundary
// can admit up to twice the configured maximum in a short span. That is
// an accepted tradeoff for a simple, cheap counter.
package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Policy is a fixed-window ceiling for one scope (the global scope or a
// single route).
type Policy struct {
	Window  time.Duration
	Max     int
	Message string
}

// DefaultMessage is used when a policy has no configured rejection
// message.
const DefaultMessage = "Too many requests"

// RejectionMessage returns the policy's message, falling back to
// DefaultMessage.
func (p Policy) RejectionMessage() string {
	if p.Message != "" {
		return p.Message
	}
	return DefaultMessage
}

// Result describes the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// Store counts requests inside fixed windows. Incr atomically bumps the
// counter for key, starting a new window when the previous one has
// elapsed, and reports the count and the time at which the current
// window resets.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration, now time.Time) (count int, reset time.Time, err error)
	// Reset drops the counter for key. Used by tests and admin tooling.
	Reset(ctx context.Context, key string) error
}

// Limiter applies policies against a Store. The store is injected so
// tests can substitute a deterministic clock and an isolated store, and
// so multi-instance deployments can share counters through Redis.
type Limiter struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used for store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// NewLimiter constructs a Limiter over the given store.
func NewLimiter(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now reports the limiter's current time under its configured clock.
func (l *Limiter) Now() time.Time {
	return l.now()
}

// Allow checks one request from clientKey against the policy for scope.
// A non-positive Max disables the policy. On store failure the limiter
// fails open: availability wins over precision, and the failure is
// logged.
func (l *Limiter) Allow(ctx context.Context, scope, clientKey string, p Policy) Result {
	if p.Max <= 0 || p.Window <= 0 || clientKey == "" {
		return Result{Allowed: true, Remaining: p.Max}
	}

	key := scope + ":" + clientKey
	count, reset, err := l.store.Incr(ctx, key, p.Window, l.now())
	if err != nil {
		l.logger.Warn("rate limit store failure, allowing request",
			slog.String("scope", scope),
			slog.String("error", err.Error()),
		)
		return Result{Allowed: true, Remaining: p.Max}
	}

	if count > p.Max {
		return Result{Allowed: false, Remaining: 0, Reset: reset}
	}
	return Result{Allowed: true, Remaining: p.Max - count, Reset: reset}
}
