// Package requestcontext provides HTTP-independent context accessors for request-scoped values.
//
// Context keys and getter/setter functions for values that are typically set
// by middleware but consumed by services. Keeping this package free of
// net/http lets services import only what they need.
//
// Usage in services (read values):
//
//	requestID := requestcontext.RequestID(ctx)
//	now := requestcontext.Now(ctx)
//
// Usage in middleware (set values):
//
//	ctx = requestcontext.WithRequestID(ctx, requestID)
//	ctx = requestcontext.WithAuthFailureSink(ctx)
//
// Usage in tests (inject values):
//
//	ctx = requestcontext.WithTime(ctx, fixedTime)
package requestcontext

import (
	"context"
	"sync"
	"time"
)

// Context key types (unexported for encapsulation).
type (
	usernameKey    struct{}
	requestIDKey   struct{}
	requestTimeKey struct{}
	authFailureKey struct{}
)

// Exported context keys for tests that need context.WithValue directly.
var (
	ContextKeyUsername    = usernameKey{}
	ContextKeyRequestID   = requestIDKey{}
	ContextKeyRequestTime = requestTimeKey{}
)

// Username retrieves the authenticated username from the context.
func Username(ctx context.Context) string {
	if username, ok := ctx.Value(ContextKeyUsername).(string); ok {
		return username
	}
	return ""
}

// WithUsername injects an authenticated username into the context.
func WithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, ContextKeyUsername, username)
}

// RequestID retrieves the request ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() for non-HTTP contexts (workers, CLI, tests).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}

// authFailure collects the human-readable reason a token validation failed.
// Validators report via SetAuthFailure; the transport layer reads the reason
// when rendering the uniform error response. The mutex keeps the sink safe
// when a validation call fans out.
type authFailure struct {
	mu     sync.Mutex
	reason string
}

// WithAuthFailureSink attaches an empty failure sink to the context.
// Middleware installs one per request before invoking validators.
func WithAuthFailureSink(ctx context.Context) context.Context {
	return context.WithValue(ctx, authFailureKey{}, &authFailure{})
}

// SetAuthFailure records the reason a validation failed. The first reason
// recorded wins; later calls are ignored so the root cause is preserved.
// No-op when no sink is attached (non-HTTP callers).
func SetAuthFailure(ctx context.Context, reason string) {
	sink, ok := ctx.Value(authFailureKey{}).(*authFailure)
	if !ok {
		return
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.reason == "" {
		sink.reason = reason
	}
}

// AuthFailureReason returns the recorded validation failure reason, if any.
func AuthFailureReason(ctx context.Context) string {
	sink, ok := ctx.Value(authFailureKey{}).(*authFailure)
	if !ok {
		return ""
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return sink.reason
}
