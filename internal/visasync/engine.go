// Package visasync replaces a user's persisted visas with freshly fetched,
// freshly validated ones from a federated identity provider.
package visasync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"visabroker/internal/ga4gh"
	"visabroker/internal/idp"
	"visabroker/internal/platform/metrics"
	"visabroker/internal/storage"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ReplaceScope controls which visas the pre-fetch clear removes.
type ReplaceScope int

const (
	// ReplaceAll clears the user's entire visa set before fetching. This is
	// the historical behavior: visas from other federations are cleared too.
	ReplaceAll ReplaceScope = iota
	// ReplaceProvider clears only visas the syncing provider ingested,
	// preserving other federations' visas.
	ReplaceProvider
)

// Engine orchestrates one user's visa synchronization:
// clear, fetch token, fetch user-info, extract, validate each, persist.
type Engine struct {
	provider  idp.Provider
	visas     storage.VisaStore
	validator *ga4gh.Validator
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	replaceScope ReplaceScope
	maxAttempts  uint
	initialDelay time.Duration
	userTimeout  time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithReplaceScope selects wholesale or provider-scoped clearing.
func WithReplaceScope(scope ReplaceScope) Option {
	return func(e *Engine) { e.replaceScope = scope }
}

// WithRetry bounds the retry policy around the provider fetch steps.
func WithRetry(maxAttempts uint, initialDelay time.Duration) Option {
	return func(e *Engine) {
		if maxAttempts > 0 {
			e.maxAttempts = maxAttempts
		}
		if initialDelay > 0 {
			e.initialDelay = initialDelay
		}
	}
}

// WithUserTimeout caps one user's whole sync, on top of per-attempt
// timeouts, so an unreachable provider cannot stall a bulk run.
func WithUserTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.userTimeout = d
		}
	}
}

func NewEngine(
	provider idp.Provider,
	visas storage.VisaStore,
	validator *ga4gh.Validator,
	logger *slog.Logger,
	m *metrics.Metrics,
	opts ...Option,
) *Engine {
	e := &Engine{
		provider:     provider,
		visas:        visas,
		validator:    validator,
		logger:       logger,
		metrics:      m,
		tracer:       otel.Tracer("visabroker/visasync"),
		replaceScope: ReplaceAll,
		maxAttempts:  5,
		initialDelay: time.Second,
		userTimeout:  2 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SyncUserVisas replaces the user's visa set with freshly validated visas.
//
// The clear happens eagerly, before any network call: a failed or crashed
// sync leaves the user visa-less rather than holding stale grants. Token and
// user-info retrieval are the only network-dependent steps and the only ones
// retried; visa-level validation failures discard single visas and never
// fail the sync. Exhausted retries fail the whole sync for this user and
// propagate so a bulk caller can record it and continue.
func (e *Engine) SyncUserVisas(ctx context.Context, user *storage.User, cache *ga4gh.KeyCache) (err error) {
	ctx, cancel := context.WithTimeout(ctx, e.userTimeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "SyncUserVisas",
		trace.WithAttributes(attribute.String("user", user.Username)))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	if err := e.clearVisas(ctx, user); err != nil {
		e.metrics.ObserveSync(false)
		return fmt.Errorf("clear visas for %s: %w", user.Username, err)
	}

	userinfo, err := e.fetchUserInfo(ctx, user)
	if err != nil {
		e.metrics.ObserveSync(false)
		return fmt.Errorf("could not retrieve visas for %s: %w", user.Username, err)
	}

	encodedVisas := e.provider.EncodedVisas(userinfo)

	accepted := 0
	for _, encoded := range encodedVisas {
		decoded, err := e.validator.Validate(ctx, encoded, cache)
		if err != nil {
			// Discard this visa only; the rest of the batch proceeds.
			e.logger.ErrorContext(ctx, "visa failed validation, discarding", "user", user.Username, "error", err)
			continue
		}
		visa := &storage.Visa{
			UserID:   user.ID,
			Encoded:  decoded.Encoded,
			Provider: e.provider.Name(),
			Source:   decoded.Source,
			Type:     decoded.Type,
			Asserted: decoded.Asserted,
			Expires:  decoded.Expires,
		}
		// One commit per accepted visa: a late failure preserves the visas
		// already persisted.
		if err := e.visas.Create(ctx, visa); err != nil {
			e.metrics.ObserveSync(false)
			return fmt.Errorf("persist visa for %s: %w", user.Username, err)
		}
		accepted++
	}

	e.metrics.ObserveSync(true)
	e.logger.InfoContext(ctx, "visa sync complete",
		"user", user.Username, "fetched", len(encodedVisas), "accepted", accepted)
	return nil
}

func (e *Engine) clearVisas(ctx context.Context, user *storage.User) error {
	if e.replaceScope == ReplaceProvider {
		return e.visas.DeleteByUserAndProvider(ctx, user.ID, e.provider.Name())
	}
	return e.visas.DeleteByUser(ctx, user.ID)
}

// fetchUserInfo performs the network-dependent steps under the retry policy.
// Lower layers do not retry on their own, so backoff never compounds.
func (e *Engine) fetchUserInfo(ctx context.Context, user *storage.User) (map[string]any, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = e.initialDelay

	operation := func() (map[string]any, error) {
		tok, err := e.provider.UserToken(ctx, user)
		if err != nil {
			return nil, err
		}
		return e.provider.UserInfo(ctx, tok)
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(e.maxAttempts),
		backoff.WithNotify(func(err error, delay time.Duration) {
			e.logger.WarnContext(ctx, "provider fetch failed, retrying",
				"user", user.Username, "delay", delay, "error", err)
		}),
	)
}
