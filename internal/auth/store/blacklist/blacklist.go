// Package blacklist persists revoked refresh-token identifiers.
//
// Presence of a jti implies the refresh token must be rejected regardless of
// signature validity. Entries are created on logout/revocation and only ever
// appended within this core's scope.
package blacklist

import (
	"context"
	"fmt"
	"time"

	"visabroker/pkg/platform/sentinel"
)

// Store is the revocation list consulted on every refresh-token validation.
type Store interface {
	// Blacklist adds a token identifier with a retention TTL. The TTL should
	// cover the token's remaining lifetime; after that the signature check
	// rejects it anyway.
	Blacklist(ctx context.Context, jti string, ttl time.Duration) error
	// IsBlacklisted reports whether the identifier has been revoked.
	// The read is consistent within one validation call.
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
}

func validateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive: %w", sentinel.ErrInvalidState)
	}
	return nil
}
