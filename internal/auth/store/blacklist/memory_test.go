package blacklist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visabroker/pkg/platform/sentinel"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("blacklisted jti is reported", func(t *testing.T) {
		s := NewMemory()
		require.NoError(t, s.Blacklist(ctx, "jti-1", time.Hour))

		revoked, err := s.IsBlacklisted(ctx, "jti-1")
		require.NoError(t, err)
		assert.True(t, revoked)
	})

	t.Run("unknown jti is not revoked", func(t *testing.T) {
		s := NewMemory()
		revoked, err := s.IsBlacklisted(ctx, "never-seen")
		require.NoError(t, err)
		assert.False(t, revoked)
	})

	t.Run("lapsed retention window no longer reports revoked", func(t *testing.T) {
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		s := NewMemory(WithMemoryClock(func() time.Time { return now }))
		require.NoError(t, s.Blacklist(ctx, "jti-2", time.Minute))

		now = now.Add(2 * time.Minute)
		revoked, err := s.IsBlacklisted(ctx, "jti-2")
		require.NoError(t, err)
		assert.False(t, revoked)
	})

	t.Run("non-positive ttl is rejected", func(t *testing.T) {
		s := NewMemory()
		err := s.Blacklist(ctx, "jti-3", 0)
		assert.ErrorIs(t, err, sentinel.ErrInvalidState)
	})
}
