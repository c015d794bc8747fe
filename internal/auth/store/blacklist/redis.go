package blacklist

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var isBlacklistedDurationMs = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "visabroker_blacklist_check_duration_ms",
	Help:    "Latency of refresh-token blacklist checks in milliseconds",
	Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25},
})

const blacklistKeyPrefix = "blacklist:jti:"

// RedisStore is a Redis-backed blacklist for distributed deployments where
// multiple instances share revocation state.
type RedisStore struct {
	client *redis.Client
}

// NewRedis constructs a Redis-backed blacklist.
func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Blacklist adds a token identifier with TTL.
// Uses Redis SET with expiry for atomic set-with-expiry.
func (s *RedisStore) Blacklist(ctx context.Context, jti string, ttl time.Duration) error {
	if jti == "" {
		return nil
	}
	if err := validateTTL(ttl); err != nil {
		return err
	}
	// Store "1" as a simple marker; the key existence is what matters
	return s.client.Set(ctx, blacklistKeyPrefix+jti, "1", ttl).Err()
}

// IsBlacklisted checks the revocation list.
// Returns false if the key doesn't exist (not revoked, or retention lapsed).
func (s *RedisStore) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	start := time.Now()
	defer func() {
		isBlacklistedDurationMs.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}()

	if jti == "" {
		return false, nil
	}
	_, err := s.client.Get(ctx, blacklistKeyPrefix+jti).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
