// Package ga4gh implements passport and visa handling per the GA4GH AAI
// embedded-token rules: key resolution against issuer key sets, visa
// signature and claim validation, and unverified peeks used before trust is
// established.
package ga4gh

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"visabroker/internal/idp"
	"visabroker/internal/platform/metrics"
	"visabroker/pkg/platform/sentinel"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

type cacheKey struct {
	issuer string
	kid    string
}

type cacheEntry struct {
	key       any
	fetchedAt time.Time
}

// KeyCache maps (issuer, key-id) to a verification key. Entries are fetched
// lazily from the issuer's published key set on cache miss and are then
// immutable for the process lifetime; key rotation adds new key-ids rather
// than mutating existing ones. Concurrent misses for the same pair may race
// to fetch; last write wins, which is harmless since a key-id's key does not
// change.
//
// The cache is passed explicitly into each validation call so tests stay
// free of hidden shared state.
type KeyCache struct {
	client    *http.Client
	discovery *idp.DiscoveryCache
	metrics   *metrics.Metrics

	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
}

// NewKeyCache builds a key cache. A nil client gets a default with a bounded
// timeout; metrics may be nil.
func NewKeyCache(client *http.Client, discovery *idp.DiscoveryCache, m *metrics.Metrics) *KeyCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if discovery == nil {
		discovery = idp.NewDiscoveryCache(client)
	}
	return &KeyCache{
		client:    client,
		discovery: discovery,
		metrics:   m,
		entries:   make(map[cacheKey]cacheEntry),
	}
}

// Resolve returns the verification key for (issuer, kid), fetching the
// issuer's key set on cache miss. Returns sentinel.ErrNotFound (wrapped) when
// the issuer's key set was fetched but does not contain the key-id.
func (c *KeyCache) Resolve(ctx context.Context, issuer, kid string) (any, error) {
	k := cacheKey{issuer: issuer, kid: kid}

	c.mu.RLock()
	entry, ok := c.entries[k]
	c.mu.RUnlock()
	if ok {
		return entry.key, nil
	}

	doc, err := c.discovery.Get(ctx, idp.WellKnownURL(issuer))
	if err != nil {
		return nil, fmt.Errorf("discover key set for %s: %w", issuer, err)
	}
	if doc.JWKSURI == "" {
		return nil, fmt.Errorf("issuer %s publishes no jwks_uri", issuer)
	}

	raw, err := c.fetchKey(ctx, doc.JWKSURI, kid)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[k] = cacheEntry{key: raw, fetchedAt: time.Now()}
	c.mu.Unlock()
	return raw, nil
}

func (c *KeyCache) fetchKey(ctx context.Context, jwksURL, kid string) (any, error) {
	c.metrics.ObserveKeySetFetch()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build JWKS request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", jwksURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: HTTP %d", jwksURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read key set: %w", err)
	}
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse key set: %w", err)
	}

	key, found := set.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key id %q not in key set %s: %w", kid, jwksURL, sentinel.ErrNotFound)
	}
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("export key %q: %w", kid, err)
	}
	return raw, nil
}
