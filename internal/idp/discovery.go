package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DiscoveryDocument is the well-known configuration a provider publishes.
type DiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// WellKnownURL derives the discovery URL for an issuer.
func WellKnownURL(issuer string) string {
	return strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
}

// Discover fetches and decodes a discovery document.
func Discover(ctx context.Context, client *http.Client, discoveryURL string) (*DiscoveryDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", discoveryURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: HTTP %d", discoveryURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read discovery document: %w", err)
	}
	var doc DiscoveryDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode discovery document: %w", err)
	}
	return &doc, nil
}

// DiscoveryCache caches discovery documents per URL for the process
// lifetime. Endpoint URLs rotate far less often than keys, so there is no
// TTL; restart to pick up a moved endpoint.
type DiscoveryCache struct {
	client *http.Client

	mu   sync.Mutex
	docs map[string]*DiscoveryDocument
}

// NewDiscoveryCache builds a cache backed by the given HTTP client.
// A nil client gets a default with a bounded timeout.
func NewDiscoveryCache(client *http.Client) *DiscoveryCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &DiscoveryCache{
		client: client,
		docs:   make(map[string]*DiscoveryDocument),
	}
}

// Get returns the cached document for the URL, fetching on first use.
func (c *DiscoveryCache) Get(ctx context.Context, discoveryURL string) (*DiscoveryDocument, error) {
	c.mu.Lock()
	doc, ok := c.docs[discoveryURL]
	c.mu.Unlock()
	if ok {
		return doc, nil
	}

	doc, err := Discover(ctx, c.client, discoveryURL)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.docs[discoveryURL] = doc
	c.mu.Unlock()
	return doc, nil
}
