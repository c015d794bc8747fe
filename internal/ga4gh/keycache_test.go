package ga4gh

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visabroker/pkg/platform/sentinel"
)

func TestKeyCacheResolve(t *testing.T) {
	issuer := newTestIssuer(t)
	ctx := context.Background()

	t.Run("resolves a published key", func(t *testing.T) {
		cache := NewKeyCache(nil, nil, nil)
		key, err := cache.Resolve(ctx, issuer.URL(), issuer.kid)
		require.NoError(t, err)

		pub, ok := key.(*rsa.PublicKey)
		require.True(t, ok)
		assert.True(t, pub.Equal(issuer.key.Public()))
	})

	t.Run("second resolve serves from cache", func(t *testing.T) {
		cache := NewKeyCache(nil, nil, nil)
		_, err := cache.Resolve(ctx, issuer.URL(), issuer.kid)
		require.NoError(t, err)
		fetchesAfterFirst := issuer.jwksCalls.Load()

		_, err = cache.Resolve(ctx, issuer.URL(), issuer.kid)
		require.NoError(t, err)
		assert.Equal(t, fetchesAfterFirst, issuer.jwksCalls.Load())
	})

	t.Run("unknown key id reports not found", func(t *testing.T) {
		cache := NewKeyCache(nil, nil, nil)
		_, err := cache.Resolve(ctx, issuer.URL(), "rotated-away")
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("unreachable issuer errors", func(t *testing.T) {
		cache := NewKeyCache(nil, nil, nil)
		_, err := cache.Resolve(ctx, "http://127.0.0.1:1", "any")
		assert.Error(t, err)
	})
}

func TestKeyCacheIssuerWithoutJWKS(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"issuer": srv.URL})
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	cache := NewKeyCache(nil, nil, nil)
	_, err := cache.Resolve(context.Background(), srv.URL, "any")
	assert.ErrorContains(t, err, "jwks_uri")
}

func TestPeekIssuerAndKeyID(t *testing.T) {
	issuer := newTestIssuer(t)

	t.Run("reads issuer and kid without verification", func(t *testing.T) {
		encoded := issuer.signVisa(t, issuer.validVisaClaims(time.Now()))
		iss, kid, err := PeekIssuerAndKeyID(encoded)
		require.NoError(t, err)
		assert.Equal(t, issuer.URL(), iss)
		assert.Equal(t, issuer.kid, kid)
	})

	t.Run("garbage input errors", func(t *testing.T) {
		_, _, err := PeekIssuerAndKeyID("not-a-jwt")
		assert.Error(t, err)
	})
}
