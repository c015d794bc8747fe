package ga4gh

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/require"
)

// testIssuer is a fake visa issuer: it publishes a discovery document and a
// key set over httptest and signs visas with its private key.
type testIssuer struct {
	srv       *httptest.Server
	key       *rsa.PrivateKey
	kid       string
	jwksCalls atomic.Int32
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	ti := &testIssuer{key: key, kid: "test-key-1"}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":   ti.srv.URL,
			"jwks_uri": ti.srv.URL + "/jwks",
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, _ *http.Request) {
		ti.jwksCalls.Add(1)
		pub, err := jwk.Import(key.Public())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = pub.Set(jwk.KeyIDKey, ti.kid)
		set := jwk.NewSet()
		_ = set.AddKey(pub)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	})

	ti.srv = httptest.NewServer(mux)
	t.Cleanup(ti.srv.Close)
	return ti
}

func (ti *testIssuer) URL() string { return ti.srv.URL }

// signVisa signs the claims as an RS256 visa carrying the issuer's key-id.
func (ti *testIssuer) signVisa(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = ti.kid
	signed, err := tok.SignedString(ti.key)
	require.NoError(t, err)
	return signed
}

// validVisaClaims builds a claim set that passes every shape rule. Tests
// mutate the returned map to break single rules.
func (ti *testIssuer) validVisaClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   ti.srv.URL,
		"sub":   "ras-user-1",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"scope": "openid ga4gh_passport_v1",
		VisaClaimName: map[string]any{
			"type":     "https://ras.nih.gov/visas/v1.1",
			"source":   "https://ncbi.nlm.nih.gov/gap",
			"asserted": now.Unix(),
			"value":    "https://stsstg.nih.gov/passport/dbgap/v1.1",
		},
		"ras_dbgap_permissions": []map[string]any{
			{
				"phs_id":          "phs000200",
				"version":         "v1",
				"participant_set": "p1",
				"consent_group":   "c1",
				"role":            "pi",
			},
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
