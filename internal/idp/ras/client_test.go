package ras

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"visabroker/internal/idp"
	"visabroker/internal/platform/config"
	"visabroker/internal/storage"
)

// fakeRAS serves discovery, token and userinfo endpoints over httptest.
type fakeRAS struct {
	srv *httptest.Server

	userinfoStatus int
	userinfoBody   map[string]any
	lastAuthHeader string

	tokenResponse map[string]any
}

func newFakeRAS(t *testing.T) *fakeRAS {
	t.Helper()
	f := &fakeRAS{
		userinfoStatus: http.StatusOK,
		userinfoBody:   map[string]any{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 f.srv.URL,
			"authorization_endpoint": f.srv.URL + "/auth",
			"token_endpoint":         f.srv.URL + "/token",
			"jwks_uri":               f.srv.URL + "/jwks",
		})
	})
	mux.HandleFunc("/openid/connect/v1.1/userinfo", func(w http.ResponseWriter, r *http.Request) {
		f.lastAuthHeader = r.Header.Get("Authorization")
		w.WriteHeader(f.userinfoStatus)
		_ = json.NewEncoder(w).Encode(f.userinfoBody)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(f.tokenResponse)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRAS) config() config.RASConfig {
	return config.RASConfig{
		DiscoveryURL: f.srv.URL + "/.well-known/openid-configuration",
		ClientID:     "broker-client",
		ClientSecret: "broker-secret",
		RedirectURL:  "https://broker.test/login/ras/callback",
		Scopes:       "openid ga4gh_passport_v1 email profile",
		UserinfoPath: "/openid/connect/v1.1/userinfo",
	}
}

func newTestClient(f *fakeRAS, upstream storage.UpstreamTokenStore) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(f.config(), idp.NewDiscoveryCache(nil), nil, upstream, nil, logger)
}

func TestResolveIdentityPrecedence(t *testing.T) {
	idClaims := jwt.MapClaims{"sub": "sub-from-id-token"}

	tests := []struct {
		name      string
		userinfo  map[string]any
		wantUser  string
		wantField string
	}{
		{
			name: "UserID wins over everything",
			userinfo: map[string]any{
				"UserID":             "from-UserID",
				"userid":             "from-userid",
				"preferred_username": "from-preferred",
			},
			wantUser:  "from-UserID",
			wantField: "UserID",
		},
		{
			name: "userid wins over preferred_username",
			userinfo: map[string]any{
				"userid":             "from-userid",
				"preferred_username": "from-preferred",
			},
			wantUser:  "from-userid",
			wantField: "userid",
		},
		{
			name:      "preferred_username wins over sub",
			userinfo:  map[string]any{"preferred_username": "from-preferred"},
			wantUser:  "from-preferred",
			wantField: "preferred_username",
		},
		{
			name:      "sub is the last resort",
			userinfo:  map[string]any{},
			wantUser:  "sub-from-id-token",
			wantField: "sub",
		},
		{
			name:      "empty strings do not count",
			userinfo:  map[string]any{"UserID": "", "userid": ""},
			wantUser:  "sub-from-id-token",
			wantField: "sub",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			identity, err := resolveIdentity(tt.userinfo, idClaims)
			require.NoError(t, err)
			assert.Equal(t, tt.wantUser, identity.Username)
			assert.Equal(t, tt.wantField, identity.UsernameField)
		})
	}

	t.Run("no username anywhere is an error", func(t *testing.T) {
		_, err := resolveIdentity(map[string]any{}, jwt.MapClaims{})
		assert.Error(t, err)
	})

	t.Run("email is captured from userinfo", func(t *testing.T) {
		identity, err := resolveIdentity(map[string]any{
			"UserID": "alice",
			"email":  "alice@example.org",
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, "alice@example.org", identity.Email)
	})
}

func TestUserInfo(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the decoded document and sends the bearer token", func(t *testing.T) {
		ras := newFakeRAS(t)
		ras.userinfoBody = map[string]any{"UserID": "alice", "passport_jwt_v11": "encoded"}
		c := newTestClient(ras, nil)

		userinfo, err := c.UserInfo(ctx, &oauth2.Token{AccessToken: "upstream-at"})
		require.NoError(t, err)
		assert.Equal(t, "alice", userinfo["UserID"])
		assert.Equal(t, "Bearer upstream-at", ras.lastAuthHeader)
	})

	t.Run("non-success status is a soft failure", func(t *testing.T) {
		ras := newFakeRAS(t)
		ras.userinfoStatus = http.StatusUnauthorized
		c := newTestClient(ras, nil)

		userinfo, err := c.UserInfo(ctx, &oauth2.Token{AccessToken: "expired"})
		require.NoError(t, err)
		assert.Empty(t, userinfo)
	})
}

func TestUserToken(t *testing.T) {
	ctx := context.Background()

	t.Run("redeems the stored refresh token", func(t *testing.T) {
		ras := newFakeRAS(t)
		ras.tokenResponse = map[string]any{
			"access_token": "fresh-at",
			"token_type":   "Bearer",
			"expires_in":   3600,
		}
		upstream := storage.NewMemoryStore()
		require.NoError(t, upstream.Upsert(ctx, &storage.UpstreamToken{
			UserID: 1, Provider: Name, RefreshToken: "stored-rt",
		}))
		c := newTestClient(ras, upstream)

		tok, err := c.UserToken(ctx, &storage.User{ID: 1, Username: "alice"})
		require.NoError(t, err)
		assert.Equal(t, "fresh-at", tok.AccessToken)
	})

	t.Run("rotated refresh token is persisted", func(t *testing.T) {
		ras := newFakeRAS(t)
		ras.tokenResponse = map[string]any{
			"access_token":  "fresh-at",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "rotated-rt",
		}
		upstream := storage.NewMemoryStore()
		require.NoError(t, upstream.Upsert(ctx, &storage.UpstreamToken{
			UserID: 1, Provider: Name, RefreshToken: "stored-rt",
		}))
		c := newTestClient(ras, upstream)

		_, err := c.UserToken(ctx, &storage.User{ID: 1, Username: "alice"})
		require.NoError(t, err)

		stored, err := upstream.Find(ctx, 1, Name)
		require.NoError(t, err)
		assert.Equal(t, "rotated-rt", stored.RefreshToken)
	})

	t.Run("user without a stored token errors", func(t *testing.T) {
		ras := newFakeRAS(t)
		c := newTestClient(ras, storage.NewMemoryStore())

		_, err := c.UserToken(ctx, &storage.User{ID: 99, Username: "ghost"})
		assert.Error(t, err)
	})
}

func TestAuthURL(t *testing.T) {
	ras := newFakeRAS(t)
	c := newTestClient(ras, nil)

	url, err := c.AuthURL(context.Background())
	require.NoError(t, err)
	assert.Contains(t, url, ras.srv.URL+"/auth")
	assert.Contains(t, url, "client_id=broker-client")
	assert.Contains(t, url, "prompt=login")
	assert.Contains(t, url, "state=")
}

func TestEncodedVisas(t *testing.T) {
	ras := newFakeRAS(t)
	c := newTestClient(ras, nil)

	t.Run("unpacks the passport claim", func(t *testing.T) {
		passport := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"ga4gh_passport_v1": []any{"visa-one", "visa-two"},
		})
		encoded, err := passport.SignedString([]byte("unused"))
		require.NoError(t, err)

		visas := c.EncodedVisas(map[string]any{"passport_jwt_v11": encoded})
		assert.Equal(t, []string{"visa-one", "visa-two"}, visas)
	})

	t.Run("missing passport yields no visas", func(t *testing.T) {
		assert.Nil(t, c.EncodedVisas(map[string]any{}))
	})
}
