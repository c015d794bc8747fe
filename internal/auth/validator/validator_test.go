package validator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visabroker/internal/auth/store/blacklist"
	"visabroker/internal/auth/token"
	"visabroker/pkg/requestcontext"
)

const (
	testSigningKey = "test-signing-key"
	testIssuer     = "https://broker.test"
)

func newTestValidator(bl blacklist.Store) *Validator {
	if bl == nil {
		bl = blacklist.NewMemory()
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(testSigningKey, testIssuer, bl, logger)
}

func newTokenService() *token.Service {
	return token.NewService(testSigningKey, testIssuer)
}

func TestValidateBearer(t *testing.T) {
	v := newTestValidator(nil)
	svc := newTokenService()

	t.Run("valid token with required scopes", func(t *testing.T) {
		tok, err := svc.IssueAccessToken("alice", []string{"openid", "user"}, time.Hour)
		require.NoError(t, err)
		assert.True(t, v.ValidateBearer(context.Background(), tok, []string{"user"}))
	})

	t.Run("empty token fails", func(t *testing.T) {
		ctx := requestcontext.WithAuthFailureSink(context.Background())
		assert.False(t, v.ValidateBearer(ctx, "", nil))
		assert.Equal(t, "no token provided", requestcontext.AuthFailureReason(ctx))
	})

	t.Run("expired token fails", func(t *testing.T) {
		tok, err := svc.IssueAccessToken("alice", []string{"user"}, -time.Minute)
		require.NoError(t, err)
		assert.False(t, v.ValidateBearer(context.Background(), tok, nil))
	})

	t.Run("missing required scope fails", func(t *testing.T) {
		tok, err := svc.IssueAccessToken("alice", []string{"openid"}, time.Hour)
		require.NoError(t, err)
		ctx := requestcontext.WithAuthFailureSink(context.Background())
		assert.False(t, v.ValidateBearer(ctx, tok, []string{"admin"}))
		assert.Contains(t, requestcontext.AuthFailureReason(ctx), "admin")
	})

	t.Run("refresh token never passes as access token", func(t *testing.T) {
		tok, _, err := svc.IssueRefreshToken("alice", []string{"user"}, time.Hour)
		require.NoError(t, err)
		assert.False(t, v.ValidateBearer(context.Background(), tok, nil))
	})

	t.Run("token signed with another key fails", func(t *testing.T) {
		other := token.NewService("other-key", testIssuer)
		tok, err := other.IssueAccessToken("alice", []string{"user"}, time.Hour)
		require.NoError(t, err)
		assert.False(t, v.ValidateBearer(context.Background(), tok, nil))
	})
}

func TestValidateRefresh(t *testing.T) {
	svc := newTokenService()

	t.Run("valid refresh token passes", func(t *testing.T) {
		v := newTestValidator(nil)
		tok, _, err := svc.IssueRefreshToken("alice", []string{"openid", "user"}, time.Hour)
		require.NoError(t, err)
		assert.True(t, v.ValidateRefresh(context.Background(), tok))
	})

	t.Run("access token never passes as refresh token", func(t *testing.T) {
		v := newTestValidator(nil)
		tok, err := svc.IssueAccessToken("alice", []string{"user"}, time.Hour)
		require.NoError(t, err)
		ctx := requestcontext.WithAuthFailureSink(context.Background())
		assert.False(t, v.ValidateRefresh(ctx, tok))
		assert.Equal(t, "token audience is not exactly {refresh}", requestcontext.AuthFailureReason(ctx))
	})

	t.Run("wrong issuer fails", func(t *testing.T) {
		v := newTestValidator(nil)
		other := token.NewService(testSigningKey, "https://elsewhere.test")
		tok, _, err := other.IssueRefreshToken("alice", []string{"user"}, time.Hour)
		require.NoError(t, err)
		assert.False(t, v.ValidateRefresh(context.Background(), tok))
	})

	t.Run("blacklisted jti fails despite a valid signature", func(t *testing.T) {
		bl := blacklist.NewMemory()
		v := newTestValidator(bl)
		tok, jti, err := svc.IssueRefreshToken("alice", []string{"user"}, time.Hour)
		require.NoError(t, err)
		require.True(t, v.ValidateRefresh(context.Background(), tok))

		require.NoError(t, bl.Blacklist(context.Background(), jti, time.Hour))
		ctx := requestcontext.WithAuthFailureSink(context.Background())
		assert.False(t, v.ValidateRefresh(ctx, tok))
		assert.Equal(t, "token is blacklisted", requestcontext.AuthFailureReason(ctx))
	})

	t.Run("unreachable blacklist fails closed", func(t *testing.T) {
		v := newTestValidator(failingBlacklist{})
		tok, _, err := svc.IssueRefreshToken("alice", []string{"user"}, time.Hour)
		require.NoError(t, err)
		assert.False(t, v.ValidateRefresh(context.Background(), tok))
	})

	t.Run("expired refresh token fails", func(t *testing.T) {
		v := newTestValidator(nil)
		tok, _, err := svc.IssueRefreshToken("alice", []string{"user"}, -time.Minute)
		require.NoError(t, err)
		assert.False(t, v.ValidateRefresh(context.Background(), tok))
	})
}

func TestGetOriginalScopes(t *testing.T) {
	v := newTestValidator(nil)
	svc := newTokenService()

	t.Run("recovers the scopes of the original grant", func(t *testing.T) {
		tok, _, err := svc.IssueRefreshToken("alice", []string{"openid", "user", "ga4gh_passport_v1"}, time.Hour)
		require.NoError(t, err)
		scopes, err := v.GetOriginalScopes(tok)
		require.NoError(t, err)
		assert.Equal(t, []string{"openid", "user", "ga4gh_passport_v1"}, scopes)
	})

	t.Run("access token carries no access_aud", func(t *testing.T) {
		tok, err := svc.IssueAccessToken("alice", []string{"user"}, time.Hour)
		require.NoError(t, err)
		_, err = v.GetOriginalScopes(tok)
		assert.Error(t, err)
	})

	t.Run("garbage input errors", func(t *testing.T) {
		_, err := v.GetOriginalScopes("not-a-jwt")
		assert.Error(t, err)
	})
}

type failingBlacklist struct{}

func (failingBlacklist) Blacklist(context.Context, string, time.Duration) error {
	return errors.New("blacklist down")
}

func (failingBlacklist) IsBlacklisted(context.Context, string) (bool, error) {
	return false, errors.New("blacklist down")
}
