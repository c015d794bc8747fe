// Package validator checks the broker's own bearer and refresh tokens.
//
// Validation fails closed and reports only a boolean; the human-readable
// reason is attached to the request context for the transport layer, so
// callers render a uniform error response without seeing internals.
package validator

import (
	"context"
	"fmt"
	"log/slog"

	"visabroker/internal/auth/store/blacklist"
	"visabroker/internal/auth/token"
	"visabroker/pkg/requestcontext"

	"github.com/golang-jwt/jwt/v5"
)

// Validator validates locally issued tokens against the deployment signing
// key and the revocation blacklist.
type Validator struct {
	signingKey []byte
	issuer     string
	blacklist  blacklist.Store
	logger     *slog.Logger
}

func New(signingKey string, issuer string, bl blacklist.Store, logger *slog.Logger) *Validator {
	return &Validator{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		blacklist:  bl,
		logger:     logger,
	}
}

// ValidateBearer reports whether the token is a valid access token carrying
// every required scope. The token must assert the "access" audience in
// addition to caller-supplied scopes, so a refresh token can never pass as an
// access token.
func (v *Validator) ValidateBearer(ctx context.Context, tokenString string, requiredScopes []string) bool {
	if tokenString == "" {
		return v.failWith(ctx, "no token provided")
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc,
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return v.failWith(ctx, fmt.Sprintf("invalid access token: %v", err))
	}

	aud, err := claims.GetAudience()
	if err != nil {
		return v.failWith(ctx, "access token has no audience")
	}
	required := append([]string{token.AudienceAccess}, requiredScopes...)
	for _, want := range required {
		if !containsAudience(aud, want) {
			return v.failWith(ctx, fmt.Sprintf("access token missing %q audience", want))
		}
	}

	v.logger.DebugContext(ctx, "validated access token", "sub", claims["sub"], "jti", claims["jti"])
	return true
}

// ValidateRefresh reports whether the token is a valid, unrevoked refresh
// token issued by this deployment. The blacklist is consulted once per call,
// after all claim checks pass.
func (v *Validator) ValidateRefresh(ctx context.Context, tokenString string) bool {
	if tokenString == "" {
		return v.failWith(ctx, "no token provided")
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc,
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
	)
	if err != nil {
		return v.failWith(ctx, fmt.Sprintf("invalid refresh token: %v", err))
	}

	// Audience must be exactly {"refresh"}.
	aud, err := claims.GetAudience()
	if err != nil || len(aud) != 1 || aud[0] != token.AudienceRefresh {
		return v.failWith(ctx, "token audience is not exactly {refresh}")
	}

	jti, _ := claims["jti"].(string)
	if jti == "" {
		return v.failWith(ctx, "token missing jti claim")
	}

	revoked, err := v.blacklist.IsBlacklisted(ctx, jti)
	if err != nil {
		// Fail closed when the revocation list is unreachable.
		v.logger.ErrorContext(ctx, "blacklist lookup failed", "error", err)
		return v.failWith(ctx, "could not check token revocation")
	}
	if revoked {
		return v.failWith(ctx, "token is blacklisted")
	}

	v.logger.DebugContext(ctx, "validated refresh token", "sub", claims["sub"], "jti", jti)
	return true
}

// GetOriginalScopes decodes, without verifying, the refresh token's
// access_aud claim: the scope list to stamp onto the freshly minted access
// token during a refresh grant. This deliberately trusts the encoding layer,
// not the signature: the token was already verified earlier in the same
// refresh flow.
func (v *Validator) GetOriginalScopes(tokenString string) ([]string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("decode refresh token: %w", err)
	}
	raw, ok := claims["access_aud"].([]any)
	if !ok {
		return nil, fmt.Errorf("refresh token missing access_aud claim")
	}
	scopes := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			scopes = append(scopes, s)
		}
	}
	return scopes, nil
}

func (v *Validator) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, jwt.ErrTokenUnverifiable
	}
	return v.signingKey, nil
}

// failWith records the failure reason on the request context and logs it.
// Decoded claims are not secret, but raw token strings never reach the logs.
func (v *Validator) failWith(ctx context.Context, reason string) bool {
	requestcontext.SetAuthFailure(ctx, reason)
	v.logger.WarnContext(ctx, "token validation failed", "reason", reason)
	return false
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
