// Package token mints the broker's own access and refresh tokens.
//
// Scopes travel in the audience list: an access token's audience carries its
// granted scopes plus the mandatory "access" marker, while a refresh token's
// audience is exactly {"refresh"} and the original scopes are preserved in
// the access_aud claim for the refresh grant.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AudienceAccess marks a token as an access token.
const AudienceAccess = "access"

// AudienceRefresh is the sole audience of a refresh token.
const AudienceRefresh = "refresh"

// RefreshClaims are the claims carried by locally issued refresh tokens.
type RefreshClaims struct {
	// AccessAud preserves the scopes of the access token this refresh token
	// can mint. Read back without signature verification during the refresh
	// grant, after the token has been verified once.
	AccessAud []string `json:"access_aud"`
	jwt.RegisteredClaims
}

// Service signs locally issued tokens with the deployment key.
type Service struct {
	signingKey []byte
	issuer     string
}

func NewService(signingKey string, issuer string) *Service {
	return &Service{
		signingKey: []byte(signingKey),
		issuer:     issuer,
	}
}

// IssueAccessToken mints an access token whose audience is the granted
// scopes plus the "access" marker.
func (s *Service) IssueAccessToken(username string, scopes []string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	aud := make([]string, 0, len(scopes)+1)
	seen := map[string]bool{AudienceAccess: true}
	aud = append(aud, AudienceAccess)
	for _, scope := range scopes {
		if scope != "" && !seen[scope] {
			seen[scope] = true
			aud = append(aud, scope)
		}
	}

	newToken := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   username,
		Issuer:    s.issuer,
		Audience:  aud,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		ID:        uuid.NewString(),
	})
	return newToken.SignedString(s.signingKey)
}

// IssueRefreshToken mints a refresh token. Returns the encoded token and its
// jti, which the revocation path needs.
func (s *Service) IssueRefreshToken(username string, scopes []string, expiresIn time.Duration) (string, string, error) {
	now := time.Now()
	jti := uuid.NewString()
	newToken := jwt.NewWithClaims(jwt.SigningMethodHS256, RefreshClaims{
		AccessAud: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Issuer:    s.issuer,
			Audience:  []string{AudienceRefresh},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			ID:        jti,
		},
	})
	signed, err := newToken.SignedString(s.signingKey)
	if err != nil {
		return "", "", err
	}
	return signed, jti, nil
}
