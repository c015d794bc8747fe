// Package ras implements the idp.Provider capability set against the NIH
// Researcher Auth Service, the research-access-management IdP that issues
// GA4GH passports.
package ras

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"visabroker/internal/ga4gh"
	"visabroker/internal/idp"
	"visabroker/internal/platform/config"
	"visabroker/internal/storage"
	dErrors "visabroker/pkg/domain-errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Name is the provider identifier; visa types mention it.
const Name = "ras"

// Client drives the RAS authorization-code flow and user-info retrieval.
type Client struct {
	cfg       config.RASConfig
	discovery *idp.DiscoveryCache
	keys      *ga4gh.KeyCache
	upstream  storage.UpstreamTokenStore
	http      *http.Client
	logger    *slog.Logger
}

func New(
	cfg config.RASConfig,
	discovery *idp.DiscoveryCache,
	keys *ga4gh.KeyCache,
	upstream storage.UpstreamTokenStore,
	httpClient *http.Client,
	logger *slog.Logger,
) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		cfg:       cfg,
		discovery: discovery,
		keys:      keys,
		upstream:  upstream,
		http:      httpClient,
		logger:    logger,
	}
}

func (c *Client) Name() string { return Name }

func (c *Client) oauthConfig(ctx context.Context) (*oauth2.Config, *idp.DiscoveryDocument, error) {
	doc, err := c.discovery.Get(ctx, c.cfg.DiscoveryURL)
	if err != nil {
		return nil, nil, fmt.Errorf("RAS discovery: %w", err)
	}
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  c.cfg.RedirectURL,
		Scopes:       strings.Fields(c.cfg.Scopes),
		Endpoint: oauth2.Endpoint{
			AuthURL:  doc.AuthorizationEndpoint,
			TokenURL: doc.TokenEndpoint,
		},
	}, doc, nil
}

// AuthURL builds the authorization endpoint URL from the discovery document.
// prompt=login forces re-authentication so a shared browser's session is not
// silently reused across users.
func (c *Client) AuthURL(ctx context.Context) (string, error) {
	conf, _, err := c.oauthConfig(ctx)
	if err != nil {
		return "", err
	}
	return conf.AuthCodeURL(uuid.NewString(), oauth2.SetAuthURLParam("prompt", "login")), nil
}

// ExchangeCode exchanges an authorization code for tokens, verifies the ID
// and access tokens against the provider's signing keys (audience checks
// relaxed; audience semantics vary per provider), fetches user-info and
// resolves the username with a fixed precedence order.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*idp.Login, error) {
	conf, doc, err := c.oauthConfig(ctx)
	if err != nil {
		return nil, err
	}

	tok, err := conf.Exchange(context.WithValue(ctx, oauth2.HTTPClient, c.http), code)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, "code exchange failed")
	}

	idToken, _ := tok.Extra("id_token").(string)
	idClaims, err := c.verifyProviderToken(ctx, doc.Issuer, idToken)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, "ID token verification failed")
	}

	// The access token's txn claim is logged for RAS ISA compliance.
	atClaims, err := c.verifyProviderToken(ctx, doc.Issuer, tok.AccessToken)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, "access token verification failed")
	}
	c.logger.InfoContext(ctx, "received RAS access token", "txn", atClaims["txn"])

	userinfo, err := c.UserInfo(ctx, tok)
	if err != nil {
		return nil, err
	}

	identity, err := resolveIdentity(userinfo, idClaims)
	if err != nil {
		c.logger.ErrorContext(ctx, "could not resolve username from claims or userinfo")
		return nil, err
	}
	c.logger.InfoContext(ctx, "resolved RAS username", "field", identity.UsernameField)

	return &idp.Login{
		Identity: identity,
		Token:    tok,
		UserInfo: userinfo,
	}, nil
}

// resolveIdentity derives a stable username: the userinfo UserID field, then
// userid, then preferred_username, then the ID token's sub claim.
func resolveIdentity(userinfo map[string]any, idClaims jwt.MapClaims) (idp.Identity, error) {
	email, _ := userinfo["email"].(string)

	for _, field := range []string{"UserID", "userid", "preferred_username"} {
		if username, ok := userinfo[field].(string); ok && username != "" {
			return idp.Identity{Username: username, Email: email, UsernameField: field}, nil
		}
	}
	if sub, ok := idClaims["sub"].(string); ok && sub != "" {
		return idp.Identity{Username: sub, Email: email, UsernameField: "sub"}, nil
	}
	return idp.Identity{}, dErrors.New(dErrors.CodeUnauthorized, "no usable username in claims or userinfo")
}

// verifyProviderToken checks a provider-issued JWT's signature against the
// provider's published keys. No audience validation: RAS audience semantics
// differ between its token types.
func (c *Client) verifyProviderToken(ctx context.Context, issuer, encoded string) (jwt.MapClaims, error) {
	if encoded == "" {
		return nil, fmt.Errorf("no token returned by provider")
	}
	_, kid, err := ga4gh.PeekIssuerAndKeyID(encoded)
	if err != nil {
		return nil, err
	}
	key, err := c.keys.Resolve(ctx, issuer, kid)
	if err != nil {
		return nil, err
	}
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(encoded, claims, func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// UserToken redeems the user's stored upstream refresh token for a fresh
// access token. Rotated refresh tokens are persisted back.
func (c *Client) UserToken(ctx context.Context, user *storage.User) (*oauth2.Token, error) {
	up, err := c.upstream.Find(ctx, user.ID, Name)
	if err != nil {
		return nil, fmt.Errorf("no upstream refresh token for user %s: %w", user.Username, err)
	}

	conf, _, err := c.oauthConfig(ctx)
	if err != nil {
		return nil, err
	}
	src := conf.TokenSource(context.WithValue(ctx, oauth2.HTTPClient, c.http), &oauth2.Token{RefreshToken: up.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh upstream token for user %s: %w", user.Username, err)
	}

	if tok.RefreshToken != "" && tok.RefreshToken != up.RefreshToken {
		if err := c.StoreRefreshToken(ctx, user.ID, tok); err != nil {
			c.logger.WarnContext(ctx, "could not persist rotated refresh token", "user", user.Username, "error", err)
		}
	}
	return tok, nil
}

// StoreRefreshToken persists the upstream refresh token obtained during
// login or rotation so the bulk sync job can act without user interaction.
func (c *Client) StoreRefreshToken(ctx context.Context, userID int64, tok *oauth2.Token) error {
	if tok.RefreshToken == "" {
		return nil
	}
	var expires int64
	if !tok.Expiry.IsZero() {
		expires = tok.Expiry.Unix()
	}
	return c.upstream.Upsert(ctx, &storage.UpstreamToken{
		UserID:       userID,
		Provider:     Name,
		RefreshToken: tok.RefreshToken,
		Expires:      expires,
	})
}

// UserInfo fetches the RAS user-info document. The endpoint path is appended
// to the issuer because RAS does not publish its versioned userinfo endpoint
// in the discovery document. A non-success status is a soft failure: the
// cause is logged and an empty document returned.
func (c *Client) UserInfo(ctx context.Context, tok *oauth2.Token) (map[string]any, error) {
	_, doc, err := c.oauthConfig(ctx)
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimSuffix(doc.Issuer, "/") + c.cfg.UserinfoPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		c.logger.ErrorContext(ctx, "unable to get visa from userinfo endpoint",
			"status", resp.StatusCode, "message", strings.TrimSpace(string(body)))
		return map[string]any{}, nil
	}

	userinfo := map[string]any{}
	if err := json.Unmarshal(body, &userinfo); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	return userinfo, nil
}

// EncodedVisas unpacks the passport claim (passport_jwt_v11) from a
// user-info document into encoded visa tokens.
func (c *Client) EncodedVisas(userinfo map[string]any) []string {
	encodedPassport, _ := userinfo["passport_jwt_v11"].(string)
	visas, err := ga4gh.EncodedVisasFromPassport(encodedPassport)
	if err != nil {
		c.logger.Warn("no usable passport in userinfo", "error", err)
		return nil
	}
	return visas
}
