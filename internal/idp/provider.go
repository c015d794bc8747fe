// Package idp defines the capability set a federated identity provider must
// offer and the discovery plumbing shared between providers.
package idp

import (
	"context"

	"visabroker/internal/storage"

	"golang.org/x/oauth2"
)

// Identity is the resolved identity of a federated login.
type Identity struct {
	Username string
	Email    string
	// UsernameField names which claim source supplied the username, logged
	// for operability.
	UsernameField string
}

// Login is the outcome of a successful authorization-code exchange.
type Login struct {
	Identity
	Token    *oauth2.Token
	UserInfo map[string]any
}

// Provider is the capability set of one external identity provider.
// One implementation per provider; shared logic lives in composed helpers,
// not a base type.
type Provider interface {
	// Name identifies the provider (e.g. "ras"); visa types are matched
	// against it for provider-scoped replacement.
	Name() string

	// AuthURL builds the provider's authorization endpoint URL, forcing
	// re-authentication so browser sessions are not silently reused across
	// users.
	AuthURL(ctx context.Context) (string, error)

	// ExchangeCode exchanges an authorization code for tokens, resolves the
	// user's identity and retrieves the user-info document.
	ExchangeCode(ctx context.Context, code string) (*Login, error)

	// UserToken obtains a fresh access token for a known user from the
	// stored upstream refresh token, without user interaction.
	UserToken(ctx context.Context, user *storage.User) (*oauth2.Token, error)

	// UserInfo fetches the provider's user-info document. A non-success
	// status is a soft failure: an empty document is returned and the cause
	// logged, so callers treat "no visas" and "provider unreachable" alike.
	UserInfo(ctx context.Context, tok *oauth2.Token) (map[string]any, error)

	// EncodedVisas unpacks the passport claim from a user-info document into
	// individually signed visa tokens, without validating any signature.
	EncodedVisas(userinfo map[string]any) []string
}
