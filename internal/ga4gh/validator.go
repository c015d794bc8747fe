package ga4gh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"visabroker/internal/platform/metrics"

	"github.com/golang-jwt/jwt/v5"
)

// Rejection reasons recorded on the visas-rejected metric.
const (
	RejectMalformed     = "malformed"
	RejectKeyUnresolved = "key_unresolved"
	RejectInvalidClaims = "invalid_claims"
)

// Validator verifies individual visas against a key cache and a
// deployment-configured issuer allowlist.
type Validator struct {
	allowlist map[string]bool
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewValidator builds a validator trusting only the given issuers.
func NewValidator(issuerAllowlist []string, logger *slog.Logger, m *metrics.Metrics) *Validator {
	allow := make(map[string]bool, len(issuerAllowlist))
	for _, iss := range issuerAllowlist {
		allow[iss] = true
	}
	return &Validator{allowlist: allow, logger: logger, metrics: m}
}

// Validate verifies one encoded visa: signature and expiry under the key
// resolved from the cache, then the embedded-token claim shape. A rejected
// visa is discarded, never retried; a structurally invalid or untrusted
// token cannot become valid later. Errors carry enough context (issuer,
// key-id) for operability; the caller decides whether to log or count.
func (v *Validator) Validate(ctx context.Context, encodedVisa string, cache *KeyCache) (*DecodedVisa, error) {
	issuer, kid, err := PeekIssuerAndKeyID(encodedVisa)
	if err != nil {
		v.metrics.ObserveVisaRejected(RejectMalformed)
		return nil, err
	}

	key, err := cache.Resolve(ctx, issuer, kid)
	if err != nil {
		v.metrics.ObserveVisaRejected(RejectKeyUnresolved)
		return nil, fmt.Errorf("resolve key (issuer=%s kid=%s): %w", issuer, kid, err)
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(encodedVisa, claims, func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		v.metrics.ObserveVisaRejected(RejectInvalidClaims)
		return nil, fmt.Errorf("visa verification failed (issuer=%s kid=%s): %w", issuer, kid, err)
	}

	if err := v.checkEmbeddedTokenShape(claims); err != nil {
		v.metrics.ObserveVisaRejected(RejectInvalidClaims)
		return nil, fmt.Errorf("visa claim shape (issuer=%s): %w", issuer, err)
	}

	decoded, err := decodedVisaFromClaims(encodedVisa, claims)
	if err != nil {
		v.metrics.ObserveVisaRejected(RejectInvalidClaims)
		return nil, fmt.Errorf("visa assertion (issuer=%s): %w", issuer, err)
	}

	v.metrics.ObserveVisaAccepted()
	v.logger.DebugContext(ctx, "visa accepted", "issuer", issuer, "type", decoded.Type)
	return decoded, nil
}

// checkEmbeddedTokenShape enforces the federation's rules for embedded
// access tokens: no audience restriction, a scope claim including openid,
// the iss/sub/iat/exp claims present, and the issuer allowlisted. Absence of
// sub is an explicit rejection; generic JWT parsing does not enforce it.
func (v *Validator) checkEmbeddedTokenShape(claims jwt.MapClaims) error {
	if _, present := claims["aud"]; present {
		return fmt.Errorf("embedded visa must not carry an aud claim")
	}

	scope, _ := claims["scope"].(string)
	if !containsScope(scope, "openid") {
		return fmt.Errorf("scope claim must include openid")
	}

	issuer, err := claims.GetIssuer()
	if err != nil || issuer == "" {
		return fmt.Errorf("missing iss claim")
	}
	if !v.allowlist[issuer] {
		return fmt.Errorf("issuer %q not in allowlist", issuer)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return fmt.Errorf("missing sub claim")
	}
	if _, present := claims["iat"]; !present {
		return fmt.Errorf("missing iat claim")
	}
	return nil
}

func decodedVisaFromClaims(encoded string, claims jwt.MapClaims) (*DecodedVisa, error) {
	assertion, ok := claims[VisaClaimName].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("missing %s claim object", VisaClaimName)
	}
	source, _ := assertion["source"].(string)
	visaType, _ := assertion["type"].(string)
	if source == "" || visaType == "" {
		return nil, fmt.Errorf("%s claim missing source or type", VisaClaimName)
	}
	asserted, ok := numericClaim(assertion["asserted"])
	if !ok {
		return nil, fmt.Errorf("%s claim missing asserted timestamp", VisaClaimName)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("missing exp claim")
	}
	issuer, _ := claims.GetIssuer()
	sub, _ := claims["sub"].(string)

	return &DecodedVisa{
		Encoded:  encoded,
		Issuer:   issuer,
		Subject:  sub,
		Source:   source,
		Type:     visaType,
		Asserted: asserted,
		Expires:  exp.Unix(),
	}, nil
}

func numericClaim(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return int64(f), true
	default:
		return 0, false
	}
}

func containsScope(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}
