package ga4gh

import (
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// VisaClaimName is the claim object a visa carries its assertion in.
const VisaClaimName = "ga4gh_visa_v1"

// DecodedVisa is a visa whose signature and claims have been verified.
// Construct only via Validator.Validate.
type DecodedVisa struct {
	Encoded  string
	Issuer   string
	Subject  string
	Source   string
	Type     string
	Asserted int64
	Expires  int64
}

// DbGapPermission is one dataset permission from a visa's
// ras_dbgap_permissions claim.
type DbGapPermission struct {
	PhsID          string `json:"phs_id"`
	Version        string `json:"version"`
	ParticipantSet string `json:"participant_set"`
	ConsentGroup   string `json:"consent_group"`
	Role           string `json:"role"`
}

// PeekIssuerAndKeyID reads the issuer claim and key-id header from an
// encoded visa without verifying its signature. This is the first half of
// the two-phase parse: the result identifies which key to verify with and
// must not be treated as trusted.
func PeekIssuerAndKeyID(encoded string) (issuer, kid string, err error) {
	claims := jwt.MapClaims{}
	tok, _, err := jwt.NewParser().ParseUnverified(encoded, claims)
	if err != nil {
		return "", "", fmt.Errorf("malformed visa: %w", err)
	}
	issuer, err = claims.GetIssuer()
	if err != nil || issuer == "" {
		return "", "", fmt.Errorf("visa has no issuer claim")
	}
	kid, _ = tok.Header["kid"].(string)
	if kid == "" {
		return "", "", fmt.Errorf("visa has no kid header")
	}
	return issuer, kid, nil
}

// PeekPermissions reads the ras_dbgap_permissions claim from an encoded visa
// without verifying its signature. Used at access-mapping time on visas that
// were verified at ingestion; the stored expiry governs whether they still
// count.
func PeekPermissions(encoded string) ([]DbGapPermission, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(encoded, claims); err != nil {
		return nil, fmt.Errorf("decode visa: %w", err)
	}
	raw, ok := claims["ras_dbgap_permissions"]
	if !ok {
		return nil, nil
	}
	// Round-trip through JSON to map loosely typed claim data onto the
	// permission struct.
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-encode permissions: %w", err)
	}
	var perms []DbGapPermission
	if err := json.Unmarshal(buf, &perms); err != nil {
		return nil, fmt.Errorf("decode permissions: %w", err)
	}
	return perms, nil
}
