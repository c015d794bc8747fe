package ga4gh

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// PassportClaimName is the claim listing a passport's embedded visas.
const PassportClaimName = "ga4gh_passport_v1"

// EncodedVisasFromPassport unpacks an encoded passport token into its list
// of individually signed visa tokens. The passport's own signature is not
// verified here; each visa carries its own signature and is validated
// separately before anything is trusted.
func EncodedVisasFromPassport(encodedPassport string) ([]string, error) {
	if encodedPassport == "" {
		return nil, fmt.Errorf("no passport provided")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(encodedPassport, claims); err != nil {
		return nil, fmt.Errorf("malformed passport: %w", err)
	}
	raw, ok := claims[PassportClaimName].([]any)
	if !ok {
		return nil, fmt.Errorf("passport has no %s claim", PassportClaimName)
	}
	visas := make([]string, 0, len(raw))
	for _, item := range raw {
		if encoded, ok := item.(string); ok && encoded != "" {
			visas = append(visas, encoded)
		}
	}
	return visas, nil
}
