// Package access translates validated visas into project-level access
// grants for the downstream authorization synchronizer.
package access

import (
	"time"

	"visabroker/internal/ga4gh"
	"visabroker/internal/storage"
)

// Privileges granted per contributing permission. Fixed set.
var grantedPrivileges = []string{"read", "read-storage"}

// PrivilegeSet is the set of privilege tokens granted on one project.
type PrivilegeSet map[string]struct{}

// ProjectAccess maps project identifiers (optionally suffixed with a consent
// code) to granted privileges.
type ProjectAccess map[string]PrivilegeSet

// UserSummary carries the contact fields and descriptive tags the downstream
// group-membership synchronizer consumes.
type UserSummary struct {
	Email       string
	DisplayName string
	PhoneNumber string
	Tags        map[string]string
}

// MapResult is the outcome of mapping one user's visa set.
type MapResult struct {
	Projects ProjectAccess
	Summary  UserSummary
	// ExpiredSeen is true when any stored visa was expired or undecodable at
	// mapping time. The call site reacts by clearing the user's visa set,
	// the same fail-closed wholesale clear applied during sync.
	ExpiredSeen bool
}

// MapVisas computes the access a user's stored visas grant at the given
// time. Pure: no I/O, no store mutation. Only unexpired visas contribute;
// expiry is judged by the stored expires attribute, never by re-verifying
// signatures.
func MapVisas(user *storage.User, visas []storage.Visa, now time.Time, parseConsentCode bool) MapResult {
	result := MapResult{
		Projects: ProjectAccess{},
		Summary: UserSummary{
			Email:       user.Email,
			DisplayName: user.DisplayName,
			PhoneNumber: user.PhoneNumber,
			Tags:        map[string]string{},
		},
	}

	for _, visa := range visas {
		if now.Unix() >= visa.Expires {
			result.ExpiredSeen = true
			continue
		}
		perms, err := ga4gh.PeekPermissions(visa.Encoded)
		if err != nil {
			// Undecodable stored visa: same reaction as expiry.
			result.ExpiredSeen = true
			continue
		}
		for _, perm := range perms {
			if perm.PhsID == "" {
				continue
			}
			key := perm.PhsID
			if parseConsentCode && perm.ConsentGroup != "" {
				key += "." + perm.ConsentGroup
			}
			set, ok := result.Projects[key]
			if !ok {
				set = PrivilegeSet{}
				result.Projects[key] = set
			}
			for _, priv := range grantedPrivileges {
				set[priv] = struct{}{}
			}
			result.Summary.Tags["dbgap_role"] = perm.Role
		}
	}

	return result
}
