package access

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Grant is the wire-level form of one user's recomputed access, handed to
// the downstream authorization synchronizer. The grant set is always
// complete for the user; stale grants are implied by absence.
type Grant struct {
	Username string              `json:"username"`
	Projects map[string][]string `json:"projects"`
	Email    string              `json:"email,omitempty"`
	Display  string              `json:"display_name,omitempty"`
	Phone    string              `json:"phone_number,omitempty"`
	Tags     map[string]string   `json:"tags,omitempty"`
	SyncedAt time.Time           `json:"synced_at"`
}

// NewGrant flattens a map result into its wire form with deterministic
// privilege ordering.
func NewGrant(username string, result MapResult, syncedAt time.Time) *Grant {
	projects := make(map[string][]string, len(result.Projects))
	for key, set := range result.Projects {
		privs := make([]string, 0, len(set))
		for p := range set {
			privs = append(privs, p)
		}
		sort.Strings(privs)
		projects[key] = privs
	}
	return &Grant{
		Username: username,
		Projects: projects,
		Email:    result.Summary.Email,
		Display:  result.Summary.DisplayName,
		Phone:    result.Summary.PhoneNumber,
		Tags:     result.Summary.Tags,
		SyncedAt: syncedAt,
	}
}

// Syncer delivers recomputed grants to the policy engine / group-membership
// collaborators. Availability of the downstream is outside this core's
// contract; errors are surfaced, not retried here.
type Syncer interface {
	SyncAccess(ctx context.Context, grant *Grant) error
}

// MemorySyncer records grants in process memory. Test use.
type MemorySyncer struct {
	mu     sync.Mutex
	grants []*Grant
}

func NewMemorySyncer() *MemorySyncer {
	return &MemorySyncer{}
}

func (s *MemorySyncer) SyncAccess(_ context.Context, grant *Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants = append(s.grants, grant)
	return nil
}

// Grants returns a snapshot of everything synced so far.
func (s *MemorySyncer) Grants() []*Grant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Grant, len(s.grants))
	copy(out, s.grants)
	return out
}
