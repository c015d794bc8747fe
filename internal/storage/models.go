package storage

// User is a locally registered account. A user exclusively owns its current
// visa set; a sync pass replaces the set wholesale.
type User struct {
	ID          int64
	Username    string
	Email       string
	DisplayName string
	PhoneNumber string
}

// Visa is a validated, persisted federation claim. The encoded form is kept
// verbatim; the decoded attributes are copied out at ingestion time. Expires
// is the sole authority for validity checks after ingestion; the signature
// is never re-verified on read.
type Visa struct {
	ID      int64
	UserID  int64
	Encoded string
	// Provider records which federated provider ingested the visa, so
	// provider-scoped replacement never touches another federation's rows.
	Provider string
	Source   string
	Type     string
	Asserted int64
	Expires  int64
}

// Client is an OAuth2 client registration. Consumed here only for scope and
// audience lookups during local token validation; owned by the administrative
// subsystem.
type Client struct {
	ID     string
	Name   string
	Scopes []string
}

// UpstreamToken is the refresh token a federated provider issued for a user.
// The bulk sync job redeems it for a fresh access token without user
// interaction.
type UpstreamToken struct {
	UserID       int64
	Provider     string
	RefreshToken string
	Expires      int64
}
