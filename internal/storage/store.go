package storage

import (
	"context"
)

// Stores are interface-driven to keep the domain logic testable and to allow
// swapping in-memory and PostgreSQL persistence without rewiring business
// code.

type UserStore interface {
	Save(ctx context.Context, user *User) error
	FindByID(ctx context.Context, id int64) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	// ListWithVisas returns users holding at least one persisted visa.
	// The bulk sync job iterates this set.
	ListWithVisas(ctx context.Context) ([]User, error)
}

type VisaStore interface {
	Create(ctx context.Context, visa *Visa) error
	ListByUser(ctx context.Context, userID int64) ([]Visa, error)
	// DeleteByUser clears the user's entire visa set.
	DeleteByUser(ctx context.Context, userID int64) error
	// DeleteByUserAndProvider clears only visas ingested by the named
	// provider, for provider-scoped replacement.
	DeleteByUserAndProvider(ctx context.Context, userID int64, provider string) error
}

type ClientStore interface {
	FindClientByID(ctx context.Context, id string) (*Client, error)
}

type UpstreamTokenStore interface {
	Upsert(ctx context.Context, token *UpstreamToken) error
	Find(ctx context.Context, userID int64, provider string) (*UpstreamToken, error)
}
