//go:build integration

package containers

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// schema holds the broker's tables, applied fresh per container.
const schema = `
CREATE TABLE users (
	id           BIGSERIAL PRIMARY KEY,
	username     TEXT NOT NULL UNIQUE,
	email        TEXT,
	display_name TEXT,
	phone_number TEXT
);

CREATE TABLE ga4gh_visas (
	id       BIGSERIAL PRIMARY KEY,
	user_id  BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	encoded  TEXT NOT NULL,
	provider TEXT NOT NULL,
	source   TEXT NOT NULL,
	type     TEXT NOT NULL,
	asserted BIGINT NOT NULL,
	expires  BIGINT NOT NULL
);

CREATE TABLE clients (
	client_id TEXT PRIMARY KEY,
	name      TEXT NOT NULL,
	scopes    TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE upstream_refresh_tokens (
	user_id       BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	provider      TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	expires       BIGINT NOT NULL,
	PRIMARY KEY (user_id, provider)
);

CREATE TABLE blacklisted_tokens (
	jti        TEXT PRIMARY KEY,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// PostgresContainer wraps a testcontainers PostgreSQL instance with the
// broker schema applied.
type PostgresContainer struct {
	Container testcontainers.Container
	DSN       string
	DB        *sql.DB
}

// NewPostgresContainer starts a new PostgreSQL container and applies the
// schema.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("visabroker"),
		tcpostgres.WithUsername("visabroker"),
		tcpostgres.WithPassword("visabroker"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("failed to open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, schema); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}

	return &PostgresContainer{
		Container: container,
		DSN:       dsn,
		DB:        db,
	}
}

// Truncate empties all tables. Use between tests for isolation.
func (p *PostgresContainer) Truncate(ctx context.Context) error {
	_, err := p.DB.ExecContext(ctx, `
		TRUNCATE users, ga4gh_visas, clients, upstream_refresh_tokens, blacklisted_tokens CASCADE
	`)
	return err
}
