// Package postgres implements the storage interfaces on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"visabroker/internal/storage"
	"visabroker/pkg/platform/sentinel"
	txcontext "visabroker/pkg/platform/tx"

	"github.com/lib/pq"
)

// Store implements storage.UserStore, storage.VisaStore, storage.ClientStore
// and storage.UpstreamTokenStore on a shared *sql.DB. Statements join an
// in-flight transaction when one is carried in the context.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (s *Store) Save(ctx context.Context, user *storage.User) error {
	if user.ID == 0 {
		err := s.execer(ctx).QueryRowContext(ctx, `
			INSERT INTO users (username, email, display_name, phone_number)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, user.Username, user.Email, user.DisplayName, user.PhoneNumber).Scan(&user.ID)
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		return nil
	}
	_, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE users SET email = $2, display_name = $3, phone_number = $4
		WHERE id = $1
	`, user.ID, user.Email, user.DisplayName, user.PhoneNumber)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, id int64) (*storage.User, error) {
	return s.scanUser(s.execer(ctx).QueryRowContext(ctx, `
		SELECT id, username, email, display_name, phone_number
		FROM users WHERE id = $1
	`, id))
}

func (s *Store) FindByUsername(ctx context.Context, username string) (*storage.User, error) {
	return s.scanUser(s.execer(ctx).QueryRowContext(ctx, `
		SELECT id, username, email, display_name, phone_number
		FROM users WHERE username = $1
	`, username))
}

func (s *Store) scanUser(row *sql.Row) (*storage.User, error) {
	var u storage.User
	var email, displayName, phone sql.NullString
	err := row.Scan(&u.ID, &u.Username, &email, &displayName, &phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.Email = email.String
	u.DisplayName = displayName.String
	u.PhoneNumber = phone.String
	return &u, nil
}

func (s *Store) ListWithVisas(ctx context.Context) ([]storage.User, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT DISTINCT u.id, u.username, u.email, u.display_name, u.phone_number
		FROM users u
		JOIN ga4gh_visas v ON v.user_id = u.id
		ORDER BY u.id
	`)
	if err != nil {
		return nil, fmt.Errorf("list users with visas: %w", err)
	}
	defer rows.Close()

	var users []storage.User
	for rows.Next() {
		var u storage.User
		var email, displayName, phone sql.NullString
		if err := rows.Scan(&u.ID, &u.Username, &email, &displayName, &phone); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Email = email.String
		u.DisplayName = displayName.String
		u.PhoneNumber = phone.String
		users = append(users, u)
	}
	return users, rows.Err()
}

// ---------------------------------------------------------------------------
// Visas
// ---------------------------------------------------------------------------

func (s *Store) Create(ctx context.Context, visa *storage.Visa) error {
	err := s.execer(ctx).QueryRowContext(ctx, `
		INSERT INTO ga4gh_visas (user_id, encoded, provider, source, type, asserted, expires)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, visa.UserID, visa.Encoded, visa.Provider, visa.Source, visa.Type, visa.Asserted, visa.Expires).Scan(&visa.ID)
	if err != nil {
		return fmt.Errorf("insert visa: %w", err)
	}
	return nil
}

func (s *Store) ListByUser(ctx context.Context, userID int64) ([]storage.Visa, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT id, user_id, encoded, provider, source, type, asserted, expires
		FROM ga4gh_visas WHERE user_id = $1 ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list visas: %w", err)
	}
	defer rows.Close()

	var visas []storage.Visa
	for rows.Next() {
		var v storage.Visa
		if err := rows.Scan(&v.ID, &v.UserID, &v.Encoded, &v.Provider, &v.Source, &v.Type, &v.Asserted, &v.Expires); err != nil {
			return nil, fmt.Errorf("scan visa: %w", err)
		}
		visas = append(visas, v)
	}
	return visas, rows.Err()
}

func (s *Store) DeleteByUser(ctx context.Context, userID int64) error {
	_, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM ga4gh_visas WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete visas: %w", err)
	}
	return nil
}

func (s *Store) DeleteByUserAndProvider(ctx context.Context, userID int64, provider string) error {
	_, err := s.execer(ctx).ExecContext(ctx, `
		DELETE FROM ga4gh_visas WHERE user_id = $1 AND provider = $2
	`, userID, provider)
	if err != nil {
		return fmt.Errorf("delete visas by provider: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Clients
// ---------------------------------------------------------------------------

func (s *Store) FindClientByID(ctx context.Context, id string) (*storage.Client, error) {
	var c storage.Client
	var scopes pq.StringArray
	err := s.execer(ctx).QueryRowContext(ctx, `
		SELECT client_id, name, scopes FROM clients WHERE client_id = $1
	`, id).Scan(&c.ID, &c.Name, &scopes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find client: %w", err)
	}
	c.Scopes = scopes
	return &c, nil
}

// ---------------------------------------------------------------------------
// Upstream tokens
// ---------------------------------------------------------------------------

func (s *Store) Upsert(ctx context.Context, token *storage.UpstreamToken) error {
	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO upstream_refresh_tokens (user_id, provider, refresh_token, expires)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			refresh_token = EXCLUDED.refresh_token,
			expires = EXCLUDED.expires
	`, token.UserID, token.Provider, token.RefreshToken, token.Expires)
	if err != nil {
		return fmt.Errorf("upsert upstream token: %w", err)
	}
	return nil
}

func (s *Store) Find(ctx context.Context, userID int64, provider string) (*storage.UpstreamToken, error) {
	var t storage.UpstreamToken
	err := s.execer(ctx).QueryRowContext(ctx, `
		SELECT user_id, provider, refresh_token, expires
		FROM upstream_refresh_tokens WHERE user_id = $1 AND provider = $2
	`, userID, provider).Scan(&t.UserID, &t.Provider, &t.RefreshToken, &t.Expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find upstream token: %w", err)
	}
	return &t, nil
}
