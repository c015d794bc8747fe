package blacklist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreBlacklist(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("inserts jti with computed expiry", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		s := NewPostgres(db, WithPostgresClock(func() time.Time { return now }))

		mock.ExpectExec("INSERT INTO blacklisted_tokens").
			WithArgs("jti-1", now.Add(time.Hour)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.Blacklist(ctx, "jti-1", time.Hour))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive ttl never reaches the database", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		s := NewPostgres(db)
		assert.Error(t, s.Blacklist(ctx, "jti-1", -time.Minute))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStoreIsBlacklisted(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("active entry reports revoked", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		s := NewPostgres(db, WithPostgresClock(func() time.Time { return now }))

		mock.ExpectQuery("SELECT expires_at FROM blacklisted_tokens").
			WithArgs("jti-1").
			WillReturnRows(sqlmock.NewRows([]string{"expires_at"}).AddRow(now.Add(time.Hour)))

		revoked, err := s.IsBlacklisted(ctx, "jti-1")
		require.NoError(t, err)
		assert.True(t, revoked)
	})

	t.Run("missing entry is not revoked", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		s := NewPostgres(db)

		mock.ExpectQuery("SELECT expires_at FROM blacklisted_tokens").
			WithArgs("jti-unknown").
			WillReturnRows(sqlmock.NewRows([]string{"expires_at"}))

		revoked, err := s.IsBlacklisted(ctx, "jti-unknown")
		require.NoError(t, err)
		assert.False(t, revoked)
	})

	t.Run("lapsed entry is not revoked", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		s := NewPostgres(db, WithPostgresClock(func() time.Time { return now }))

		mock.ExpectQuery("SELECT expires_at FROM blacklisted_tokens").
			WithArgs("jti-old").
			WillReturnRows(sqlmock.NewRows([]string{"expires_at"}).AddRow(now.Add(-time.Minute)))

		revoked, err := s.IsBlacklisted(ctx, "jti-old")
		require.NoError(t, err)
		assert.False(t, revoked)
	})

	t.Run("database error propagates", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		s := NewPostgres(db)

		mock.ExpectQuery("SELECT expires_at FROM blacklisted_tokens").
			WithArgs("jti-1").
			WillReturnError(errors.New("connection reset"))

		_, err = s.IsBlacklisted(ctx, "jti-1")
		assert.Error(t, err)
	})
}
