//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visabroker/internal/storage"
	"visabroker/pkg/platform/sentinel"
	"visabroker/pkg/testutil/containers"
)

func TestStoreIntegration(t *testing.T) {
	pc := containers.NewPostgresContainer(t)
	store := New(pc.DB)
	ctx := context.Background()

	reset := func(t *testing.T) {
		t.Helper()
		require.NoError(t, pc.Truncate(ctx))
	}

	t.Run("user lifecycle", func(t *testing.T) {
		reset(t)
		user := &storage.User{Username: "alice", Email: "alice@example.org"}
		require.NoError(t, store.Save(ctx, user))
		require.NotZero(t, user.ID)

		found, err := store.FindByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, user.ID, found.ID)
		assert.Equal(t, "alice@example.org", found.Email)

		found.DisplayName = "Alice A"
		require.NoError(t, store.Save(ctx, found))
		again, err := store.FindByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "Alice A", again.DisplayName)

		_, err = store.FindByUsername(ctx, "nobody")
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("visa replacement", func(t *testing.T) {
		reset(t)
		user := &storage.User{Username: "bob"}
		require.NoError(t, store.Save(ctx, user))

		expires := time.Now().Add(time.Hour).Unix()
		require.NoError(t, store.Create(ctx, &storage.Visa{
			UserID: user.ID, Encoded: "v1", Provider: "ras", Source: "s", Type: "https://ras.nih.gov/visas/v1.1", Expires: expires,
		}))
		// Another federation's visa whose type URL also contains "ras".
		require.NoError(t, store.Create(ctx, &storage.Visa{
			UserID: user.ID, Encoded: "v2", Provider: "other-federation", Source: "s", Type: "https://infrastructure.example/visas", Expires: expires,
		}))

		visas, err := store.ListByUser(ctx, user.ID)
		require.NoError(t, err)
		require.Len(t, visas, 2)

		require.NoError(t, store.DeleteByUserAndProvider(ctx, user.ID, "ras"))
		visas, err = store.ListByUser(ctx, user.ID)
		require.NoError(t, err)
		require.Len(t, visas, 1)
		assert.Equal(t, "v2", visas[0].Encoded)
		assert.Equal(t, "other-federation", visas[0].Provider)

		require.NoError(t, store.DeleteByUser(ctx, user.ID))
		visas, err = store.ListByUser(ctx, user.ID)
		require.NoError(t, err)
		assert.Empty(t, visas)
	})

	t.Run("list users with visas", func(t *testing.T) {
		reset(t)
		withVisas := &storage.User{Username: "carol"}
		without := &storage.User{Username: "dan"}
		require.NoError(t, store.Save(ctx, withVisas))
		require.NoError(t, store.Save(ctx, without))
		require.NoError(t, store.Create(ctx, &storage.Visa{
			UserID: withVisas.ID, Encoded: "v", Provider: "ras", Source: "s", Type: "t", Expires: time.Now().Unix(),
		}))

		users, err := store.ListWithVisas(ctx)
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, "carol", users[0].Username)
	})

	t.Run("upstream token upsert", func(t *testing.T) {
		reset(t)
		user := &storage.User{Username: "erin"}
		require.NoError(t, store.Save(ctx, user))

		require.NoError(t, store.Upsert(ctx, &storage.UpstreamToken{
			UserID: user.ID, Provider: "ras", RefreshToken: "first",
		}))
		require.NoError(t, store.Upsert(ctx, &storage.UpstreamToken{
			UserID: user.ID, Provider: "ras", RefreshToken: "rotated",
		}))

		tok, err := store.Find(ctx, user.ID, "ras")
		require.NoError(t, err)
		assert.Equal(t, "rotated", tok.RefreshToken)

		_, err = store.Find(ctx, user.ID, "other")
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("client lookup", func(t *testing.T) {
		reset(t)
		_, err := pc.DB.ExecContext(ctx, `
			INSERT INTO clients (client_id, name, scopes) VALUES ('cli-1', 'CLI', '{openid,user}')
		`)
		require.NoError(t, err)

		client, err := store.FindClientByID(ctx, "cli-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"openid", "user"}, client.Scopes)

		_, err = store.FindClientByID(ctx, "ghost")
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})
}
