package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/harrylevesque/keybar/internal/models"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "keybar.db")
	s, err := OpenSQLStore(context.Background(), DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newPostgresStore(t *testing.T) Store {
	t.Helper()
	dsn := os.Getenv("KEYBAR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KEYBAR_TEST_POSTGRES_DSN not set")
	}
	s, err := OpenSQLStore(context.Background(), DriverPostgres, dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.db.Exec(`DELETE FROM devices`)
		_ = s.Close()
	})
	return s
}

var storeFactories = map[string]func(t *testing.T) Store{
	"memory":   func(*testing.T) Store { return NewMemoryStore() },
	"sqlite":   newSQLiteStore,
	"postgres": newPostgresStore,
}

func testDevice(owner uuid.UUID, key string) *models.Device {
	return &models.Device{
		ID:        uuid.New(),
		OwnerID:   owner,
		Name:      "laptop",
		PublicKey: key,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestStoreCRUD(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			owner := uuid.New()

			d := testDevice(owner, "key-a")
			require.NoError(t, s.Insert(ctx, d))

			got, err := s.GetByID(ctx, d.ID)
			require.NoError(t, err)
			require.Equal(t, d.ID, got.ID)
			require.Equal(t, owner, got.OwnerID)
			require.Equal(t, "laptop", got.Name)
			require.Equal(t, models.AuthorizationUnset, got.Authorized)
			require.True(t, d.CreatedAt.Equal(got.CreatedAt))

			got, err = s.GetByPublicKey(ctx, "key-a")
			require.NoError(t, err)
			require.Equal(t, d.ID, got.ID)

			require.NoError(t, s.SetAuthorized(ctx, d.ID, models.AuthorizationGranted))
			got, err = s.GetByID(ctx, d.ID)
			require.NoError(t, err)
			require.Equal(t, models.AuthorizationGranted, got.Authorized)

			require.NoError(t, s.SetAuthorized(ctx, d.ID, models.AuthorizationRevoked))
			got, err = s.GetByID(ctx, d.ID)
			require.NoError(t, err)
			require.Equal(t, models.AuthorizationRevoked, got.Authorized)

			require.NoError(t, s.SetName(ctx, d.ID, "phone"))
			got, err = s.GetByID(ctx, d.ID)
			require.NoError(t, err)
			require.Equal(t, "phone", got.Name)

			second := testDevice(owner, "key-b")
			second.CreatedAt = d.CreatedAt.Add(time.Second)
			require.NoError(t, s.Insert(ctx, second))
			require.NoError(t, s.Insert(ctx, testDevice(uuid.New(), "key-c")))

			list, err := s.ListByOwner(ctx, owner)
			require.NoError(t, err)
			require.Len(t, list, 2)
			require.Equal(t, d.ID, list[0].ID)
			require.Equal(t, second.ID, list[1].ID)

			require.NoError(t, s.Delete(ctx, d.ID))
			_, err = s.GetByID(ctx, d.ID)
			require.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetByPublicKey(ctx, "key-a")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreDuplicateKey(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			require.NoError(t, s.Insert(ctx, testDevice(uuid.New(), "same")))
			err := s.Insert(ctx, testDevice(uuid.New(), "same"))
			require.ErrorIs(t, err, ErrDuplicateKey)
		})
	}
}

func TestStoreMissing(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			id := uuid.New()

			_, err := s.GetByID(ctx, id)
			require.ErrorIs(t, err, ErrNotFound)
			require.ErrorIs(t, s.SetAuthorized(ctx, id, models.AuthorizationGranted), ErrNotFound)
			require.ErrorIs(t, s.SetName(ctx, id, "x"), ErrNotFound)
			require.ErrorIs(t, s.Delete(ctx, id), ErrNotFound)

			list, err := s.ListByOwner(ctx, id)
			require.NoError(t, err)
			require.Empty(t, list)
		})
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	d := testDevice(uuid.New(), "k")
	require.NoError(t, s.Insert(ctx, d))

	d.Name = "mutated"
	got, err := s.GetByID(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, "laptop", got.Name)

	got.Authorized = models.AuthorizationGranted
	again, err := s.GetByID(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, models.AuthorizationUnset, again.Authorized)
}
