package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/sessiongate/storage"
	"github.com/jmcleod/sessiongate/storage/storagetest"
)

func openTestStore(t *testing.T, profile string) *Store {
	t.Helper()
	s, err := Open(t.Context(), filepath.Join(t.TempDir(), "credentials.sqlite"), profile)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteCredentialStore(t *testing.T) {
	storagetest.RunCredentialStoreTests(t, openTestStore(t, ""))
}

func TestProfilesShareTable(t *testing.T) {
	work := openTestStore(t, "work")
	home := NewCredentialStore(work.db, "home")

	require.NoError(t, work.Put(storage.Credentials{AccessToken: "a", RefreshToken: "r"}))
	require.NoError(t, home.Put(storage.Credentials{AccessToken: "b", RefreshToken: "s"}))

	got, err := work.Load()
	require.NoError(t, err)
	assert.Equal(t, "a", got.AccessToken)

	require.NoError(t, home.Clear())
	got, err = work.Load()
	require.NoError(t, err)
	assert.Equal(t, "r", got.RefreshToken)
}

func TestMigrationsIdempotent(t *testing.T) {
	s := openTestStore(t, "")
	require.NoError(t, RunMigrations(t.Context(), s.db))
}

func TestOpenReportsMigrationFailure(t *testing.T) {
	orig := gooseUp
	t.Cleanup(func() { gooseUp = orig })
	gooseUp = func(ctx context.Context, db *sql.DB, dir string) error {
		return errors.New("boom")
	}

	_, err := Open(t.Context(), filepath.Join(t.TempDir(), "broken.sqlite"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to apply migrations")
}
