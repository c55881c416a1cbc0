// Package sqlite provides a SQLite-backed credential store using the pure-Go
// modernc driver, with its schema managed by goose.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/jmcleod/sessiongate/storage"
	"github.com/jmcleod/sessiongate/storage/sqlite/migrations"
)

// DefaultProfile is the row used when no profile is given.
const DefaultProfile = "default"

// Store implements storage.CredentialStore on a credentials table keyed by
// profile.
type Store struct {
	db      *sql.DB
	profile string
	owned   bool
}

var _ storage.CredentialStore = (*Store)(nil)

// gooseUp is a seam for tests.
var gooseUp = func(ctx context.Context, db *sql.DB, dir string) error {
	return goose.UpContext(ctx, db, dir)
}

// RunMigrations applies the embedded schema to db.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := gooseUp(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// NewCredentialStore returns a Store on an already migrated database.
func NewCredentialStore(db *sql.DB, profile string) *Store {
	if profile == "" {
		profile = DefaultProfile
	}
	return &Store{db: db, profile: profile}
}

// Open opens the SQLite file at dsn, applies migrations and returns a Store
// that closes the database on Close.
func Open(ctx context.Context, dsn, profile string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// SQLite allows one writer; a single connection keeps CAS transactions
	// from failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	s := NewCredentialStore(db, profile)
	s.owned = true
	return s, nil
}

// Close closes the underlying database if the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) load(ctx context.Context, q queryer) (storage.Credentials, error) {
	var creds storage.Credentials
	err := q.QueryRowContext(ctx, `SELECT access, refresh FROM credentials WHERE profile = ?`, s.profile).
		Scan(&creds.AccessToken, &creds.RefreshToken)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Credentials{}, nil
	}
	if err != nil {
		return storage.Credentials{}, fmt.Errorf("failed to load credentials[%s]: %w", s.profile, err)
	}
	return creds, nil
}

func (s *Store) put(ctx context.Context, q queryer, creds storage.Credentials) error {
	if creds.Empty() {
		return s.clear(ctx, q)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO credentials (profile, access, refresh, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(profile) DO UPDATE SET
			access = excluded.access,
			refresh = excluded.refresh,
			updated_at = excluded.updated_at
	`, s.profile, creds.AccessToken, creds.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to store credentials[%s]: %w", s.profile, err)
	}
	return nil
}

func (s *Store) clear(ctx context.Context, q queryer) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM credentials WHERE profile = ?`, s.profile); err != nil {
		return fmt.Errorf("failed to clear credentials[%s]: %w", s.profile, err)
	}
	return nil
}

func (s *Store) Load() (storage.Credentials, error) {
	return s.load(context.Background(), s.db)
}

func (s *Store) Put(creds storage.Credentials) error {
	return s.put(context.Background(), s.db, creds)
}

func (s *Store) PutCAS(expectedRefresh string, creds storage.Credentials) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.load(ctx, tx)
	if err != nil {
		return err
	}
	if current.RefreshToken == "" || current.RefreshToken != expectedRefresh {
		return storage.ErrCASFailed
	}
	if err := s.put(ctx, tx, creds); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Clear() error {
	return s.clear(context.Background(), s.db)
}
