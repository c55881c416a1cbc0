// Package bbolt provides a BBolt-backed credential store.
package bbolt

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/sessiongate/storage"
)

const (
	// DefaultProfile is the bucket used when no profile is given.
	DefaultProfile = "default"

	recordType = "credentials"
	recordID   = "pair"
)

// Store implements storage.CredentialStore backed by a BBolt database. Each
// profile is a bucket, so one file can hold sessions for several identity
// services.
type Store struct {
	db      *bbolt.DB
	profile string
	owned   bool
}

var _ storage.CredentialStore = (*Store)(nil)

// NewCredentialStore returns a Store on an already open database.
func NewCredentialStore(db *bbolt.DB, profile string) *Store {
	if profile == "" {
		profile = DefaultProfile
	}
	return &Store{db: db, profile: profile}
}

// NewCredentialStoreFromFile opens a BBolt database at the given path and
// returns a Store that closes it on Close.
func NewCredentialStoreFromFile(path, profile string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
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

func key() []byte {
	return []byte(fmt.Sprintf("%s:%s", recordType, recordID))
}

func readPair(b *bbolt.Bucket) (storage.Credentials, error) {
	var creds storage.Credentials
	if b == nil {
		return creds, nil
	}
	data := b.Get(key())
	if data == nil {
		return creds, nil
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return storage.Credentials{}, fmt.Errorf("decoding credentials: %w", err)
	}
	return creds, nil
}

func writePair(b *bbolt.Bucket, creds storage.Credentials) error {
	if creds.Empty() {
		return b.Delete(key())
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return b.Put(key(), data)
}

func (s *Store) Load() (storage.Credentials, error) {
	var creds storage.Credentials
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		creds, err = readPair(tx.Bucket([]byte(s.profile)))
		return err
	})
	return creds, err
}

func (s *Store) Put(creds storage.Credentials) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(s.profile))
		if err != nil {
			return err
		}
		return writePair(b, creds)
	})
}

func (s *Store) PutCAS(expectedRefresh string, creds storage.Credentials) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(s.profile))
		current, err := readPair(b)
		if err != nil {
			return err
		}
		if current.RefreshToken == "" || current.RefreshToken != expectedRefresh {
			return storage.ErrCASFailed
		}
		return writePair(b, creds)
	})
}

func (s *Store) Clear() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(s.profile))
		if b == nil {
			return nil
		}
		return b.Delete(key())
	})
}
