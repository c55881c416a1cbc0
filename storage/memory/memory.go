// Package memory provides thread-safe in-memory implementations of the
// storage interfaces.
package memory

import (
	"sync"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/sessiongate/storage"
)

// CredentialStore keeps the token pair in memguard enclaves, so tokens are
// encrypted at rest in process memory and only decrypted while being read.
// Nothing survives a restart; suitable for tests and ephemeral sessions.
type CredentialStore struct {
	mu      sync.RWMutex
	access  *memguard.Enclave
	refresh *memguard.Enclave
}

var _ storage.CredentialStore = (*CredentialStore)(nil)

// NewCredentialStore creates an empty in-memory CredentialStore.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{}
}

func seal(token string) *memguard.Enclave {
	if token == "" {
		return nil
	}
	return memguard.NewEnclave([]byte(token))
}

func open(e *memguard.Enclave) (string, error) {
	if e == nil {
		return "", nil
	}
	buf, err := e.Open()
	if err != nil {
		return "", err
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

func (s *CredentialStore) Load() (storage.Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadLocked()
}

func (s *CredentialStore) loadLocked() (storage.Credentials, error) {
	access, err := open(s.access)
	if err != nil {
		return storage.Credentials{}, err
	}
	refresh, err := open(s.refresh)
	if err != nil {
		return storage.Credentials{}, err
	}
	return storage.Credentials{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *CredentialStore) Put(creds storage.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access, s.refresh = seal(creds.AccessToken), seal(creds.RefreshToken)
	return nil
}

func (s *CredentialStore) PutCAS(expectedRefresh string, creds storage.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := open(s.refresh)
	if err != nil {
		return err
	}
	if current == "" || current != expectedRefresh {
		return storage.ErrCASFailed
	}
	s.access, s.refresh = seal(creds.AccessToken), seal(creds.RefreshToken)
	return nil
}

func (s *CredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access, s.refresh = nil, nil
	return nil
}

// SessionValues is a map guarded by a mutex. One instance corresponds to one
// browsing session; dropping it drops every value.
type SessionValues struct {
	mu   sync.RWMutex
	data map[string]string
}

var _ storage.SessionValues = (*SessionValues)(nil)

// NewSessionValues creates an empty SessionValues.
func NewSessionValues() *SessionValues {
	return &SessionValues{data: make(map[string]string)}
}

func (v *SessionValues) Get(key string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.data[key]
	return val, ok
}

func (v *SessionValues) Put(key, value string) {
	v.mu.Lock()
	v.data[key] = value
	v.mu.Unlock()
}

func (v *SessionValues) Delete(key string) {
	v.mu.Lock()
	delete(v.data, key)
	v.mu.Unlock()
}

func (v *SessionValues) Clear() {
	v.mu.Lock()
	clear(v.data)
	v.mu.Unlock()
}
