// Package storage defines where session credentials live between requests.
//
// A CredentialStore holds the access/refresh token pair durably. SessionValues
// hold browsing-session scoped flags that must never outlive the process.
package storage

import "errors"

var (
	// ErrCASFailed is returned when the stored refresh token no longer matches
	// the one a compare-and-swap write was based on.
	ErrCASFailed = errors.New("credential CAS mismatch")
	// ErrClosed is returned by stores used after Close.
	ErrClosed = errors.New("credential store closed")
)

// Credentials is the token pair issued by the identity service.
type Credentials struct {
	AccessToken  string `json:"access"`
	RefreshToken string `json:"refresh"`
}

// Empty reports whether neither token is present.
func (c Credentials) Empty() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// Renewable reports whether an access token can be renewed silently.
func (c Credentials) Renewable() bool {
	return c.RefreshToken != ""
}

// CredentialStore persists the token pair. Implementations write both tokens
// in one step so a reader never observes a half-updated pair.
type CredentialStore interface {
	// Load returns the stored pair. A store with nothing in it returns the
	// zero Credentials and a nil error.
	Load() (Credentials, error)
	// Put replaces both tokens.
	Put(creds Credentials) error
	// PutCAS replaces both tokens only if the stored refresh token equals
	// expectedRefresh, and returns ErrCASFailed otherwise. A cleared store
	// never matches, so a late write cannot resurrect a logged-out session.
	PutCAS(expectedRefresh string, creds Credentials) error
	// Clear removes both tokens.
	Clear() error
}

// SessionValues holds small string values scoped to one browsing session.
type SessionValues interface {
	Get(key string) (string, bool)
	Put(key, value string)
	Delete(key string)
	Clear()
}
