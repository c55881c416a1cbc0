package api

import "time"

// SessionStore abstracts login session CRUD so that sessions can be stored
// in-memory (default) or in a bbolt file that survives restarts.
//
// A login session is created by login or email verification, carries the
// hash of the current refresh token, and is what access tokens are bound
// to: deleting it revokes both tokens at once.
type SessionStore interface {
	// Create stores a new session.
	Create(s AuthSession) error
	// Get retrieves a session by key. Returns false if the session does not
	// exist or has expired.
	Get(sessionKey string) (AuthSession, bool)
	// ByRefreshHash finds the live session holding the refresh token hash.
	ByRefreshHash(hash string) (AuthSession, bool)
	// Rotate swaps the refresh token hash if it still equals oldHash and
	// extends the session to expiresAt. It reports whether the swap happened.
	Rotate(sessionKey, oldHash, newHash string, expiresAt time.Time) bool
	// Touch records activity on the session.
	Touch(sessionKey string, at time.Time)
	// Delete removes a session and reports whether it existed.
	Delete(sessionKey string) bool
	// ListByUser returns the live sessions of a user, oldest first.
	ListByUser(userID string) []AuthSession
	// DeleteByUser removes every session of a user and returns the count.
	DeleteByUser(userID string) int
	// Sweep removes expired sessions.
	Sweep()
}

// AuthSession holds the server-side state for one login.
type AuthSession struct {
	SessionKey   string    `json:"session_key"`
	UserID       string    `json:"user_id"`
	RefreshHash  string    `json:"refresh_hash"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
}
