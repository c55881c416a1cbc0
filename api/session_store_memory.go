package api

import (
	"slices"
	"sync"
	"time"
)

// MemorySessionStore is a thread-safe in-memory SessionStore.
// Sessions are lost on server restart.
type MemorySessionStore struct {
	mu        sync.RWMutex
	data      map[string]AuthSession
	byRefresh map[string]string
	now       func() time.Time
}

var _ SessionStore = (*MemorySessionStore)(nil)

// NewMemorySessionStore creates an in-memory session store. now may be nil.
func NewMemorySessionStore(now func() time.Time) *MemorySessionStore {
	if now == nil {
		now = time.Now
	}
	return &MemorySessionStore{
		data:      make(map[string]AuthSession),
		byRefresh: make(map[string]string),
		now:       now,
	}
}

func (s *MemorySessionStore) Create(session AuthSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.data[session.SessionKey]; ok {
		delete(s.byRefresh, old.RefreshHash)
	}
	s.data[session.SessionKey] = session
	s.byRefresh[session.RefreshHash] = session.SessionKey
	return nil
}

func (s *MemorySessionStore) Get(sessionKey string) (AuthSession, bool) {
	s.mu.RLock()
	session, ok := s.data[sessionKey]
	s.mu.RUnlock()
	if !ok {
		return AuthSession{}, false
	}
	if !s.now().Before(session.ExpiresAt) {
		s.Delete(sessionKey)
		return AuthSession{}, false
	}
	return session, true
}

func (s *MemorySessionStore) ByRefreshHash(hash string) (AuthSession, bool) {
	s.mu.RLock()
	key, ok := s.byRefresh[hash]
	s.mu.RUnlock()
	if !ok {
		return AuthSession{}, false
	}
	return s.Get(key)
}

func (s *MemorySessionStore) Rotate(sessionKey, oldHash, newHash string, expiresAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.data[sessionKey]
	if !ok || session.RefreshHash != oldHash {
		return false
	}
	delete(s.byRefresh, oldHash)
	session.RefreshHash = newHash
	session.ExpiresAt = expiresAt
	s.data[sessionKey] = session
	s.byRefresh[newHash] = sessionKey
	return true
}

func (s *MemorySessionStore) Touch(sessionKey string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.data[sessionKey]; ok {
		session.LastActivity = at
		s.data[sessionKey] = session
	}
}

func (s *MemorySessionStore) Delete(sessionKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.data[sessionKey]
	if !ok {
		return false
	}
	delete(s.data, sessionKey)
	delete(s.byRefresh, session.RefreshHash)
	return true
}

func (s *MemorySessionStore) ListByUser(userID string) []AuthSession {
	now := s.now()
	s.mu.RLock()
	var out []AuthSession
	for _, session := range s.data {
		if session.UserID == userID && now.Before(session.ExpiresAt) {
			out = append(out, session)
		}
	}
	s.mu.RUnlock()
	sortSessions(out)
	return out
}

func (s *MemorySessionStore) DeleteByUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, session := range s.data {
		if session.UserID == userID {
			delete(s.data, key)
			delete(s.byRefresh, session.RefreshHash)
			n++
		}
	}
	return n
}

func (s *MemorySessionStore) Sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, session := range s.data {
		if !now.Before(session.ExpiresAt) {
			delete(s.data, key)
			delete(s.byRefresh, session.RefreshHash)
		}
	}
}

func sortSessions(sessions []AuthSession) {
	slices.SortFunc(sessions, func(a, b AuthSession) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
