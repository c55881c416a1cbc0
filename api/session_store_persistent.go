package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var (
	sessionBucket = []byte("sessions")
	refreshBucket = []byte("refresh_index")
)

// PersistentSessionStore stores login sessions in a bbolt file so they
// survive server restarts. Only refresh token hashes are written; the
// tokens themselves never touch disk.
type PersistentSessionStore struct {
	db     *bbolt.DB
	now    func() time.Time
	logger *slog.Logger
}

var _ SessionStore = (*PersistentSessionStore)(nil)

// NewPersistentSessionStore opens (or creates) the bbolt file at path.
// now may be nil.
func NewPersistentSessionStore(path string, now func() time.Time, logger *slog.Logger) (*PersistentSessionStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening session db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{sessionBucket, refreshBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing session db: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PersistentSessionStore{db: db, now: now, logger: logger.With("component", "session_store")}, nil
}

// Close closes the database.
func (s *PersistentSessionStore) Close() error {
	return s.db.Close()
}

func readSession(tx *bbolt.Tx, key string) (AuthSession, bool, error) {
	data := tx.Bucket(sessionBucket).Get([]byte(key))
	if data == nil {
		return AuthSession{}, false, nil
	}
	var session AuthSession
	if err := json.Unmarshal(data, &session); err != nil {
		return AuthSession{}, false, fmt.Errorf("decoding session %s: %w", key, err)
	}
	return session, true, nil
}

func writeSession(tx *bbolt.Tx, session AuthSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return tx.Bucket(sessionBucket).Put([]byte(session.SessionKey), data)
}

func deleteSession(tx *bbolt.Tx, session AuthSession) error {
	if err := tx.Bucket(refreshBucket).Delete([]byte(session.RefreshHash)); err != nil {
		return err
	}
	return tx.Bucket(sessionBucket).Delete([]byte(session.SessionKey))
}

func (s *PersistentSessionStore) Create(session AuthSession) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if old, ok, err := readSession(tx, session.SessionKey); err != nil {
			return err
		} else if ok {
			if err := tx.Bucket(refreshBucket).Delete([]byte(old.RefreshHash)); err != nil {
				return err
			}
		}
		if err := writeSession(tx, session); err != nil {
			return err
		}
		return tx.Bucket(refreshBucket).Put([]byte(session.RefreshHash), []byte(session.SessionKey))
	})
}

func (s *PersistentSessionStore) Get(sessionKey string) (AuthSession, bool) {
	var (
		session AuthSession
		ok      bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		session, ok, err = readSession(tx, sessionKey)
		return err
	})
	if err != nil {
		s.logger.Warn("session read failed", "error", err)
		return AuthSession{}, false
	}
	if !ok {
		return AuthSession{}, false
	}
	if !s.now().Before(session.ExpiresAt) {
		s.Delete(sessionKey)
		return AuthSession{}, false
	}
	return session, true
}

func (s *PersistentSessionStore) ByRefreshHash(hash string) (AuthSession, bool) {
	var key string
	s.db.View(func(tx *bbolt.Tx) error {
		key = string(tx.Bucket(refreshBucket).Get([]byte(hash)))
		return nil
	})
	if key == "" {
		return AuthSession{}, false
	}
	return s.Get(key)
}

func (s *PersistentSessionStore) Rotate(sessionKey, oldHash, newHash string, expiresAt time.Time) bool {
	rotated := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		session, ok, err := readSession(tx, sessionKey)
		if err != nil || !ok || session.RefreshHash != oldHash {
			return err
		}
		idx := tx.Bucket(refreshBucket)
		if err := idx.Delete([]byte(oldHash)); err != nil {
			return err
		}
		session.RefreshHash = newHash
		session.ExpiresAt = expiresAt
		if err := writeSession(tx, session); err != nil {
			return err
		}
		if err := idx.Put([]byte(newHash), []byte(sessionKey)); err != nil {
			return err
		}
		rotated = true
		return nil
	})
	if err != nil {
		s.logger.Warn("session rotate failed", "error", err)
		return false
	}
	return rotated
}

func (s *PersistentSessionStore) Touch(sessionKey string, at time.Time) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		session, ok, err := readSession(tx, sessionKey)
		if err != nil || !ok {
			return err
		}
		session.LastActivity = at
		return writeSession(tx, session)
	})
	if err != nil {
		s.logger.Warn("session touch failed", "error", err)
	}
}

func (s *PersistentSessionStore) Delete(sessionKey string) bool {
	deleted := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		session, ok, err := readSession(tx, sessionKey)
		if err != nil || !ok {
			return err
		}
		deleted = true
		return deleteSession(tx, session)
	})
	if err != nil {
		s.logger.Warn("session delete failed", "error", err)
		return false
	}
	return deleted
}

// scan visits every stored session. Undecodable records are skipped.
func (s *PersistentSessionStore) scan(tx *bbolt.Tx, fn func(AuthSession) error) error {
	return tx.Bucket(sessionBucket).ForEach(func(k, v []byte) error {
		var session AuthSession
		if err := json.Unmarshal(v, &session); err != nil {
			s.logger.Warn("skipping corrupt session record", "key", string(k), "error", err)
			return nil
		}
		return fn(session)
	})
}

func (s *PersistentSessionStore) ListByUser(userID string) []AuthSession {
	now := s.now()
	var out []AuthSession
	err := s.db.View(func(tx *bbolt.Tx) error {
		return s.scan(tx, func(session AuthSession) error {
			if session.UserID == userID && now.Before(session.ExpiresAt) {
				out = append(out, session)
			}
			return nil
		})
	})
	if err != nil {
		s.logger.Warn("session list failed", "error", err)
	}
	sortSessions(out)
	return out
}

// deleteWhere removes all sessions matching pred. Deletion happens after
// the scan since bbolt cursors must not be mutated during ForEach.
func (s *PersistentSessionStore) deleteWhere(pred func(AuthSession) bool) int {
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var doomed []AuthSession
		err := s.scan(tx, func(session AuthSession) error {
			if pred(session) {
				doomed = append(doomed, session)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, session := range doomed {
			if err := deleteSession(tx, session); err != nil {
				return err
			}
		}
		n = len(doomed)
		return nil
	})
	if err != nil {
		s.logger.Warn("session delete failed", "error", err)
		return 0
	}
	return n
}

func (s *PersistentSessionStore) DeleteByUser(userID string) int {
	return s.deleteWhere(func(session AuthSession) bool { return session.UserID == userID })
}

func (s *PersistentSessionStore) Sweep() {
	now := s.now()
	s.deleteWhere(func(session AuthSession) bool { return !now.Before(session.ExpiresAt) })
}
