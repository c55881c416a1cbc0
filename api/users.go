package api

import (
	"cmp"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/sessiongate/identity"
	"github.com/jmcleod/sessiongate/internal/util"
	"github.com/jmcleod/sessiongate/internal/uuid"
)

const (
	verificationTTL = 24 * time.Hour
	resetTTL        = time.Hour
)

var (
	errEmailTaken      = errors.New("email already registered")
	errUsernameTaken   = errors.New("username already taken")
	errTokenInvalid    = errors.New("invalid verification token")
	errTokenExpired    = errors.New("verification token has expired")
	errAlreadyVerified = errors.New("email already verified")
)

// userDirectory is the in-memory account table. Records are copied in and
// out so callers never share a pointer with the map.
type userDirectory struct {
	mu      sync.RWMutex
	byID    map[string]*userRecord
	byEmail map[string]string
	byName  map[string]string
	verify  map[string]verificationToken
	resets  map[string]resetToken
}

func newUserDirectory() *userDirectory {
	return &userDirectory{
		byID:    make(map[string]*userRecord),
		byEmail: make(map[string]string),
		byName:  make(map[string]string),
		verify:  make(map[string]verificationToken),
		resets:  make(map[string]resetToken),
	}
}

// create inserts u under a fresh ID. Email and username are unique, the
// username case-insensitively.
func (d *userDirectory) create(u userRecord) (userRecord, error) {
	u.Email = identity.NormalizeEmail(u.Email)
	name := strings.ToLower(u.Username)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byEmail[u.Email]; ok {
		return userRecord{}, errEmailTaken
	}
	if _, ok := d.byName[name]; ok {
		return userRecord{}, errUsernameTaken
	}
	u.ID = uuid.New()
	rec := u.clone()
	d.byID[u.ID] = &rec
	d.byEmail[u.Email] = u.ID
	d.byName[name] = u.ID
	return rec.clone(), nil
}

func (d *userDirectory) get(id string) (userRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.byID[id]
	if !ok {
		return userRecord{}, false
	}
	return rec.clone(), true
}

func (d *userDirectory) byEmailAddress(email string) (userRecord, bool) {
	d.mu.RLock()
	id, ok := d.byEmail[identity.NormalizeEmail(email)]
	d.mu.RUnlock()
	if !ok {
		return userRecord{}, false
	}
	return d.get(id)
}

// update applies fn to the record under the write lock. The record is left
// unchanged when fn returns an error.
func (d *userDirectory) update(id string, fn func(*userRecord) error) (userRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.byID[id]
	if !ok {
		return userRecord{}, errUserNotFound
	}
	next := rec.clone()
	if err := fn(&next); err != nil {
		return userRecord{}, err
	}
	*rec = next
	return next.clone(), nil
}

// list returns every account, newest first.
func (d *userDirectory) list() []userRecord {
	d.mu.RLock()
	out := make([]userRecord, 0, len(d.byID))
	for _, rec := range d.byID {
		out = append(out, rec.clone())
	}
	d.mu.RUnlock()
	slices.SortFunc(out, func(a, b userRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Email, b.Email)
	})
	return out
}

func (d *userDirectory) stats() identity.DashboardResponse {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var s identity.DashboardResponse
	for _, rec := range d.byID {
		s.TotalUsers++
		if rec.IsActive {
			s.ActiveUsers++
		}
		if rec.IsVerified {
			s.VerifiedUsers++
		}
		if rec.Role == identity.RoleAdmin {
			s.AdminUsers++
		}
		if rec.twoFactorEnabled() {
			s.TwoFactorUsers++
		}
	}
	return s
}

// issueVerification replaces any outstanding verification token of id.
func (d *userDirectory) issueVerification(id string, now time.Time) (string, error) {
	token, err := util.RandomToken(24)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for t, v := range d.verify {
		if v.UserID == id {
			delete(d.verify, t)
		}
	}
	d.verify[token] = verificationToken{UserID: id, CreatedAt: now}
	return token, nil
}

// redeemVerification marks the token's account verified and consumes the
// token.
func (d *userDirectory) redeemVerification(token string, now time.Time) (userRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.verify[token]
	if !ok {
		return userRecord{}, errTokenInvalid
	}
	rec, ok := d.byID[v.UserID]
	if !ok {
		delete(d.verify, token)
		return userRecord{}, errTokenInvalid
	}
	if rec.IsVerified {
		delete(d.verify, token)
		return userRecord{}, errAlreadyVerified
	}
	if now.Sub(v.CreatedAt) >= verificationTTL {
		return userRecord{}, errTokenExpired
	}
	delete(d.verify, token)
	rec.IsVerified = true
	return rec.clone(), nil
}

func (d *userDirectory) issueReset(id string, now time.Time) string {
	token := uuid.New()
	d.mu.Lock()
	d.resets[token] = resetToken{UserID: id, ExpiresAt: now.Add(resetTTL)}
	d.mu.Unlock()
	return token
}

// peekReset resolves a reset token without consuming it.
func (d *userDirectory) peekReset(token string, now time.Time) (userRecord, bool) {
	d.mu.RLock()
	rt, ok := d.resets[token]
	d.mu.RUnlock()
	if !ok || !now.Before(rt.ExpiresAt) {
		return userRecord{}, false
	}
	return d.get(rt.UserID)
}

// consumeReset resolves and deletes a reset token. Tokens are single use
// even when the caller goes on to reject the request.
func (d *userDirectory) consumeReset(token string, now time.Time) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rt, ok := d.resets[token]
	if !ok {
		return "", false
	}
	delete(d.resets, token)
	if !now.Before(rt.ExpiresAt) {
		return "", false
	}
	return rt.UserID, true
}

func (d *userDirectory) sweep(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for t, rt := range d.resets {
		if !now.Before(rt.ExpiresAt) {
			delete(d.resets, t)
		}
	}
	for t, v := range d.verify {
		if now.Sub(v.CreatedAt) >= verificationTTL {
			delete(d.verify, t)
		}
	}
	for _, rec := range d.byID {
		if rec.Pending.Secret != "" && !now.Before(rec.Pending.ExpiresAt) {
			rec.Pending = pendingSecret{}
		}
	}
}
