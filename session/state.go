package session

import (
	"github.com/jmcleod/sessiongate/gate"
	"github.com/jmcleod/sessiongate/identity"
)

// State is a read-only snapshot of the session.
type State struct {
	User                  *identity.User
	Loading               bool
	SecondFactorSatisfied bool
}

func (s State) IsAuthenticated() bool { return s.User != nil }

func (s State) IsAdmin() bool { return s.User.IsAdmin() }

// IsVerified reports whether the user's email address is verified.
func (s State) IsVerified() bool { return s.User != nil && s.User.IsVerified }

// Subject projects the snapshot onto the access gate's inputs.
func (s State) Subject() gate.Subject {
	sub := gate.Subject{
		Authenticated:         s.IsAuthenticated(),
		SecondFactorSatisfied: s.SecondFactorSatisfied,
	}
	if s.User != nil {
		sub.Admin = s.User.IsAdmin()
		sub.TwoFactorEnabled = s.User.Is2FAEnabled
	}
	return sub
}

// EventType identifies a session change.
type EventType int

const (
	EventLogin EventType = iota + 1
	EventLogout
	// EventForcedLogout follows an irrecoverable refresh failure. Listeners
	// should send the user to the anonymous surface.
	EventForcedLogout
	EventProfile
	EventSecondFactor
)

func (t EventType) String() string {
	switch t {
	case EventLogin:
		return "login"
	case EventLogout:
		return "logout"
	case EventForcedLogout:
		return "forced_logout"
	case EventProfile:
		return "profile"
	case EventSecondFactor:
		return "second_factor"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers after the change is committed.
type Event struct {
	Type  EventType
	State State
	Err   error
}

// Subscribe registers fn for every subsequent event and returns a function
// that removes it. fn runs synchronously on the goroutine that made the
// change and must not block.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.subMu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) publish(t EventType, err error) {
	m.subMu.Lock()
	subs := append([]subscriber(nil), m.subs...)
	m.subMu.Unlock()
	if len(subs) == 0 {
		return
	}
	ev := Event{Type: t, State: m.State(), Err: err}
	for _, s := range subs {
		s.fn(ev)
	}
}
