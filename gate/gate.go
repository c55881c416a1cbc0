// Package gate decides which application surface a session may reach. It is
// a pure function of the session snapshot; it never performs I/O.
package gate

import (
	"strings"

	"github.com/jmcleod/sessiongate/autherr"
)

// State is the gate's view of a session.
type State int

const (
	Anonymous State = iota
	PendingFactor
	Verified
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case PendingFactor:
		return "pending-factor"
	case Verified:
		return "verified"
	default:
		return "unknown"
	}
}

// Destination classifies an application surface.
type Destination int

const (
	// PublicOnly surfaces (login, register) are for signed-out users.
	PublicOnly Destination = iota
	// PendingFactorSurface is the second-factor verification screen.
	PendingFactorSurface
	// Protected surfaces need a verified session.
	Protected
	// AdminOnly surfaces need a verified admin session.
	AdminOnly
	// Open surfaces (email verification and password reset links) are
	// reachable in every state.
	Open
)

func (d Destination) String() string {
	switch d {
	case PublicOnly:
		return "public"
	case PendingFactorSurface:
		return "pending-factor"
	case Protected:
		return "protected"
	case AdminOnly:
		return "admin"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// Subject is the slice of session state the gate looks at.
type Subject struct {
	Authenticated         bool
	Admin                 bool
	TwoFactorEnabled      bool
	SecondFactorSatisfied bool
}

// Decision is the outcome of CanReach. When Allowed is false, Redirect names
// where the session should be sent instead.
type Decision struct {
	Allowed  bool
	Redirect Destination
}

func allow() Decision {
	return Decision{Allowed: true}
}

func redirect(to Destination) Decision {
	return Decision{Redirect: to}
}

// Resolve maps a subject to its gate state.
func Resolve(s Subject) State {
	switch {
	case !s.Authenticated:
		return Anonymous
	case s.SecondFactorSatisfied:
		return Verified
	default:
		return PendingFactor
	}
}

// Landing is where a session lands when it asks for the root surface.
func Landing(s Subject) Destination {
	switch Resolve(s) {
	case Verified:
		return Protected
	case PendingFactor:
		return PendingFactorSurface
	default:
		return PublicOnly
	}
}

// CanReach reports whether s may reach d.
//
//	state          public   pending   protected   admin
//	anonymous      allow    →public   →public     →public
//	pending        →pend.   allow     →pending    →pending
//	verified       →prot.   allow     allow       admin ? allow : →protected
func CanReach(s Subject, d Destination) Decision {
	if d == Open {
		return allow()
	}
	switch Resolve(s) {
	case Anonymous:
		if d == PublicOnly {
			return allow()
		}
		return redirect(PublicOnly)
	case PendingFactor:
		if d == PendingFactorSurface {
			return allow()
		}
		return redirect(PendingFactorSurface)
	default:
		switch d {
		case PublicOnly:
			return redirect(Protected)
		case AdminOnly:
			if s.Admin {
				return allow()
			}
			return redirect(Protected)
		default:
			return allow()
		}
	}
}

// Messages returned by Skip.
const (
	MsgAdminMustEnroll  = "Administrators must enable 2FA for security. Please set up 2FA to continue."
	MsgCodeRequired     = "Two-factor authentication is enabled for this account. Enter a verification code to continue."
	MsgSignInBeforeSkip = "Sign in before continuing."
)

// Skip reports whether s may bypass the second factor. Only authenticated
// non-admin accounts without an enrolled factor may skip.
func Skip(s Subject) error {
	switch {
	case !s.Authenticated:
		return autherr.New(autherr.ErrAuth, autherr.ReasonUnauthorized, MsgSignInBeforeSkip)
	case s.TwoFactorEnabled:
		return autherr.New(autherr.ErrPolicyViolation, autherr.ReasonForbidden, MsgCodeRequired)
	case s.Admin:
		return autherr.New(autherr.ErrPolicyViolation, autherr.ReasonForbidden, MsgAdminMustEnroll)
	default:
		return nil
	}
}

var routes = map[Destination]string{
	PublicOnly:           "/login",
	PendingFactorSurface: "/2fa-verification",
	Protected:            "/dashboard",
	AdminOnly:            "/admin",
}

// Route returns the canonical path of a destination class.
func Route(d Destination) string {
	if r, ok := routes[d]; ok {
		return r
	}
	return "/"
}

// DestinationFor classifies an application path. The root path is not a
// destination; use Landing for it.
func DestinationFor(path string) (Destination, bool) {
	path = "/" + strings.Trim(path, "/")
	switch {
	case path == "/login", path == "/register":
		return PublicOnly, true
	case path == "/2fa-verification":
		return PendingFactorSurface, true
	case path == "/dashboard", strings.HasPrefix(path, "/dashboard/"):
		return Protected, true
	case path == "/admin", strings.HasPrefix(path, "/admin/"):
		return AdminOnly, true
	case strings.HasPrefix(path, "/verify-email/"), strings.HasPrefix(path, "/reset-password/"):
		return Open, true
	default:
		return 0, false
	}
}
