// Package autherr defines the error taxonomy surfaced to callers of the
// session manager. Identity-service payloads are mapped into these kinds once,
// at the API boundary, so presentation code never inspects raw responses.
package autherr

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth covers rejected logins, registrations and email verifications.
	ErrAuth = errors.New("authentication failed")
	// ErrRefreshFailed means the refresh token was missing, rejected or timed out.
	ErrRefreshFailed = errors.New("token refresh failed")
	// ErrInvalidCode means a second-factor or backup code was rejected.
	ErrInvalidCode = errors.New("invalid verification code")
	// ErrNetwork means the identity service could not be reached.
	ErrNetwork = errors.New("identity service unreachable")
	// ErrPolicyViolation means an action is not permitted for the account,
	// such as an administrator skipping second-factor enrollment.
	ErrPolicyViolation = errors.New("policy violation")
)

// Reason classifies why the identity service rejected a call.
type Reason string

const (
	ReasonInvalidCredentials Reason = "invalid_credentials"
	ReasonUnauthorized       Reason = "unauthorized"
	ReasonForbidden          Reason = "forbidden"
	ReasonNotFound           Reason = "not_found"
	ReasonValidation         Reason = "validation"
	ReasonRateLimited        Reason = "rate_limited"
	ReasonServer             Reason = "server"
	ReasonUnknown            Reason = "unknown"
)

// Error is the concrete error returned by identity-facing operations.
// Kind is one of the sentinels above and is matched by errors.Is.
type Error struct {
	Kind    error
	Reason  Reason
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// New builds an Error of the given kind with a human-readable message.
func New(kind error, reason Reason, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message}
}

// Wrap attaches kind to an underlying cause. If err is already an *Error its
// reason, status and message are preserved under the new kind.
func Wrap(kind error, err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return &Error{Kind: kind, Reason: ae.Reason, Status: ae.Status, Message: ae.Message, Err: ae.Err}
	}
	return &Error{Kind: kind, Reason: ReasonUnknown, Err: err}
}

// ReasonOf returns the reason attached to err, or ReasonUnknown.
func ReasonOf(err error) Reason {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ReasonUnknown
}

// Message returns the user-facing message carried by err.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
