package autherr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesKind(t *testing.T) {
	err := New(ErrInvalidCode, ReasonValidation, "Invalid verification code")
	assert.ErrorIs(t, err, ErrInvalidCode)
	assert.NotErrorIs(t, err, ErrAuth)
	assert.Equal(t, "invalid verification code: Invalid verification code", err.Error())
}

func TestWrapPreservesDetails(t *testing.T) {
	inner := &Error{Kind: ErrAuth, Reason: ReasonUnauthorized, Status: 401, Message: "token expired"}
	wrapped := Wrap(ErrRefreshFailed, fmt.Errorf("refresh: %w", inner))

	assert.ErrorIs(t, wrapped, ErrRefreshFailed)
	assert.Equal(t, ReasonUnauthorized, wrapped.Reason)
	assert.Equal(t, 401, wrapped.Status)
	assert.Equal(t, "token expired", Message(wrapped))
}

func TestWrapPlainCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(ErrNetwork, cause)

	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ReasonUnknown, ReasonOf(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "", Message(nil))
	assert.Equal(t, "boom", Message(errors.New("boom")))
	assert.Equal(t, "policy violation", New(ErrPolicyViolation, ReasonForbidden, "").Error())
}
