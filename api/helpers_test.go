package api

import (
	"io"
	"log/slog"
	"testing"

	"github.com/jmcleod/sessiongate/identity"
	"github.com/jmcleod/sessiongate/internal/util"
)

// newTestAPI builds an API on a fake clock with cheap password hashing and
// a silent logger.
func newTestAPI(t *testing.T, opts ...Option) *API {
	t.Helper()
	clock := newFakeClock()
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithPasswordParams(util.LightArgon2idParams()),
		WithClock(clock.now),
	}
	a, err := New(Config{Secret: []byte("0123456789abcdef0123456789abcdef")}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func mustCreateUser(t *testing.T, a *API, email string, role identity.Role) userRecord {
	t.Helper()
	u, err := a.createUser(NewUser{
		Email:    email,
		Username: email,
		Password: "correct horse",
		Role:     role,
		Verified: true,
	})
	if err != nil {
		t.Fatalf("createUser(%s): %v", email, err)
	}
	return u
}
