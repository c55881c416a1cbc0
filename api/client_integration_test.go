package api_test

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/sessiongate/api"
	"github.com/jmcleod/sessiongate/autherr"
	"github.com/jmcleod/sessiongate/gate"
	"github.com/jmcleod/sessiongate/identity"
	"github.com/jmcleod/sessiongate/session"
	"github.com/jmcleod/sessiongate/storage/memory"
	"github.com/jmcleod/sessiongate/twofactor"
)

type clientStack struct {
	store   *memory.CredentialStore
	manager *session.Manager
	flow    *twofactor.Flow
	events  chan session.EventType
}

func newClientStack(t *testing.T, ts *testServer) *clientStack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := identity.New(ts.URL, identity.WithLogger(logger))
	require.NoError(t, err)

	cs := &clientStack{
		store:  memory.NewCredentialStore(),
		events: make(chan session.EventType, 32),
	}
	cs.manager = session.New(client, cs.store, memory.NewSessionValues(), session.WithLogger(logger))
	cs.flow = twofactor.New(client, cs.manager, twofactor.WithLogger(logger))
	unsubscribe := cs.manager.Subscribe(func(ev session.Event) {
		select {
		case cs.events <- ev.Type:
		default:
		}
	})
	t.Cleanup(unsubscribe)
	return cs
}

func (cs *clientStack) sawEvent(want session.EventType) bool {
	for {
		select {
		case got := <-cs.events:
			if got == want {
				return true
			}
		default:
			return false
		}
	}
}

func TestClientLoginAndSkip(t *testing.T) {
	ts := setupServer(t, api.Config{})
	ts.createUser(t, "ada@example.com", identity.RoleUser)
	cs := newClientStack(t, ts)
	ctx := t.Context()

	_, err := cs.manager.Login(ctx, "ada@example.com", "wrong password")
	require.Error(t, err)
	assert.True(t, errors.Is(err, autherr.ErrAuth))
	assert.Equal(t, autherr.ReasonInvalidCredentials, autherr.ReasonOf(err))
	assert.Equal(t, gate.Anonymous, cs.manager.GateState())

	user, err := cs.manager.Login(ctx, "ADA@example.com", testPassword)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, gate.PendingFactor, cs.manager.GateState())
	assert.False(t, cs.manager.CanReach(gate.Protected).Allowed)

	require.NoError(t, cs.manager.SkipSecondFactor())
	assert.Equal(t, gate.Verified, cs.manager.GateState())
	assert.True(t, cs.manager.CanReach(gate.Protected).Allowed)
	assert.Equal(t, gate.Protected, cs.manager.CanReach(gate.AdminOnly).Redirect)
}

func TestClientRefreshesExpiredAccessToken(t *testing.T) {
	ts := setupServer(t, api.Config{})
	ts.createUser(t, "ada@example.com", identity.RoleUser)
	cs := newClientStack(t, ts)
	ctx := t.Context()

	_, err := cs.manager.Login(ctx, "ada@example.com", testPassword)
	require.NoError(t, err)
	before, err := cs.store.Load()
	require.NoError(t, err)

	ts.clock.Advance(api.DefaultAccessTTL + time.Minute)
	user, err := cs.manager.RefreshProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", user.Email)

	after, err := cs.store.Load()
	require.NoError(t, err)
	assert.NotEqual(t, before.AccessToken, after.AccessToken)
	assert.NotEqual(t, before.RefreshToken, after.RefreshToken, "refresh tokens rotate")
	assert.Equal(t, 1, cs.manager.Coordinator().Stats().Refreshes)
}

func TestClientForcedLogoutAfterTerminateAll(t *testing.T) {
	ts := setupServer(t, api.Config{})
	ts.createUser(t, "ada@example.com", identity.RoleUser)
	cs := newClientStack(t, ts)
	ctx := t.Context()

	_, err := cs.manager.Login(ctx, "ada@example.com", testPassword)
	require.NoError(t, err)
	require.NoError(t, cs.manager.Client().TerminateAllSessions(ctx))

	_, err = cs.manager.RefreshProfile(ctx)
	require.Error(t, err)
	assert.True(t, cs.sawEvent(session.EventForcedLogout))
	assert.False(t, cs.manager.State().IsAuthenticated())

	creds, err := cs.store.Load()
	require.NoError(t, err)
	assert.True(t, creds.Empty())
}

func TestClientAdminMustEnroll(t *testing.T) {
	ts := setupServer(t, api.Config{})
	ts.createUser(t, "root@example.com", identity.RoleAdmin)
	cs := newClientStack(t, ts)
	ctx := t.Context()

	_, err := cs.manager.Login(ctx, "root@example.com", testPassword)
	require.NoError(t, err)

	err = cs.manager.SkipSecondFactor()
	require.ErrorIs(t, err, autherr.ErrPolicyViolation)
	assert.Equal(t, gate.MsgAdminMustEnroll, autherr.Message(err))
	assert.Equal(t, gate.PendingFactor, cs.manager.GateState())

	enr, err := cs.flow.Begin(ctx)
	require.NoError(t, err)
	assert.Equal(t, twofactor.AwaitingCode, cs.flow.State())

	_, err = cs.flow.VerifyEnrollment(ctx, "000000")
	assert.ErrorIs(t, err, autherr.ErrInvalidCode)
	assert.Equal(t, twofactor.AwaitingCode, cs.flow.State())

	code, err := totp.GenerateCode(enr.Secret, ts.clock.Now())
	require.NoError(t, err)
	codes, err := cs.flow.VerifyEnrollment(ctx, code)
	require.NoError(t, err)
	assert.Len(t, codes, 10)
	assert.True(t, cs.manager.State().User.Is2FAEnabled)
	assert.Equal(t, gate.PendingFactor, cs.manager.GateState(), "enrolling does not satisfy the factor")

	remaining, err := cs.flow.VerifyBackupCode(ctx, codes[0])
	require.NoError(t, err)
	assert.Equal(t, 9, remaining)
	assert.Equal(t, gate.Verified, cs.manager.GateState())
	assert.True(t, cs.manager.CanReach(gate.AdminOnly).Allowed)

	dash, err := cs.manager.Client().AdminDashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dash.TwoFactorUsers)

	// A fresh login starts pending again.
	_, err = cs.manager.Login(ctx, "root@example.com", testPassword)
	require.NoError(t, err)
	assert.Equal(t, gate.PendingFactor, cs.manager.GateState())
	require.NoError(t, cs.flow.VerifyLogin(ctx, code))
	assert.Equal(t, gate.Verified, cs.manager.GateState())
}

func TestClientInitializeRestoresSession(t *testing.T) {
	ts := setupServer(t, api.Config{})
	ts.createUser(t, "ada@example.com", identity.RoleUser)
	first := newClientStack(t, ts)
	ctx := t.Context()

	_, err := first.manager.Login(ctx, "ada@example.com", testPassword)
	require.NoError(t, err)
	creds, err := first.store.Load()
	require.NoError(t, err)

	second := newClientStack(t, ts)
	require.NoError(t, second.store.Put(creds))
	require.NoError(t, second.manager.Initialize(ctx))
	assert.True(t, second.manager.State().IsAuthenticated())
	assert.False(t, second.manager.State().SecondFactorSatisfied)

	require.NoError(t, first.manager.Logout(ctx))
	third := newClientStack(t, ts)
	require.NoError(t, third.store.Put(creds))
	require.NoError(t, third.manager.Initialize(ctx))
	assert.False(t, third.manager.State().IsAuthenticated(), "a revoked session is dropped")
}
