// Package session owns the authoritative view of who is signed in: the
// current user, the loading flag, and the browsing-session scoped
// second-factor flag. It wires the credential store, the refresh coordinator
// and the authorizing transport into one identity client.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/sessiongate/autherr"
	"github.com/jmcleod/sessiongate/gate"
	"github.com/jmcleod/sessiongate/identity"
	"github.com/jmcleod/sessiongate/internal/redact"
	"github.com/jmcleod/sessiongate/refresh"
	"github.com/jmcleod/sessiongate/storage"
	"github.com/jmcleod/sessiongate/transport"
)

// SecondFactorKey is the SessionValues key of the second-factor flag.
const SecondFactorKey = "2fa_verified"

// Manager is safe for concurrent use. No lock is held across a network call.
type Manager struct {
	client  *identity.Client
	store   storage.CredentialStore
	values  storage.SessionValues
	coord   *refresh.Coordinator
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	user    *identity.User
	loading bool

	subMu   sync.Mutex
	nextSub int
	subs    []subscriber
}

type subscriber struct {
	id int
	fn func(Event)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger shared by the session, the refresh
// coordinator and the transport.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithRefreshTimeout bounds each token refresh.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

// New wires store and values into client. From here on every authorized
// request made through client carries the stored access token and survives
// one expiry by way of a coordinated refresh. client must not be shared with
// another Manager.
func New(client *identity.Client, store storage.CredentialStore, values storage.SessionValues, opts ...Option) *Manager {
	m := &Manager{
		client:  client,
		store:   store,
		values:  values,
		timeout: refresh.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}

	m.coord = refresh.New(store, client, refresh.WithTimeout(m.timeout), refresh.WithLogger(m.logger))
	client.WrapTransport(transport.Middleware(store, m.coord, transport.WithLogger(m.logger)))
	m.coord.OnFailure(m.forceLogout)

	m.logger = m.logger.With("component", "session")
	return m
}

// Client returns the wired identity client.
func (m *Manager) Client() *identity.Client { return m.client }

// Coordinator returns the refresh coordinator.
func (m *Manager) Coordinator() *refresh.Coordinator { return m.coord }

// State returns a snapshot of the session.
func (m *Manager) State() State {
	m.mu.RLock()
	st := State{User: cloneUser(m.user), Loading: m.loading}
	m.mu.RUnlock()
	st.SecondFactorSatisfied = m.secondFactor()
	return st
}

// GateState resolves the access gate state of the current session.
func (m *Manager) GateState() gate.State {
	return gate.Resolve(m.State().Subject())
}

// CanReach decides whether the current session may enter d.
func (m *Manager) CanReach(d gate.Destination) gate.Decision {
	return gate.CanReach(m.State().Subject(), d)
}

// Initialize restores a stored session. With an access token present it
// fetches the profile; a rejected token ends in a local logout. Network
// failures leave the stored credentials in place and are returned.
func (m *Manager) Initialize(ctx context.Context) error {
	m.setLoading(true)
	defer m.setLoading(false)

	creds, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("failed to read credentials: %w", err)
	}
	if creds.AccessToken == "" {
		return nil
	}

	user, err := m.client.Profile(ctx)
	if err != nil {
		if errors.Is(err, autherr.ErrNetwork) {
			m.logger.Warn("profile fetch failed; keeping stored credentials", "error", err)
			return err
		}
		m.logger.Info("stored session rejected", "error", err)
		return m.Logout(ctx)
	}

	m.setUser(user)
	m.logger.Info("session restored", "user", redact.Email(user.Email))
	m.publish(EventProfile, nil)
	return nil
}

// Login signs in and stores the issued tokens. The second-factor flag is
// always false afterwards, whatever the previous session had.
func (m *Manager) Login(ctx context.Context, email, password string) (*identity.User, error) {
	resp, err := m.client.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	user := resp.User
	if err := m.establish(storage.Credentials{AccessToken: resp.Access, RefreshToken: resp.Refresh}, &user); err != nil {
		return nil, err
	}
	m.logger.Info("signed in", "user", redact.Email(user.Email), "two_factor", user.Is2FAEnabled)
	m.publish(EventLogin, nil)
	return cloneUser(&user), nil
}

// Register creates an account. The session is established only when the
// service issues tokens with the response.
func (m *Manager) Register(ctx context.Context, req identity.RegisterRequest) (*identity.RegisterResponse, error) {
	resp, err := m.client.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Tokens != nil && resp.Tokens.Access != "" {
		user := resp.User
		if err := m.establish(storage.Credentials{AccessToken: resp.Tokens.Access, RefreshToken: resp.Tokens.Refresh}, &user); err != nil {
			return nil, err
		}
		m.publish(EventLogin, nil)
	}
	return resp, nil
}

// VerifyEmail redeems a verification token. Tokens issued with the response
// establish a session; otherwise a signed-in user's profile is refetched so
// IsVerified reflects the change.
func (m *Manager) VerifyEmail(ctx context.Context, token string) (*identity.VerifyEmailResponse, error) {
	resp, err := m.client.VerifyEmail(ctx, token)
	if err != nil {
		return nil, err
	}

	if resp.Access != "" {
		user := resp.User
		if err := m.establish(storage.Credentials{AccessToken: resp.Access, RefreshToken: resp.Refresh}, user); err != nil {
			return nil, err
		}
		if user == nil {
			if _, err := m.RefreshProfile(ctx); err != nil {
				m.logger.Warn("profile fetch after verification failed", "error", err)
			}
		}
		m.publish(EventLogin, nil)
		return resp, nil
	}

	if m.State().IsAuthenticated() {
		if _, err := m.RefreshProfile(ctx); err != nil {
			m.logger.Warn("profile fetch after verification failed", "error", err)
		}
	}
	return resp, nil
}

// ResendVerification asks for a new verification email. An empty email
// falls back to the signed-in user's address.
func (m *Manager) ResendVerification(ctx context.Context, email string) (string, error) {
	if email == "" {
		if u := m.State().User; u != nil {
			email = u.Email
		}
	}
	if email == "" {
		return "", autherr.New(autherr.ErrAuth, autherr.ReasonValidation, "Email is required")
	}
	return m.client.ResendVerification(ctx, email)
}

// Logout invalidates the refresh token remotely when possible and then
// clears local state unconditionally. Only a failure to clear the local
// store is returned.
func (m *Manager) Logout(ctx context.Context) error {
	creds, err := m.store.Load()
	if err == nil && creds.RefreshToken != "" && creds.AccessToken != "" {
		if rerr := m.client.Logout(ctx, creds.RefreshToken); rerr != nil {
			m.logger.Warn("remote logout failed", "error", rerr)
		}
	}

	cerr := m.reset()
	m.logger.Info("signed out")
	m.publish(EventLogout, nil)
	return cerr
}

// RefreshProfile refetches the user and replaces it wholesale.
func (m *Manager) RefreshProfile(ctx context.Context) (*identity.User, error) {
	user, err := m.client.Profile(ctx)
	if err != nil {
		return nil, err
	}
	if !m.State().IsAuthenticated() {
		creds, lerr := m.store.Load()
		if lerr != nil || creds.AccessToken == "" {
			// Logged out while the request was in flight.
			return nil, autherr.New(autherr.ErrAuth, autherr.ReasonUnauthorized, "session ended")
		}
	}
	m.setUser(user)
	m.publish(EventProfile, nil)
	return cloneUser(user), nil
}

// SetTwoFactorEnabled records an enrollment change made through the
// second-factor flow without a profile round trip.
func (m *Manager) SetTwoFactorEnabled(enabled bool) {
	m.mu.Lock()
	if m.user == nil {
		m.mu.Unlock()
		return
	}
	u := *m.user
	u.Is2FAEnabled = enabled
	m.user = &u
	m.mu.Unlock()
	m.publish(EventProfile, nil)
}

// MarkSecondFactorSatisfied sets the second-factor flag for this browsing
// session.
func (m *Manager) MarkSecondFactorSatisfied() {
	m.values.Put(SecondFactorKey, "true")
	m.publish(EventSecondFactor, nil)
}

// ClearSecondFactorSatisfied unsets the second-factor flag.
func (m *Manager) ClearSecondFactorSatisfied() {
	m.values.Delete(SecondFactorKey)
	m.publish(EventSecondFactor, nil)
}

// SkipSecondFactor bypasses the second factor for this session. It fails
// with autherr.ErrPolicyViolation for admins and for accounts that have a
// factor enrolled; the state is left unchanged in that case.
func (m *Manager) SkipSecondFactor() error {
	if err := gate.Skip(m.State().Subject()); err != nil {
		return err
	}
	m.MarkSecondFactorSatisfied()
	return nil
}

// establish commits a new session. The user is replaced only after the store
// write succeeds, so a failed write leaves the previous state intact.
func (m *Manager) establish(creds storage.Credentials, user *identity.User) error {
	if err := m.store.Put(creds); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}
	m.values.Delete(SecondFactorKey)
	if user != nil {
		m.setUser(user)
	}
	return nil
}

func (m *Manager) reset() error {
	err := m.store.Clear()
	if err != nil {
		m.logger.Error("failed to clear credentials", "error", err)
	}
	m.values.Clear()
	m.setUser(nil)
	return err
}

// forceLogout runs after the coordinator has given up on the refresh token.
func (m *Manager) forceLogout(cause error) {
	m.logger.Warn("session expired; signing out", "error", cause)
	m.reset()
	m.publish(EventForcedLogout, cause)
}

func (m *Manager) secondFactor() bool {
	v, ok := m.values.Get(SecondFactorKey)
	return ok && v == "true"
}

func (m *Manager) setUser(u *identity.User) {
	m.mu.Lock()
	m.user = cloneUser(u)
	m.mu.Unlock()
}

func (m *Manager) setLoading(v bool) {
	m.mu.Lock()
	m.loading = v
	m.mu.Unlock()
}

func cloneUser(u *identity.User) *identity.User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}
