package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/sessiongate/api"
	"github.com/jmcleod/sessiongate/identity"
	"github.com/jmcleod/sessiongate/internal/util"
)

const testPassword = "correct horse"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// captureMailer records outgoing messages so tests can read tokens.
type captureMailer struct {
	mu   sync.Mutex
	sent []api.Message
}

func (m *captureMailer) Send(_ context.Context, msg api.Message) error {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	return nil
}

func (m *captureMailer) last(t *testing.T, kind api.MessageKind) api.Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].Kind == kind {
			return m.sent[i]
		}
	}
	t.Fatalf("no %s message sent", kind)
	return api.Message{}
}

type testServer struct {
	*httptest.Server
	api    *api.API
	clock  *testClock
	mailer *captureMailer
}

func setupServer(t *testing.T, cfg api.Config) *testServer {
	t.Helper()
	ts := &testServer{
		clock:  &testClock{t: time.Now().UTC().Truncate(time.Second)},
		mailer: &captureMailer{},
	}
	if cfg.Secret == nil {
		cfg.Secret = []byte("0123456789abcdef0123456789abcdef")
	}
	a, err := api.New(cfg,
		api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		api.WithPasswordParams(util.LightArgon2idParams()),
		api.WithClock(ts.clock.Now),
		api.WithMailer(ts.mailer),
	)
	require.NoError(t, err)
	ts.api = a
	ts.Server = httptest.NewServer(a.Router())
	t.Cleanup(func() {
		ts.Close()
		a.Close()
	})
	return ts
}

func (ts *testServer) createUser(t *testing.T, email string, role identity.Role) identity.User {
	t.Helper()
	u, err := ts.api.CreateUser(api.NewUser{Email: email, Password: testPassword, Role: role, Verified: true})
	require.NoError(t, err)
	return u
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// expect checks the status code and decodes the body into out.
func expect(t *testing.T, resp *http.Response, status int, out any) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, status, resp.StatusCode, "body: %s", data)
	if out != nil {
		require.NoError(t, json.Unmarshal(data, out), "body: %s", data)
	}
}

func (ts *testServer) login(t *testing.T, email, password string) identity.LoginResponse {
	t.Helper()
	var out identity.LoginResponse
	expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/auth/login/", "",
		identity.LoginRequest{Email: email, Password: password}), http.StatusOK, &out)
	return out
}

func TestRegisterRequiresVerification(t *testing.T) {
	ts := setupServer(t, api.Config{})

	var reg identity.RegisterResponse
	expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/auth/register/", "", identity.RegisterRequest{
		Email: "ada@example.com", Username: "ada", Password: testPassword, PasswordConfirm: testPassword,
	}), http.StatusCreated, &reg)
	assert.True(t, reg.VerificationRequired)
	assert.Nil(t, reg.Tokens)
	assert.False(t, reg.User.IsVerified)

	var verified identity.VerifyEmailResponse
	token := ts.mailer.last(t, api.MessageVerifyEmail).Token
	expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/auth/verify-email/", "",
		identity.VerifyEmailRequest{Token: token}), http.StatusOK, &verified)
	assert.NotEmpty(t, verified.Access)
	require.NotNil(t, verified.User)
	assert.True(t, verified.User.IsVerified)

	var fail identity.ErrorResponse
	expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/auth/verify-email/", "",
		identity.VerifyEmailRequest{Token: token}), http.StatusBadRequest, &fail)
	assert.Equal(t, "Verification failed: Invalid verification token", fail.Error)
}

func TestRegisterAutoVerify(t *testing.T) {
	ts := setupServer(t, api.Config{AutoVerify: true})

	var reg identity.RegisterResponse
	expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/auth/register/", "", identity.RegisterRequest{
		Email: "ada@example.com", Username: "ada", Password: testPassword, PasswordConfirm: testPassword,
	}), http.StatusCreated, &reg)
	require.NotNil(t, reg.Tokens)
	assert.False(t, reg.VerificationRequired)

	var me identity.User
	expect(t, doJSON(t, http.MethodGet, ts.URL+"/api/auth/profile/", reg.Tokens.Access, nil), http.StatusOK, &me)
	assert.Equal(t, "ada@example.com", me.Email)
}

func TestRegisterValidation(t *testing.T) {
	ts := setupServer(t, api.Config{})
	ts.createUser(t, "taken@example.com", identity.RoleUser)

	tests := []struct {
		name  string
		req   identity.RegisterRequest
		field string
		msg   string
	}{
		{"missing email", identity.RegisterRequest{Username: "x", Password: testPassword, PasswordConfirm: testPassword},
			"email", "This field is required."},
		{"bad email", identity.RegisterRequest{Email: "nope", Username: "x", Password: testPassword, PasswordConfirm: testPassword},
			"email", "Enter a valid email address."},
		{"short password", identity.RegisterRequest{Email: "x@example.com", Username: "x", Password: "short", PasswordConfirm: "short"},
			"password", "Ensure this field has at least 8 characters."},
		{"mismatch", identity.RegisterRequest{Email: "x@example.com", Username: "x", Password: testPassword, PasswordConfirm: "different pw"},
			"non_field_errors", "Passwords don't match"},
		{"duplicate", identity.RegisterRequest{Email: "TAKEN@example.com", Username: "y", Password: testPassword, PasswordConfirm: testPassword},
			"email", "Email already registered"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts.clock.Advance(10 * time.Second)
			var fe map[string][]string
			expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/auth/register/", "", tt.req), http.StatusBadRequest, &fe)
			assert.Contains(t, fe[tt.field], tt.msg)
		})
	}
}

func TestLoginFailuresLockAccount(t *testing.T) {
	ts := setupServer(t, api.Config{})
	ts.createUser(t, "ada@example.com", identity.RoleUser)

	for i := 0; i < 5; i++ {
		var detail map[string]string
		expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/auth/login/", "",
			identity.LoginRequest{Email: "ada@example.com", Password: "wrong password"}), http.StatusUnauthorized, &detail)
		assert.Equal(t, "no_active_account", detail["code"])
	}

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/auth/login/", "",
		identity.LoginRequest{Email: "ada@example.com", Password: testPassword})
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	expect(t, resp, http.StatusTooManyRequests, nil)

	// Unknown accounts never lock.
	for i := 0; i < 6; i++ {
		expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/auth/login/", "",
			identity.LoginRequest{Email: "ghost@example.com", Password: "x"}), http.StatusUnauthorized, nil)
	}
}

func TestAccessTokenExpiryAndRefreshRotation(t *testing.T) {
	ts := setupServer(t, api.Config{})
	ts.createUser(t, "ada@example.com", identity.RoleUser)
	login := ts.login(t, "ada@example.com", testPassword)
	require.NotEmpty(t, login.SessionKey)

	expect(t, doJSON(t, http.MethodGet, ts.URL+"/api/auth/profile/", login.Access, nil), http.StatusOK, nil)

	ts.clock.Advance(api.DefaultAccessTTL + time.Second)
	var detail map[string]string
	expect(t, doJSON(t, http.MethodGet, ts.URL+"/api/auth/profile/", login.Access, nil), http.StatusUnauthorized, &detail)
	assert.Equal(t, "token_not_valid", detail["code"])

	var refreshed identity.RefreshResponse
	expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/token/refresh/", "",
		identity.RefreshRequest{Refresh: login.Refresh}), http.StatusOK, &refreshed)
	assert.NotEqual(t, login.Refresh, refreshed.Refresh)
	expect(t, doJSON(t, http.MethodGet, ts.URL+"/api/auth/profile/", refreshed.Access, nil), http.StatusOK, nil)

	// The spent refresh token is rejected.
	expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/token/refresh/", "",
		identity.RefreshRequest{Refresh: login.Refresh}), http.StatusUnauthorized, &detail)
	assert.Equal(t, "Token is invalid or expired", detail["detail"])
}

func TestLogoutRevokesTokens(t *testing.T) {
	ts := setupServer(t, api.Config{})
	ts.createUser(t, "ada@example.com", identity.RoleUser)
	login := ts.login(t, "ada@example.com", testPassword)

	var msg identity.MessageResponse
	expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/auth/logout/", login.Access,
		identity.LogoutRequest{Refresh: login.Refresh}), http.StatusOK, &msg)
	assert.Equal(t, "Successfully logged out", msg.Message)

	expect(t, doJSON(t, http.MethodGet, ts.URL+"/api/auth/profile/", login.Access, nil), http.StatusUnauthorized, nil)
	expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/token/refresh/", "",
		identity.RefreshRequest{Refresh: login.Refresh}), http.StatusUnauthorized, nil)
}

func TestMissingBearerToken(t *testing.T) {
	ts := setupServer(t, api.Config{})
	var detail map[string]string
	expect(t, doJSON(t, http.MethodGet, ts.URL+"/api/auth/profile/", "", nil), http.StatusUnauthorized, &detail)
	assert.Equal(t, "not_authenticated", detail["code"])
}

func TestTwoFactorLifecycle(t *testing.T) {
	ts := setupServer(t, api.Config{})
	ts.createUser(t, "ada@example.com", identity.RoleUser)
	login := ts.login(t, "ada@example.com", testPassword)
	url := func(p string) string { return ts.URL + "/api/auth/" + p }

	var status identity.TwoFactorStatusResponse
	expect(t, doJSON(t, http.MethodGet, url("2fa-status/"), login.Access, nil), http.StatusOK, &status)
	assert.False(t, status.Is2FAEnabled)

	var setup identity.TwoFactorSetupResponse
	expect(t, doJSON(t, http.MethodPost, url("setup-2fa/"), login.Access, nil), http.StatusOK, &setup)
	require.NotEmpty(t, setup.Secret)

	var fail identity.ErrorResponse
	expect(t, doJSON(t, http.MethodPost, url("verify-2fa-setup/"), login.Access,
		identity.CodeRequest{Code: "000000"}), http.StatusBadRequest, &fail)

	code, err := totp.GenerateCode(setup.Secret, ts.clock.Now())
	require.NoError(t, err)
	var enabled identity.BackupCodesResponse
	expect(t, doJSON(t, http.MethodPost, url("verify-2fa-setup/"), login.Access,
		identity.CodeRequest{Code: code}), http.StatusOK, &enabled)
	require.Len(t, enabled.BackupCodes, 10)

	expect(t, doJSON(t, http.MethodPost, url("setup-2fa/"), login.Access, nil), http.StatusBadRequest, &fail)
	assert.Equal(t, "2FA is already enabled for this account", fail.Error)

	var verified identity.VerifyTwoFactorLoginResponse
	expect(t, doJSON(t, http.MethodPost, url("verify-2fa-login/"), login.Access,
		identity.VerifyTwoFactorLoginRequest{Code: code}), http.StatusOK, &verified)
	assert.True(t, verified.Verified)

	expect(t, doJSON(t, http.MethodPost, url("verify-2fa-login/"), login.Access,
		identity.VerifyTwoFactorLoginRequest{BackupCode: enabled.BackupCodes[0]}), http.StatusOK, &verified)
	assert.Equal(t, 9, verified.BackupCodesRemaining)

	expect(t, doJSON(t, http.MethodPost, url("verify-2fa-login/"), login.Access,
		identity.VerifyTwoFactorLoginRequest{BackupCode: enabled.BackupCodes[0]}), http.StatusBadRequest, &fail)
	assert.Equal(t, "Invalid or already used backup code", fail.Error)

	var regenerated identity.BackupCodesResponse
	expect(t, doJSON(t, http.MethodPost, url("regenerate-backup-codes/"), login.Access, nil), http.StatusOK, &regenerated)
	expect(t, doJSON(t, http.MethodPost, url("verify-2fa-login/"), login.Access,
		identity.VerifyTwoFactorLoginRequest{BackupCode: enabled.BackupCodes[1]}), http.StatusBadRequest, nil)

	expect(t, doJSON(t, http.MethodPost, url("disable-2fa/"), login.Access,
		identity.DisableTwoFactorRequest{CurrentPassword: "wrong password"}), http.StatusBadRequest, &fail)
	assert.Equal(t, "Current password is incorrect", fail.Error)
	expect(t, doJSON(t, http.MethodPost, url("disable-2fa/"), login.Access,
		identity.DisableTwoFactorRequest{CurrentPassword: testPassword}), http.StatusOK, nil)

	expect(t, doJSON(t, http.MethodGet, url("2fa-status/"), login.Access, nil), http.StatusOK, &status)
	assert.False(t, status.Is2FAEnabled)
	assert.Zero(t, status.BackupCodesRemaining)
}

func TestSessions(t *testing.T) {
	ts := setupServer(t, api.Config{})
	ts.createUser(t, "ada@example.com", identity.RoleUser)
	first := ts.login(t, "ada@example.com", testPassword)
	ts.clock.Advance(time.Second)
	second := ts.login(t, "ada@example.com", testPassword)

	var list struct {
		Sessions []identity.Session `json:"sessions"`
		Total    int                `json:"total"`
	}
	expect(t, doJSON(t, http.MethodGet, ts.URL+"/api/auth/sessions/", second.Access, nil), http.StatusOK, &list)
	require.Equal(t, 2, list.Total)
	assert.Equal(t, second.SessionKey, list.Sessions[0].SessionKey)
	assert.True(t, list.Sessions[0].Current)
	assert.False(t, list.Sessions[1].Current)

	expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/auth/terminate-session/", second.Access,
		identity.TerminateSessionRequest{SessionKey: first.SessionKey}), http.StatusOK, nil)
	expect(t, doJSON(t, http.MethodGet, ts.URL+"/api/auth/profile/", first.Access, nil), http.StatusUnauthorized, nil)

	var fail identity.ErrorResponse
	expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/auth/terminate-session/", second.Access,
		identity.TerminateSessionRequest{SessionKey: first.SessionKey}), http.StatusNotFound, &fail)
	assert.Equal(t, "Session not found or already terminated", fail.Error)
}

func TestTerminateAllSessions(t *testing.T) {
	ts := setupServer(t, api.Config{})
	ts.createUser(t, "ada@example.com", identity.RoleUser)
	a := ts.login(t, "ada@example.com", testPassword)
	b := ts.login(t, "ada@example.com", testPassword)
	c := ts.login(t, "ada@example.com", testPassword)

	var msg identity.MessageResponse
	expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/auth/terminate-all-sessions/", c.Access,
		map[string]string{"current_session_key": c.SessionKey}), http.StatusOK, &msg)
	assert.Equal(t, "Terminated 2 sessions successfully", msg.Message)
	expect(t, doJSON(t, http.MethodGet, ts.URL+"/api/auth/profile/", a.Access, nil), http.StatusUnauthorized, nil)
	expect(t, doJSON(t, http.MethodGet, ts.URL+"/api/auth/profile/", c.Access, nil), http.StatusOK, nil)

	expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/auth/terminate-all-sessions/", c.Access, nil), http.StatusOK, &msg)
	assert.Equal(t, "Terminated 1 sessions successfully", msg.Message)
	expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/token/refresh/", "",
		identity.RefreshRequest{Refresh: c.Refresh}), http.StatusUnauthorized, nil)
	expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/token/refresh/", "",
		identity.RefreshRequest{Refresh: b.Refresh}), http.StatusUnauthorized, nil)
}

func TestPasswordReset(t *testing.T) {
	ts := setupServer(t, api.Config{})
	ts.createUser(t, "ada@example.com", identity.RoleUser)
	old := ts.login(t, "ada@example.com", testPassword)

	var fail identity.ErrorResponse
	expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/auth/forgot-password/", "",
		identity.EmailRequest{Email: "ghost@example.com"}), http.StatusNotFound, &fail)

	expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/auth/forgot-password/", "",
		identity.EmailRequest{Email: "ada@example.com"}), http.StatusOK, nil)
	token := ts.mailer.last(t, api.MessagePasswordReset).Token

	var valid identity.ValidateResetTokenResponse
	expect(t, doJSON(t, http.MethodGet, ts.URL+"/api/auth/validate-reset-token/"+token+"/", "", nil), http.StatusOK, &valid)
	assert.True(t, valid.Valid)
	assert.Equal(t, "ada@example.com", valid.Email)

	expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/auth/reset-password/", "", map[string]string{
		"token": token, "new_password": "new password!", "confirm_password": "new password!",
	}), http.StatusOK, nil)

	expect(t, doJSON(t, http.MethodGet, ts.URL+"/api/auth/profile/", old.Access, nil), http.StatusUnauthorized, nil)
	expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/auth/login/", "",
		identity.LoginRequest{Email: "ada@example.com", Password: testPassword}), http.StatusUnauthorized, nil)
	ts.login(t, "ada@example.com", "new password!")

	expect(t, doJSON(t, http.MethodGet, ts.URL+"/api/auth/validate-reset-token/"+token+"/", "", nil), http.StatusBadRequest, nil)
}

func TestChangePassword(t *testing.T) {
	ts := setupServer(t, api.Config{})
	ts.createUser(t, "ada@example.com", identity.RoleUser)
	login := ts.login(t, "ada@example.com", testPassword)

	var fail identity.ErrorResponse
	expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/auth/change-password/", login.Access, identity.ChangePasswordRequest{
		CurrentPassword: testPassword, NewPassword: "new password!", NewPasswordConfirm: "other password",
	}), http.StatusBadRequest, &fail)
	assert.Equal(t, "New passwords do not match", fail.Error)

	expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/auth/change-password/", login.Access, identity.ChangePasswordRequest{
		CurrentPassword: testPassword, NewPassword: "new password!", NewPasswordConfirm: "new password!",
	}), http.StatusOK, nil)
	ts.login(t, "ada@example.com", "new password!")
}

func TestAdminEndpoints(t *testing.T) {
	ts := setupServer(t, api.Config{})
	admin := ts.createUser(t, "root@example.com", identity.RoleAdmin)
	user := ts.createUser(t, "ada@example.com", identity.RoleUser)
	adminLogin := ts.login(t, "root@example.com", testPassword)
	userLogin := ts.login(t, "ada@example.com", testPassword)
	url := func(p string) string { return ts.URL + "/api/auth/admin/" + p }

	var detail map[string]string
	expect(t, doJSON(t, http.MethodGet, url("dashboard/"), userLogin.Access, nil), http.StatusForbidden, &detail)
	assert.Equal(t, "You do not have permission to perform this action.", detail["detail"])

	var dash struct {
		identity.DashboardResponse
		Message string `json:"message"`
	}
	expect(t, doJSON(t, http.MethodGet, url("dashboard/"), adminLogin.Access, nil), http.StatusOK, &dash)
	assert.Equal(t, 2, dash.TotalUsers)
	assert.Equal(t, 1, dash.AdminUsers)
	assert.Equal(t, "Welcome Admin root!", dash.Message)

	var users struct {
		Users      []identity.User `json:"users"`
		Pagination struct {
			TotalCount int `json:"total_count"`
		} `json:"pagination"`
	}
	expect(t, doJSON(t, http.MethodGet, url("users/?search=ADA"), adminLogin.Access, nil), http.StatusOK, &users)
	require.Len(t, users.Users, 1)
	assert.Equal(t, user.ID, users.Users[0].ID)
	assert.Equal(t, 1, users.Pagination.TotalCount)

	var fail identity.ErrorResponse
	expect(t, doJSON(t, http.MethodPost, url("change-user-role/"), adminLogin.Access,
		identity.ChangeRoleRequest{UserID: admin.ID, Role: identity.RoleUser}), http.StatusBadRequest, &fail)
	assert.Equal(t, "You cannot demote yourself from admin", fail.Error)
	expect(t, doJSON(t, http.MethodPost, url("change-user-role/"), adminLogin.Access,
		identity.ChangeRoleRequest{UserID: user.ID, Role: "owner"}), http.StatusBadRequest, &fail)

	var changed identity.UserResponse
	expect(t, doJSON(t, http.MethodPost, url("change-user-role/"), adminLogin.Access,
		identity.ChangeRoleRequest{UserID: user.ID, Role: identity.RoleAdmin}), http.StatusOK, &changed)
	assert.Equal(t, identity.RoleAdmin, changed.User.Role)

	expect(t, doJSON(t, http.MethodPost, url("toggle-user-status/"), adminLogin.Access,
		identity.UserIDRequest{UserID: admin.ID}), http.StatusBadRequest, &fail)
	assert.Equal(t, "You cannot deactivate yourself", fail.Error)

	expect(t, doJSON(t, http.MethodPost, url("toggle-user-status/"), adminLogin.Access,
		identity.UserIDRequest{UserID: user.ID}), http.StatusOK, &changed)
	assert.False(t, changed.User.IsActive)
	expect(t, doJSON(t, http.MethodGet, ts.URL+"/api/auth/profile/", userLogin.Access, nil), http.StatusUnauthorized, nil)

	expect(t, doJSON(t, http.MethodPost, url("verify-user/"), adminLogin.Access,
		identity.UserIDRequest{UserID: user.ID}), http.StatusBadRequest, &fail)
	assert.Equal(t, "User is already verified", fail.Error)

	expect(t, doJSON(t, http.MethodPost, url("reset-failed-attempts/"), adminLogin.Access,
		identity.UserIDRequest{UserID: "missing"}), http.StatusNotFound, &fail)
	assert.Equal(t, "User not found", fail.Error)
}

func TestAdminSendVerification(t *testing.T) {
	ts := setupServer(t, api.Config{})
	ts.createUser(t, "root@example.com", identity.RoleAdmin)
	pending, err := ts.api.CreateUser(api.NewUser{Email: "new@example.com", Password: testPassword})
	require.NoError(t, err)
	adminLogin := ts.login(t, "root@example.com", testPassword)

	var msg identity.MessageResponse
	expect(t, doJSON(t, http.MethodPost, ts.URL+"/api/auth/admin/send-verification/", adminLogin.Access,
		identity.UserIDRequest{UserID: pending.ID}), http.StatusOK, &msg)
	assert.Equal(t, "Verification email sent to new@example.com", msg.Message)
	assert.Equal(t, "new@example.com", ts.mailer.last(t, api.MessageVerifyEmail).To)
}

func TestSecurityHeaders(t *testing.T) {
	ts := setupServer(t, api.Config{})
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/auth/profile/", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}
