// Package identity is the typed client for the identity service. Every call
// returns either a decoded response or an *autherr.Error; raw payloads never
// leave this package.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmcleod/sessiongate/autherr"
	"github.com/jmcleod/sessiongate/storage"
)

// Endpoint paths, relative to the service base URL.
const (
	PathLogin                = "/api/auth/login/"
	PathRegister             = "/api/auth/register/"
	PathRefresh              = "/api/token/refresh/"
	PathLogout               = "/api/auth/logout/"
	PathProfile              = "/api/auth/profile/"
	PathVerifyEmail          = "/api/auth/verify-email/"
	PathResendVerification   = "/api/auth/resend-verification/"
	PathChangePassword       = "/api/auth/change-password/"
	PathForgotPassword       = "/api/auth/forgot-password/"
	PathResetPassword        = "/api/auth/reset-password/"
	PathValidateResetToken   = "/api/auth/validate-reset-token/"
	PathTwoFactorStatus      = "/api/auth/2fa-status/"
	PathSetupTwoFactor       = "/api/auth/setup-2fa/"
	PathVerifyTwoFactorSetup = "/api/auth/verify-2fa-setup/"
	PathVerifyTwoFactorLogin = "/api/auth/verify-2fa-login/"
	PathDisableTwoFactor     = "/api/auth/disable-2fa/"
	PathRegenerateBackup     = "/api/auth/regenerate-backup-codes/"
	PathSessions             = "/api/auth/sessions/"
	PathTerminateSession     = "/api/auth/terminate-session/"
	PathTerminateAllSessions = "/api/auth/terminate-all-sessions/"
	PathAdminDashboard       = "/api/auth/admin/dashboard/"
	PathAdminUsers           = "/api/auth/admin/users/"
	PathAdminToggleStatus    = "/api/auth/admin/toggle-user-status/"
	PathAdminChangeRole      = "/api/auth/admin/change-user-role/"
	PathAdminVerifyUser      = "/api/auth/admin/verify-user/"
	PathAdminResetAttempts   = "/api/auth/admin/reset-failed-attempts/"
	PathAdminSendVerify      = "/api/auth/admin/send-verification/"
)

const maxResponseBody = 1 << 20

// Client talks to one identity service. Authorized calls go through an
// http.Client whose transport can be wrapped (see WrapTransport); anonymous
// calls, including token refresh, always use the bare base transport.
type Client struct {
	baseURL *url.URL
	base    http.RoundTripper
	timeout time.Duration
	authed  *http.Client
	anon    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTransport sets the base transport used for every call.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.base = rt
	}
}

// WithTimeout bounds each individual HTTP exchange.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a Client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		baseURL: u,
		base:    http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "identity")
	c.anon = &http.Client{Transport: c.base, Timeout: c.timeout}
	c.authed = &http.Client{Transport: c.base, Timeout: c.timeout}
	return c, nil
}

// WrapTransport installs wrap around the base transport for authorized calls.
// It is how the request interceptor is attached after the refresh
// coordinator, which itself depends on this Client, has been built.
func (c *Client) WrapTransport(wrap func(http.RoundTripper) http.RoundTripper) {
	c.authed = &http.Client{Transport: wrap(c.base), Timeout: c.timeout}
}

// HTTPClient returns the authorized http.Client, for callers that need to
// reach application endpoints with the same credentials.
func (c *Client) HTTPClient() *http.Client {
	return c.authed
}

// BaseURL returns the service base URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

type call struct {
	method string
	path   string
	body   any
	anon   bool
	kind   error
}

func (c *Client) do(ctx context.Context, cl call, out any) error {
	var body io.Reader
	var raw []byte
	if cl.body != nil {
		var err error
		raw, err = json.Marshal(cl.body)
		if err != nil {
			return autherr.Wrap(cl.kind, fmt.Errorf("encoding request: %w", err))
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, c.baseURL.String()+cl.path, body)
	if err != nil {
		return autherr.Wrap(cl.kind, err)
	}
	req.Header.Set("Accept", "application/json")
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	hc := c.authed
	if cl.anon {
		hc = c.anon
	}
	resp, err := hc.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", cl.method, "path", cl.path, "error", err)
		return &autherr.Error{Kind: autherr.ErrNetwork, Reason: autherr.ReasonUnknown, Message: networkMessage(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		aerr := decodeError(cl.kind, resp)
		c.logger.Debug("request rejected", "method", cl.method, "path", cl.path,
			"status", resp.StatusCode, "reason", string(aerr.Reason))
		return aerr
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(out); err != nil {
		return &autherr.Error{Kind: cl.kind, Reason: autherr.ReasonServer, Status: resp.StatusCode,
			Message: "malformed response from identity service", Err: err}
	}
	return nil
}

func networkMessage(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "request canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	default:
		return "Network error. Please check your connection."
	}
}

// Login exchanges email and password for a token pair and the user profile.
// Rejected credentials surface as autherr.ErrAuth with
// autherr.ReasonInvalidCredentials.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	var out LoginResponse
	err := c.do(ctx, call{
		method: http.MethodPost,
		path:   PathLogin,
		body:   LoginRequest{Email: NormalizeEmail(email), Password: password},
		anon:   true,
		kind:   autherr.ErrAuth,
	}, &out)
	if err != nil {
		var aerr *autherr.Error
		if errors.As(err, &aerr) && (aerr.Status == http.StatusBadRequest || aerr.Status == http.StatusUnauthorized) {
			aerr.Reason = autherr.ReasonInvalidCredentials
		}
		return nil, err
	}
	if out.Access == "" {
		return nil, autherr.New(autherr.ErrAuth, autherr.ReasonServer, "login response carried no access token")
	}
	return &out, nil
}

// Register creates an account. Tokens are present only when the service
// considers the account immediately usable.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	req.Email = NormalizeEmail(req.Email)
	var out RegisterResponse
	if err := c.do(ctx, call{method: http.MethodPost, path: PathRegister, body: req, anon: true, kind: autherr.ErrAuth}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh exchanges a refresh token for a new access token. The returned
// pair keeps refreshToken unless the service rotated it.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (storage.Credentials, error) {
	var out RefreshResponse
	err := c.do(ctx, call{
		method: http.MethodPost,
		path:   PathRefresh,
		body:   RefreshRequest{Refresh: refreshToken},
		anon:   true,
		kind:   autherr.ErrRefreshFailed,
	}, &out)
	if err != nil {
		return storage.Credentials{}, err
	}
	if out.Access == "" {
		return storage.Credentials{}, autherr.New(autherr.ErrRefreshFailed, autherr.ReasonServer, "refresh response carried no access token")
	}
	creds := storage.Credentials{AccessToken: out.Access, RefreshToken: refreshToken}
	if out.Refresh != "" {
		creds.RefreshToken = out.Refresh
	}
	return creds, nil
}

// Logout asks the service to invalidate refreshToken.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	return c.do(ctx, call{method: http.MethodPost, path: PathLogout, body: LogoutRequest{Refresh: refreshToken}, kind: autherr.ErrAuth}, nil)
}

// Profile fetches the authenticated user's profile.
func (c *Client) Profile(ctx context.Context) (*User, error) {
	var out User
	if err := c.do(ctx, call{method: http.MethodGet, path: PathProfile, kind: autherr.ErrAuth}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyEmail redeems an email verification token.
func (c *Client) VerifyEmail(ctx context.Context, token string) (*VerifyEmailResponse, error) {
	var out VerifyEmailResponse
	err := c.do(ctx, call{method: http.MethodPost, path: PathVerifyEmail, body: VerifyEmailRequest{Token: token}, anon: true, kind: autherr.ErrAuth}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ResendVerification asks the service to send a new verification email.
func (c *Client) ResendVerification(ctx context.Context, email string) (string, error) {
	var out MessageResponse
	err := c.do(ctx, call{method: http.MethodPost, path: PathResendVerification, body: EmailRequest{Email: NormalizeEmail(email)}, anon: true, kind: autherr.ErrAuth}, &out)
	return out.Message, err
}

func (c *Client) ChangePassword(ctx context.Context, current, next string) error {
	return c.do(ctx, call{
		method: http.MethodPost,
		path:   PathChangePassword,
		body:   ChangePasswordRequest{CurrentPassword: current, NewPassword: next, NewPasswordConfirm: next},
		kind:   autherr.ErrAuth,
	}, nil)
}

func (c *Client) ForgotPassword(ctx context.Context, email string) (string, error) {
	var out MessageResponse
	err := c.do(ctx, call{method: http.MethodPost, path: PathForgotPassword, body: EmailRequest{Email: NormalizeEmail(email)}, anon: true, kind: autherr.ErrAuth}, &out)
	return out.Message, err
}

func (c *Client) ResetPassword(ctx context.Context, token, password string) error {
	return c.do(ctx, call{
		method: http.MethodPost,
		path:   PathResetPassword,
		body:   ResetPasswordRequest{Token: token, NewPassword: password, NewPasswordConfirm: password},
		anon:   true,
		kind:   autherr.ErrAuth,
	}, nil)
}

func (c *Client) ValidateResetToken(ctx context.Context, token string) (*ValidateResetTokenResponse, error) {
	var out ValidateResetTokenResponse
	err := c.do(ctx, call{method: http.MethodGet, path: PathValidateResetToken + url.PathEscape(token) + "/", anon: true, kind: autherr.ErrAuth}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) TwoFactorStatus(ctx context.Context) (*TwoFactorStatusResponse, error) {
	var out TwoFactorStatusResponse
	if err := c.do(ctx, call{method: http.MethodGet, path: PathTwoFactorStatus, kind: autherr.ErrAuth}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetupTwoFactor asks the service to issue a new enrollment secret.
func (c *Client) SetupTwoFactor(ctx context.Context) (*TwoFactorSetupResponse, error) {
	var out TwoFactorSetupResponse
	if err := c.do(ctx, call{method: http.MethodPost, path: PathSetupTwoFactor, kind: autherr.ErrAuth}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// codeKind maps validation rejections of a submitted code to ErrInvalidCode.
func codeKind(err error) error {
	var aerr *autherr.Error
	if errors.As(err, &aerr) && aerr.Status == http.StatusBadRequest {
		aerr.Kind = autherr.ErrInvalidCode
	}
	return err
}

// VerifyTwoFactorSetup confirms enrollment with a code from the
// authenticator and returns the one-time backup codes.
func (c *Client) VerifyTwoFactorSetup(ctx context.Context, code string) ([]string, error) {
	var out BackupCodesResponse
	err := c.do(ctx, call{method: http.MethodPost, path: PathVerifyTwoFactorSetup, body: CodeRequest{Code: code}, kind: autherr.ErrAuth}, &out)
	if err != nil {
		return nil, codeKind(err)
	}
	return out.BackupCodes, nil
}

// VerifyTwoFactorLogin checks a login code.
func (c *Client) VerifyTwoFactorLogin(ctx context.Context, code string) (*VerifyTwoFactorLoginResponse, error) {
	return c.verifyLogin(ctx, VerifyTwoFactorLoginRequest{Code: code})
}

// VerifyBackupCode redeems a one-time backup code in place of a login code.
func (c *Client) VerifyBackupCode(ctx context.Context, code string) (*VerifyTwoFactorLoginResponse, error) {
	return c.verifyLogin(ctx, VerifyTwoFactorLoginRequest{BackupCode: code})
}

func (c *Client) verifyLogin(ctx context.Context, req VerifyTwoFactorLoginRequest) (*VerifyTwoFactorLoginResponse, error) {
	var out VerifyTwoFactorLoginResponse
	if err := c.do(ctx, call{method: http.MethodPost, path: PathVerifyTwoFactorLogin, body: req, kind: autherr.ErrAuth}, &out); err != nil {
		return nil, codeKind(err)
	}
	if !out.Verified {
		return nil, autherr.New(autherr.ErrInvalidCode, autherr.ReasonValidation, "Invalid verification code")
	}
	return &out, nil
}

// DisableTwoFactor turns the second factor off after re-checking the
// account password.
func (c *Client) DisableTwoFactor(ctx context.Context, currentPassword string) error {
	return c.do(ctx, call{method: http.MethodPost, path: PathDisableTwoFactor, body: DisableTwoFactorRequest{CurrentPassword: currentPassword}, kind: autherr.ErrAuth}, nil)
}

func (c *Client) RegenerateBackupCodes(ctx context.Context) ([]string, error) {
	var out BackupCodesResponse
	if err := c.do(ctx, call{method: http.MethodPost, path: PathRegenerateBackup, kind: autherr.ErrAuth}, &out); err != nil {
		return nil, err
	}
	return out.BackupCodes, nil
}

func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var out SessionsResponse
	if err := c.do(ctx, call{method: http.MethodGet, path: PathSessions, kind: autherr.ErrAuth}, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *Client) TerminateSession(ctx context.Context, sessionKey string) error {
	return c.do(ctx, call{method: http.MethodPost, path: PathTerminateSession, body: TerminateSessionRequest{SessionKey: sessionKey}, kind: autherr.ErrAuth}, nil)
}

func (c *Client) TerminateAllSessions(ctx context.Context) error {
	return c.do(ctx, call{method: http.MethodPost, path: PathTerminateAllSessions, kind: autherr.ErrAuth}, nil)
}

func (c *Client) AdminDashboard(ctx context.Context) (*DashboardResponse, error) {
	var out DashboardResponse
	if err := c.do(ctx, call{method: http.MethodGet, path: PathAdminDashboard, kind: autherr.ErrAuth}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AdminUsers(ctx context.Context) ([]User, error) {
	var out UsersResponse
	if err := c.do(ctx, call{method: http.MethodGet, path: PathAdminUsers, kind: autherr.ErrAuth}, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

func (c *Client) adminUserAction(ctx context.Context, path string, body any) (*User, error) {
	var out UserResponse
	if err := c.do(ctx, call{method: http.MethodPost, path: path, body: body, kind: autherr.ErrAuth}, &out); err != nil {
		return nil, err
	}
	return &out.User, nil
}

func (c *Client) AdminToggleUserStatus(ctx context.Context, userID string) (*User, error) {
	return c.adminUserAction(ctx, PathAdminToggleStatus, UserIDRequest{UserID: userID})
}

func (c *Client) AdminChangeUserRole(ctx context.Context, userID string, role Role) (*User, error) {
	return c.adminUserAction(ctx, PathAdminChangeRole, ChangeRoleRequest{UserID: userID, Role: role})
}

func (c *Client) AdminVerifyUser(ctx context.Context, userID string) (*User, error) {
	return c.adminUserAction(ctx, PathAdminVerifyUser, UserIDRequest{UserID: userID})
}

func (c *Client) AdminResetFailedAttempts(ctx context.Context, userID string) (*User, error) {
	return c.adminUserAction(ctx, PathAdminResetAttempts, UserIDRequest{UserID: userID})
}

// AdminSendVerification mails a new verification token to an unverified
// account.
func (c *Client) AdminSendVerification(ctx context.Context, userID string) (string, error) {
	var out MessageResponse
	err := c.do(ctx, call{method: http.MethodPost, path: PathAdminSendVerify, body: UserIDRequest{UserID: userID}, kind: autherr.ErrAuth}, &out)
	return out.Message, err
}
