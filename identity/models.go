package identity

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Role is the account role assigned by the identity service.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is the profile of the authenticated account. It is replaced wholesale
// on every profile fetch.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	Role         Role      `json:"role"`
	IsVerified   bool      `json:"is_verified"`
	IsActive     bool      `json:"is_active"`
	Is2FAEnabled bool      `json:"is_2fa_enabled"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsAdmin reports whether the account holds the admin role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// UnmarshalJSON accepts numeric or string IDs and the has_2fa / date_joined
// aliases some deployments send.
func (u *User) UnmarshalJSON(data []byte) error {
	type plain User
	var wire struct {
		plain
		ID         json.RawMessage `json:"id"`
		HasTwoFA   *bool           `json:"has_2fa"`
		DateJoined *time.Time      `json:"date_joined"`
	}
	wire.IsActive = true
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*u = User(wire.plain)
	id, err := decodeID(wire.ID)
	if err != nil {
		return err
	}
	u.ID = id
	if wire.HasTwoFA != nil && !u.Is2FAEnabled {
		u.Is2FAEnabled = *wire.HasTwoFA
	}
	if wire.DateJoined != nil && u.CreatedAt.IsZero() {
		u.CreatedAt = *wire.DateJoined
	}
	return nil
}

func decodeID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("user id: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return "", fmt.Errorf("user id %s: %w", n, err)
	}
	return n.String(), nil
}

// ErrorResponse is the error body written by the development service.
type ErrorResponse struct {
	Error string `json:"error"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Access     string `json:"access"`
	Refresh    string `json:"refresh"`
	SessionKey string `json:"session_key,omitempty"`
	User       User   `json:"user"`
}

type RegisterRequest struct {
	Email           string `json:"email"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

type RegisterResponse struct {
	Message              string     `json:"message"`
	User                 User       `json:"user"`
	VerificationRequired bool       `json:"verification_required"`
	Tokens               *TokenPair `json:"tokens,omitempty"`
}

type RefreshRequest struct {
	Refresh string `json:"refresh"`
}

// RefreshResponse carries a new access token and, when the service rotates
// refresh tokens, a new refresh token.
type RefreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

type LogoutRequest struct {
	Refresh string `json:"refresh"`
}

type VerifyEmailRequest struct {
	Token string `json:"token"`
}

type VerifyEmailResponse struct {
	Message string `json:"message"`
	Access  string `json:"access,omitempty"`
	Refresh string `json:"refresh,omitempty"`
	User    *User  `json:"user,omitempty"`
}

type EmailRequest struct {
	Email string `json:"email"`
}

type TwoFactorStatusResponse struct {
	Is2FAEnabled         bool `json:"is_2fa_enabled"`
	BackupCodesRemaining int  `json:"backup_codes_remaining"`
}

// TwoFactorSetupResponse is the enrollment secret issued by the service.
// QRCode is a data URL (image/png); OTPAuthURL is the provisioning URI.
type TwoFactorSetupResponse struct {
	Secret         string `json:"secret"`
	QRCode         string `json:"qr_code,omitempty"`
	ManualEntryKey string `json:"manual_entry_key"`
	OTPAuthURL     string `json:"otpauth_url,omitempty"`
	Message        string `json:"message,omitempty"`
}

type CodeRequest struct {
	Code string `json:"code"`
}

type VerifyTwoFactorLoginRequest struct {
	Code       string `json:"code,omitempty"`
	BackupCode string `json:"backup_code,omitempty"`
}

type VerifyTwoFactorLoginResponse struct {
	Verified             bool   `json:"verified"`
	Message              string `json:"message,omitempty"`
	BackupCodesRemaining int    `json:"backup_codes_remaining,omitempty"`
}

type BackupCodesResponse struct {
	Message     string   `json:"message,omitempty"`
	BackupCodes []string `json:"backup_codes"`
}

type DisableTwoFactorRequest struct {
	CurrentPassword string `json:"current_password"`
}

type ChangePasswordRequest struct {
	CurrentPassword    string `json:"current_password"`
	NewPassword        string `json:"new_password"`
	NewPasswordConfirm string `json:"new_password_confirm"`
}

type ResetPasswordRequest struct {
	Token              string `json:"token"`
	NewPassword        string `json:"new_password"`
	NewPasswordConfirm string `json:"new_password_confirm"`
}

type ValidateResetTokenResponse struct {
	Valid bool   `json:"valid"`
	Email string `json:"email,omitempty"`
}

// Session is one active login of the current account.
type Session struct {
	SessionKey   string    `json:"session_key"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Current      bool      `json:"is_current"`
}

type SessionsResponse struct {
	Sessions []Session `json:"sessions"`
}

type TerminateSessionRequest struct {
	SessionKey string `json:"session_key"`
}

type DashboardResponse struct {
	TotalUsers     int `json:"total_users"`
	ActiveUsers    int `json:"active_users"`
	VerifiedUsers  int `json:"verified_users"`
	AdminUsers     int `json:"admin_users"`
	TwoFactorUsers int `json:"users_with_2fa"`
}

type UsersResponse struct {
	Users []User `json:"users"`
}

type UserIDRequest struct {
	UserID string `json:"user_id"`
}

type ChangeRoleRequest struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

type UserResponse struct {
	Message string `json:"message,omitempty"`
	User    User   `json:"user"`
}
