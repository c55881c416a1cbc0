package api

import (
	"slices"
	"time"

	"github.com/jmcleod/sessiongate/identity"
)

// userRecord is the server-side account. It never leaves the package; the
// wire form is identity.User.
type userRecord struct {
	ID           string
	Email        string
	Username     string
	PasswordHash string
	Role         identity.Role
	IsVerified   bool
	IsActive     bool
	CreatedAt    time.Time
	LastLogin    time.Time
	LastLoginIP  string

	// TOTPSecret is set once enrollment has been confirmed.
	TOTPSecret  string
	BackupCodes []hashedBackupCode
	Pending     pendingSecret
}

// pendingSecret is a TOTP secret issued by setup and not yet confirmed.
type pendingSecret struct {
	Secret    string
	ExpiresAt time.Time
}

func (u *userRecord) twoFactorEnabled() bool { return u.TOTPSecret != "" }

func (u *userRecord) clone() userRecord {
	c := *u
	c.BackupCodes = slices.Clone(u.BackupCodes)
	return c
}

func (u *userRecord) public() identity.User {
	return identity.User{
		ID:           u.ID,
		Email:        u.Email,
		Username:     u.Username,
		Role:         u.Role,
		IsVerified:   u.IsVerified,
		IsActive:     u.IsActive,
		Is2FAEnabled: u.twoFactorEnabled(),
		CreatedAt:    u.CreatedAt,
	}
}

type verificationToken struct {
	UserID    string
	CreatedAt time.Time
}

type resetToken struct {
	UserID    string
	ExpiresAt time.Time
}

// adminUser is the admin view of an account.
type adminUser struct {
	identity.User
	LastLogin           *time.Time `json:"last_login"`
	LastLoginIP         string     `json:"last_login_ip,omitempty"`
	FailedLoginAttempts int        `json:"failed_login_attempts"`
	IsLocked            bool       `json:"is_locked"`
}

// adminUsersResponse extends identity.UsersResponse with paging metadata.
type adminUsersResponse struct {
	Users      []adminUser    `json:"users"`
	Pagination PaginationMeta `json:"pagination"`
}

// dashboardResponse extends identity.DashboardResponse.
type dashboardResponse struct {
	identity.DashboardResponse
	UnverifiedUsers     int             `json:"unverified_users"`
	InactiveUsers       int             `json:"inactive_users"`
	LockedAccounts      int             `json:"locked_accounts"`
	RecentRegistrations int             `json:"recent_registrations"`
	RecentUsers         []identity.User `json:"recent_users"`
	Message             string          `json:"message"`
}

// sessionsResponse is identity.SessionsResponse plus a count.
type sessionsResponse struct {
	Sessions []identity.Session `json:"sessions"`
	Total    int                `json:"total"`
}
