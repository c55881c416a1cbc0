package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmcleod/sessiongate/identity"
	"github.com/jmcleod/sessiongate/internal/util"
)

// NewUser describes an account to create outside the registration flow,
// for example the bootstrap admin of a development server.
type NewUser struct {
	Email    string
	Username string
	Password string
	Role     identity.Role
	Verified bool
	// TOTPSecret enrolls the account in two-factor authentication
	// immediately. It must be base32.
	TOTPSecret string
}

// CreateUser adds an account and returns its public profile.
func (a *API) CreateUser(nu NewUser) (identity.User, error) {
	if nu.Email == "" || nu.Password == "" {
		return identity.User{}, errors.New("email and password are required")
	}
	if nu.Username == "" {
		nu.Username, _, _ = strings.Cut(identity.NormalizeEmail(nu.Email), "@")
	}
	if nu.Role == "" {
		nu.Role = identity.RoleUser
	}
	if nu.Role != identity.RoleUser && nu.Role != identity.RoleAdmin {
		return identity.User{}, fmt.Errorf("unknown role %q", nu.Role)
	}
	u, err := a.createUser(nu)
	if err != nil {
		return identity.User{}, err
	}
	return u.public(), nil
}

func (a *API) createUser(nu NewUser) (userRecord, error) {
	hash, err := util.HashPassword(nu.Password, a.passwordParams)
	if err != nil {
		return userRecord{}, fmt.Errorf("hashing password: %w", err)
	}
	return a.users.create(userRecord{
		Email:        nu.Email,
		Username:     nu.Username,
		PasswordHash: hash,
		Role:         nu.Role,
		IsVerified:   nu.Verified,
		IsActive:     true,
		CreatedAt:    a.now(),
		TOTPSecret:   nu.TOTPSecret,
	})
}

// EnsureUser creates the account unless one with the same email exists.
// It reports whether an account was created.
func (a *API) EnsureUser(nu NewUser) (bool, error) {
	if _, ok := a.users.byEmailAddress(nu.Email); ok {
		return false, nil
	}
	if _, err := a.CreateUser(nu); err != nil {
		return false, err
	}
	return true, nil
}
