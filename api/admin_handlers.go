package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/sessiongate/identity"
)

const (
	recentUserCount    = 5
	recentSignupWindow = 7 * 24 * time.Hour
)

var (
	errSelfDeactivate = errors.New("cannot deactivate self")
	errSelfDemote     = errors.New("cannot demote self")
)

// AdminDashboard handles GET /api/auth/admin/dashboard/.
func (a *API) AdminDashboard(w http.ResponseWriter, r *http.Request) {
	stats := a.users.stats()
	all := a.users.list()
	cutoff := a.now().Add(-recentSignupWindow)

	resp := dashboardResponse{
		DashboardResponse: stats,
		UnverifiedUsers:   stats.TotalUsers - stats.VerifiedUsers,
		InactiveUsers:     stats.TotalUsers - stats.ActiveUsers,
		LockedAccounts:    a.rateLimiter.lockedCount(),
		RecentUsers:       make([]identity.User, 0, recentUserCount),
		Message:           "Welcome Admin " + caller(r).User.Username + "!",
	}
	for i, u := range all {
		if u.CreatedAt.After(cutoff) {
			resp.RecentRegistrations++
		}
		if i < recentUserCount {
			resp.RecentUsers = append(resp.RecentUsers, u.public())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// AdminUsers handles GET /api/auth/admin/users/. It accepts an optional
// "search" substring matched against email and username, a "role" filter
// and limit/offset paging.
func (a *API) AdminUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	search := strings.ToLower(strings.TrimSpace(q.Get("search")))
	role := identity.Role(q.Get("role"))

	matched := make([]adminUser, 0)
	for _, u := range a.users.list() {
		if role != "" && u.Role != role {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(u.Email), search) && !strings.Contains(strings.ToLower(u.Username), search) {
			continue
		}
		matched = append(matched, a.adminView(u))
	}
	limit, offset := parsePagination(r)
	page, meta := paginate(matched, limit, offset)
	writeJSON(w, http.StatusOK, adminUsersResponse{Users: page, Pagination: meta})
}

func (a *API) adminView(u userRecord) adminUser {
	failures, locked := a.rateLimiter.status(u.ID)
	v := adminUser{
		User:                u.public(),
		LastLoginIP:         u.LastLoginIP,
		FailedLoginAttempts: failures,
		IsLocked:            locked,
	}
	if !u.LastLogin.IsZero() {
		t := u.LastLogin
		v.LastLogin = &t
	}
	return v
}

// adminTarget decodes the user_id body field and loads the account. It
// writes the error response and returns false on failure.
func (a *API) adminTarget(w http.ResponseWriter, r *http.Request) (userRecord, bool) {
	req, ok := decodeJSON[identity.UserIDRequest](w, r)
	if !ok {
		return userRecord{}, false
	}
	return a.lookupTarget(w, req.UserID)
}

func (a *API) lookupTarget(w http.ResponseWriter, id string) (userRecord, bool) {
	if strings.TrimSpace(id) == "" {
		writeError(w, http.StatusBadRequest, "User ID is required")
		return userRecord{}, false
	}
	u, ok := a.users.get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "User not found")
		return userRecord{}, false
	}
	return u, true
}

func (a *API) auditAdmin(r *http.Request, action string, target userRecord, extra ...slog.Attr) {
	attrs := append([]slog.Attr{
		slog.String("action", action),
		slog.String("target_user_id", target.ID),
	}, extra...)
	a.audit.logEvent(AuditAdminAction, r, caller(r).User.ID, attrs...)
}

// AdminToggleUserStatus handles POST /api/auth/admin/toggle-user-status/.
// Deactivating an account ends all of its logins.
func (a *API) AdminToggleUserStatus(w http.ResponseWriter, r *http.Request) {
	target, ok := a.adminTarget(w, r)
	if !ok {
		return
	}
	self := caller(r).User.ID
	updated, err := a.users.update(target.ID, func(u *userRecord) error {
		if u.ID == self {
			return errSelfDeactivate
		}
		u.IsActive = !u.IsActive
		return nil
	})
	switch {
	case errors.Is(err, errSelfDeactivate):
		writeError(w, http.StatusBadRequest, "You cannot deactivate yourself")
		return
	case err != nil:
		a.mapError(w, r, err)
		return
	}

	action := "activated"
	if !updated.IsActive {
		action = "deactivated"
		a.sessions.DeleteByUser(updated.ID)
	}
	a.auditAdmin(r, "user_"+action, updated)
	writeJSON(w, http.StatusOK, identity.UserResponse{
		Message: fmt.Sprintf("User %s has been %s", updated.Email, action),
		User:    updated.public(),
	})
}

// AdminChangeUserRole handles POST /api/auth/admin/change-user-role/.
func (a *API) AdminChangeUserRole(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[identity.ChangeRoleRequest](w, r)
	if !ok {
		return
	}
	if req.UserID == "" || req.Role == "" {
		writeError(w, http.StatusBadRequest, "User ID and role are required")
		return
	}
	if req.Role != identity.RoleUser && req.Role != identity.RoleAdmin {
		writeError(w, http.StatusBadRequest, `Role must be either "user" or "admin"`)
		return
	}
	target, ok := a.lookupTarget(w, req.UserID)
	if !ok {
		return
	}

	self := caller(r).User.ID
	oldRole := target.Role
	updated, err := a.users.update(target.ID, func(u *userRecord) error {
		if u.ID == self && req.Role != identity.RoleAdmin {
			return errSelfDemote
		}
		u.Role = req.Role
		return nil
	})
	switch {
	case errors.Is(err, errSelfDemote):
		writeError(w, http.StatusBadRequest, "You cannot demote yourself from admin")
		return
	case err != nil:
		a.mapError(w, r, err)
		return
	}
	a.auditAdmin(r, "role_changed", updated,
		slog.String("old_role", string(oldRole)), slog.String("new_role", string(updated.Role)))
	writeJSON(w, http.StatusOK, identity.UserResponse{
		Message: fmt.Sprintf("User %s role changed from %s to %s", updated.Email, oldRole, updated.Role),
		User:    updated.public(),
	})
}

// AdminVerifyUser handles POST /api/auth/admin/verify-user/.
func (a *API) AdminVerifyUser(w http.ResponseWriter, r *http.Request) {
	target, ok := a.adminTarget(w, r)
	if !ok {
		return
	}
	updated, err := a.users.update(target.ID, func(u *userRecord) error {
		if u.IsVerified {
			return errAlreadyVerified
		}
		u.IsVerified = true
		return nil
	})
	switch {
	case errors.Is(err, errAlreadyVerified):
		writeError(w, http.StatusBadRequest, "User is already verified")
		return
	case err != nil:
		a.mapError(w, r, err)
		return
	}
	a.auditAdmin(r, "user_verified", updated)
	writeJSON(w, http.StatusOK, identity.UserResponse{
		Message: fmt.Sprintf("User %s has been manually verified", updated.Email),
		User:    updated.public(),
	})
}

// AdminSendVerification handles POST /api/auth/admin/send-verification/.
func (a *API) AdminSendVerification(w http.ResponseWriter, r *http.Request) {
	target, ok := a.adminTarget(w, r)
	if !ok {
		return
	}
	if target.IsVerified {
		writeError(w, http.StatusBadRequest, "User is already verified")
		return
	}
	if err := a.sendVerification(r, target); err != nil {
		a.writeInternalError(w, r, "failed to send verification mail", err)
		return
	}
	a.auditAdmin(r, "verification_sent", target)
	writeMessage(w, "Verification email sent to "+target.Email)
}

// AdminResetFailedAttempts handles POST /api/auth/admin/reset-failed-attempts/.
func (a *API) AdminResetFailedAttempts(w http.ResponseWriter, r *http.Request) {
	target, ok := a.adminTarget(w, r)
	if !ok {
		return
	}
	a.rateLimiter.recordSuccess(target.ID)
	a.auditAdmin(r, "failed_attempts_reset", target)
	writeJSON(w, http.StatusOK, identity.UserResponse{
		Message: "Failed login attempts reset for " + target.Email,
		User:    target.public(),
	})
}
