package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/sessiongate/identity"
	"github.com/jmcleod/sessiongate/internal/util"
)

const (
	minPasswordLen = 8

	msgNoActiveAccount = "No active account found with the given credentials"
	msgRefreshRejected = "Token is invalid or expired"
)

// changePasswordRequest accepts both confirmation field names in use.
type changePasswordRequest struct {
	CurrentPassword    string `json:"current_password"`
	NewPassword        string `json:"new_password"`
	NewPasswordConfirm string `json:"new_password_confirm"`
	ConfirmPassword    string `json:"confirm_password"`
}

func (r changePasswordRequest) confirmation() string {
	if r.NewPasswordConfirm != "" {
		return r.NewPasswordConfirm
	}
	return r.ConfirmPassword
}

type resetPasswordRequest struct {
	Token              string `json:"token"`
	NewPassword        string `json:"new_password"`
	NewPasswordConfirm string `json:"new_password_confirm"`
	ConfirmPassword    string `json:"confirm_password"`
}

func (r resetPasswordRequest) confirmation() string {
	if r.NewPasswordConfirm != "" {
		return r.NewPasswordConfirm
	}
	return r.ConfirmPassword
}

// Register handles POST /api/auth/register/.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[identity.RegisterRequest](w, r)
	if !ok {
		return
	}

	fe := fieldErrors{}
	fe.require("email", req.Email)
	fe.require("username", req.Username)
	fe.require("password", req.Password)
	fe.require("password_confirm", req.PasswordConfirm)
	if req.Email != "" {
		if _, err := mail.ParseAddress(req.Email); err != nil {
			fe.add("email", "Enter a valid email address.")
		}
	}
	if req.Password != "" && len(req.Password) < minPasswordLen {
		fe.add("password", "Ensure this field has at least 8 characters.")
	}
	if len(fe) == 0 && req.Password != req.PasswordConfirm {
		fe.add("non_field_errors", "Passwords don't match")
	}
	if fe.write(w) {
		return
	}

	user, err := a.createUser(NewUser{
		Email:    req.Email,
		Username: req.Username,
		Password: req.Password,
		Role:     identity.RoleUser,
		Verified: a.cfg.AutoVerify,
	})
	switch {
	case errors.Is(err, errEmailTaken):
		fe.add("email", "Email already registered")
	case errors.Is(err, errUsernameTaken):
		fe.add("username", "Username already taken")
	case err != nil:
		a.writeInternalError(w, r, "failed to create account", err)
		return
	}
	if fe.write(w) {
		return
	}

	resp := identity.RegisterResponse{
		Message:              "Registration successful! Please check your email to verify your account.",
		User:                 user.public(),
		VerificationRequired: !user.IsVerified,
	}
	if user.IsVerified {
		resp.Message = "Registration successful!"
		_, pair, err := a.startSession(user, a.extractClientIP(r), r.UserAgent())
		if err != nil {
			a.writeInternalError(w, r, "failed to start session", err)
			return
		}
		resp.Tokens = &pair
	} else if err := a.sendVerification(r, user); err != nil {
		a.logger.WarnContext(r.Context(), "verification mail failed", "user_id", user.ID, "error", err)
	}

	a.audit.logEvent(AuditRegister, r, user.ID)
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) sendVerification(r *http.Request, user userRecord) error {
	token, err := a.users.issueVerification(user.ID, a.now())
	if err != nil {
		return err
	}
	return a.mailer.Send(r.Context(), Message{To: user.Email, Kind: MessageVerifyEmail, Token: token})
}

// Login handles POST /api/auth/login/.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[identity.LoginRequest](w, r)
	if !ok {
		return
	}
	fe := fieldErrors{}
	fe.require("email", req.Email)
	fe.require("password", req.Password)
	if fe.write(w) {
		return
	}

	user, found := a.users.byEmailAddress(req.Email)
	if found {
		if blocked, retryAfter := a.rateLimiter.check(user.ID); blocked {
			a.audit.logFailure(AuditLoginRateLimited, r, "account locked",
				slog.String("user_id", user.ID))
			writeRateLimited(w, retryAfter, lockedMessage)
			return
		}
	}

	if !found || !a.passwordMatches(user, req.Password) || !user.IsActive {
		reason := "unknown email"
		if found {
			reason = "invalid password"
			if user.IsActive {
				a.rateLimiter.recordFailure(user.ID)
			} else {
				reason = "inactive account"
			}
		}
		a.audit.logFailure(AuditLoginFailure, r, reason)
		writeDetail(w, http.StatusUnauthorized, msgNoActiveAccount, "no_active_account")
		return
	}

	a.rateLimiter.recordSuccess(user.ID)
	clientIP := a.extractClientIP(r)
	user, err := a.users.update(user.ID, func(u *userRecord) error {
		u.LastLogin = a.now()
		u.LastLoginIP = clientIP
		return nil
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	session, pair, err := a.startSession(user, clientIP, r.UserAgent())
	if err != nil {
		a.writeInternalError(w, r, "failed to start session", err)
		return
	}

	a.audit.logEvent(AuditLoginSuccess, r, user.ID, slog.String("session_key", session.SessionKey))
	writeJSON(w, http.StatusOK, identity.LoginResponse{
		Access:     pair.Access,
		Refresh:    pair.Refresh,
		SessionKey: session.SessionKey,
		User:       user.public(),
	})
}

func (a *API) passwordMatches(user userRecord, password string) bool {
	ok, err := util.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		a.logger.Warn("stored password hash unreadable", "user_id", user.ID, "error", err)
		return false
	}
	return ok
}

// RefreshToken handles POST /api/token/refresh/.
func (a *API) RefreshToken(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[identity.RefreshRequest](w, r)
	if !ok {
		return
	}
	fe := fieldErrors{}
	fe.require("refresh", req.Refresh)
	if fe.write(w) {
		return
	}

	user, pair, err := a.rotateRefreshToken(req.Refresh)
	if err != nil {
		a.audit.logFailure(AuditTokenRefreshFailure, r, err.Error())
		writeDetail(w, http.StatusUnauthorized, msgRefreshRejected, "token_not_valid")
		return
	}
	a.audit.logEvent(AuditTokenRefresh, r, user.ID)
	writeJSON(w, http.StatusOK, identity.RefreshResponse{Access: pair.Access, Refresh: pair.Refresh})
}

// Logout handles POST /api/auth/logout/. It ends the caller's login and,
// when the body names a refresh token of the same user, that login too.
// It always reports success.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	p := caller(r)
	if req, ok := decodeBody[identity.LogoutRequest](r); ok && req.Refresh != "" {
		if s, ok := a.sessions.ByRefreshHash(hashRefreshToken(req.Refresh)); ok && s.UserID == p.User.ID {
			a.sessions.Delete(s.SessionKey)
		}
	}
	a.sessions.Delete(p.SessionKey)
	a.audit.logEvent(AuditLogout, r, p.User.ID)
	writeMessage(w, "Successfully logged out")
}

// Profile handles GET /api/auth/profile/.
func (a *API) Profile(w http.ResponseWriter, r *http.Request) {
	p := caller(r)
	writeJSON(w, http.StatusOK, p.User.public())
}

// VerifyEmail handles POST /api/auth/verify-email/.
func (a *API) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[identity.VerifyEmailRequest](w, r)
	if !ok {
		return
	}
	fe := fieldErrors{}
	fe.require("token", req.Token)
	if fe.write(w) {
		return
	}

	user, err := a.users.redeemVerification(strings.TrimSpace(req.Token), a.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Verification failed: "+verificationMessage(err))
		return
	}
	_, pair, err := a.startSession(user, a.extractClientIP(r), r.UserAgent())
	if err != nil {
		a.writeInternalError(w, r, "failed to start session", err)
		return
	}
	public := user.public()
	a.audit.logEvent(AuditEmailVerified, r, user.ID)
	writeJSON(w, http.StatusOK, identity.VerifyEmailResponse{
		Message: "Email verified successfully!",
		Access:  pair.Access,
		Refresh: pair.Refresh,
		User:    &public,
	})
}

func verificationMessage(err error) string {
	switch {
	case errors.Is(err, errAlreadyVerified):
		return "Email already verified"
	case errors.Is(err, errTokenExpired):
		return "Verification token has expired"
	default:
		return "Invalid verification token"
	}
}

// ResendVerification handles POST /api/auth/resend-verification/.
func (a *API) ResendVerification(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[identity.EmailRequest](w, r)
	if !ok {
		return
	}
	fe := fieldErrors{}
	fe.require("email", req.Email)
	if fe.write(w) {
		return
	}

	user, found := a.users.byEmailAddress(req.Email)
	switch {
	case !found:
		fe.add("email", "User with this email does not exist")
	case user.IsVerified:
		fe.add("email", "Email already verified")
	}
	if fe.write(w) {
		return
	}
	if err := a.sendVerification(r, user); err != nil {
		a.writeInternalError(w, r, "failed to send verification mail", err)
		return
	}
	writeMessage(w, "Verification email sent successfully!")
}

// ChangePassword handles POST /api/auth/change-password/.
func (a *API) ChangePassword(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[changePasswordRequest](w, r)
	if !ok {
		return
	}
	switch {
	case req.CurrentPassword == "" || req.NewPassword == "" || req.confirmation() == "":
		writeError(w, http.StatusBadRequest, "All password fields are required")
		return
	case req.NewPassword != req.confirmation():
		writeError(w, http.StatusBadRequest, "New passwords do not match")
		return
	case len(req.NewPassword) < minPasswordLen:
		writeError(w, http.StatusBadRequest, "Password must be at least 8 characters long")
		return
	}

	p := caller(r)
	if !a.passwordMatches(p.User, req.CurrentPassword) {
		writeError(w, http.StatusBadRequest, "Current password is incorrect")
		return
	}
	if err := a.setPassword(p.User.ID, req.NewPassword); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditPasswordChanged, r, p.User.ID)
	writeMessage(w, "Password changed successfully")
}

func (a *API) setPassword(userID, password string) error {
	hash, err := util.HashPassword(password, a.passwordParams)
	if err != nil {
		return err
	}
	_, err = a.users.update(userID, func(u *userRecord) error {
		u.PasswordHash = hash
		return nil
	})
	return err
}

// ForgotPassword handles POST /api/auth/forgot-password/.
func (a *API) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[identity.EmailRequest](w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		writeError(w, http.StatusBadRequest, "Email address is required")
		return
	}

	user, found := a.users.byEmailAddress(req.Email)
	if !found {
		a.audit.logFailure(AuditPasswordResetRequested, r, "unknown email")
		writeError(w, http.StatusNotFound,
			"No account found with this email address. Please check your email or register for a new account.")
		return
	}
	if !user.IsActive {
		writeError(w, http.StatusBadRequest, "This account is deactivated. Please contact support.")
		return
	}

	token := a.users.issueReset(user.ID, a.now())
	if err := a.mailer.Send(r.Context(), Message{To: user.Email, Kind: MessagePasswordReset, Token: token}); err != nil {
		a.logger.ErrorContext(r.Context(), "password reset mail failed", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to send password reset email. Please try again.")
		return
	}
	a.audit.logEvent(AuditPasswordResetRequested, r, user.ID)
	writeMessage(w, "Password reset email sent successfully. Please check your inbox.")
}

// ResetPassword handles POST /api/auth/reset-password/. A successful reset
// ends every login of the account.
func (a *API) ResetPassword(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[resetPasswordRequest](w, r)
	if !ok {
		return
	}
	switch {
	case req.Token == "" || req.NewPassword == "" || req.confirmation() == "":
		writeError(w, http.StatusBadRequest, "Token, new password, and confirmation are required")
		return
	case req.NewPassword != req.confirmation():
		writeError(w, http.StatusBadRequest, "Passwords do not match")
		return
	case len(req.NewPassword) < minPasswordLen:
		writeError(w, http.StatusBadRequest, "Password must be at least 8 characters long")
		return
	}

	userID, ok := a.users.consumeReset(req.Token, a.now())
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid or expired reset token")
		return
	}
	user, found := a.users.get(userID)
	if !found || !user.IsActive {
		writeError(w, http.StatusBadRequest, "Invalid reset token")
		return
	}
	if err := a.setPassword(userID, req.NewPassword); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.rateLimiter.recordSuccess(userID)
	n := a.sessions.DeleteByUser(userID)
	a.audit.logEvent(AuditPasswordReset, r, userID, slog.Int("sessions_terminated", n))
	writeMessage(w, "Password reset successfully. You can now log in with your new password.")
}

// ValidateResetToken handles GET /api/auth/validate-reset-token/{token}/.
func (a *API) ValidateResetToken(w http.ResponseWriter, r *http.Request) {
	user, ok := a.users.peekReset(chi.URLParam(r, "token"), a.now())
	if !ok || !user.IsActive {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"valid": false,
			"error": "Invalid or expired reset token",
		})
		return
	}
	writeJSON(w, http.StatusOK, identity.ValidateResetTokenResponse{Valid: true, Email: user.Email})
}
