package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmcleod/sessiongate/identity"
)

var (
	errTwoFactorEnabled    = errors.New("2fa already enabled")
	errTwoFactorNotEnabled = errors.New("2fa not enabled")
	errNoPendingSetup      = errors.New("no pending 2fa setup")
	errBadCode             = errors.New("invalid code")
)

// TwoFactorStatus handles GET /api/auth/2fa-status/.
func (a *API) TwoFactorStatus(w http.ResponseWriter, r *http.Request) {
	u := caller(r).User
	writeJSON(w, http.StatusOK, identity.TwoFactorStatusResponse{
		Is2FAEnabled:         u.twoFactorEnabled(),
		BackupCodesRemaining: countUnusedBackupCodes(u.BackupCodes),
	})
}

// SetupTwoFactor handles POST /api/auth/setup-2fa/. The new secret stays
// pending until a code generated from it is confirmed.
func (a *API) SetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	u := caller(r).User
	if u.twoFactorEnabled() {
		writeError(w, http.StatusBadRequest, "2FA is already enabled for this account")
		return
	}
	enr, err := a.newEnrollment(u.Email)
	if err != nil {
		a.writeInternalError(w, r, "failed to generate 2fa secret", err)
		return
	}
	_, err = a.users.update(u.ID, func(rec *userRecord) error {
		if rec.twoFactorEnabled() {
			return errTwoFactorEnabled
		}
		rec.Pending = pendingSecret{Secret: enr.Secret, ExpiresAt: a.now().Add(totpSetupTTL)}
		return nil
	})
	if err != nil {
		a.writeTwoFactorError(w, r, err)
		return
	}

	a.audit.logEvent(AuditTwoFactorSetup, r, u.ID)
	writeJSON(w, http.StatusOK, identity.TwoFactorSetupResponse{
		Secret:         enr.Secret,
		QRCode:         enr.QRCode,
		ManualEntryKey: enr.Secret,
		OTPAuthURL:     enr.OTPAuthURL,
		Message:        "Scan the QR code with your authenticator app, then verify with a code to enable 2FA",
	})
}

// VerifyTwoFactorSetup handles POST /api/auth/verify-2fa-setup/.
func (a *API) VerifyTwoFactorSetup(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[identity.CodeRequest](w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "Verification code is required")
		return
	}

	plaintext, hashed, err := generateBackupCodes(backupCodeCount)
	if err != nil {
		a.writeInternalError(w, r, "failed to generate backup codes", err)
		return
	}
	u := caller(r).User
	now := a.now()
	_, err = a.users.update(u.ID, func(rec *userRecord) error {
		if rec.Pending.Secret == "" || !now.Before(rec.Pending.ExpiresAt) {
			return errNoPendingSetup
		}
		if !a.verifyTOTP(rec.Pending.Secret, req.Code) {
			return errBadCode
		}
		rec.TOTPSecret = rec.Pending.Secret
		rec.Pending = pendingSecret{}
		rec.BackupCodes = hashed
		return nil
	})
	if err != nil {
		if errors.Is(err, errBadCode) {
			a.audit.logFailure(AuditTwoFactorFailure, r, "invalid setup code", slog.String("user_id", u.ID))
		}
		a.writeTwoFactorError(w, r, err)
		return
	}

	a.audit.logEvent(AuditTwoFactorEnabled, r, u.ID, slog.Int("backup_codes_generated", len(plaintext)))
	writeJSON(w, http.StatusOK, identity.BackupCodesResponse{
		Message:     "2FA has been successfully enabled for your account",
		BackupCodes: plaintext,
	})
}

// VerifyTwoFactorLogin handles POST /api/auth/verify-2fa-login/. A backup
// code, when present, takes precedence over a TOTP code and is consumed.
func (a *API) VerifyTwoFactorLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[identity.VerifyTwoFactorLoginRequest](w, r)
	if !ok {
		return
	}
	code := strings.TrimSpace(req.Code)
	backup := strings.TrimSpace(req.BackupCode)
	if code == "" && backup == "" {
		writeError(w, http.StatusBadRequest, "Verification code or backup code is required")
		return
	}
	u := caller(r).User
	if !u.twoFactorEnabled() {
		writeError(w, http.StatusBadRequest, "2FA is not enabled for this account")
		return
	}

	if backup != "" {
		var remaining int
		_, err := a.users.update(u.ID, func(rec *userRecord) error {
			idx, ok := matchBackupCode(rec.BackupCodes, backup)
			if !ok {
				return errBadCode
			}
			rec.BackupCodes[idx].Used = true
			remaining = countUnusedBackupCodes(rec.BackupCodes)
			return nil
		})
		if errors.Is(err, errBadCode) {
			a.audit.logFailure(AuditTwoFactorFailure, r, "invalid backup code", slog.String("user_id", u.ID))
			writeError(w, http.StatusBadRequest, "Invalid or already used backup code")
			return
		}
		if err != nil {
			a.mapError(w, r, err)
			return
		}
		a.audit.logEvent(AuditTwoFactorVerified, r, u.ID, slog.String("method", "backup_code"))
		writeJSON(w, http.StatusOK, identity.VerifyTwoFactorLoginResponse{
			Verified:             true,
			Message:              "2FA verification successful using backup code",
			BackupCodesRemaining: remaining,
		})
		return
	}

	if !a.verifyTOTP(u.TOTPSecret, code) {
		a.audit.logFailure(AuditTwoFactorFailure, r, "invalid totp code", slog.String("user_id", u.ID))
		writeError(w, http.StatusBadRequest, "Invalid verification code")
		return
	}
	a.audit.logEvent(AuditTwoFactorVerified, r, u.ID, slog.String("method", "totp"))
	writeJSON(w, http.StatusOK, identity.VerifyTwoFactorLoginResponse{
		Verified: true,
		Message:  "2FA verification successful",
	})
}

// DisableTwoFactor handles POST /api/auth/disable-2fa/.
func (a *API) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[identity.DisableTwoFactorRequest](w, r)
	if !ok {
		return
	}
	u := caller(r).User
	switch {
	case !u.twoFactorEnabled():
		writeError(w, http.StatusBadRequest, "2FA is not enabled for this account")
		return
	case req.CurrentPassword == "":
		writeError(w, http.StatusBadRequest, "Current password is required to disable 2FA")
		return
	case !a.passwordMatches(u, req.CurrentPassword):
		writeError(w, http.StatusBadRequest, "Current password is incorrect")
		return
	}

	_, err := a.users.update(u.ID, func(rec *userRecord) error {
		rec.TOTPSecret = ""
		rec.BackupCodes = nil
		rec.Pending = pendingSecret{}
		return nil
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditTwoFactorDisabled, r, u.ID)
	writeMessage(w, "2FA has been disabled for your account")
}

// RegenerateBackupCodes handles POST /api/auth/regenerate-backup-codes/.
// Previously issued codes stop working.
func (a *API) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	u := caller(r).User
	if !u.twoFactorEnabled() {
		writeError(w, http.StatusBadRequest, "2FA is not enabled for this account")
		return
	}
	plaintext, hashed, err := generateBackupCodes(backupCodeCount)
	if err != nil {
		a.writeInternalError(w, r, "failed to generate backup codes", err)
		return
	}
	_, err = a.users.update(u.ID, func(rec *userRecord) error {
		if !rec.twoFactorEnabled() {
			return errTwoFactorNotEnabled
		}
		rec.BackupCodes = hashed
		return nil
	})
	if err != nil {
		a.writeTwoFactorError(w, r, err)
		return
	}
	a.audit.logEvent(AuditBackupCodesRegenerated, r, u.ID)
	writeJSON(w, http.StatusOK, identity.BackupCodesResponse{
		Message:     "Backup codes have been regenerated",
		BackupCodes: plaintext,
	})
}

func (a *API) writeTwoFactorError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errTwoFactorEnabled):
		writeError(w, http.StatusBadRequest, "2FA is already enabled for this account")
	case errors.Is(err, errTwoFactorNotEnabled):
		writeError(w, http.StatusBadRequest, "2FA is not enabled for this account")
	case errors.Is(err, errNoPendingSetup):
		writeError(w, http.StatusBadRequest, "No 2FA setup in progress. Please start setup again.")
	case errors.Is(err, errBadCode):
		writeError(w, http.StatusBadRequest, "Invalid verification code")
	default:
		a.mapError(w, r, err)
	}
}
