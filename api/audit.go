package api

import (
	"log/slog"
	"net/http"
	"net/netip"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess           AuditEvent = "login_success"
	AuditLoginFailure           AuditEvent = "login_failure"
	AuditLoginRateLimited       AuditEvent = "login_rate_limited"
	AuditThrottled              AuditEvent = "ip_throttled"
	AuditRegister               AuditEvent = "register"
	AuditLogout                 AuditEvent = "logout"
	AuditTokenRefresh           AuditEvent = "token_refresh"
	AuditTokenRefreshFailure    AuditEvent = "token_refresh_failure"
	AuditEmailVerified          AuditEvent = "email_verified"
	AuditPasswordChanged        AuditEvent = "password_changed"
	AuditPasswordResetRequested AuditEvent = "password_reset_requested"
	AuditPasswordReset          AuditEvent = "password_reset"
	AuditTwoFactorSetup         AuditEvent = "2fa_setup"
	AuditTwoFactorEnabled       AuditEvent = "2fa_enabled"
	AuditTwoFactorDisabled      AuditEvent = "2fa_disabled"
	AuditTwoFactorVerified      AuditEvent = "2fa_verified"
	AuditTwoFactorFailure       AuditEvent = "2fa_failure"
	AuditBackupCodesRegenerated AuditEvent = "backup_codes_regenerated"
	AuditSessionTerminated      AuditEvent = "session_terminated"
	AuditAllSessionsTerminated  AuditEvent = "all_sessions_terminated"
	AuditAdminAction            AuditEvent = "admin_action"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger         *slog.Logger
	metrics        *metricsCollector
	webhook        *auditWebhook
	trustedProxies []netip.Prefix
}

func newAuditLogger(logger *slog.Logger, trustedProxies []netip.Prefix) *auditLogger {
	return &auditLogger{
		logger:         logger.With("component", "audit"),
		trustedProxies: trustedProxies,
	}
}

// log writes a structured audit log entry and forwards it to the webhook
// when one is configured.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	now := time.Now().UTC().Format(time.RFC3339)
	remote := extractClientIPWithProxies(r, al.trustedProxies)
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", remote),
		slog.String("timestamp", now),
	}
	baseAttrs = append(baseAttrs, attrs...)

	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		al.webhook.enqueue(newWebhookEvent(event, remote, now, attrs))
	}
}

// logEvent is a convenience for events with a user ID.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, userID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("user_id", userID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a failed authentication attempt.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
