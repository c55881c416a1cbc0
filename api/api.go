// Package api is a development identity service. It serves the endpoints
// the sessiongate client consumes, backed by in-memory accounts, so the
// client can be run end to end without the production backend.
package api

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/sessiongate/internal/util"
)

const (
	DefaultIssuer     = "sessiongate"
	DefaultAccessTTL  = 5 * time.Minute
	DefaultRefreshTTL = 24 * time.Hour

	minSecretLen = 32
)

// Config holds the token settings of the service.
type Config struct {
	// Secret signs access tokens (HS256). A random secret is generated when
	// empty, which invalidates all tokens on restart.
	Secret     []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// AutoVerify marks new accounts verified at registration and returns
	// tokens with the registration response.
	AutoVerify bool
}

// API holds the dependencies needed by the REST handlers.
type API struct {
	cfg            Config
	users          *userDirectory
	sessions       SessionStore
	rateLimiter    *loginRateLimiter
	throttle       *ipThrottle
	audit          *auditLogger
	logger         *slog.Logger
	mailer         Mailer
	alertFn        AlertFunc
	webhook        *auditWebhook
	trustedProxies []netip.Prefix
	passwordParams util.Argon2idParams
	now            func() time.Time
}

//go:embed openapi.yaml
var openapiDoc []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for requests and audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithAlertFunc installs a callback for anomaly alerts (login and
// two-factor failure spikes).
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAuditWebhook forwards every audit event to url. authHeader, if set,
// is sent as "Header: Value".
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		if url != "" {
			a.webhook = newAuditWebhook(url, authHeader)
		}
	}
}

// WithTrustedProxies parses CIDR ranges (bare addresses become single-host
// prefixes) whose forwarding headers are honored when resolving client IPs.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !strings.Contains(c, "/") {
			addr, err := netip.ParseAddr(c)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return func(a *API) {
		a.trustedProxies = prefixes
	}, nil
}

// WithSessionStore replaces the in-memory login session store.
func WithSessionStore(s SessionStore) Option {
	return func(a *API) {
		a.sessions = s
	}
}

// WithMailer replaces the mailer that delivers verification and reset
// tokens. The default logs them.
func WithMailer(m Mailer) Option {
	return func(a *API) {
		a.mailer = m
	}
}

// WithPasswordParams sets the argon2id cost of new password hashes.
func WithPasswordParams(p util.Argon2idParams) Option {
	return func(a *API) {
		a.passwordParams = p
	}
}

// WithClock replaces time.Now for token issue, expiry and TOTP checks.
func WithClock(now func() time.Time) Option {
	return func(a *API) {
		a.now = now
	}
}

// New creates a new API instance.
func New(cfg Config, opts ...Option) (*API, error) {
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.RefreshTTL < cfg.AccessTTL {
		return nil, errors.New("refresh ttl must not be shorter than access ttl")
	}
	switch {
	case len(cfg.Secret) == 0:
		secret, err := util.RandomBytes(minSecretLen)
		if err != nil {
			return nil, err
		}
		cfg.Secret = secret
	case len(cfg.Secret) < minSecretLen:
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}

	a := &API{
		cfg:            cfg,
		users:          newUserDirectory(),
		rateLimiter:    newLoginRateLimiter(),
		throttle:       newIPThrottle(anonymousRate, anonymousBurst),
		passwordParams: util.DefaultArgon2idParams(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.sessions == nil {
		a.sessions = NewMemorySessionStore(a.now)
	}
	if a.mailer == nil {
		a.mailer = logMailer{logger: a.logger.With("component", "mail")}
	}
	a.audit = newAuditLogger(a.logger, a.trustedProxies)
	a.audit.metrics = newMetricsCollector(a.alertFn)
	a.audit.webhook = a.webhook
	return a, nil
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiDoc)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Post("/api/token/refresh/", a.RefreshToken)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/login/", a.Login)
		r.Post("/verify-email/", a.VerifyEmail)
		r.Get("/validate-reset-token/{token}/", a.ValidateResetToken)

		// Endpoints that send mail or create accounts.
		r.Group(func(r chi.Router) {
			r.Use(a.Throttle)
			r.Post("/register/", a.Register)
			r.Post("/resend-verification/", a.ResendVerification)
			r.Post("/forgot-password/", a.ForgotPassword)
			r.Post("/reset-password/", a.ResetPassword)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.AuthMiddleware)
			r.Post("/logout/", a.Logout)
			r.Get("/profile/", a.Profile)
			r.Post("/change-password/", a.ChangePassword)

			r.Get("/2fa-status/", a.TwoFactorStatus)
			r.Post("/setup-2fa/", a.SetupTwoFactor)
			r.Post("/verify-2fa-setup/", a.VerifyTwoFactorSetup)
			r.Post("/verify-2fa-login/", a.VerifyTwoFactorLogin)
			r.Post("/disable-2fa/", a.DisableTwoFactor)
			r.Post("/regenerate-backup-codes/", a.RegenerateBackupCodes)

			r.Get("/sessions/", a.ListSessions)
			r.Post("/terminate-session/", a.TerminateSession)
			r.Post("/terminate-all-sessions/", a.TerminateAllSessions)

			r.Route("/admin", func(r chi.Router) {
				r.Use(AdminOnly)
				r.Get("/dashboard/", a.AdminDashboard)
				r.Get("/users/", a.AdminUsers)
				r.Post("/toggle-user-status/", a.AdminToggleUserStatus)
				r.Post("/change-user-role/", a.AdminChangeUserRole)
				r.Post("/verify-user/", a.AdminVerifyUser)
				r.Post("/send-verification/", a.AdminSendVerification)
				r.Post("/reset-failed-attempts/", a.AdminResetFailedAttempts)
			})
		})
	})

	return r
}

// Sweep drops expired login sessions, reset tokens and rate limiter state.
func (a *API) Sweep() {
	now := a.now()
	a.sessions.Sweep()
	a.users.sweep(now)
	a.rateLimiter.sweep()
	a.throttle.sweep(now)
}

// RunJanitor calls Sweep every interval until ctx is done.
func (a *API) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep()
		}
	}
}

// Close flushes pending audit webhook deliveries.
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
	}
}
