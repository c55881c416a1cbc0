// Package twofactor drives enrollment, verification and removal of the
// second authentication factor. Codes are always checked by the identity
// service; nothing here validates a code or fabricates a secret.
package twofactor

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"strings"
	"sync"

	"github.com/pquerna/otp"

	"github.com/jmcleod/sessiongate/autherr"
	"github.com/jmcleod/sessiongate/identity"
)

// QRSize is the edge length in pixels of rendered enrollment QR codes.
const QRSize = 256

// ErrWrongState is returned when an operation does not apply to the flow's
// current state.
var ErrWrongState = errors.New("operation not valid in current two-factor state")

// State is the enrollment state of the signed-in account.
type State int

const (
	Idle State = iota
	Enrolling
	AwaitingCode
	Enabled
	Disabling
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Enrolling:
		return "enrolling"
	case AwaitingCode:
		return "awaiting_code"
	case Enabled:
		return "enabled"
	case Disabling:
		return "disabling"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Service is the part of the identity API the flow needs.
// *identity.Client satisfies it.
type Service interface {
	TwoFactorStatus(ctx context.Context) (*identity.TwoFactorStatusResponse, error)
	SetupTwoFactor(ctx context.Context) (*identity.TwoFactorSetupResponse, error)
	VerifyTwoFactorSetup(ctx context.Context, code string) ([]string, error)
	VerifyTwoFactorLogin(ctx context.Context, code string) (*identity.VerifyTwoFactorLoginResponse, error)
	VerifyBackupCode(ctx context.Context, code string) (*identity.VerifyTwoFactorLoginResponse, error)
	RegenerateBackupCodes(ctx context.Context) ([]string, error)
	DisableTwoFactor(ctx context.Context, currentPassword string) error
}

// Session receives the outcome of verifications. *session.Manager satisfies
// it.
type Session interface {
	MarkSecondFactorSatisfied()
	SetTwoFactorEnabled(enabled bool)
}

// Enrollment is the material shown to the user while enrolling.
type Enrollment struct {
	Secret         string
	ManualEntryKey string
	OTPAuthURL     string
	Issuer         string
	Account        string
	// QRCode is a PNG image, or nil when the service sent nothing scannable.
	QRCode []byte
}

// Flow is safe for concurrent use.
type Flow struct {
	svc     Service
	session Session
	logger  *slog.Logger

	mu         sync.Mutex
	state      State
	enrollment *Enrollment
	remaining  int
}

// Option configures a Flow.
type Option func(*Flow)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Flow) {
		f.logger = logger
	}
}

// New creates a Flow in the Idle state. Call Sync to pick up an existing
// enrollment.
func New(svc Service, session Session, opts ...Option) *Flow {
	f := &Flow{svc: svc, session: session}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	f.logger = f.logger.With("component", "twofactor")
	return f
}

// State returns the current state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Enrollment returns the pending enrollment, if any.
func (f *Flow) Enrollment() (Enrollment, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enrollment == nil {
		return Enrollment{}, false
	}
	return *f.enrollment, true
}

// BackupCodesRemaining is the count last reported by the service.
func (f *Flow) BackupCodesRemaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remaining
}

// Sync reads the enrollment status from the service. An enrollment in
// progress is left alone unless the account turns out to be enrolled.
func (f *Flow) Sync(ctx context.Context) (State, error) {
	status, err := f.svc.TwoFactorStatus(ctx)
	if err != nil {
		return f.State(), err
	}

	f.mu.Lock()
	f.remaining = status.BackupCodesRemaining
	switch {
	case status.Is2FAEnabled:
		f.state = Enabled
		f.enrollment = nil
	case f.state == Enabled || f.state == Disabling:
		f.state = Idle
	}
	st := f.state
	f.mu.Unlock()

	f.session.SetTwoFactorEnabled(status.Is2FAEnabled)
	return st, nil
}

// Begin requests a new secret from the service. Calling it again while a
// code is awaited restarts enrollment with a fresh secret.
func (f *Flow) Begin(ctx context.Context) (Enrollment, error) {
	f.mu.Lock()
	if f.state != Idle && f.state != AwaitingCode {
		st := f.state
		f.mu.Unlock()
		if st == Enabled {
			return Enrollment{}, autherr.New(autherr.ErrPolicyViolation, autherr.ReasonValidation, "Two-factor authentication is already enabled.")
		}
		return Enrollment{}, fmt.Errorf("%w: begin from %s", ErrWrongState, st)
	}
	f.state = Enrolling
	f.enrollment = nil
	f.mu.Unlock()

	resp, err := f.svc.SetupTwoFactor(ctx)
	if err != nil {
		f.transition(Enrolling, Idle)
		return Enrollment{}, err
	}
	enr, err := newEnrollment(resp)
	if err != nil {
		f.transition(Enrolling, Idle)
		return Enrollment{}, err
	}

	f.mu.Lock()
	if f.state == Enrolling {
		f.state = AwaitingCode
		f.enrollment = &enr
	}
	f.mu.Unlock()
	f.logger.Info("two-factor enrollment started", "issuer", enr.Issuer)
	return enr, nil
}

// VerifyEnrollment submits the first code from the authenticator. On success
// the account is enrolled and the one-time backup codes are returned. A
// rejected code leaves the flow waiting for another attempt.
func (f *Flow) VerifyEnrollment(ctx context.Context, code string) ([]string, error) {
	if st := f.State(); st != AwaitingCode {
		return nil, fmt.Errorf("%w: verify enrollment from %s", ErrWrongState, st)
	}
	codes, err := f.svc.VerifyTwoFactorSetup(ctx, strings.TrimSpace(code))
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.state = Enabled
	f.enrollment = nil
	f.remaining = len(codes)
	f.mu.Unlock()

	f.session.SetTwoFactorEnabled(true)
	f.logger.Info("two-factor enrollment completed")
	return codes, nil
}

// VerifyLogin completes the second factor for the current session.
func (f *Flow) VerifyLogin(ctx context.Context, code string) error {
	resp, err := f.svc.VerifyTwoFactorLogin(ctx, strings.TrimSpace(code))
	if err != nil {
		return err
	}
	f.satisfied(resp)
	return nil
}

// VerifyBackupCode completes the second factor with a single-use backup
// code and returns how many remain.
func (f *Flow) VerifyBackupCode(ctx context.Context, code string) (int, error) {
	resp, err := f.svc.VerifyBackupCode(ctx, strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return 0, err
	}
	f.satisfied(resp)
	if resp.BackupCodesRemaining <= 2 {
		f.logger.Warn("few backup codes remaining", "remaining", resp.BackupCodesRemaining)
	}
	return resp.BackupCodesRemaining, nil
}

func (f *Flow) satisfied(resp *identity.VerifyTwoFactorLoginResponse) {
	f.mu.Lock()
	if resp.BackupCodesRemaining > 0 {
		f.remaining = resp.BackupCodesRemaining
	}
	f.mu.Unlock()
	f.session.MarkSecondFactorSatisfied()
}

// RegenerateBackupCodes replaces all backup codes.
func (f *Flow) RegenerateBackupCodes(ctx context.Context) ([]string, error) {
	if st := f.State(); st != Enabled {
		return nil, fmt.Errorf("%w: regenerate backup codes from %s", ErrWrongState, st)
	}
	codes, err := f.svc.RegenerateBackupCodes(ctx)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.remaining = len(codes)
	f.mu.Unlock()
	return codes, nil
}

// Disable removes the second factor after the account password has been
// re-entered. A rejected password leaves the factor enabled.
func (f *Flow) Disable(ctx context.Context, currentPassword string) error {
	if currentPassword == "" {
		return autherr.New(autherr.ErrAuth, autherr.ReasonValidation, "Current password is required.")
	}
	if !f.transition(Enabled, Disabling) {
		return fmt.Errorf("%w: disable from %s", ErrWrongState, f.State())
	}

	if err := f.svc.DisableTwoFactor(ctx, currentPassword); err != nil {
		f.transition(Disabling, Enabled)
		return err
	}

	f.mu.Lock()
	f.state = Idle
	f.remaining = 0
	f.mu.Unlock()
	f.session.SetTwoFactorEnabled(false)
	f.logger.Info("two-factor authentication disabled")
	return nil
}

// Cancel abandons an enrollment in progress.
func (f *Flow) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == Enrolling || f.state == AwaitingCode {
		f.state = Idle
		f.enrollment = nil
	}
}

func (f *Flow) transition(from, to State) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != from {
		return false
	}
	f.state = to
	return true
}

const pngDataPrefix = "data:image/png;base64,"

func newEnrollment(resp *identity.TwoFactorSetupResponse) (Enrollment, error) {
	enr := Enrollment{
		Secret:         resp.Secret,
		ManualEntryKey: resp.ManualEntryKey,
		OTPAuthURL:     resp.OTPAuthURL,
	}

	if resp.OTPAuthURL != "" {
		key, err := otp.NewKeyFromURL(resp.OTPAuthURL)
		if err != nil {
			return Enrollment{}, autherr.Wrap(autherr.ErrAuth, fmt.Errorf("invalid otpauth url: %w", err))
		}
		enr.Issuer = key.Issuer()
		enr.Account = key.AccountName()
		if enr.Secret == "" {
			enr.Secret = key.Secret()
		}
		img, err := key.Image(QRSize, QRSize)
		if err != nil {
			return Enrollment{}, fmt.Errorf("failed to render QR code: %w", err)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return Enrollment{}, fmt.Errorf("failed to encode QR code: %w", err)
		}
		enr.QRCode = buf.Bytes()
	} else if strings.HasPrefix(resp.QRCode, pngDataPrefix) {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(resp.QRCode, pngDataPrefix))
		if err != nil {
			return Enrollment{}, fmt.Errorf("invalid QR code data: %w", err)
		}
		enr.QRCode = raw
	}

	if enr.Secret == "" {
		return Enrollment{}, autherr.New(autherr.ErrAuth, autherr.ReasonServer, "setup response carried no secret")
	}
	if enr.ManualEntryKey == "" {
		enr.ManualEntryKey = enr.Secret
	}
	return enr, nil
}
