package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jmcleod/sessiongate/autherr"
	"github.com/jmcleod/sessiongate/gate"
	"github.com/jmcleod/sessiongate/identity"
	"github.com/jmcleod/sessiongate/session"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start an interactive session",
	Long: `Starts an interactive shell. The shell is one browsing session: a
verified second factor lasts until the shell exits, and every command is
checked against the access gate before it runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
			line := liner.NewLiner()
			defer line.Close()
			line.SetCtrlCAborts(true)

			historyFile := filepath.Join(filepath.Dir(a.cfg.Store.Path), "shell_history")
			if a.cfg.Store.Driver != "memory" {
				if f, err := os.Open(historyFile); err == nil {
					line.ReadHistory(f)
					f.Close()
				}
				defer func() {
					if f, err := os.OpenFile(historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
						line.WriteHistory(f)
						f.Close()
					}
				}()
			}
			line.SetCompleter(completeCommand)

			s := newShell(a, out, line.Prompt, line.PasswordPrompt)
			defer s.close()
			printBanner(out, "Interactive Session")
			s.start(ctx)

			for {
				input, err := line.Prompt(s.prompt())
				if err != nil {
					if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
						fmt.Fprintln(out)
						return nil
					}
					return err
				}
				if strings.TrimSpace(input) == "" {
					continue
				}
				line.AppendHistory(input)
				if s.exec(ctx, input) {
					return nil
				}
			}
		})
	},
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

// shellCommand is one shell verb. dest is the surface it belongs to; the
// gate decides whether the session may use it.
type shellCommand struct {
	name  string
	usage string
	help  string
	dest  gate.Destination
	run   func(ctx context.Context, s *shell, args []string) error
}

type shell struct {
	app        *app
	out        io.Writer
	location   string
	readLine   func(prompt string) (string, error)
	readSecret func(prompt string) (string, error)
	unsub      func()
}

func newShell(a *app, out io.Writer, readLine, readSecret func(string) (string, error)) *shell {
	s := &shell{app: a, out: out, readLine: readLine, readSecret: readSecret}
	s.unsub = a.manager.Subscribe(func(ev session.Event) {
		if ev.Type == session.EventForcedLogout {
			fmt.Fprintln(s.out, "Your session has expired. Please sign in again.")
		}
	})
	s.location = gate.Route(gate.Landing(a.manager.State().Subject()))
	return s
}

func (s *shell) close() {
	if s.unsub != nil {
		s.unsub()
	}
}

// start restores a stored session and lands on the matching surface.
func (s *shell) start(ctx context.Context) {
	if err := s.app.manager.Initialize(ctx); err != nil {
		fmt.Fprintf(s.out, "Could not restore session: %s\n", autherr.Message(err))
	}
	if s.app.manager.State().IsAuthenticated() {
		s.app.flow.Sync(ctx)
	}
	s.settle()
	if st := s.app.manager.State(); st.IsAuthenticated() {
		fmt.Fprintf(s.out, "Signed in as %s\n", st.User.Email)
		s.factorHint()
	}
	fmt.Fprintln(s.out, `Type "help" for commands.`)
}

func (s *shell) prompt() string {
	return "sessiongate " + s.location + "> "
}

// exec runs one input line and reports whether the shell should exit.
func (s *shell) exec(ctx context.Context, input string) bool {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return false
	}
	name, args := fields[0], fields[1:]
	if name == "quit" || name == "exit" {
		return true
	}
	// Two-word verbs: "2fa setup", "admin users", ...
	if len(args) > 0 && (name == "2fa" || name == "admin") {
		name, args = name+" "+args[0], args[1:]
	}
	c, ok := findCommand(name)
	if !ok {
		fmt.Fprintf(s.out, "Unknown command %q. Type \"help\" for commands.\n", name)
		return false
	}
	if d := s.app.manager.CanReach(c.dest); !d.Allowed {
		s.location = gate.Route(d.Redirect)
		fmt.Fprintf(s.out, "%s is not available here; redirected to %s\n", c.name, s.location)
		if d.Redirect == gate.PendingFactorSurface {
			s.factorHint()
		}
		return false
	}
	if err := c.run(ctx, s, args); err != nil {
		fmt.Fprintf(s.out, "Error: %s\n", autherr.Message(err))
	}
	s.settle()
	return false
}

// settle moves the session off a surface it may no longer use, and off the
// verification surface once the factor is satisfied.
func (s *shell) settle() {
	sub := s.app.manager.State().Subject()
	d, ok := gate.DestinationFor(s.location)
	switch {
	case !ok:
	case d == gate.PendingFactorSurface:
		if gate.Resolve(sub) == gate.PendingFactor {
			return
		}
	case gate.CanReach(sub, d).Allowed:
		return
	}
	s.location = gate.Route(gate.Landing(sub))
}

// factorHint tells a pending session how to continue.
func (s *shell) factorHint() {
	st := s.app.manager.State()
	if gate.Resolve(st.Subject()) != gate.PendingFactor {
		return
	}
	switch {
	case st.User.Is2FAEnabled:
		fmt.Fprintln(s.out, "Enter a code from your authenticator: 2fa verify <code> (or 2fa backup <code>)")
	case st.IsAdmin():
		fmt.Fprintln(s.out, gate.MsgAdminMustEnroll)
		fmt.Fprintln(s.out, "Start with: 2fa setup")
	default:
		fmt.Fprintln(s.out, "Set up two-factor authentication with \"2fa setup\", or continue without it: 2fa skip")
	}
}

func (s *shell) argOrPrompt(args []string, i int, label string) (string, error) {
	if i < len(args) {
		return args[i], nil
	}
	v, err := s.readLine(label + ": ")
	return strings.TrimSpace(v), err
}

func (s *shell) newPassword() (string, error) {
	pw, err := s.readSecret("New password: ")
	if err != nil {
		return "", err
	}
	confirm, err := s.readSecret("Confirm new password: ")
	if err != nil {
		return "", err
	}
	if pw != confirm {
		return "", errors.New("passwords do not match")
	}
	return pw, nil
}

var shellCommands []shellCommand

func findCommand(name string) (shellCommand, bool) {
	i := slices.IndexFunc(shellCommands, func(c shellCommand) bool { return c.name == name })
	if i < 0 {
		return shellCommand{}, false
	}
	return shellCommands[i], true
}

func completeCommand(line string) []string {
	var out []string
	for _, c := range shellCommands {
		if strings.HasPrefix(c.name, line) {
			out = append(out, c.name)
		}
	}
	return out
}

func init() {
	shellCommands = []shellCommand{
		{"help", "help", "List commands", gate.Open, shellHelp},
		{"status", "status", "Show the signed-in account", gate.Open, func(ctx context.Context, s *shell, args []string) error {
			printStatus(s.out, s.app)
			fmt.Fprintf(s.out, "Location:   %s\n", s.location)
			return nil
		}},
		{"goto", "goto <path>", "Navigate to a page, e.g. /dashboard or /admin", gate.Open, shellGoto},

		{"login", "login [email]", "Sign in", gate.PublicOnly, shellLogin},
		{"register", "register [email] [username]", "Create an account", gate.PublicOnly, shellRegister},
		{"forgot-password", "forgot-password [email]", "Request a password reset email", gate.PublicOnly, func(ctx context.Context, s *shell, args []string) error {
			email, err := s.argOrPrompt(args, 0, "Email")
			if err != nil {
				return err
			}
			msg, err := s.app.client().ForgotPassword(ctx, email)
			if err != nil {
				return err
			}
			fmt.Fprintln(s.out, msg)
			return nil
		}},
		{"verify-email", "verify-email <token>", "Verify an email address", gate.Open, func(ctx context.Context, s *shell, args []string) error {
			token, err := s.argOrPrompt(args, 0, "Token")
			if err != nil {
				return err
			}
			resp, err := s.app.manager.VerifyEmail(ctx, token)
			if err != nil {
				return err
			}
			fmt.Fprintln(s.out, resp.Message)
			s.factorHint()
			return nil
		}},
		{"resend-verification", "resend-verification [email]", "Send a new verification email", gate.Open, func(ctx context.Context, s *shell, args []string) error {
			email := ""
			if len(args) > 0 {
				email = args[0]
			}
			msg, err := s.app.manager.ResendVerification(ctx, email)
			if err != nil {
				return err
			}
			fmt.Fprintln(s.out, msg)
			return nil
		}},
		{"reset-password", "reset-password <token>", "Set a new password with a reset token", gate.Open, func(ctx context.Context, s *shell, args []string) error {
			token, err := s.argOrPrompt(args, 0, "Token")
			if err != nil {
				return err
			}
			if _, err := s.app.client().ValidateResetToken(ctx, token); err != nil {
				return err
			}
			pw, err := s.newPassword()
			if err != nil {
				return err
			}
			if err := s.app.client().ResetPassword(ctx, token, pw); err != nil {
				return err
			}
			fmt.Fprintln(s.out, "Password reset. Sign in with the new password.")
			return nil
		}},
		{"logout", "logout", "Sign out", gate.Open, func(ctx context.Context, s *shell, args []string) error {
			if err := s.app.manager.Logout(ctx); err != nil {
				return err
			}
			s.app.flow.Cancel()
			fmt.Fprintln(s.out, "Signed out")
			return nil
		}},

		{"2fa status", "2fa status", "Show the two-factor enrollment", gate.PendingFactorSurface, func(ctx context.Context, s *shell, args []string) error {
			st, err := s.app.flow.Sync(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "Two-factor: %s, backup codes remaining: %d\n", st, s.app.flow.BackupCodesRemaining())
			return nil
		}},
		{"2fa setup", "2fa setup [qr.png]", "Start enrollment; optionally write the QR code to a file", gate.PendingFactorSurface, shellTwoFactorSetup},
		{"2fa confirm", "2fa confirm <code>", "Finish enrollment with a code from the new secret", gate.PendingFactorSurface, func(ctx context.Context, s *shell, args []string) error {
			code, err := s.argOrPrompt(args, 0, "Code")
			if err != nil {
				return err
			}
			codes, err := s.app.flow.VerifyEnrollment(ctx, code)
			if err != nil {
				return err
			}
			fmt.Fprintln(s.out, "Two-factor authentication enabled. Store these backup codes somewhere safe:")
			for _, c := range codes {
				fmt.Fprintf(s.out, "  %s\n", c)
			}
			s.factorHint()
			return nil
		}},
		{"2fa cancel", "2fa cancel", "Abandon enrollment", gate.PendingFactorSurface, func(ctx context.Context, s *shell, args []string) error {
			s.app.flow.Cancel()
			return nil
		}},
		{"2fa verify", "2fa verify <code>", "Verify this session with an authenticator code", gate.PendingFactorSurface, func(ctx context.Context, s *shell, args []string) error {
			code, err := s.argOrPrompt(args, 0, "Code")
			if err != nil {
				return err
			}
			if err := s.app.flow.VerifyLogin(ctx, code); err != nil {
				return err
			}
			fmt.Fprintln(s.out, "Verified")
			return nil
		}},
		{"2fa backup", "2fa backup <code>", "Verify this session with a backup code", gate.PendingFactorSurface, func(ctx context.Context, s *shell, args []string) error {
			code, err := s.argOrPrompt(args, 0, "Backup code")
			if err != nil {
				return err
			}
			n, err := s.app.flow.VerifyBackupCode(ctx, code)
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "Verified; %d backup codes remaining\n", n)
			return nil
		}},
		{"2fa skip", "2fa skip", "Continue without a second factor", gate.PendingFactorSurface, func(ctx context.Context, s *shell, args []string) error {
			return s.app.manager.SkipSecondFactor()
		}},
		{"2fa regenerate", "2fa regenerate", "Replace all backup codes", gate.Protected, func(ctx context.Context, s *shell, args []string) error {
			codes, err := s.app.flow.RegenerateBackupCodes(ctx)
			if err != nil {
				return err
			}
			for _, c := range codes {
				fmt.Fprintf(s.out, "  %s\n", c)
			}
			return nil
		}},
		{"2fa disable", "2fa disable", "Remove the second factor", gate.Protected, func(ctx context.Context, s *shell, args []string) error {
			pw, err := s.readSecret("Current password: ")
			if err != nil {
				return err
			}
			if err := s.app.flow.Disable(ctx, pw); err != nil {
				return err
			}
			fmt.Fprintln(s.out, "Two-factor authentication disabled")
			return nil
		}},

		{"profile", "profile", "Refetch the account profile", gate.Protected, func(ctx context.Context, s *shell, args []string) error {
			if _, err := s.app.manager.RefreshProfile(ctx); err != nil {
				return err
			}
			printStatus(s.out, s.app)
			return nil
		}},
		{"change-password", "change-password", "Change the account password", gate.Protected, func(ctx context.Context, s *shell, args []string) error {
			current, err := s.readSecret("Current password: ")
			if err != nil {
				return err
			}
			pw, err := s.newPassword()
			if err != nil {
				return err
			}
			if err := s.app.client().ChangePassword(ctx, current, pw); err != nil {
				return err
			}
			fmt.Fprintln(s.out, "Password changed")
			return nil
		}},
		{"sessions", "sessions", "List active logins", gate.Protected, func(ctx context.Context, s *shell, args []string) error {
			list, err := s.app.client().Sessions(ctx)
			if err != nil {
				return err
			}
			printSessions(s.out, list)
			return nil
		}},
		{"terminate", "terminate <session-key>", "End one login", gate.Protected, func(ctx context.Context, s *shell, args []string) error {
			key, err := s.argOrPrompt(args, 0, "Session key")
			if err != nil {
				return err
			}
			if err := s.app.client().TerminateSession(ctx, key); err != nil {
				return err
			}
			fmt.Fprintln(s.out, "Session terminated")
			return nil
		}},
		{"terminate-all", "terminate-all", "End every login, including this one", gate.Protected, func(ctx context.Context, s *shell, args []string) error {
			if err := s.app.client().TerminateAllSessions(ctx); err != nil {
				return err
			}
			fmt.Fprintln(s.out, "All sessions terminated")
			return s.app.manager.Logout(ctx)
		}},

		{"admin dashboard", "admin dashboard", "Account statistics", gate.AdminOnly, func(ctx context.Context, s *shell, args []string) error {
			d, err := s.app.client().AdminDashboard(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "Users: %d total, %d active, %d verified, %d admins, %d with 2FA\n",
				d.TotalUsers, d.ActiveUsers, d.VerifiedUsers, d.AdminUsers, d.TwoFactorUsers)
			return nil
		}},
		{"admin users", "admin users", "List accounts", gate.AdminOnly, func(ctx context.Context, s *shell, args []string) error {
			users, err := s.app.client().AdminUsers(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tEMAIL\tROLE\tACTIVE\tVERIFIED\t2FA\t")
			for _, u := range users {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\t%t\t\n", u.ID, u.Email, u.Role, u.IsActive, u.IsVerified, u.Is2FAEnabled)
			}
			return tw.Flush()
		}},
		{"admin toggle", "admin toggle <user-id>", "Activate or deactivate an account", gate.AdminOnly, adminAction(func(ctx context.Context, c *identity.Client, id string, _ []string) (*identity.User, error) {
			return c.AdminToggleUserStatus(ctx, id)
		})},
		{"admin role", "admin role <user-id> <user|admin>", "Change an account's role", gate.AdminOnly, adminAction(func(ctx context.Context, c *identity.Client, id string, rest []string) (*identity.User, error) {
			if len(rest) == 0 {
				return nil, errors.New("role is required")
			}
			return c.AdminChangeUserRole(ctx, id, identity.Role(rest[0]))
		})},
		{"admin verify", "admin verify <user-id>", "Mark an account verified", gate.AdminOnly, adminAction(func(ctx context.Context, c *identity.Client, id string, _ []string) (*identity.User, error) {
			return c.AdminVerifyUser(ctx, id)
		})},
		{"admin reset-attempts", "admin reset-attempts <user-id>", "Clear failed login attempts", gate.AdminOnly, adminAction(func(ctx context.Context, c *identity.Client, id string, _ []string) (*identity.User, error) {
			return c.AdminResetFailedAttempts(ctx, id)
		})},
		{"admin send-verification", "admin send-verification <user-id>", "Mail a new verification token", gate.AdminOnly, func(ctx context.Context, s *shell, args []string) error {
			id, err := s.argOrPrompt(args, 0, "User ID")
			if err != nil {
				return err
			}
			msg, err := s.app.client().AdminSendVerification(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintln(s.out, msg)
			return nil
		}},
	}
}

func adminAction(fn func(ctx context.Context, c *identity.Client, id string, rest []string) (*identity.User, error)) func(context.Context, *shell, []string) error {
	return func(ctx context.Context, s *shell, args []string) error {
		id, err := s.argOrPrompt(args, 0, "User ID")
		if err != nil {
			return err
		}
		var rest []string
		if len(args) > 1 {
			rest = args[1:]
		}
		u, err := fn(ctx, s.app.client(), id, rest)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s: role=%s active=%t verified=%t\n", u.Email, u.Role, u.IsActive, u.IsVerified)
		return nil
	}
}

func shellHelp(ctx context.Context, s *shell, args []string) error {
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	sub := s.app.manager.State().Subject()
	for _, c := range shellCommands {
		if !gate.CanReach(sub, c.dest).Allowed {
			continue
		}
		fmt.Fprintf(tw, "  %s\t%s\n", c.usage, c.help)
	}
	fmt.Fprintf(tw, "  %s\t%s\n", "quit", "Leave the shell")
	return tw.Flush()
}

func shellGoto(ctx context.Context, s *shell, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: goto <path>")
	}
	sub := s.app.manager.State().Subject()
	path := args[0]
	if strings.Trim(path, "/") == "" {
		s.location = gate.Route(gate.Landing(sub))
		fmt.Fprintf(s.out, "Now at %s\n", s.location)
		return nil
	}
	d, ok := gate.DestinationFor(path)
	if !ok {
		return fmt.Errorf("unknown page %s", path)
	}
	decision := gate.CanReach(sub, d)
	if !decision.Allowed {
		s.location = gate.Route(decision.Redirect)
		fmt.Fprintf(s.out, "Redirected to %s\n", s.location)
		return nil
	}
	s.location = "/" + strings.Trim(path, "/")
	fmt.Fprintf(s.out, "Now at %s\n", s.location)
	return nil
}

func shellLogin(ctx context.Context, s *shell, args []string) error {
	email, err := s.argOrPrompt(args, 0, "Email")
	if err != nil {
		return err
	}
	password, err := s.readSecret("Password: ")
	if err != nil {
		return err
	}
	user, err := s.app.manager.Login(ctx, email, password)
	if err != nil {
		return err
	}
	s.app.flow.Cancel()
	if _, err := s.app.flow.Sync(ctx); err != nil {
		s.app.logger.Warn("two-factor status unavailable", "error", err)
	}
	fmt.Fprintf(s.out, "Signed in as %s\n", user.Email)
	s.settle()
	s.factorHint()
	return nil
}

func shellRegister(ctx context.Context, s *shell, args []string) error {
	email, err := s.argOrPrompt(args, 0, "Email")
	if err != nil {
		return err
	}
	username, err := s.argOrPrompt(args, 1, "Username")
	if err != nil {
		return err
	}
	pw, err := s.newPassword()
	if err != nil {
		return err
	}
	resp, err := s.app.manager.Register(ctx, identity.RegisterRequest{
		Email: email, Username: username, Password: pw, PasswordConfirm: pw,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, resp.Message)
	if resp.VerificationRequired {
		fmt.Fprintln(s.out, "Verify with: verify-email <token>")
	}
	s.settle()
	s.factorHint()
	return nil
}

func shellTwoFactorSetup(ctx context.Context, s *shell, args []string) error {
	enr, err := s.app.flow.Begin(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Secret:     %s\n", enr.ManualEntryKey)
	if enr.OTPAuthURL != "" {
		fmt.Fprintf(s.out, "URL:        %s\n", enr.OTPAuthURL)
	}
	if len(args) > 0 && len(enr.QRCode) > 0 {
		if err := os.WriteFile(args[0], enr.QRCode, 0o600); err != nil {
			return fmt.Errorf("writing qr code: %w", err)
		}
		fmt.Fprintf(s.out, "QR code written to %s\n", args[0])
	}
	fmt.Fprintln(s.out, "Add the secret to your authenticator, then run: 2fa confirm <code>")
	return nil
}
