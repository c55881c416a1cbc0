package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/sessiongate/autherr"
	"github.com/jmcleod/sessiongate/gate"
	"github.com/jmcleod/sessiongate/identity"
	"github.com/jmcleod/sessiongate/session"
)

var (
	loginEmail    string
	registerEmail string
	registerUser  string
	accountEmail  string
)

// userError reduces err to the message the identity service gave, which is
// what a person at the terminal needs.
func userError(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(autherr.Message(err))
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store the issued tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
			p := newPrompter(cmd.InOrStdin(), out)
			email, err := p.valueOr(loginEmail, "Email")
			if err != nil {
				return err
			}
			password, err := p.secret("Password")
			if err != nil {
				return err
			}
			user, err := a.manager.Login(ctx, email, password)
			if err != nil {
				return userError(err)
			}
			fmt.Fprintf(out, "Signed in as %s (%s)\n", user.Email, user.Role)
			printFactorHint(out, a.manager.State())
			return nil
		})
	},
}

// printFactorHint explains what a one-shot command cannot do: the
// second-factor flag only lives inside an interactive shell.
func printFactorHint(w io.Writer, st session.State) {
	switch err := gate.Skip(st.Subject()); {
	case err == nil:
		return
	case st.User != nil && st.User.Is2FAEnabled:
		fmt.Fprintln(w, "Two-factor verification is required. Run \"sessiongate shell\" to enter a code.")
	default:
		fmt.Fprintln(w, autherr.Message(err))
	}
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Invalidate the stored session and clear local credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
			if err := a.manager.Logout(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "Signed out")
			return nil
		})
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
			p := newPrompter(cmd.InOrStdin(), out)
			email, err := p.valueOr(registerEmail, "Email")
			if err != nil {
				return err
			}
			username, err := p.valueOr(registerUser, "Username")
			if err != nil {
				return err
			}
			password, err := p.secret("Password")
			if err != nil {
				return err
			}
			confirm, err := p.secret("Confirm password")
			if err != nil {
				return err
			}
			resp, err := a.manager.Register(ctx, identity.RegisterRequest{
				Email:           email,
				Username:        username,
				Password:        password,
				PasswordConfirm: confirm,
			})
			if err != nil {
				return userError(err)
			}
			fmt.Fprintln(out, resp.Message)
			if resp.VerificationRequired {
				fmt.Fprintln(out, "Run \"sessiongate verify-email <token>\" with the token from the email.")
			}
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"whoami"},
	Short:   "Show the signed-in account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
			if err := a.manager.Initialize(ctx); err != nil {
				return userError(err)
			}
			printStatus(out, a)
			return nil
		})
	},
}

func printStatus(w io.Writer, a *app) {
	st := a.manager.State()
	if !st.IsAuthenticated() {
		fmt.Fprintln(w, "Not signed in")
		return
	}
	u := st.User
	fmt.Fprintf(w, "Email:      %s\n", u.Email)
	fmt.Fprintf(w, "Username:   %s\n", u.Username)
	fmt.Fprintf(w, "Role:       %s\n", u.Role)
	fmt.Fprintf(w, "Verified:   %t\n", u.IsVerified)
	fmt.Fprintf(w, "2FA:        %t\n", u.Is2FAEnabled)
	fmt.Fprintf(w, "Gate:       %s\n", a.manager.GateState())
	if s := a.manager.Coordinator().Stats(); s.Refreshes+s.Failures > 0 {
		fmt.Fprintf(w, "Refreshes:  %d (%d failed, %d waiters served)\n", s.Refreshes, s.Failures, s.Waiters)
	}
	if creds, err := a.store.Load(); err == nil && creds.AccessToken != "" {
		if exp, err := identity.AccessTokenExpiry(creds.AccessToken); err == nil {
			fmt.Fprintf(w, "Token:      expires in %s\n", time.Until(exp).Round(time.Second))
		}
	}
}

var verifyEmailCmd = &cobra.Command{
	Use:   "verify-email <token>",
	Short: "Verify an email address with the emailed token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
			resp, err := a.manager.VerifyEmail(ctx, args[0])
			if err != nil {
				return userError(err)
			}
			fmt.Fprintln(out, resp.Message)
			return nil
		})
	},
}

var resendVerificationCmd = &cobra.Command{
	Use:   "resend-verification",
	Short: "Send a new verification email",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
			if accountEmail == "" {
				if err := a.manager.Initialize(ctx); err != nil {
					return userError(err)
				}
			}
			msg, err := a.manager.ResendVerification(ctx, accountEmail)
			if err != nil {
				return userError(err)
			}
			fmt.Fprintln(out, msg)
			return nil
		})
	},
}

var forgotPasswordCmd = &cobra.Command{
	Use:   "forgot-password",
	Short: "Request a password reset email",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
			email, err := newPrompter(cmd.InOrStdin(), out).valueOr(accountEmail, "Email")
			if err != nil {
				return err
			}
			msg, err := a.client().ForgotPassword(ctx, email)
			if err != nil {
				return userError(err)
			}
			fmt.Fprintln(out, msg)
			return nil
		})
	},
}

var resetPasswordCmd = &cobra.Command{
	Use:   "reset-password <token>",
	Short: "Set a new password with a reset token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
			check, err := a.client().ValidateResetToken(ctx, args[0])
			if err != nil {
				return userError(err)
			}
			p := newPrompter(cmd.InOrStdin(), out)
			fmt.Fprintf(out, "Resetting the password of %s\n", check.Email)
			password, err := newSecretPair(p)
			if err != nil {
				return err
			}
			if err := a.client().ResetPassword(ctx, args[0], password); err != nil {
				return userError(err)
			}
			fmt.Fprintln(out, "Password reset. Sign in with the new password.")
			return nil
		})
	},
}

var changePasswordCmd = &cobra.Command{
	Use:   "change-password",
	Short: "Change the password of the signed-in account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
			p := newPrompter(cmd.InOrStdin(), out)
			current, err := p.secret("Current password")
			if err != nil {
				return err
			}
			next, err := newSecretPair(p)
			if err != nil {
				return err
			}
			if err := a.client().ChangePassword(ctx, current, next); err != nil {
				return userError(err)
			}
			fmt.Fprintln(out, "Password changed")
			return nil
		})
	},
}

// newSecretPair asks for a new password twice.
func newSecretPair(p *prompter) (string, error) {
	pw, err := p.secret("New password")
	if err != nil {
		return "", err
	}
	confirm, err := p.secret("Confirm new password")
	if err != nil {
		return "", err
	}
	if pw != confirm {
		return "", errors.New("passwords do not match")
	}
	return pw, nil
}

func init() {
	loginCmd.Flags().StringVarP(&loginEmail, "email", "e", "", "Account email")
	registerCmd.Flags().StringVarP(&registerEmail, "email", "e", "", "Account email")
	registerCmd.Flags().StringVarP(&registerUser, "username", "u", "", "Username")
	resendVerificationCmd.Flags().StringVarP(&accountEmail, "email", "e", "", "Account email (defaults to the signed-in account)")
	forgotPasswordCmd.Flags().StringVarP(&accountEmail, "email", "e", "", "Account email")

	rootCmd.AddCommand(loginCmd, logoutCmd, registerCmd, statusCmd, verifyEmailCmd,
		resendVerificationCmd, forgotPasswordCmd, resetPasswordCmd, changePasswordCmd)
}
