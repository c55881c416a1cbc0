package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/sessiongate/identity"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List the active logins of the signed-in account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
			list, err := a.client().Sessions(ctx)
			if err != nil {
				return userError(err)
			}
			printSessions(out, list)
			return nil
		})
	},
}

func printSessions(w io.Writer, list []identity.Session) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No active sessions")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tIP\tLAST ACTIVE\tCLIENT\t")
	for _, s := range list {
		key := s.SessionKey
		if s.Current {
			key += " *"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n", key, s.IPAddress, s.LastActivity.Local().Format(time.DateTime), s.UserAgent)
	}
	tw.Flush()
}

var terminateSessionCmd = &cobra.Command{
	Use:   "terminate <session-key>",
	Short: "End one login",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
			if err := a.client().TerminateSession(ctx, args[0]); err != nil {
				return userError(err)
			}
			fmt.Fprintln(out, "Session terminated")
			return nil
		})
	},
}

var terminateAllCmd = &cobra.Command{
	Use:   "terminate-all",
	Short: "End every login of the account, including this one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
			if err := a.client().TerminateAllSessions(ctx); err != nil {
				return userError(err)
			}
			// The stored tokens belong to a terminated login now.
			if err := a.manager.Logout(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "All sessions terminated; signed out")
			return nil
		})
	},
}

func init() {
	sessionsCmd.AddCommand(terminateSessionCmd, terminateAllCmd)
	rootCmd.AddCommand(sessionsCmd)
}
