package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/cutroom/internal/session"
	"github.com/user/cutroom/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionResetCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect the local session cache",
}

func openSessions() (*session.Store, error) {
	cfg := loadConfig()
	store, err := session.Open(cfg.DataDir, setupLogging(cfg))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return store, nil
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSessions()
		if err != nil {
			return err
		}
		ids := store.Sessions()
		if len(ids) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PROJECT\tMODE\tMESSAGES\tSCRIPT")
		for _, id := range ids {
			sess := store.GetSession(id)
			fmt.Fprintf(tw, "%d\t%s\t%d\t%d chars\n", id, sess.Mode, len(sess.Messages), len(sess.ScriptContent))
		}
		return tw.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <project-id>",
	Short: "Show a cached session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := types.ParseProjectID(args[0])
		if err != nil {
			return err
		}
		store, err := openSessions()
		if err != nil {
			return err
		}
		sess := store.GetSession(id)
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Project:  %d\nMode:     %s\nMessages: %d\n", id, sess.Mode, len(sess.Messages))
		if sess.ProjectSnapshot != nil && sess.ProjectSnapshot.Title != "" {
			fmt.Fprintf(out, "Title:    %s\n", sess.ProjectSnapshot.Title)
		}
		if sess.TargetModel != "" {
			fmt.Fprintf(out, "Model:    %s\n", sess.TargetModel)
		}
		if sess.ScriptContent != "" {
			fmt.Fprintf(out, "\n--- script ---\n%s\n--------------\n", sess.ScriptContent)
		}
		fmt.Fprintln(out)
		for _, msg := range sess.Messages {
			printMessage(out, msg)
		}
		return nil
	},
}

var sessionResetCmd = &cobra.Command{
	Use:   "reset <project-id>",
	Short: "Clear the cached conversation of a project",
	Long: `Clear the cached conversation of a project.

Only the local cache is cleared. The script and project snapshot are kept,
and the next chat reconciles with the server record again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := types.ParseProjectID(args[0])
		if err != nil {
			return err
		}
		store, err := openSessions()
		if err != nil {
			return err
		}
		store.ResetSession(id)
		fmt.Fprintf(cmd.OutOrStdout(), "Session for project %d reset.\n", id)
		return nil
	},
}
