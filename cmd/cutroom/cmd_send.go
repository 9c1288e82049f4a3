package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/cutroom/internal/inbox"
	"github.com/user/cutroom/internal/types"
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().Int64("project", 0, "project ID")
	sendCmd.MarkFlagRequired("project")
}

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Queue a message for the director of a running chat",
	Long: `Queue a message for the director of a running chat.

The message lands in the inbox directory. A chat open on the same project
sends it as soon as the director is idle. Only the most recent queued
message is kept.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		rawID, _ := cmd.Flags().GetInt64("project")
		if rawID <= 0 {
			return fmt.Errorf("--project must be a positive project ID")
		}
		path, err := inbox.Drop(cfg.InboxDir(), types.ProjectID(rawID), strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Queued for project %d (%s)\n", rawID, path)
		return nil
	},
}
