package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/cutroom/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd)
	configCmd.PersistentFlags().Bool("show-secrets", false, "print llm.api_key and server.token unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration values by section",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		showSecrets, _ := cmd.Flags().GetBool("show-secrets")
		values, err := config.ListValues(loadConfig(), !showSecrets)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			si, sj := configSection(keys[i]), configSection(keys[j])
			if si != sj {
				return si < sj
			}
			return keys[i] < keys[j]
		})

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		section := ""
		for _, k := range keys {
			if s := configSection(k); s != section {
				section = s
				fmt.Fprintf(tw, "[%s]\t\n", section)
			}
			fmt.Fprintf(tw, "%s\t%v\n", k, values[k])
		}
		return tw.Flush()
	},
}

// configSection groups top-level keys under "general".
func configSection(key string) string {
	if s, _, ok := strings.Cut(key, "."); ok {
		return s
	}
	return "general"
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		showSecrets, _ := cmd.Flags().GetBool("show-secrets")
		val, err := config.GetValue(cfgPath, args[0], !showSecrets)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value.

The value is parsed as JSON when possible. The change is rejected when the
resulting config is invalid, for example an unknown storage.driver or a
compaction.keep_recent that is not below compaction.threshold.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetValue(cfgPath, args[0], args[1]); err != nil {
			return err
		}
		var display any = args[1]
		if config.IsSecretKey(args[0]) {
			display = config.MaskValue(args[1])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", args[0], display)
		return nil
	},
}
