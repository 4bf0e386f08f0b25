// Package commands implements the CLI commands for blockdkitctl, a
// read-only management client for blockdkitd's HTTP control API.
// Grounded on dittofs's cmd/dfsctl/commands.rootCmd.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/blockdkit/blockdkit/cmd/blockdkitctl/cmdutil"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "blockdkitctl",
	Short: "blockdkitctl - remote management client for blockdkitd",
	Long: `blockdkitctl queries a running blockdkitd's HTTP management API for
health status and read-only pipeline introspection: which exports it
serves and which plugin/filter backends and capabilities back them.

Use "blockdkitctl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cmdutil.Flags.ServerURL, _ = cmd.Flags().GetString("server")
		cmdutil.Flags.Token, _ = cmd.Flags().GetString("token")
		cmdutil.Flags.Output, _ = cmd.Flags().GetString("output")
		cmdutil.Flags.NoColor, _ = cmd.Flags().GetBool("no-color")
		cmdutil.Flags.Verbose, _ = cmd.Flags().GetBool("verbose")
	},
}

func init() {
	rootCmd.PersistentFlags().String("server", "", "blockdkitd management API URL (or BLOCKDKITCTL_SERVER)")
	rootCmd.PersistentFlags().String("token", "", "Bearer token (or BLOCKDKITCTL_TOKEN)")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format (table|json|yaml)")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(exportsCmd)
	rootCmd.AddCommand(backendsCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
