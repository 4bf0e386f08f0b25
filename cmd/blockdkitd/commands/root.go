// Package commands implements the blockdkitd server CLI: init, start,
// version. Grounded on dittofs's cmd/dfsctl/commands.rootCmd shape
// (persistent --config flag, SilenceUsage/SilenceErrors, Execute/
// GetRootCmd entry points).
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "blockdkitd",
	Short: "blockdkitd - network block device server",
	Long: `blockdkitd serves a fixed plugin+filter pipeline (a backing store plus
zero or more transforms: offset, logging, caching, encryption, access
control, rate limiting, and more) over a TCP socket, plus a read-only
HTTP management API for health checks and introspection.

Use "blockdkitd [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (default: $XDG_CONFIG_HOME/blockdkit/config.yaml)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetConfigFile returns the --config flag value, empty meaning "use the
// default location".
func GetConfigFile() string {
	return configFile
}
