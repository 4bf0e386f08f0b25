package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blockdkit/blockdkit/cmd/blockdkitctl/cmdutil"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server liveness and readiness",
	Long: `Query blockdkitd's /healthz and /healthz/ready endpoints.

Examples:
  blockdkitctl health --server http://localhost:10810`,
	RunE: runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	client, err := cmdutil.GetClient()
	if err != nil {
		return err
	}

	if err := client.Healthz(); err != nil {
		return fmt.Errorf("liveness check failed: %w", err)
	}
	fmt.Println("live: ok")

	if err := client.Ready(); err != nil {
		fmt.Printf("ready: %v\n", err)
		return nil
	}
	fmt.Println("ready: ok")
	return nil
}
