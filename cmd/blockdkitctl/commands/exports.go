package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/blockdkit/blockdkit/cmd/blockdkitctl/cmdutil"
	"github.com/blockdkit/blockdkit/internal/cli/output"
	"github.com/blockdkit/blockdkit/pkg/apiclient"
)

var exportsCmd = &cobra.Command{
	Use:   "exports",
	Short: "List exports served by a running blockdkitd",
	Long: `List the named exports a running blockdkitd serves, as reported by its
GET /v1/exports management endpoint.

Examples:
  blockdkitctl exports --server http://localhost:10810 --token secret`,
	RunE: runExports,
}

type exportsTable []apiclient.Export

func (t exportsTable) Headers() []string { return []string{"NAME", "DESCRIPTION"} }

func (t exportsTable) Rows() [][]string {
	rows := make([][]string, len(t))
	for i, e := range t {
		rows[i] = []string{e.Name, e.Description}
	}
	return rows
}

func runExports(cmd *cobra.Command, args []string) error {
	client, err := cmdutil.GetClient()
	if err != nil {
		return err
	}

	exports, err := client.Exports()
	if err != nil {
		return err
	}

	return cmdutil.PrintOutput(os.Stdout, exports, len(exports) == 0, "No exports configured.", exportsTable(exports))
}

var _ output.TableRenderer = exportsTable(nil)
