package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/blockdkit/blockdkit/cmd/blockdkitctl/cmdutil"
	"github.com/blockdkit/blockdkit/internal/cli/output"
	"github.com/blockdkit/blockdkit/pkg/apiclient"
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "Show the assembled plugin+filter pipeline and its capabilities",
	Long: `Show the plugin/filter chain a running blockdkitd is serving, innermost
plugin first, plus the capability set the whole pipeline negotiates,
as reported by its GET /v1/backends management endpoint.

Examples:
  blockdkitctl backends --server http://localhost:10810 --token secret`,
	RunE: runBackends,
}

type backendsTable []apiclient.Backend

func (t backendsTable) Headers() []string { return []string{"INDEX", "NAME", "KIND", "THREAD MODEL"} }

func (t backendsTable) Rows() [][]string {
	rows := make([][]string, len(t))
	for i, b := range t {
		rows[i] = []string{strconv.Itoa(b.Index), b.Name, b.Kind, b.ThreadModel}
	}
	return rows
}

func runBackends(cmd *cobra.Command, args []string) error {
	client, err := cmdutil.GetClient()
	if err != nil {
		return err
	}

	resp, err := client.Backends()
	if err != nil {
		return err
	}

	format, err := cmdutil.GetOutputFormatParsed()
	if err != nil {
		return err
	}
	if format != output.FormatTable {
		return cmdutil.PrintResource(os.Stdout, resp, nil)
	}

	if err := output.PrintTable(os.Stdout, backendsTable(resp.Backends)); err != nil {
		return err
	}

	c := resp.Capabilities
	fmt.Println()
	fmt.Println("Capabilities:")
	fmt.Printf("  Size:        %d bytes\n", c.SizeBytes)
	fmt.Printf("  Write:       %t\n", c.Write)
	fmt.Printf("  Flush:       %t\n", c.Flush)
	fmt.Printf("  Trim:        %t\n", c.Trim)
	fmt.Printf("  Extents:     %t\n", c.Extents)
	fmt.Printf("  MultiConn:   %t\n", c.MultiConn)
	fmt.Printf("  Zero:        %s\n", c.Zero)
	fmt.Printf("  FastZero:    %t\n", c.FastZero)
	fmt.Printf("  FUA:         %s\n", c.FUA)
	fmt.Printf("  Cache:       %s\n", c.Cache)
	fmt.Printf("  Rotational:  %t\n", c.Rotational)
	fmt.Printf("  ThreadModel: %s\n", c.ThreadModel)
	return nil
}
