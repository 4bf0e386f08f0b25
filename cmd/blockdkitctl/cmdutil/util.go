// Package cmdutil provides shared utilities for blockdkitctl commands.
// Grounded on dittofs's cmd/dittofsctl/cmdutil.Util, trimmed to this
// module's read-only management API: there is no login/session flow to
// support since the control API authenticates with one static bearer
// token (the server's configured JWT secret, or a token signed with it)
// rather than dittofs's per-user login/refresh-token sessions, so
// the credential store and login/logout commands it grounds are dropped
// entirely rather than adapted.
package cmdutil

import (
	"fmt"
	"io"
	"os"

	"github.com/blockdkit/blockdkit/internal/cli/output"
	"github.com/blockdkit/blockdkit/internal/cli/prompt"
	"github.com/blockdkit/blockdkit/pkg/apiclient"
)

// Flags stores global flag values accessible by subcommands.
var Flags = &GlobalFlags{}

// GlobalFlags holds the global flag values.
type GlobalFlags struct {
	ServerURL string
	Token     string
	Output    string
	NoColor   bool
	Verbose   bool
}

// GetClient builds an API client from the --server/--token flags, or
// their BLOCKDKITCTL_SERVER/BLOCKDKITCTL_TOKEN environment equivalents
// when a flag is left blank.
func GetClient() (*apiclient.Client, error) {
	url := Flags.ServerURL
	if url == "" {
		url = os.Getenv("BLOCKDKITCTL_SERVER")
	}
	if url == "" {
		return nil, fmt.Errorf("no server URL configured; pass --server or set BLOCKDKITCTL_SERVER")
	}

	token := Flags.Token
	if token == "" {
		token = os.Getenv("BLOCKDKITCTL_TOKEN")
	}

	client := apiclient.New(url)
	if token != "" {
		client = client.WithToken(token)
	}
	return client, nil
}

// GetOutputFormatParsed returns the parsed output format.
func GetOutputFormatParsed() (output.Format, error) {
	return output.ParseFormat(Flags.Output)
}

// PrintResource prints a resource in the configured format: JSON/YAML
// marshal data directly, table format renders tableRenderer.
func PrintResource(w io.Writer, data any, tableRenderer output.TableRenderer) error {
	format, err := GetOutputFormatParsed()
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(w, data)
	case output.FormatYAML:
		return output.PrintYAML(w, data)
	default:
		return output.PrintTable(w, tableRenderer)
	}
}

// PrintOutput is PrintResource with an explicit empty-table message,
// useful when a listing can legitimately come back empty.
func PrintOutput(w io.Writer, data any, isEmpty bool, emptyMsg string, tableRenderer output.TableRenderer) error {
	format, err := GetOutputFormatParsed()
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(w, data)
	case output.FormatYAML:
		return output.PrintYAML(w, data)
	default:
		if isEmpty {
			_, _ = fmt.Fprintln(w, emptyMsg)
			return nil
		}
		return output.PrintTable(w, tableRenderer)
	}
}

// PrintSuccess prints a success message, only in table format.
func PrintSuccess(msg string) {
	format, err := GetOutputFormatParsed()
	if err != nil || format != output.FormatTable {
		return
	}
	output.NewPrinter(os.Stdout, format, !Flags.NoColor).Success(msg)
}

// HandleAbort turns a prompt abort (Ctrl+C) into a clean nil return,
// passing any other error through unchanged.
func HandleAbort(err error) error {
	if prompt.IsAborted(err) {
		fmt.Println("\nAborted.")
		return nil
	}
	return err
}
