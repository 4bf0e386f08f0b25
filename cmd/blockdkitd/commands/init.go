package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blockdkit/blockdkit/internal/cli/prompt"
	"github.com/blockdkit/blockdkit/pkg/config"
)

var (
	initForce   bool
	initWizard  bool
	pluginNames = []string{"memory", "file", "badger", "s3", "sql"}
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a blockdkitd configuration file.

By default, a config file with a memory-backed plugin and no filters is
written to $XDG_CONFIG_HOME/blockdkit/config.yaml. Use --wizard for an
interactive prompt-driven setup, or --config to write to a custom path.

Examples:
  # Write a starter config at the default location
  blockdkitd init

  # Walk through an interactive setup
  blockdkitd init --wizard

  # Initialize with custom path, overwriting any existing file
  blockdkitd init --config /etc/blockdkit/config.yaml --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	initCmd.Flags().BoolVar(&initWizard, "wizard", false, "Interactively choose the plugin and its parameters")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	cfg := config.DefaultConfig()

	if initWizard {
		if err := runInitWizard(cfg); err != nil {
			if prompt.IsAborted(err) {
				fmt.Println("\nAborted.")
				return nil
			}
			return err
		}
	} else {
		cfg.Pipeline.Plugin.Name = "memory"
		cfg.Pipeline.Plugin.Params = map[string][]string{"size": {"104857600"}} // 100 MiB
	}

	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if !initForce {
		ok, err := confirmOverwrite(path)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}
	}

	if err := config.SaveConfig(cfg, path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the server with: blockdkitd start")
	fmt.Printf("  3. Or specify a custom config: blockdkitd start --config %s\n", path)
	return nil
}

// confirmOverwrite asks before clobbering an existing file; it is a
// no-op (returns true) when nothing exists at path yet.
func confirmOverwrite(path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		return true, nil
	}
	return prompt.Confirm(fmt.Sprintf("%s already exists. Overwrite?", path), false)
}

// runInitWizard walks the operator through choosing a plugin and its
// required parameters, plus the wire and control-API listen addresses.
// Grounded on internal/cli/prompt's Select/Input/InputPort helpers, the
// same building blocks dittofs's interactive commands use.
func runInitWizard(cfg *config.Config) error {
	pluginName, err := prompt.SelectString("Backing store plugin", pluginNames)
	if err != nil {
		return err
	}
	cfg.Pipeline.Plugin.Name = pluginName

	params := map[string][]string{}
	size, err := prompt.Input("Device size in bytes", "104857600")
	if err != nil {
		return err
	}
	params["size"] = []string{size}

	switch pluginName {
	case "file":
		path, err := prompt.InputRequired("Backing file path")
		if err != nil {
			return err
		}
		params["path"] = []string{path}
	case "badger":
		path, err := prompt.InputRequired("BadgerDB directory")
		if err != nil {
			return err
		}
		params["path"] = []string{path}
	case "s3":
		bucket, err := prompt.InputRequired("S3 bucket")
		if err != nil {
			return err
		}
		params["bucket"] = []string{bucket}
		region, err := prompt.InputOptional("AWS region")
		if err != nil {
			return err
		}
		if region != "" {
			params["region"] = []string{region}
		}
	case "sql":
		sqlitePath, err := prompt.InputRequired("SQLite database path")
		if err != nil {
			return err
		}
		params["sqlite_path"] = []string{sqlitePath}
	}
	cfg.Pipeline.Plugin.Params = params

	wireAddr, err := prompt.Input("Wire listen address", cfg.Wire.ListenAddr)
	if err != nil {
		return err
	}
	cfg.Wire.ListenAddr = wireAddr

	enableAPI, err := prompt.Confirm("Enable the HTTP management API?", true)
	if err != nil {
		return err
	}
	if enableAPI {
		apiAddr, err := prompt.Input("Management API listen address", ":10810")
		if err != nil {
			return err
		}
		cfg.ControlAPI.ListenAddr = apiAddr
	}

	return nil
}
