// File: cmd/config.go
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/forensync/internal/config"
)

const defaultConfigPath = "~/.forensync/forensync.yaml"

func newConfigCmd(a *app) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create configuration files",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config file populated with the defaults",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			written, err := writeDefaultConfig(path, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", written)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(a.cfg); err != nil {
				return fmt.Errorf("failed to encode configuration: %w", err)
			}
			return enc.Close()
		},
	}

	configCmd.AddCommand(initCmd, showCmd)
	return configCmd
}

// writeDefaultConfig renders the default configuration to path and returns
// the expanded location.
func writeDefaultConfig(path string, force bool) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("failed to expand %s: %w", path, err)
	}
	if !force {
		if _, err := os.Stat(expanded); err == nil {
			return "", fmt.Errorf("%s already exists (use --force to overwrite)", expanded)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}

	data, err := yaml.Marshal(config.NewDefaultConfig())
	if err != nil {
		return "", fmt.Errorf("failed to encode default configuration: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o700); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", filepath.Dir(expanded), err)
	}
	if err := os.WriteFile(expanded, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", expanded, err)
	}
	return expanded, nil
}
