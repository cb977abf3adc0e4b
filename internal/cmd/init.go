package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"porthole/internal/config"
)

const defaultConfigYAML = `# porthole configuration
node_name: ""

listen:
  ws_addr: ":8080"
  p2p_addr: ":4433"
  federation_addr: ":4434"
  admin_token: ""

federation:
  remotes: []

instances: []
`

func newInitCmd() *cobra.Command {
	var global bool

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a porthole directory",
		Long:  "Create a porthole directory with the standard structure. Use --global or omit dir to initialize ~/.porthole/.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dir string
			switch {
			case global || len(args) == 0:
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("cannot determine home directory: %w", err)
				}
				dir = filepath.Join(home, ".porthole")
			default:
				dir = args[0]
			}

			abs, err := filepath.Abs(dir)
			if err != nil {
				return err
			}

			if config.IsPortholeDir(abs) {
				return fmt.Errorf("%s is already a porthole directory", abs)
			}

			if err := os.MkdirAll(abs, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", abs, err)
			}

			if err := config.WriteMarker(abs); err != nil {
				return fmt.Errorf("write marker: %w", err)
			}

			configPath := filepath.Join(abs, "config.yaml")
			if err := os.WriteFile(configPath, []byte(defaultConfigYAML), 0o644); err != nil {
				return fmt.Errorf("write config.yaml: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Initialized porthole directory at %s\n", abs)
			return nil
		},
	}

	cmd.Flags().BoolVar(&global, "global", false, "Initialize ~/.porthole/ as the porthole directory")
	return cmd
}
