package cmd

import (
	"fmt"

	"github.com/google/shlex"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"porthole/internal/config"
)

func newRunCmd() *cobra.Command {
	var id, workingDir, transcriptDir string
	var isAgent bool

	cmd := &cobra.Command{
		Use:   "run <command-string>",
		Short: "Launch one ad-hoc agent instance alongside the configured ones",
		Long:  "Split <command-string> the way a shell would and add it to this node's instances for the lifetime of this process, in addition to whatever config.yaml already configures.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parts, err := shlex.Split(args[0])
			if err != nil {
				return fmt.Errorf("split command: %w", err)
			}
			if len(parts) == 0 {
				return fmt.Errorf("empty command")
			}

			if id == "" {
				id = "adhoc-" + uuid.NewString()
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg.Instances = append(cfg.Instances, config.InstanceConfig{
				ID:            id,
				Command:       parts[0],
				Args:          parts[1:],
				WorkingDir:    workingDir,
				TranscriptDir: transcriptDir,
				IsAgent:       isAgent,
			})

			return runServe(cfg, "")
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Instance id (default: a generated adhoc-<uuid>)")
	cmd.Flags().StringVar(&workingDir, "working-dir", "", "Working directory for the spawned process")
	cmd.Flags().StringVar(&transcriptDir, "transcript-dir", "", "Directory to tail for conversation transcripts")
	cmd.Flags().BoolVar(&isAgent, "agent", false, "Treat the instance as an agent (enables conversation tracking)")

	return cmd
}
