// Package cmd implements the porthole CLI: serve, init, invite, and
// federation admin subcommands, wired with github.com/spf13/cobra the
// way the teacher's own internal/cmd wires "h2".
package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root cobra command with all subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "porthole",
		Short: "Multi-user collaborative workspace server for long-running CLI agents",
		Long:  "porthole wraps long-running interactive CLI agents in a PTY and broadcasts their terminal output and conversation transcripts to web and native clients, with presence, locking, and federation across peer servers.",
	}

	rootCmd.AddCommand(
		newInitCmd(),
		newServeCmd(),
		newRunCmd(),
		newVersionCmd(),
		newStatusCmd(),
		newInviteCmd(),
		newFederationCmd(),
	)

	return rootCmd
}
