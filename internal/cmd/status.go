package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"porthole/internal/config"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show this node's configuration and local state",
		Long:  "Print the resolved porthole directory, configured instances and auto-connect remotes, and the size and age of the local store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := config.ResolveDir()
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "directory:  %s\n", dir)
			fmt.Fprintf(out, "node name:  %s\n", displayOr(cfg.NodeName, "(unset)"))
			fmt.Fprintf(out, "listen:     ws=%s p2p=%s federation=%s\n", cfg.Listen.WSAddr, cfg.Listen.P2PAddr, cfg.Listen.FederationAddr)

			fmt.Fprintf(out, "\ninstances (%d):\n", len(cfg.Instances))
			for _, ic := range cfg.Instances {
				fmt.Fprintf(out, "  %-20s %s %v\n", ic.ID, ic.Command, ic.Args)
			}

			remotes := cfg.AutoConnectRemotes()
			fmt.Fprintf(out, "\nauto-connect remotes (%d):\n", len(remotes))
			for _, r := range remotes {
				fmt.Fprintf(out, "  %-20s %s\n", r.Name, r.Address)
			}

			dbPath := filepath.Join(dir, "porthole.db")
			if info, err := os.Stat(dbPath); err == nil {
				fmt.Fprintf(out, "\nstore:      %s, %s, last modified %s\n", dbPath, humanize.Bytes(uint64(info.Size())), humanize.Time(info.ModTime()))
			} else {
				fmt.Fprintf(out, "\nstore:      %s (not created yet)\n", dbPath)
			}

			return nil
		},
	}
}

func displayOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
