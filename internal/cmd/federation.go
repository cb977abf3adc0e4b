package cmd

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/spf13/cobra"

	"porthole/internal/config"
	"porthole/internal/federation"
	"porthole/internal/identity"
)

func newFederationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "federation",
		Short: "Inspect and configure federation with peer nodes",
	}
	cmd.AddCommand(newFederationListCmd(), newFederationNodeKeyCmd(), newFederationKeygenCmd())
	return cmd
}

func newFederationListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured remotes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(cfg.Federation.Remotes) == 0 {
				fmt.Fprintln(out, "no remotes configured")
				return nil
			}
			for _, r := range cfg.Federation.Remotes {
				fmt.Fprintf(out, "%-20s %-24s auto_connect=%-5v users=%d node_key=%s\n",
					r.Name, r.Address, r.AutoConnect, len(r.Users), displayOr(r.NodeKey, "(none)"))
			}
			return nil
		},
	}
}

func newFederationNodeKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "node-key",
		Short: "Print this node's public key",
		Long:  "Print the base32-encoded ed25519 public key other nodes should configure as node_key when adding this node as a federation remote.",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, _, err := identity.LoadOrCreate(config.Dir())
			if err != nil {
				return fmt.Errorf("load node identity: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), federation.EncodeAccountKey(pub))
			return nil
		},
	}
}

func newFederationKeygenCmd() *cobra.Command {
	var displayName string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a user credential for a remote's federation.remotes[].users entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("generate keypair: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "account_key:  %s\n", federation.EncodeAccountKey(pub))
			fmt.Fprintf(out, "private_key:  %s\n", federation.EncodeAccountKey(ed25519.PublicKey(priv)))
			fmt.Fprintf(out, "display_name: %s\n", displayName)
			return nil
		},
	}

	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name to pair with the generated key in your notes")
	return cmd
}
