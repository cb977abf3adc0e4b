package cmd

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"porthole/internal/capability"
	"porthole/internal/config"
	"porthole/internal/identity"
	"porthole/internal/invite"
	"porthole/internal/membership"
	"porthole/internal/store"
)

func newInviteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Create and redeem access invites",
	}
	cmd.AddCommand(newInviteCreateCmd(), newInviteRedeemCmd())
	return cmd
}

func newInviteCreateCmd() *cobra.Command {
	var capName string
	var maxUses uint32
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an invite token for this node",
		Long:  "Sign a flat (non-delegable) invite with this node's identity and print it as a base32 token.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cap, err := parseCapability(capName)
			if err != nil {
				return err
			}

			dir := config.Dir()
			pub, priv, err := identity.LoadOrCreate(dir)
			if err != nil {
				return fmt.Errorf("load node identity: %w", err)
			}

			var expiresAt uint64
			if ttl > 0 {
				expiresAt = uint64(time.Now().Add(ttl).Unix())
			}

			inv, err := invite.CreateFlat(priv, pub, cap, maxUses, expiresAt)
			if err != nil {
				return fmt.Errorf("create invite: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), inv.ToBase32())
			return nil
		},
	}

	cmd.Flags().StringVar(&capName, "capability", "collaborate", "Capability to grant: view, collaborate, admin, or owner")
	cmd.Flags().Uint32Var(&maxUses, "max-uses", 0, "Maximum redemptions (0 = unlimited)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Expiry, relative to now (0 = no expiry)")
	return cmd
}

func newInviteRedeemCmd() *cobra.Command {
	var displayName, accountKey string

	cmd := &cobra.Command{
		Use:   "redeem <token>",
		Short: "Redeem an invite token locally",
		Long:  "Verify an invite minted for this node and persist an identity grant for the given account key, without needing a live P2P connection.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if accountKey == "" {
				return fmt.Errorf("--account-key is required")
			}
			remoteKeyRaw, err := credentialKeyEncoding.DecodeString(accountKey)
			if err != nil || len(remoteKeyRaw) != ed25519.PublicKeySize {
				return fmt.Errorf("--account-key is not a valid base32 ed25519 public key")
			}

			dir := config.Dir()
			pub, _, err := identity.LoadOrCreate(dir)
			if err != nil {
				return fmt.Errorf("load node identity: %w", err)
			}

			st, err := store.Open(filepath.Join(dir, "porthole.db"))
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := membership.Redeem(ctx, st, pub, args[0], displayName, ed25519.PublicKey(remoteKeyRaw)); err != nil {
				return fmt.Errorf("redeem invite: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "granted %s access to %s\n", displayName, accountKey)
			return nil
		},
	}

	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name to record for the redeeming account")
	cmd.Flags().StringVar(&accountKey, "account-key", "", "Base32-encoded ed25519 public key of the redeeming account")
	return cmd
}

func parseCapability(name string) (capability.Capability, error) {
	switch strings.ToLower(name) {
	case "view":
		return capability.View, nil
	case "collaborate":
		return capability.Collaborate, nil
	case "admin":
		return capability.Admin, nil
	case "owner":
		return capability.Owner, nil
	default:
		return 0, fmt.Errorf("unknown capability %q (want view, collaborate, admin, or owner)", name)
	}
}
