package cmd

import (
	"context"
	"crypto/ed25519"
	"encoding/base32"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"porthole/internal/activitylog"
	"porthole/internal/capability"
	"porthole/internal/config"
	"porthole/internal/dispatch"
	"porthole/internal/federation"
	"porthole/internal/global"
	"porthole/internal/identity"
	"porthole/internal/instance"
	"porthole/internal/membership"
	"porthole/internal/store"
	"porthole/internal/transport/p2p"
	"porthole/internal/transport/ws"
)

const shutdownGrace = 5 * time.Second

var credentialKeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func newServeCmd() *cobra.Command {
	var activityLogPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the porthole server",
		Long:  "Load the configured porthole directory, spawn its configured agent instances, and accept WebSocket, P2P, and federation connections until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServe(cfg, activityLogPath)
		},
	}

	cmd.Flags().StringVar(&activityLogPath, "activity-log", "", "Path to the activity log JSONL file (default <dir>/activity.jsonl)")
	return cmd
}

// runServe brings up the full node — store, identity, dispatcher,
// WebSocket/P2P/federation transports, configured instances, and
// auto-connect remotes — and blocks until it is interrupted by SIGINT
// or SIGTERM. Shared by "serve" and "run", which differ only in how cfg
// got its Instances populated.
func runServe(cfg *config.Config, activityLogPath string) error {
	dir := config.Dir()
	if activityLogPath == "" {
		activityLogPath = filepath.Join(dir, "activity.jsonl")
	}

	logger := slog.Default()
	activity := activitylog.New(true, activityLogPath, cfg.NodeName)
	defer activity.Close()

	st, err := store.Open(filepath.Join(dir, "porthole.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	pub, priv, err := identity.LoadOrCreate(dir)
	if err != nil {
		return fmt.Errorf("load node identity: %w", err)
	}

	gm := global.New()
	dispatcher := &dispatch.Dispatcher{Spawn: dispatch.RunFocusTask, Activity: activity}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup

	for _, ic := range cfg.Instances {
		ic := ic
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := instance.Launch(ctx, gm, st, logger, instance.LaunchOpts{
				InstanceID:    ic.ID,
				Command:       ic.Command,
				Args:          ic.Args,
				WorkingDir:    ic.WorkingDir,
				TranscriptDir: ic.TranscriptDir,
				IsAgent:       ic.IsAgent,
				AuthEnabled:   cfg.Listen.AdminToken != "",
				Activity:      activity,
			})
			if err != nil && ctx.Err() == nil {
				logger.Warn("serve: instance exited", "instance", ic.ID, "err", err)
			}
		}()
	}

	p2pSrv, err := p2p.NewServer(gm, dispatcher, st)
	if err != nil {
		return fmt.Errorf("create p2p server: %w", err)
	}
	p2pSrv.SigningKey, p2pSrv.PublicKey = priv, pub
	p2pSrv.Logger = logger
	p2pSrv.Redeem = func(ctx context.Context, token, displayName string, remoteKey ed25519.PublicKey) error {
		return membership.Redeem(ctx, st, pub, token, displayName, remoteKey)
	}

	host := &federation.HostTunnel{
		InstanceName:  cfg.NodeName,
		NodePublicKey: pub,
		Global:        gm,
		Dispatcher:    dispatcher,
		Store:         st,
		Logger:        logger,
		Activity:      activity,
	}

	wsSrv := &ws.Server{Global: gm, Dispatcher: dispatcher, Store: st, Logger: logger, Auth: wsAuthenticator(cfg.Listen.AdminToken)}
	e := echo.New()
	e.HideBanner = true
	wsSrv.Register(e, "/ws")

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		e.Shutdown(shutdownCtx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.Start(cfg.Listen.WSAddr); err != nil && err != http.ErrServerClosed {
			logger.Error("serve: websocket transport exited", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p2pSrv.ListenAndServe(ctx, cfg.Listen.P2PAddr); err != nil && ctx.Err() == nil {
			logger.Error("serve: p2p transport exited", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := federation.Listen(ctx, cfg.Listen.FederationAddr, host); err != nil && ctx.Err() == nil {
			logger.Error("serve: federation listener exited", "err", err)
		}
	}()

	for _, r := range cfg.AutoConnectRemotes() {
		r := r
		remoteKey, err := credentialKeyEncoding.DecodeString(r.NodeKey)
		if err != nil || len(remoteKey) != ed25519.PublicKeySize {
			return fmt.Errorf("federation.remotes: remote %q has an invalid node_key", r.Name)
		}
		users, err := decodeUserCredentials(r.Users)
		if err != nil {
			return fmt.Errorf("federation.remotes: remote %q: %w", r.Name, err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			home := &federation.HomeTunnel{
				InstanceName:  cfg.NodeName,
				RemoteName:    r.Name,
				RemoteNodeKey: ed25519.PublicKey(remoteKey),
				Dial:          federation.NewDialer(r.Address),
				Users:         users,
				Logger:        logger,
			}
			if err := home.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("serve: home tunnel exited", "remote", r.Name, "err", err)
			}
		}()
	}

	logger.Info("serve: listening", "ws", cfg.Listen.WSAddr, "p2p", cfg.Listen.P2PAddr, "federation", cfg.Listen.FederationAddr)
	<-ctx.Done()
	wg.Wait()
	return nil
}

func wsAuthenticator(adminToken string) ws.Authenticator {
	if adminToken == "" {
		return nil
	}
	return func(r *http.Request) *dispatch.User {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != adminToken {
			return nil
		}
		return &dispatch.User{ID: "operator", DisplayName: "operator", Capability: capability.Owner}
	}
}

// decodeUserCredentials turns the YAML-configured account keys and
// private keys for one remote into the federation package's runtime
// shape.
func decodeUserCredentials(configured []config.UserCredentialConfig) ([]federation.UserCredential, error) {
	users := make([]federation.UserCredential, 0, len(configured))
	for _, u := range configured {
		priv, err := credentialKeyEncoding.DecodeString(u.PrivateKey)
		if err != nil || len(priv) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("user %q has an invalid private_key", u.AccountKey)
		}
		users = append(users, federation.UserCredential{
			AccountKey:  u.AccountKey,
			PrivateKey:  ed25519.PrivateKey(priv),
			DisplayName: u.DisplayName,
		})
	}
	return users, nil
}
