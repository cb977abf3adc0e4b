// Package instance wires a spawned agent's PTY, state machine, and
// transcript watcher into the GlobalStateManager as one running instance
// (spec.md §4.1–§4.4), the same three-pieces-one-owner shape the
// teacher's RunDaemon assembles a Session, Daemon, and socket listener
// from a single LaunchOpts.
package instance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"porthole/internal/activitylog"
	"porthole/internal/fsm"
	"porthole/internal/global"
	"porthole/internal/store"
	"porthole/internal/vt"
	"porthole/internal/watcher"
)

const (
	stateTickInterval = 5 * time.Second
	defaultRows       = 40
	defaultCols       = 120
)

// LaunchOpts describes one agent instance to spawn.
type LaunchOpts struct {
	InstanceID    string
	Command       string
	Args          []string
	WorkingDir    string
	TranscriptDir string // directory ConversationWatcher tails for this instance's JSONL
	ExtraEnv      map[string]string
	Rows, Cols    int
	IsAgent       bool
	AuthEnabled   bool
	Activity      *activitylog.Logger // audit log; nil disables it
}

// storeAdapter narrows internal/store.Store to the subset
// internal/watcher consumes, translating its ErrNotFound sentinel into
// watcher.Store's (record, found, err) shape so the watcher package
// never needs to import internal/store itself.
type storeAdapter struct{ store.Store }

func (a storeAdapter) FindAttribution(ctx context.Context, instanceID, contentPrefix string, near time.Time, window time.Duration) (watcher.AttributionRecord, bool, error) {
	rec, err := a.Store.FindAttribution(ctx, instanceID, contentPrefix, near, window)
	if err == store.ErrNotFound {
		return watcher.AttributionRecord{}, false, nil
	}
	if err != nil {
		return watcher.AttributionRecord{}, false, err
	}
	return watcher.AttributionRecord{UserID: rec.UserID, DisplayName: rec.DisplayName}, true, nil
}

// Launch spawns opts' PTY, registers it with gm, and runs its state
// machine feed and transcript watcher until ctx is canceled, at which
// point the PTY is stopped and the instance is unregistered. st may be
// nil to skip tier-2 attribution.
func Launch(ctx context.Context, gm *global.Manager, st store.Store, logger *slog.Logger, opts LaunchOpts) error {
	if logger == nil {
		logger = slog.Default()
	}
	rows, cols := opts.Rows, opts.Cols
	if rows == 0 {
		rows = defaultRows
	}
	if cols == 0 {
		cols = defaultCols
	}

	handle, err := vt.Spawn(opts.Command, opts.Args, rows, cols, opts.ExtraEnv)
	if err != nil {
		return fmt.Errorf("instance: spawn %s: %w", opts.InstanceID, err)
	}

	it := gm.RegisterInstance(opts.InstanceID, handle, opts.WorkingDir, opts.IsAgent)
	defer gm.UnregisterInstance(opts.InstanceID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	activity := opts.Activity
	if activity == nil {
		activity = activitylog.Nop()
	}

	go feedTerminalOutput(runCtx, handle, it.FSM)
	go publishStateChanges(runCtx, gm, opts.InstanceID, handle, it.FSM, activity)
	go tickStaleness(runCtx, it.FSM)

	if opts.TranscriptDir != "" {
		w := &watcher.Watcher{
			InstanceID:    opts.InstanceID,
			TranscriptDir: opts.TranscriptDir,
			AuthEnabled:   opts.AuthEnabled,
			Global:        gm,
			FSM:           it.FSM,
		}
		if st != nil {
			w.Store = storeAdapter{st}
		}
		go func() {
			if err := w.Run(runCtx); err != nil && runCtx.Err() == nil {
				logger.Warn("instance: watcher exited", "instance", opts.InstanceID, "err", err)
			}
		}()
	}

	exitErr := handle.AwaitExit(runCtx)
	cancel()
	handle.Stop()
	return exitErr
}

// feedTerminalOutput subscribes to the PTY's broadcast output and feeds
// every chunk into the state machine, independent of whatever
// connections are separately subscribed for display.
func feedTerminalOutput(ctx context.Context, handle *vt.Handle, m *fsm.Machine) {
	id, ch := handle.SubscribeOutput()
	defer handle.UnsubscribeOutput(id)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			if env.Lagged == 0 {
				m.TerminalOutput(env.Value)
			}
		}
	}
}

// publishStateChanges relays state machine emissions onto the instance's
// display label and the process-wide state broadcast.
func publishStateChanges(ctx context.Context, gm *global.Manager, instanceID string, handle *vt.Handle, m *fsm.Machine, activity *activitylog.Logger) {
	prev := ""
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-m.Emissions():
			if !ok {
				return
			}
			next := snap.State.String()
			handle.SetClaudeState(next)
			gm.PublishState(global.StateEvent{InstanceID: instanceID, State: next, Stale: snap.Stale})
			if next != prev {
				activity.StateChange(instanceID, prev, next)
				prev = next
			}
		}
	}
}

// tickStaleness periodically re-evaluates whether the instance has gone
// quiet, since staleness is a function of wall-clock time, not just
// discrete signals.
func tickStaleness(ctx context.Context, m *fsm.Machine) {
	t := time.NewTicker(stateTickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Tick()
		}
	}
}
