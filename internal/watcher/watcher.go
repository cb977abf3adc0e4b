// Package watcher implements the ConversationWatcher: one per agent
// instance, it discovers which JSONL transcript file corresponds to the
// instance, tails it, formats entries into turns, applies author
// attribution, and feeds the FSM (spec.md §4.3).
package watcher

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"porthole/internal/fsm"
	"porthole/internal/global"
	"porthole/internal/turn"
)

const (
	pollInterval      = 500 * time.Millisecond
	attributionWindow = 2 * time.Second
)

// Store is the subset of store.Store the watcher consumes for tier-2
// attribution; kept narrow so tests can fake it without pulling in
// SQLite.
type Store interface {
	FindAttribution(ctx context.Context, instanceID, contentPrefix string, near time.Time, window time.Duration) (AttributionRecord, bool, error)
	LinkAttributionEntry(ctx context.Context, instanceID, contentPrefix string, near time.Time, entryUUID string) error
}

// AttributionRecord is the tier-2 lookup result shape, decoupled from
// store.AttributionRecord so this package doesn't need to import
// database/sql's error sentinel handling.
type AttributionRecord struct {
	UserID      string
	DisplayName string
}

// Watcher owns the discovery/tail/format/attribute pipeline for one
// instance.
type Watcher struct {
	InstanceID       string
	TranscriptDir    string // directory containing this working dir's session JSONL files
	FirstInputAt     time.Time
	AuthEnabled      bool

	Global  *global.Manager
	FSM     *fsm.Machine
	Store   Store // may be nil to skip tier 2

	// AmbiguousNotify is called (at most once per discovery attempt) when
	// more than one unclaimed candidate session exists, so the focused
	// client can be prompted to choose.
	AmbiguousNotify func(candidates []string)

	// Selection receives a session id chosen by the client in response
	// to an ambiguity notification.
	Selection chan string
}

// Run discovers and claims a session first if necessary, then tails its
// transcript until ctx is cancelled or the file watcher fails or closes.
// Removing or rotating the transcript file does not end it.
func (w *Watcher) Run(ctx context.Context) error {
	sessionID, err := w.discover(ctx)
	if err != nil {
		return err
	}
	path := filepath.Join(w.TranscriptDir, sessionID+".jsonl")
	return w.tail(ctx, path)
}

func (w *Watcher) discover(ctx context.Context) (string, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		candidates, err := w.candidates()
		if err == nil {
			switch len(candidates) {
			case 1:
				if w.Global.TryClaimSession(candidates[0], w.InstanceID) {
					return candidates[0], nil
				}
			case 0:
				// fall through to poll/select below
			default:
				if w.AmbiguousNotify != nil {
					w.AmbiguousNotify(candidates)
				}
				if w.Selection != nil {
					select {
					case sid := <-w.Selection:
						if w.Global.TryClaimSession(sid, w.InstanceID) {
							return sid, nil
						}
					case <-ctx.Done():
						return "", ctx.Err()
					case <-ticker.C:
					}
					continue
				}
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// candidates lists session ids (filenames without .jsonl) in
// TranscriptDir modified after FirstInputAt and not already claimed by
// another instance.
func (w *Watcher) candidates() ([]string, error) {
	entries, err := os.ReadDir(w.TranscriptDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(w.FirstInputAt) {
			continue
		}
		sid := strings.TrimSuffix(e.Name(), ".jsonl")
		if w.Global.IsSessionClaimed(sid, w.InstanceID) {
			continue
		}
		out = append(out, sid)
	}
	sort.Strings(out)
	return out, nil
}

// tail reads existing content, publishes a Full snapshot, then follows
// appended bytes via fsnotify, formatting and publishing each new line.
func (w *Watcher) tail(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	it, ok := w.Global.GetInstance(w.InstanceID)
	if !ok {
		return nil
	}

	reader := bufio.NewReader(f)
	var seeded []turn.Turn
	for {
		line, err := reader.ReadString('\n')
		if len(strings.TrimSpace(line)) > 0 {
			if t, ok := w.formatAndAttribute(ctx, line); ok {
				seeded = append(seeded, t)
			}
		}
		if err != nil {
			break // reached EOF of existing content
		}
	}
	it.SeedTurns(seeded)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			for {
				line, err := reader.ReadString('\n')
				if len(strings.TrimSpace(line)) > 0 {
					if t, ok := w.formatAndAttribute(ctx, line); ok {
						it.AppendTurn(t)
					}
				}
				if err != nil {
					break
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

// formatAndAttribute parses one JSONL line, formats it into a Turn,
// feeds the FSM from the raw entry (not the formatted turn, so
// Subtype/StopReason survive), and runs the three-tier attribution
// pipeline for user-role turns.
func (w *Watcher) formatAndAttribute(ctx context.Context, line string) (turn.Turn, bool) {
	re, err := parseLine([]byte(line))
	if err != nil {
		return turn.Turn{}, false
	}

	w.FSM.Conversation(fsm.ConversationEntry{
		EntryType:  re.EntryType,
		Subtype:    re.Subtype,
		StopReason: re.StopReason,
	})

	t := turn.Format(re)

	if t.Role == turn.RoleUser {
		w.attribute(ctx, &t)
	}

	return t, true
}

func (w *Watcher) attribute(ctx context.Context, t *turn.Turn) {
	content := turn.NormalizeAttributionContent(t.Content)
	if len(content) > turn.AttributionPrefixLen {
		content = content[:turn.AttributionPrefixLen]
	}

	// Tier 1: in-memory pending-attribution queue.
	if pa, ok := w.Global.ConsumePendingAttribution(w.InstanceID, content); ok {
		t.Attribution = &turn.Attribution{UserID: pa.UserID, DisplayName: pa.DisplayName}
		if w.Store != nil {
			uuid := t.UUID
			go func() {
				_ = w.Store.LinkAttributionEntry(context.Background(), w.InstanceID, content, time.Now(), uuid)
			}()
		}
		return
	}

	// Tier 2: persistent attribution store.
	if w.Store != nil {
		if rec, ok, err := w.Store.FindAttribution(ctx, w.InstanceID, content, time.Now(), attributionWindow); err == nil && ok {
			t.Attribution = &turn.Attribution{UserID: rec.UserID, DisplayName: rec.DisplayName}
			return
		}
	}

	// Tier 3: fallback.
	if w.AuthEnabled {
		t.Attribution = &turn.Attribution{UserID: "terminal", DisplayName: "Terminal"}
	}
}
