package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"porthole/internal/fsm"
	"porthole/internal/global"
)

func TestCandidatesExcludesClaimedAndOld(t *testing.T) {
	dir := t.TempDir()
	gm := global.New()
	gm.RegisterInstance("inst-1", nil, dir, true)

	old := filepath.Join(dir, "old-session.jsonl")
	writeFileAt(t, old, "{}", time.Now().Add(-1*time.Hour))

	fresh := filepath.Join(dir, "fresh-session.jsonl")
	writeFileAt(t, fresh, "{}", time.Now())

	claimed := filepath.Join(dir, "claimed-session.jsonl")
	writeFileAt(t, claimed, "{}", time.Now())
	gm.TryClaimSession("claimed-session", "some-other-instance")

	w := &Watcher{
		InstanceID:    "inst-1",
		TranscriptDir: dir,
		FirstInputAt:  time.Now().Add(-10 * time.Minute),
		Global:        gm,
	}
	candidates, err := w.candidates()
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0] != "fresh-session" {
		t.Fatalf("expected only fresh-session, got %v", candidates)
	}
}

func writeFileAt(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestTailSeedsExistingTurnsAndFeedsFSM(t *testing.T) {
	dir := t.TempDir()
	gm := global.New()
	it := gm.RegisterInstance("inst-1", nil, dir, true)

	path := filepath.Join(dir, "sess-1.jsonl")
	content := `{"uuid":"u1","type":"user","message":{"role":"user","content":[{"type":"text","text":"hello"}]}}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}

	machine := fsm.New()
	w := &Watcher{
		InstanceID:    "inst-1",
		TranscriptDir: dir,
		Global:        gm,
		FSM:           machine,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = w.tail(ctx, path)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(it.Turns()) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	turns := it.Turns()
	if len(turns) != 1 || turns[0].Content != "hello" {
		t.Fatalf("expected one seeded turn with content 'hello', got %+v", turns)
	}
	if machine.Current().State != fsm.Thinking {
		t.Fatalf("expected user entry to drive FSM to Thinking, got %v", machine.Current().State)
	}
}

func TestTailFollowsAppendedLines(t *testing.T) {
	dir := t.TempDir()
	gm := global.New()
	it := gm.RegisterInstance("inst-1", nil, dir, true)

	path := filepath.Join(dir, "sess-1.jsonl")
	if err := os.WriteFile(path, []byte{}, 0o644); err != nil {
		t.Fatalf("create transcript: %v", err)
	}

	machine := fsm.New()
	w := &Watcher{InstanceID: "inst-1", TranscriptDir: dir, Global: gm, FSM: machine}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.tail(ctx, path) }()

	time.Sleep(100 * time.Millisecond) // let the watcher reach the follow loop

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	line := `{"uuid":"u2","type":"assistant","stop_reason":"end_turn","message":{"role":"assistant","content":[{"type":"text","text":"done"}]}}` + "\n"
	if _, err := f.WriteString(line); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(it.Turns()) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	turns := it.Turns()
	if len(turns) != 1 || turns[0].Content != "done" {
		t.Fatalf("expected appended turn to be picked up, got %+v", turns)
	}
}
