package vt

import (
	"context"
	"strings"
	"testing"
	"time"
)

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestWriteInputEchoedToOutput(t *testing.T) {
	h, err := Spawn("/bin/cat", nil, 24, 80, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer h.Stop()

	if _, err := h.WriteInput([]byte("hello\n")); err != nil {
		t.Fatalf("write input: %v", err)
	}

	waitFor(t, func() bool {
		return strings.Contains(h.GetRecentOutput(-1), "hello")
	})
}

func TestGetRecentOutputRespectsMaxBytes(t *testing.T) {
	h, err := Spawn("/bin/cat", nil, 24, 80, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer h.Stop()

	if _, err := h.WriteInput([]byte("0123456789\n")); err != nil {
		t.Fatalf("write input: %v", err)
	}
	waitFor(t, func() bool {
		return len(h.GetRecentOutput(-1)) >= 11
	})

	tail := h.GetRecentOutput(4)
	if len(tail) != 4 {
		t.Fatalf("expected 4 bytes, got %d (%q)", len(tail), tail)
	}
}

func TestSubscribeOutputReceivesChunks(t *testing.T) {
	h, err := Spawn("/bin/cat", nil, 24, 80, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer h.Stop()

	id, ch := h.SubscribeOutput()
	defer h.UnsubscribeOutput(id)

	if _, err := h.WriteInput([]byte("ping\n")); err != nil {
		t.Fatalf("write input: %v", err)
	}

	select {
	case env := <-ch:
		if !strings.Contains(string(env.Value), "ping") {
			t.Fatalf("expected chunk to contain ping, got %q", env.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for output chunk")
	}
}

func TestUpdateViewportReconciliation(t *testing.T) {
	h, err := Spawn("/bin/cat", nil, 24, 80, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer h.Stop()

	if d := h.UpdateViewport("conn-a", 40, 120, "web"); d == nil || d.Rows != 40 || d.Cols != 120 {
		t.Fatalf("expected dims to grow to 40x120, got %+v", d)
	}

	// A second, smaller, active viewport should shrink the effective size.
	if d := h.UpdateViewport("conn-b", 20, 100, "native"); d == nil || d.Rows != 20 || d.Cols != 100 {
		t.Fatalf("expected dims to become min(40,20)x min(120,100)=20x100, got %+v", d)
	}

	// Deactivating the constraining viewport should grow it back.
	if d := h.SetClientActive("conn-b", false); d == nil || d.Rows != 40 || d.Cols != 120 {
		t.Fatalf("expected dims to grow back to 40x120, got %+v", d)
	}

	// No-op update should report unchanged (nil).
	if d := h.SetClientActive("conn-b", false); d != nil {
		t.Fatalf("expected nil for no-op activation toggle, got %+v", d)
	}
}

func TestRemoveClientFallsBackToDefaults(t *testing.T) {
	h, err := Spawn("/bin/cat", nil, 24, 80, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer h.Stop()

	h.UpdateViewport("only-conn", 10, 40, "web")
	if d := h.RemoveClient("only-conn"); d == nil || d.Rows != defaultRows || d.Cols != defaultCols {
		t.Fatalf("expected fallback to defaults, got %+v", d)
	}
}

func TestMetadataMutators(t *testing.T) {
	h, err := Spawn("/bin/cat", nil, 24, 80, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer h.Stop()

	h.SetSessionID("sess-1")
	h.SetClaudeState("thinking")
	h.SetCustomName("scratch agent")

	snap := h.Snapshot()
	if snap.SessionID != "sess-1" || snap.ClaudeState != "thinking" || snap.CustomName != "scratch agent" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if !snap.Running {
		t.Fatal("expected running=true before stop")
	}
}

func TestStopMarksNotRunningAndFailsFurtherWrites(t *testing.T) {
	h, err := Spawn("/bin/cat", nil, 24, 80, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	h.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.AwaitExit(ctx); err != nil {
		t.Fatalf("await exit: %v", err)
	}

	if h.Snapshot().Running {
		t.Fatal("expected Running=false after stop")
	}

	if _, err := h.WriteInput([]byte("x")); err != ErrPtyClosed {
		t.Fatalf("expected ErrPtyClosed, got %v", err)
	}
}

func TestExtraEnvPropagated(t *testing.T) {
	h, err := Spawn("/bin/sh", []string{"-c", "echo $PORTHOLE_TEST_VAR"}, 24, 80, map[string]string{
		"PORTHOLE_TEST_VAR": "marker-value",
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer h.Stop()

	waitFor(t, func() bool {
		return strings.Contains(h.GetRecentOutput(-1), "marker-value")
	})
}
