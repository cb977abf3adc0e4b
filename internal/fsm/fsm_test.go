package fsm

import (
	"testing"
	"time"
)

func TestTerminalInputFromIdleGoesThinking(t *testing.T) {
	m := New()
	m.TerminalInput([]byte("hi"))
	if got := m.Current().State; got != Thinking {
		t.Fatalf("expected Thinking, got %v", got)
	}
}

func TestTerminalOutputToolPatternMatch(t *testing.T) {
	m := New()
	m.TerminalInput([]byte("edit the notebook"))
	m.TerminalOutput([]byte("Calling NotebookEdit(path=foo.ipynb)"))
	snap := m.Current()
	if snap.State != ToolExecuting || snap.Tool != "NotebookEdit" {
		t.Fatalf("expected ToolExecuting{NotebookEdit}, got %+v", snap)
	}
}

func TestMoreSpecificPatternWinsOverPrefix(t *testing.T) {
	m := New()
	m.TerminalInput([]byte("go"))
	m.TerminalOutput([]byte("NotebookEdit(path=x)"))
	if tool := m.Current().Tool; tool != "NotebookEdit" {
		t.Fatalf("expected NotebookEdit not Edit, got %q", tool)
	}
}

func TestTerminalOutputWithoutToolMatchGoesResponding(t *testing.T) {
	m := New()
	m.TerminalInput([]byte("go"))
	m.TerminalOutput([]byte("plain text output"))
	if got := m.Current().State; got != Responding {
		t.Fatalf("expected Responding, got %v", got)
	}
}

func TestSystemTurnDurationShortCircuitsFromAnyState(t *testing.T) {
	m := New()
	m.TerminalInput([]byte("go"))
	m.TerminalOutput([]byte("Bash(ls)"))
	if got := m.Current().State; got != ToolExecuting {
		t.Fatalf("precondition failed: expected ToolExecuting, got %v", got)
	}
	m.Conversation(ConversationEntry{EntryType: "system", Subtype: "turn_duration"})
	if got := m.Current().State; got != WaitingForInput {
		t.Fatalf("expected WaitingForInput, got %v", got)
	}
}

func TestAssistantEndTurnGoesWaitingForInput(t *testing.T) {
	m := New()
	m.TerminalInput([]byte("go"))
	m.Conversation(ConversationEntry{EntryType: "assistant", StopReason: "end_turn"})
	if got := m.Current().State; got != WaitingForInput {
		t.Fatalf("expected WaitingForInput, got %v", got)
	}
}

func TestAssistantDoesNotInterruptToolExecuting(t *testing.T) {
	m := New()
	m.TerminalInput([]byte("go"))
	m.TerminalOutput([]byte("Bash(ls)"))
	m.Conversation(ConversationEntry{EntryType: "assistant"})
	if got := m.Current().State; got != ToolExecuting {
		t.Fatalf("expected ToolExecuting to persist, got %v", got)
	}
}

func TestUserEntryGoesThinking(t *testing.T) {
	m := New()
	m.Conversation(ConversationEntry{EntryType: "user"})
	if got := m.Current().State; got != Thinking {
		t.Fatalf("expected Thinking, got %v", got)
	}
}

func TestTickDoesNotChangeState(t *testing.T) {
	m := New()
	m.TerminalInput([]byte("go"))
	before := m.Current().State
	m.Tick()
	if got := m.Current().State; got != before {
		t.Fatalf("Tick must not change state, got %v want %v", got, before)
	}
}

func TestStalenessFlagsAfterThreshold(t *testing.T) {
	m := New()
	m.TerminalOutput([]byte("output"))
	m.mu.Lock()
	m.lastOutputAt = time.Now().Add(-11 * time.Second)
	m.mu.Unlock()
	if !m.Current().Stale {
		t.Fatal("expected stale=true past the 10s threshold")
	}
}

func TestNoEmissionOnNoop(t *testing.T) {
	m := New()
	m.TerminalInput([]byte("go")) // Idle -> Thinking, one emission
	<-m.Emissions()
	// Thinking is not Idle/WaitingForInput, so a second
	// TerminalInput from Thinking is a no-op and must not emit.
	m.TerminalInput([]byte("more"))
	select {
	case snap := <-m.Emissions():
		t.Fatalf("expected no emission for no-op transition, got %+v", snap)
	default:
	}
}
