package turn

import "testing"

func TestFormatUserMessage(t *testing.T) {
	tn := Format(RawEntry{
		UUID:      "u1",
		EntryType: "user",
		TextParts: []string{"hello   ", "world\r\n"},
	})
	if tn.Role != RoleUser {
		t.Fatalf("expected RoleUser, got %v", tn.Role)
	}
	if tn.Content != "hello   world" {
		t.Fatalf("expected trailing blank line stripped but inline spacing preserved, got %q", tn.Content)
	}
}

func TestFormatContentPreservesIndentationAndCollapsesBlankLines(t *testing.T) {
	tn := Format(RawEntry{
		EntryType: "assistant",
		TextParts: []string{"a line\n\n\n    indented code\n\nanother\n\n\n"},
	})
	want := "a line\n\n    indented code\n\nanother"
	if tn.Content != want {
		t.Fatalf("expected %q, got %q", want, tn.Content)
	}
}

func TestFormatAssistantMessageWithThinking(t *testing.T) {
	tn := Format(RawEntry{
		EntryType:     "assistant",
		TextParts:     []string{"the answer is 42"},
		ThinkingParts: []string{"let me   think"},
		ToolNames:     []string{"Bash"},
	})
	if tn.Role != RoleAssistant {
		t.Fatalf("expected RoleAssistant, got %v", tn.Role)
	}
	if tn.Thinking != "let me   think" {
		t.Fatalf("unexpected thinking: %q", tn.Thinking)
	}
	if len(tn.Tools) != 1 || tn.Tools[0] != "Bash" {
		t.Fatalf("unexpected tools: %v", tn.Tools)
	}
}

func TestFormatSystemMessage(t *testing.T) {
	tn := Format(RawEntry{EntryType: "system"})
	if tn.Role != RoleSystem {
		t.Fatalf("expected RoleSystem, got %v", tn.Role)
	}
	if tn.EntryType != "system" {
		t.Fatalf("expected entry_type to be carried, got %q", tn.EntryType)
	}
}

func TestFormatProgressMessage(t *testing.T) {
	tn := Format(RawEntry{EntryType: "progress", HookEventName: "PreToolUse"})
	if tn.Role != RoleProgress || tn.Content != "PreToolUse" || tn.HookEvent != "PreToolUse" {
		t.Fatalf("unexpected turn: %+v", tn)
	}
}

func TestFormatAgentProgressTruncation(t *testing.T) {
	longResult := make([]byte, 500)
	for i := range longResult {
		longResult[i] = 'x'
	}
	tn := Format(RawEntry{
		EntryType:      "agent_progress",
		ToolUseName:    "Bash",
		ToolResultText: string(longResult),
		AgentPrompt:    string(make([]byte, 300)),
	})
	if tn.Role != RoleAgentProgress {
		t.Fatalf("expected RoleAgentProgress, got %v", tn.Role)
	}
	if len([]rune(tn.AgentPrompt)) > 201 { // 200 + ellipsis
		t.Fatalf("expected agent prompt truncated, got %d runes", len([]rune(tn.AgentPrompt)))
	}
}

func TestFormatUnknownMessage(t *testing.T) {
	tn := Format(RawEntry{
		EntryType:      "something_new",
		ToolResultText: "a very long result that should be truncated for unknown entries too",
		Raw:            map[string]any{"foo": "bar"},
	})
	if tn.Role != RoleUnknown || !tn.Unknown {
		t.Fatalf("expected unknown turn, got %+v", tn)
	}
	if tn.Extras["foo"] != "bar" {
		t.Fatalf("expected raw extras preserved, got %v", tn.Extras)
	}
	if len(tn.Content) == 0 {
		t.Fatal("expected [Tool Result] prefix content")
	}
}

func TestNormalizeAttributionContentHandlesCRLF(t *testing.T) {
	got := NormalizeAttributionContent("  a\r\nb   c\r\n")
	if got != "a b c" {
		t.Fatalf("expected %q, got %q", "a b c", got)
	}
}
