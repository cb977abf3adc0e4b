// Package turn implements the conversation-turn data model and the
// formatting rules that turn a raw JSONL transcript entry into the
// shape broadcast to clients.
package turn

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// Role is the speaker (or pseudo-speaker) of a turn.
type Role string

const (
	RoleUser          Role = "user"
	RoleAssistant     Role = "assistant"
	RoleSystem        Role = "system"
	RoleProgress      Role = "progress"
	RoleAgentProgress Role = "agent_progress"
	RoleUnknown       Role = "unknown"
)

// Attribution identifies who authored a user turn, when known.
type Attribution struct {
	UserID      string
	DisplayName string
}

// Turn is one formatted entry from an agent's conversation transcript.
type Turn struct {
	UUID        string
	Role        Role
	Content     string
	Thinking    string   // assistant only
	Tools       []string // invoked tool names
	Timestamp   string   // RFC 3339, as recorded in the transcript
	EntryType   string   // raw entry_type, set on System turns
	HookEvent   string   // set on Progress turns
	AgentPrompt string   // set on AgentProgress turns, truncated to 200
	Unknown     bool
	Extras      map[string]any // raw fields preserved for Unknown turns

	Attribution *Attribution
}

// RawEntry is the subset of a parsed JSONL record that Format needs.
// Watcher code is responsible for unmarshaling the full JSON record and
// populating this from whichever variant it actually is.
type RawEntry struct {
	UUID       string
	EntryType  string // "user", "assistant", "system", "progress", "agent_progress", or unrecognized
	Timestamp  string
	Subtype    string
	StopReason string

	// Message content, for user/assistant entries.
	TextParts     []string
	ThinkingParts []string
	ToolNames     []string

	// Progress/hook entries.
	HookEventName string

	// Agent sub-progress entries.
	AgentPrompt    string
	ToolUseName    string
	ToolResultText string
	FinalText      string

	Raw map[string]any
}

const (
	toolResultTruncate    = 100
	agentProgressTruncate = 500
	agentPromptTruncate   = 200
	unknownToolResultTrunc = 200
)

// AttributionPrefixLen is the prefix length both the push side
// (dispatch.handleInput) and the consume side (watcher.attribute) must
// truncate to after normalizing, so a pending-attribution guess and the
// transcript turn it's matched against agree on how much of the content
// is compared.
const AttributionPrefixLen = 200

// Format converts a RawEntry into a Turn per the type-specific
// truncation and normalization rules.
func Format(e RawEntry) Turn {
	t := Turn{UUID: e.UUID, Timestamp: e.Timestamp}

	switch e.EntryType {
	case "user":
		t.Role = RoleUser
		t.Content = formatContent(strings.Join(e.TextParts, ""))
		t.Tools = e.ToolNames

	case "assistant":
		t.Role = RoleAssistant
		t.Content = formatContent(strings.Join(e.TextParts, ""))
		t.Thinking = formatContent(strings.Join(e.ThinkingParts, ""))
		t.Tools = e.ToolNames

	case "system":
		t.Role = RoleSystem
		t.EntryType = e.EntryType

	case "progress":
		t.Role = RoleProgress
		t.Content = e.HookEventName
		t.HookEvent = e.HookEventName

	case "agent_progress":
		t.Role = RoleAgentProgress
		t.AgentPrompt = truncateRunes(e.AgentPrompt, agentPromptTruncate)
		var b strings.Builder
		if e.ToolUseName != "" {
			b.WriteString("[" + e.ToolUseName + "]")
		}
		if e.ToolResultText != "" {
			b.WriteString("[result: " + truncateRunes(e.ToolResultText, toolResultTruncate) + "]")
		}
		if e.FinalText != "" {
			if b.Len() > 0 {
				b.WriteString(" ")
			}
			b.WriteString(truncateRunes(e.FinalText, agentProgressTruncate))
		}
		t.Content = b.String()

	default:
		t.Role = RoleUnknown
		t.Unknown = true
		t.Extras = e.Raw
		if e.ToolResultText != "" {
			t.Content = "[Tool Result] " + truncateRunes(e.ToolResultText, unknownToolResultTrunc)
		}
	}

	return t
}

// formatContent applies turn-content whitespace normalization: collapse
// runs of blank lines to one blank line, preserve leading indentation,
// strip trailing blank lines. Unlike NormalizeAttributionContent, this
// is display formatting — it must not destroy the line structure of an
// indented code block or markdown list.
func formatContent(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")

	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if blank {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, line)
	}

	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}

	return strings.Join(out, "\n")
}

// NormalizeAttributionContent implements the attribution prefix-match
// normalization (spec'd content normalization that MUST be identical on
// the push and consume sides, or keystroke-level messages will miss):
// trim outer whitespace, canonicalize CRLF to LF, then collapse any run
// of whitespace to a single space.
func NormalizeAttributionContent(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Join(strings.Fields(s), " ")
}

// truncateRunes truncates s to at most n runes (rune-aware, not
// byte-aware, since transcript content is frequently non-ASCII),
// appending an ellipsis marker when truncation occurred.
func truncateRunes(s string, n int) string {
	if runewidth.StringWidth(s) <= n && len([]rune(s)) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
