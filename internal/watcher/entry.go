package watcher

import (
	"encoding/json"

	"porthole/internal/turn"
)

// rawLine is the subset of a transcript JSONL record's shape this
// module understands. Agent transcripts are a sequence of such records,
// one per line, with a discriminating "type" field.
type rawLine struct {
	UUID       string          `json:"uuid"`
	Type       string          `json:"type"` // "user", "assistant", "system", "progress", "agent_progress"
	Timestamp  string          `json:"timestamp"`
	Subtype    string          `json:"subtype"`
	StopReason string          `json:"stop_reason"`
	HookEvent  string          `json:"hook_event"`
	Message    *messageBody    `json:"message"`
	Progress   *progressBody   `json:"progress"`
	Raw        json.RawMessage `json:"-"`
}

type messageBody struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type      string `json:"type"` // "text", "thinking", "tool_use", "tool_result"
	Text      string `json:"text"`
	Thinking  string `json:"thinking"`
	Name      string `json:"name"`    // tool_use
	ToolInput string `json:"input"`   // tool_use, best-effort string form
	Content   string `json:"content"` // tool_result
}

type progressBody struct {
	AgentPrompt string        `json:"agent_prompt"`
	ToolUse     *contentPart  `json:"tool_use"`
	ToolResult  string        `json:"tool_result"`
	Final       string        `json:"final"`
}

// parseLine decodes one JSONL record into a turn.RawEntry. Unrecognized
// "type" values fall through to turn.Format's Unknown branch with the
// raw JSON preserved.
func parseLine(b []byte) (turn.RawEntry, error) {
	var rl rawLine
	if err := json.Unmarshal(b, &rl); err != nil {
		return turn.RawEntry{}, err
	}

	re := turn.RawEntry{
		UUID:       rl.UUID,
		EntryType:  rl.Type,
		Timestamp:  rl.Timestamp,
		Subtype:    rl.Subtype,
		StopReason: rl.StopReason,
	}

	switch rl.Type {
	case "user", "assistant":
		if rl.Message != nil {
			for _, p := range rl.Message.Content {
				switch p.Type {
				case "text":
					re.TextParts = append(re.TextParts, p.Text)
				case "thinking":
					re.ThinkingParts = append(re.ThinkingParts, p.Thinking)
				case "tool_use":
					re.ToolNames = append(re.ToolNames, p.Name)
				}
			}
		}
	case "progress":
		re.HookEventName = rl.HookEvent
	case "agent_progress":
		if rl.Progress != nil {
			re.AgentPrompt = rl.Progress.AgentPrompt
			if rl.Progress.ToolUse != nil {
				re.ToolUseName = rl.Progress.ToolUse.Name
			}
			re.ToolResultText = rl.Progress.ToolResult
			re.FinalText = rl.Progress.Final
		}
	default:
		var raw map[string]any
		_ = json.Unmarshal(b, &raw)
		re.Raw = raw
		if tr, ok := raw["tool_result"].(string); ok {
			re.ToolResultText = tr
		}
	}

	return re, nil
}
