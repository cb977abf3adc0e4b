// Package protocol defines the wire messages exchanged between clients
// and the server (over WebSocket or P2P) and the capability gate each
// client-originated message requires.
package protocol

import (
	"encoding/json"

	"porthole/internal/capability"
)

// ClientMessage is a tagged-union inbound message. Exactly one of the
// per-variant field groups is populated, selected by Type — the same
// flat-struct-with-omitempty idiom the PTY-wrapper protocol uses.
type ClientMessage struct {
	Type string `json:"type"`

	// Focus
	Instance  string `json:"instance,omitempty"`
	SinceUUID string `json:"since_uuid,omitempty"`

	// Input
	Data   string `json:"data,omitempty"` // plain UTF-8 text
	TaskID string `json:"task_id,omitempty"`

	// Resize
	Rows int `json:"rows,omitempty"`
	Cols int `json:"cols,omitempty"`

	// SessionSelect
	SessionID string `json:"session_id,omitempty"`

	// Lobby
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Chat
	Scope          string `json:"scope,omitempty"`
	Content        string `json:"content,omitempty"`
	UUID           string `json:"uuid,omitempty"`
	Topic          string `json:"topic,omitempty"`
	BeforeID       string `json:"before_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	TargetScope    string `json:"target_scope,omitempty"`
}

// Gate reports the capability gate a message variant requires, and
// whether it requires one at all. Recognized types that carry no gate
// (resize, session_select, ...) report false just as unknown types do;
// Recognized tells the two apart.
func (m ClientMessage) Gate() (capability.Gate, bool) {
	switch m.Type {
	case "focus":
		return capability.Gate{Resource: "terminals", Action: "read"}, true
	case "conversation_sync":
		return capability.Gate{Resource: "content", Action: "read"}, true
	case "input":
		return capability.Gate{Resource: "terminals", Action: "input"}, true
	case "terminal_lock_request":
		return capability.Gate{Resource: "terminals", Action: "input"}, true
	case "lobby":
		return capability.Gate{Resource: "chat", Action: "send"}, true
	case "chat_send", "chat_forward":
		return capability.Gate{Resource: "chat", Action: "send"}, true
	case "chat_history", "chat_topics":
		return capability.Gate{Resource: "content", Action: "read"}, true
	// resize, terminal_visible, terminal_hidden, session_select,
	// terminal_lock_release carry no gate of their own.
	case "resize", "terminal_visible", "terminal_hidden", "session_select", "terminal_lock_release":
		return capability.Gate{}, false
	}
	return capability.Gate{}, false
}

// Known message types recognized by the dispatcher. Anything else is
// Unhandled and routed to the membership/invite/event-log layer.
var knownTypes = map[string]bool{
	"focus": true, "conversation_sync": true, "input": true, "resize": true,
	"terminal_visible": true, "terminal_hidden": true, "session_select": true,
	"lobby": true, "terminal_lock_request": true, "terminal_lock_release": true,
	"chat_send": true, "chat_history": true, "chat_forward": true, "chat_topics": true,
}

// Recognized reports whether the dispatcher owns this message type at
// all (distinct from Gate, which may legitimately report "no gate
// required" for a recognized type).
func (m ClientMessage) Recognized() bool { return knownTypes[m.Type] }

// ServerMessage is a tagged-union outbound message.
type ServerMessage struct {
	Type string `json:"type"`

	Error string `json:"error,omitempty"`

	// FocusAck / InstanceState
	Instance     string `json:"instance,omitempty"`
	CurrentState string `json:"current_state,omitempty"`
	StateTool    string `json:"state_tool,omitempty"`
	Stale        bool   `json:"stale,omitempty"`

	// OutputHistory / Output
	Data string `json:"data,omitempty"`

	// OutputLagged
	DroppedCount int `json:"dropped_count,omitempty"`

	// ConversationFull / ConversationUpdate
	Turns json.RawMessage `json:"turns,omitempty"`

	// SessionAmbiguous
	Candidates []string `json:"candidates,omitempty"`

	// PresenceUpdate
	Users json.RawMessage `json:"users,omitempty"`

	// TerminalLockUpdate
	Holder         string `json:"holder,omitempty"`
	LastActivity   string `json:"last_activity,omitempty"`
	ExpiresInSecs  int    `json:"expires_in_secs,omitempty"`

	// LobbyBroadcast
	SenderID string          `json:"sender_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Channel  string          `json:"channel,omitempty"`

	// ChatMessage / ChatHistoryResponse
	Messages json.RawMessage `json:"messages,omitempty"`
}
