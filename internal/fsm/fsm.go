// Package fsm implements the per-instance agent state machine: terminal
// input/output and conversation entries drive a small set of states that
// clients use to render what an agent is currently doing.
package fsm

import (
	"strings"
	"sync"
	"time"
)

// State is the agent's current activity.
type State int

const (
	Idle State = iota
	Thinking
	Responding
	ToolExecuting
	WaitingForInput
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Thinking:
		return "thinking"
	case Responding:
		return "responding"
	case ToolExecuting:
		return "tool_executing"
	case WaitingForInput:
		return "waiting_for_input"
	default:
		return "unknown"
	}
}

// staleAfter is how long since the last TerminalOutput signal before the
// instance is considered stale.
const staleAfter = 10 * time.Second

// toolPatterns is scanned in order; the first matching prefix wins. More
// specific patterns are listed before their prefixes (NotebookEdit before
// Edit) so the scan never misclassifies a specific tool as its shorter
// sibling.
var toolPatterns = []struct {
	prefix string
	tool   string
}{
	{"NotebookEdit(", "NotebookEdit"},
	{"NotebookRead(", "NotebookRead"},
	{"MultiEdit(", "MultiEdit"},
	{"Edit(", "Edit"},
	{"Write(", "Write"},
	{"Read(", "Read"},
	{"Bash(", "Bash"},
	{"Glob(", "Glob"},
	{"Grep(", "Grep"},
	{"WebFetch(", "WebFetch"},
	{"WebSearch(", "WebSearch"},
	{"Task(", "Task"},
	{"TodoWrite(", "TodoWrite"},
}

// matchToolPattern returns the tool name for the first pattern whose
// prefix occurs in data, or "" if none match.
func matchToolPattern(data string) string {
	for _, p := range toolPatterns {
		if strings.Contains(data, p.prefix) {
			return p.tool
		}
	}
	return ""
}

// ConversationEntry mirrors the fields of a formatted JSONL turn that the
// FSM needs to make authoritative transitions.
type ConversationEntry struct {
	EntryType  string // "system", "assistant", "user", ...
	Subtype    string // e.g. "turn_duration"
	StopReason string // e.g. "end_turn"
}

// Snapshot is what gets emitted whenever a signal changes the state.
type Snapshot struct {
	State  State
	Tool   string // non-empty only when State == ToolExecuting
	Prompt string // optional, only ever set by future prompt-bearing signals
	Stale  bool
}

// Machine is a single instance's agent-state machine. All signal methods
// are safe for concurrent use; they hold an internal mutex briefly.
type Machine struct {
	mu sync.Mutex

	state           State
	tool            string
	prompt          string
	lastOutputAt    time.Time
	haveLastOutput  bool
	lastEmitted     Snapshot
	emit            chan Snapshot
}

// New creates a Machine in the Idle state with a buffered emission
// channel so emitting never blocks the signal caller.
func New() *Machine {
	return &Machine{
		state: Idle,
		emit:  make(chan Snapshot, 64),
	}
}

// Emissions returns the channel on which (new_state, terminal_stale)
// snapshots are published. Only emitted when the signal actually
// changes state (or, for Tick, when staleness flips).
func (m *Machine) Emissions() <-chan Snapshot {
	return m.emit
}

// Close releases the emission channel. Call once the instance is gone.
func (m *Machine) Close() {
	close(m.emit)
}

func (m *Machine) snapshotLocked() Snapshot {
	stale := m.haveLastOutput && time.Since(m.lastOutputAt) > staleAfter
	return Snapshot{State: m.state, Tool: m.tool, Prompt: m.prompt, Stale: stale}
}

func (m *Machine) publish(prev Snapshot) {
	next := m.snapshotLocked()
	if next != prev {
		m.lastEmitted = next
		select {
		case m.emit <- next:
		default:
			// Emission channel backlog; drop rather than block the
			// signal path. A client re-syncs via a state poll.
		}
	}
}

// TerminalInput signals that the user typed into the PTY.
func (m *Machine) TerminalInput(data []byte) {
	m.mu.Lock()
	prev := m.snapshotLocked()
	if m.state == Idle || m.state == WaitingForInput {
		m.state = Thinking
		m.tool = ""
		m.prompt = ""
	}
	m.publish(prev)
	m.mu.Unlock()
}

// TerminalOutput signals PTY output was observed.
func (m *Machine) TerminalOutput(data []byte) {
	m.mu.Lock()
	prev := m.snapshotLocked()
	m.lastOutputAt = time.Now()
	m.haveLastOutput = true

	if tool := matchToolPattern(string(data)); tool != "" {
		m.state = ToolExecuting
		m.tool = tool
	} else if m.state == Thinking {
		m.state = Responding
		m.tool = ""
	}
	m.publish(prev)
	m.mu.Unlock()
}

// Conversation feeds an authoritative ConversationEntry signal.
func (m *Machine) Conversation(e ConversationEntry) {
	m.mu.Lock()
	prev := m.snapshotLocked()

	switch {
	case e.EntryType == "system" && e.Subtype == "turn_duration":
		m.state = WaitingForInput
		m.tool = ""
		m.prompt = ""
	case e.EntryType == "assistant" && e.StopReason == "end_turn":
		m.state = WaitingForInput
		m.tool = ""
		m.prompt = ""
	case e.EntryType == "assistant":
		if m.state != ToolExecuting {
			m.state = Responding
			m.tool = ""
		}
	case e.EntryType == "user":
		m.state = Thinking
		m.tool = ""
		m.prompt = ""
	}
	m.publish(prev)
	m.mu.Unlock()
}

// Tick causes no state transition; it only re-evaluates staleness and
// emits if the stale flag flipped since the last emission.
func (m *Machine) Tick() {
	m.mu.Lock()
	m.publish(m.lastEmitted)
	m.mu.Unlock()
}

// Current returns the current snapshot without waiting for an emission.
func (m *Machine) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}
