// Package dispatch implements the capability-gated ClientMessage
// dispatcher shared by every transport (spec.md §4.5).
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"porthole/internal/activitylog"
	"porthole/internal/capability"
	"porthole/internal/global"
	"porthole/internal/protocol"
	"porthole/internal/store"
	"porthole/internal/turn"
)

const (
	denialCap      = 10
	maxChatLimit   = 100
	historyDefault = 50
)

// User is the authenticated identity attached to a connection, if any.
type User struct {
	ID          string
	DisplayName string
	Capability  capability.Capability
}

// Context is a single connection's dispatcher-facing state: its id, its
// authenticated user (if any), its outbound channel, and the shared
// state it reads and mutates.
type Context struct {
	ConnID string
	User   *User
	Out    chan<- protocol.ServerMessage

	Global *global.Manager
	Store  store.Store

	mu               sync.Mutex
	FocusedInstance  string
	focusCancel      context.CancelFunc
	denialCount      int
	SelectionCh      chan string // forwarded to the active watcher, if any
}

// FocusSpawner starts the per-focus background task described in
// spec.md §4.5's "Focus task" paragraph. The dispatcher doesn't own
// goroutine lifecycles directly; it delegates to whatever the server
// wired in (so tests can stub it).
type FocusSpawner func(ctx context.Context, cc *Context, instanceID string, sinceUUID string)

// Dispatcher routes ClientMessages to handlers, gated by capability.
type Dispatcher struct {
	Spawn    FocusSpawner
	Activity *activitylog.Logger
}

// New returns a Dispatcher wired to the built-in focus task
// implementation. Callers needing to stub it out for tests can
// construct Dispatcher{} directly instead.
func New() *Dispatcher {
	return &Dispatcher{Spawn: RunFocusTask, Activity: activitylog.Nop()}
}

func (d *Dispatcher) activity() *activitylog.Logger {
	if d.Activity != nil {
		return d.Activity
	}
	return activitylog.Nop()
}

// Result is what Dispatch returns: either the message was handled here,
// or it's Unhandled and the caller should route it to the
// membership/invite/event-log layer.
type Result struct {
	Handled bool
	Msg     protocol.ClientMessage
}

// Dispatch consumes one message for connection cc.
func (d *Dispatcher) Dispatch(ctx context.Context, cc *Context, msg protocol.ClientMessage) Result {
	if !msg.Recognized() {
		return Result{Handled: false, Msg: msg}
	}

	if gate, needsGate := msg.Gate(); needsGate {
		if !d.authorize(cc, gate) {
			return Result{Handled: true}
		}
	}

	switch msg.Type {
	case "focus":
		d.handleFocus(ctx, cc, msg)
	case "conversation_sync":
		d.handleConversationSync(cc, msg)
	case "input":
		d.handleInput(ctx, cc, msg)
	case "resize":
		d.handleResize(cc, msg, true, true)
	case "terminal_visible":
		d.handleResize(cc, msg, false, true)
	case "terminal_hidden":
		d.handleResize(cc, msg, false, false)
	case "session_select":
		d.handleSessionSelect(cc, msg)
	case "lobby":
		d.handleLobby(cc, msg)
	case "terminal_lock_request":
		d.handleLockRequest(cc, msg)
	case "terminal_lock_release":
		d.handleLockRelease(cc, msg)
	case "chat_send":
		d.handleChatSend(ctx, cc, msg)
	case "chat_history":
		d.handleChatHistory(ctx, cc, msg)
	case "chat_forward":
		d.handleChatForward(ctx, cc, msg)
	case "chat_topics":
		d.handleChatTopics(ctx, cc, msg)
	default:
		return Result{Handled: false, Msg: msg}
	}
	return Result{Handled: true}
}

// authorize checks the connection's capability against gate, sending a
// single denial reply and then silently dropping further denials past
// denialCap (amplification guard).
func (d *Dispatcher) authorize(cc *Context, gate capability.Gate) bool {
	need, ok := capability.Require(gate)
	if !ok {
		return true
	}
	if cc.User != nil && cc.User.Capability.AtLeast(need) {
		return true
	}

	cc.mu.Lock()
	cc.denialCount++
	count := cc.denialCount
	cc.mu.Unlock()

	if count <= denialCap {
		cc.send(protocol.ServerMessage{
			Type:  "error",
			Error: fmt.Sprintf("access denied: requires %s:%s", gate.Resource, gate.Action),
		})
	}
	return false
}

func (cc *Context) send(m protocol.ServerMessage) {
	select {
	case cc.Out <- m:
	default:
	}
}

func (d *Dispatcher) handleFocus(ctx context.Context, cc *Context, msg protocol.ClientMessage) {
	cc.mu.Lock()
	prevInstance := cc.FocusedInstance
	if cc.focusCancel != nil {
		cc.focusCancel()
	}
	cc.FocusedInstance = msg.Instance
	focusCtx, cancel := context.WithCancel(ctx)
	cc.focusCancel = cancel
	cc.mu.Unlock()

	if prevInstance != "" && prevInstance != msg.Instance {
		d.updatePresenceAndLock(cc, prevInstance, false)
	}
	d.updatePresenceAndLock(cc, msg.Instance, true)

	if lock := cc.Global.CurrentLock(msg.Instance); lock != nil {
		cc.send(lockUpdateMessage(lock))
	} else {
		cc.send(protocol.ServerMessage{Type: "terminal_lock_update"})
	}

	if d.Spawn != nil {
		go d.Spawn(focusCtx, cc, msg.Instance, msg.SinceUUID)
	}
	d.activity().Focus(cc.ConnID, msg.Instance)
}

func (d *Dispatcher) updatePresenceAndLock(cc *Context, instanceID string, present bool) {
	var users []global.PresenceUser
	uid := cc.ConnID
	name := ""
	if cc.User != nil {
		uid, name = cc.User.ID, cc.User.DisplayName
	}
	if present {
		users = cc.Global.AddPresence(instanceID, cc.ConnID, uid, name)
	} else {
		users = cc.Global.RemovePresence(instanceID, cc.ConnID)
	}
	cc.Global.PublishLifecycle(global.LifecycleEvent{Kind: "presence_update", InstanceID: instanceID, Users: users})
	cc.Global.ReconcileLockWithPresence(instanceID)
	if present {
		cc.Global.AutoGrantSoleUser(instanceID, cc.ConnID, uid)
	}
}

func (d *Dispatcher) handleConversationSync(cc *Context, msg protocol.ClientMessage) {
	it, ok := cc.Global.GetInstance(cc.FocusedInstance)
	if !ok {
		return
	}
	if msg.SinceUUID == "" {
		sendConversationFull(cc, it.Turns())
		return
	}
	if after, found := it.TurnsAfter(msg.SinceUUID); found {
		sendConversationUpdate(cc, after)
		return
	}
	sendConversationFull(cc, it.Turns())
}

func sendConversationFull(cc *Context, turns []turn.Turn) {
	b, _ := json.Marshal(turns)
	cc.send(protocol.ServerMessage{Type: "conversation_full", Turns: b})
}

func sendConversationUpdate(cc *Context, turns []turn.Turn) {
	b, _ := json.Marshal(turns)
	cc.send(protocol.ServerMessage{Type: "conversation_update", Turns: b})
}

func (d *Dispatcher) handleInput(ctx context.Context, cc *Context, msg protocol.ClientMessage) {
	it, ok := cc.Global.GetInstance(msg.Instance)
	if !ok || it.Handle == nil {
		return
	}

	n, err := it.Handle.WriteInput([]byte(msg.Data))
	if err != nil || n == 0 {
		return
	}
	if it.FSM != nil {
		it.FSM.TerminalInput([]byte(msg.Data))
	}

	if cc.Global.MarkFirstInput(msg.Instance) {
		// first_input_at is set on the tracker by MarkFirstInput itself.
	}
	cc.Global.TouchLock(msg.Instance, cc.ConnID)

	if cc.User != nil {
		content := turn.NormalizeAttributionContent(msg.Data)
		if len(content) > turn.AttributionPrefixLen {
			content = content[:turn.AttributionPrefixLen]
		}
		cc.Global.PushPendingAttribution(msg.Instance, global.PendingAttribution{
			UserID:        cc.User.ID,
			DisplayName:   cc.User.DisplayName,
			ContentPrefix: content,
			Timestamp:     time.Now(),
			TaskID:        msg.TaskID,
		})
		if cc.Store != nil {
			_ = cc.Store.RecordAttribution(ctx, store.AttributionRecord{
				InstanceID:    msg.Instance,
				UserID:        cc.User.ID,
				DisplayName:   cc.User.DisplayName,
				ContentPrefix: content,
				Timestamp:     time.Now(),
				TaskID:        msg.TaskID,
			})
		}
	}
}

// handleResize covers Resize, TerminalVisible, and TerminalHidden, all
// of which are viewport mechanics keyed by connection id.
func (d *Dispatcher) handleResize(cc *Context, msg protocol.ClientMessage, hasDims, active bool) {
	it, ok := cc.Global.GetInstance(msg.Instance)
	if !ok || it.Handle == nil {
		return
	}
	if hasDims {
		it.Handle.UpdateViewport(cc.ConnID, msg.Rows, msg.Cols, "web")
	} else {
		it.Handle.SetClientActive(cc.ConnID, active)
	}
}

func (d *Dispatcher) handleSessionSelect(cc *Context, msg protocol.ClientMessage) {
	cc.mu.Lock()
	sel := cc.SelectionCh
	cc.mu.Unlock()
	if sel == nil {
		return
	}
	select {
	case sel <- msg.SessionID:
	default:
	}
}

func (d *Dispatcher) handleLobby(cc *Context, msg protocol.ClientMessage) {
	cc.Global.PublishLifecycle(global.LifecycleEvent{
		Kind:    "lobby",
		Payload: map[string]any{"sender_id": cc.ConnID, "channel": msg.Channel, "payload": msg.Payload},
	})
}

func (d *Dispatcher) handleLockRequest(cc *Context, msg protocol.ClientMessage) {
	uid := cc.ConnID
	if cc.User != nil {
		uid = cc.User.ID
	}
	lock, ok := cc.Global.TryAcquireLock(msg.Instance, cc.ConnID, uid)
	if !ok {
		cc.send(lockUpdateMessage(lock))
		return
	}
	// Success is already broadcast by the manager; nothing more to do.
	d.activity().LockGranted(msg.Instance, cc.ConnID, uid, false)
}

func (d *Dispatcher) handleLockRelease(cc *Context, msg protocol.ClientMessage) {
	if cc.Global.ReleaseLock(msg.Instance, cc.ConnID) {
		cc.Global.ReconcileLockWithPresence(msg.Instance)
	}
}

func lockUpdateMessage(lock *global.TerminalLock) protocol.ServerMessage {
	if lock == nil {
		return protocol.ServerMessage{Type: "terminal_lock_update"}
	}
	return protocol.ServerMessage{
		Type:         "terminal_lock_update",
		Holder:       lock.HolderUserID,
		LastActivity: lock.LastActivity.Format(time.RFC3339),
	}
}

func (d *Dispatcher) handleChatSend(ctx context.Context, cc *Context, msg protocol.ClientMessage) {
	if cc.Store == nil {
		return
	}
	sender := cc.ConnID
	if cc.User != nil {
		sender = cc.User.ID
	}
	row := store.ChatRow{
		ID:        msg.UUID,
		Scope:     msg.Scope,
		Topic:     msg.Topic,
		SenderID:  sender,
		Content:   msg.Content,
		CreatedAt: time.Now(),
	}
	if err := cc.Store.AppendChat(ctx, row); err != nil {
		return
	}
	b, _ := json.Marshal(row)
	cc.Global.PublishLifecycle(global.LifecycleEvent{Kind: "chat_message", Payload: json.RawMessage(b)})
}

func (d *Dispatcher) handleChatHistory(ctx context.Context, cc *Context, msg protocol.ClientMessage) {
	if cc.Store == nil {
		return
	}
	limit := msg.Limit
	if limit <= 0 {
		limit = historyDefault
	}
	if limit > maxChatLimit {
		limit = maxChatLimit
	}
	rows, err := cc.Store.ChatHistory(ctx, msg.Scope, msg.Topic, msg.BeforeID, limit)
	if err != nil {
		return
	}
	b, _ := json.Marshal(rows)
	cc.send(protocol.ServerMessage{Type: "chat_history_response", Messages: b})
}

func (d *Dispatcher) handleChatForward(ctx context.Context, cc *Context, msg protocol.ClientMessage) {
	if cc.Store == nil {
		return
	}
	src, err := cc.Store.GetChat(ctx, msg.MessageID)
	if err != nil {
		return
	}
	sender := cc.ConnID
	if cc.User != nil {
		sender = cc.User.ID
	}
	row := store.ChatRow{
		ID:            msg.UUID,
		Scope:         msg.TargetScope,
		Topic:         src.Topic,
		SenderID:      sender,
		Content:       src.Content,
		ForwardedFrom: src.ID,
		CreatedAt:     time.Now(),
	}
	if err := cc.Store.AppendChat(ctx, row); err != nil {
		return
	}
	b, _ := json.Marshal(row)
	cc.Global.PublishLifecycle(global.LifecycleEvent{Kind: "chat_message", Payload: json.RawMessage(b)})
}

func (d *Dispatcher) handleChatTopics(ctx context.Context, cc *Context, msg protocol.ClientMessage) {
	if cc.Store == nil {
		return
	}
	topics, err := cc.Store.ChatTopics(ctx, msg.Scope)
	if err != nil {
		return
	}
	b, _ := json.Marshal(topics)
	cc.send(protocol.ServerMessage{Type: "chat_topics_response", Messages: b})
}

// DisconnectCleanup releases everything a connection held: its
// viewports (via per-instance handles it touched — the transport tracks
// which, so it's responsible for calling RemoveClient on each), its
// presence on every instance, and any terminal locks it held.
func DisconnectCleanup(gm *global.Manager, connID string) {
	changed := gm.RemovePresenceEverywhere(connID)
	for instanceID, users := range changed {
		gm.PublishLifecycle(global.LifecycleEvent{Kind: "presence_update", InstanceID: instanceID, Users: users})
		gm.ReleaseLock(instanceID, connID)
		gm.ReconcileLockWithPresence(instanceID)
	}
}
