// Package global implements the GlobalStateManager: the single
// process-wide owner of every cross-instance, cross-connection piece of
// state (spec.md §4.4). No other component mutates instance-keyed state
// independently.
package global

import (
	"sort"
	"sync"
	"time"

	"porthole/internal/broadcast"
	"porthole/internal/fsm"
	"porthole/internal/turn"
	"porthole/internal/vt"
)

const (
	pendingAttributionCap    = 50
	pendingAttributionMaxAge = 60 * time.Second
	lockPreemptAfter         = 120 * time.Second
)

// InstanceTracker is everything the manager knows about one running
// instance.
type InstanceTracker struct {
	Handle            *vt.Handle
	FSM               *fsm.Machine
	WorkingDir        string
	CreatedAt         time.Time
	IsAgent           bool
	FirstInputAt      time.Time
	HasFirstInput     bool
	CustomName        string

	mu                sync.RWMutex
	conversationTurns []turn.Turn
	conversationTx    *broadcast.Broadcaster[ConversationEvent]
}

// ConversationEvent is published on an instance's conversation
// broadcast: either a Full snapshot or an incremental Update.
type ConversationEvent struct {
	Full  bool
	Turns []turn.Turn // populated when Full
	Turn  turn.Turn   // populated when !Full
}

// AppendTurn records a newly formatted turn and publishes an Update.
func (it *InstanceTracker) AppendTurn(t turn.Turn) {
	it.mu.Lock()
	it.conversationTurns = append(it.conversationTurns, t)
	it.mu.Unlock()
	it.conversationTx.Publish(ConversationEvent{Turn: t})
}

// SeedTurns replaces the turn vector (used when tailing picks up
// existing file contents) and publishes a Full snapshot.
func (it *InstanceTracker) SeedTurns(turns []turn.Turn) {
	it.mu.Lock()
	it.conversationTurns = append([]turn.Turn(nil), turns...)
	it.mu.Unlock()
	it.conversationTx.Publish(ConversationEvent{Full: true, Turns: turns})
}

// Turns returns a snapshot copy of the current formatted turns.
func (it *InstanceTracker) Turns() []turn.Turn {
	it.mu.RLock()
	defer it.mu.RUnlock()
	out := make([]turn.Turn, len(it.conversationTurns))
	copy(out, it.conversationTurns)
	return out
}

// TurnsAfter returns turns strictly after the one with the given uuid,
// and whether that uuid was found at all (callers treat "not found" as
// "send a full sync instead").
func (it *InstanceTracker) TurnsAfter(uuid string) ([]turn.Turn, bool) {
	it.mu.RLock()
	defer it.mu.RUnlock()
	for i, t := range it.conversationTurns {
		if t.UUID == uuid {
			out := make([]turn.Turn, len(it.conversationTurns)-i-1)
			copy(out, it.conversationTurns[i+1:])
			return out, true
		}
	}
	return nil, false
}

// SubscribeConversation returns a subscription to this instance's
// conversation broadcast.
func (it *InstanceTracker) SubscribeConversation() (uint64, <-chan broadcast.Envelope[ConversationEvent]) {
	return it.conversationTx.Subscribe()
}

func (it *InstanceTracker) UnsubscribeConversation(id uint64) {
	it.conversationTx.Unsubscribe(id)
}

// PresenceUser is one deduplicated user present on an instance.
type PresenceUser struct {
	UserID      string
	DisplayName string
}

type presenceEntry struct {
	userID      string
	displayName string
}

// PendingAttribution is a not-yet-matched (user, content) guess,
// pushed when authenticated input arrives and consumed by the
// conversation watcher's tier-1 attribution pass.
type PendingAttribution struct {
	UserID        string
	DisplayName   string
	ContentPrefix string
	Timestamp     time.Time
	TaskID        string
}

// TerminalLock is the current exclusive-input holder for an instance.
type TerminalLock struct {
	HolderConnID string
	HolderUserID string
	LastActivity time.Time
}

// StateEvent is published whenever an instance's FSM state changes.
type StateEvent struct {
	InstanceID string
	State      string
	Stale      bool
}

// LifecycleEvent covers everything else broadcast process-wide:
// instance lifecycle, chat, lobby relay, presence, locks, tasks. Exactly
// one Kind-specific field group is populated.
type LifecycleEvent struct {
	Kind string // "instance_created", "instance_stopped", "instance_renamed", "chat_message", "lobby", "presence_update", "terminal_lock_update", "task_update"

	InstanceID string

	// presence_update
	Users []PresenceUser

	// terminal_lock_update
	Lock *TerminalLock

	// opaque payload for chat/lobby/task variants, left to the caller
	// to type-assert or re-marshal.
	Payload any
}

// Manager is the GlobalStateManager singleton.
type Manager struct {
	instMu    sync.RWMutex
	instances map[string]*InstanceTracker

	sessionsMu      sync.Mutex
	claimedSessions map[string]string // session_id -> instance_id

	presenceMu sync.Mutex
	presence   map[string]map[string]presenceEntry // instance_id -> conn_id -> entry

	pendingMu sync.Mutex
	pending   map[string][]PendingAttribution

	locksMu sync.Mutex
	locks   map[string]*TerminalLock

	stateTx     *broadcast.Broadcaster[StateEvent]
	lifecycleTx *broadcast.Broadcaster[LifecycleEvent]

	now func() time.Time
}

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{
		instances:       make(map[string]*InstanceTracker),
		claimedSessions: make(map[string]string),
		presence:        make(map[string]map[string]presenceEntry),
		pending:         make(map[string][]PendingAttribution),
		locks:           make(map[string]*TerminalLock),
		stateTx:         broadcast.New[StateEvent](256),
		lifecycleTx:     broadcast.New[LifecycleEvent](256),
		now:             time.Now,
	}
}

// --- Instance trackers ---

// RegisterInstance creates and stores a tracker, broadcasting
// instance_created.
func (m *Manager) RegisterInstance(instanceID string, handle *vt.Handle, workingDir string, isAgent bool) *InstanceTracker {
	it := &InstanceTracker{
		Handle:         handle,
		FSM:            fsm.New(),
		WorkingDir:     workingDir,
		CreatedAt:      m.now(),
		IsAgent:        isAgent,
		conversationTx: broadcast.New[ConversationEvent](64),
	}
	m.instMu.Lock()
	m.instances[instanceID] = it
	m.instMu.Unlock()
	m.lifecycleTx.Publish(LifecycleEvent{Kind: "instance_created", InstanceID: instanceID})
	return it
}

// UnregisterInstance removes a tracker, releases its claimed sessions,
// clears its presence and lock, and broadcasts instance_stopped.
func (m *Manager) UnregisterInstance(instanceID string) {
	m.instMu.Lock()
	it, ok := m.instances[instanceID]
	delete(m.instances, instanceID)
	m.instMu.Unlock()
	if !ok {
		return
	}
	it.conversationTx.Close()
	if it.FSM != nil {
		it.FSM.Close()
	}

	m.ReleaseSessionsForInstance(instanceID)

	m.presenceMu.Lock()
	delete(m.presence, instanceID)
	m.presenceMu.Unlock()

	m.locksMu.Lock()
	delete(m.locks, instanceID)
	m.locksMu.Unlock()

	m.lifecycleTx.Publish(LifecycleEvent{Kind: "instance_stopped", InstanceID: instanceID})
}

// InstanceIDs returns every currently registered instance id, for
// seeding a newly authenticated connection's initial view.
func (m *Manager) InstanceIDs() []string {
	m.instMu.RLock()
	defer m.instMu.RUnlock()
	out := make([]string, 0, len(m.instances))
	for id := range m.instances {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// GetInstance looks up a tracker by id.
func (m *Manager) GetInstance(instanceID string) (*InstanceTracker, bool) {
	m.instMu.RLock()
	defer m.instMu.RUnlock()
	it, ok := m.instances[instanceID]
	return it, ok
}

// RenameInstance sets a tracker's custom name and broadcasts
// instance_renamed.
func (m *Manager) RenameInstance(instanceID, name string) bool {
	m.instMu.RLock()
	it, ok := m.instances[instanceID]
	m.instMu.RUnlock()
	if !ok {
		return false
	}
	it.CustomName = name
	m.lifecycleTx.Publish(LifecycleEvent{Kind: "instance_renamed", InstanceID: instanceID, Payload: name})
	return true
}

// --- Claimed sessions ---

// TryClaimSession claims session_id for instanceID. Idempotent if
// instanceID already holds it; fails if another instance does.
func (m *Manager) TryClaimSession(sessionID, instanceID string) bool {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	if owner, ok := m.claimedSessions[sessionID]; ok {
		return owner == instanceID
	}
	m.claimedSessions[sessionID] = instanceID
	return true
}

// IsSessionClaimed reports whether sessionID is claimed by some
// instance other than excludeInstanceID.
func (m *Manager) IsSessionClaimed(sessionID, excludeInstanceID string) bool {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	owner, ok := m.claimedSessions[sessionID]
	return ok && owner != excludeInstanceID
}

// ReleaseSessionsForInstance drops every session claimed by instanceID.
func (m *Manager) ReleaseSessionsForInstance(instanceID string) {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	for sid, owner := range m.claimedSessions {
		if owner == instanceID {
			delete(m.claimedSessions, sid)
		}
	}
}

// --- First-input timestamps ---

// MarkFirstInput records the instant of an instance's first terminal
// input. Returns true only the first time it's called for instanceID.
func (m *Manager) MarkFirstInput(instanceID string) bool {
	m.instMu.RLock()
	it, ok := m.instances[instanceID]
	m.instMu.RUnlock()
	if !ok {
		return false
	}
	if it.HasFirstInput {
		return false
	}
	it.FirstInputAt = m.now()
	it.HasFirstInput = true
	return true
}

// --- Presence ---

func dedupedUsers(conns map[string]presenceEntry) []PresenceUser {
	seen := make(map[string]bool)
	var out []PresenceUser
	for _, e := range conns {
		if seen[e.userID] {
			continue
		}
		seen[e.userID] = true
		out = append(out, PresenceUser{UserID: e.userID, DisplayName: e.displayName})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// AddPresence records connID as present on instanceID and returns the
// deduplicated user list for broadcast.
func (m *Manager) AddPresence(instanceID, connID, userID, displayName string) []PresenceUser {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()
	conns, ok := m.presence[instanceID]
	if !ok {
		conns = make(map[string]presenceEntry)
		m.presence[instanceID] = conns
	}
	conns[connID] = presenceEntry{userID: userID, displayName: displayName}
	return dedupedUsers(conns)
}

// RemovePresence removes connID from instanceID's presence and returns
// the updated deduplicated user list.
func (m *Manager) RemovePresence(instanceID, connID string) []PresenceUser {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()
	conns, ok := m.presence[instanceID]
	if !ok {
		return nil
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(m.presence, instanceID)
		return nil
	}
	return dedupedUsers(conns)
}

// RemovePresenceEverywhere removes connID from every instance's
// presence, returning the set of instance ids whose user list changed
// along with the new list, for broadcasting.
func (m *Manager) RemovePresenceEverywhere(connID string) map[string][]PresenceUser {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()
	changed := make(map[string][]PresenceUser)
	for instanceID, conns := range m.presence {
		if _, ok := conns[connID]; !ok {
			continue
		}
		delete(conns, connID)
		if len(conns) == 0 {
			delete(m.presence, instanceID)
			changed[instanceID] = nil
		} else {
			changed[instanceID] = dedupedUsers(conns)
		}
	}
	return changed
}

func (m *Manager) hasPresence(instanceID, connID string) bool {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()
	conns, ok := m.presence[instanceID]
	if !ok {
		return false
	}
	_, ok = conns[connID]
	return ok
}

func (m *Manager) soleUser(instanceID string) (presenceEntry, bool) {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()
	conns, ok := m.presence[instanceID]
	if !ok {
		return presenceEntry{}, false
	}
	var found presenceEntry
	haveOne := false
	for _, e := range conns {
		if haveOne && e.userID != found.userID {
			return presenceEntry{}, false
		}
		found = e
		haveOne = true
	}
	return found, haveOne
}

// --- Pending attributions ---

// PushPendingAttribution enqueues a guess for instanceID, capping the
// queue at 50 entries (oldest dropped first) and pruning entries older
// than 60s.
func (m *Manager) PushPendingAttribution(instanceID string, pa PendingAttribution) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	q := m.prunePendingLocked(instanceID)
	q = append(q, pa)
	if len(q) > pendingAttributionCap {
		q = q[len(q)-pendingAttributionCap:]
	}
	m.pending[instanceID] = q
}

func (m *Manager) prunePendingLocked(instanceID string) []PendingAttribution {
	q := m.pending[instanceID]
	cutoff := m.now().Add(-pendingAttributionMaxAge)
	out := q[:0:0]
	for _, pa := range q {
		if pa.Timestamp.After(cutoff) {
			out = append(out, pa)
		}
	}
	m.pending[instanceID] = out
	return out
}

// ConsumePendingAttribution finds and removes the first pending entry
// for instanceID whose ContentPrefix is a prefix-match against content
// (in either direction, since a short keystroke entry can be a prefix
// of a longer later turn, or vice versa), pruning stale entries first.
func (m *Manager) ConsumePendingAttribution(instanceID, content string) (PendingAttribution, bool) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	q := m.prunePendingLocked(instanceID)
	for i, pa := range q {
		if prefixMatches(pa.ContentPrefix, content) {
			m.pending[instanceID] = append(append([]PendingAttribution{}, q[:i]...), q[i+1:]...)
			return pa, true
		}
	}
	return PendingAttribution{}, false
}

func prefixMatches(a, b string) bool {
	if len(a) <= len(b) {
		return b[:len(a)] == a
	}
	return a[:len(b)] == b
}

// --- Terminal locks (§4.4.1) ---

// TryAcquireLock attempts to grant instanceID's lock to connID/userID.
// Grants if unheld, if the existing holder has the same user_id
// (multi-tab promotion), or if the holder has been inactive for at
// least 120s (preemption); otherwise denies.
func (m *Manager) TryAcquireLock(instanceID, connID, userID string) (*TerminalLock, bool) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	existing := m.locks[instanceID]
	if existing == nil || existing.HolderUserID == userID || m.now().Sub(existing.LastActivity) >= lockPreemptAfter {
		lock := &TerminalLock{HolderConnID: connID, HolderUserID: userID, LastActivity: m.now()}
		m.locks[instanceID] = lock
		cp := *lock
		m.lifecycleTx.Publish(LifecycleEvent{Kind: "terminal_lock_update", InstanceID: instanceID, Lock: &cp})
		return lock, true
	}
	return existing, false
}

// TouchLock refreshes last_activity if connID currently holds the lock.
func (m *Manager) TouchLock(instanceID, connID string) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	if l, ok := m.locks[instanceID]; ok && l.HolderConnID == connID {
		l.LastActivity = m.now()
	}
}

// ReleaseLock removes instanceID's lock only if connID is the holder.
func (m *Manager) ReleaseLock(instanceID, connID string) bool {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	if l, ok := m.locks[instanceID]; ok && l.HolderConnID == connID {
		delete(m.locks, instanceID)
		m.lifecycleTx.Publish(LifecycleEvent{Kind: "terminal_lock_update", InstanceID: instanceID, Lock: nil})
		return true
	}
	return false
}

// CurrentLock returns a snapshot of instanceID's lock, if any.
func (m *Manager) CurrentLock(instanceID string) *TerminalLock {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[instanceID]
	if !ok {
		return nil
	}
	cp := *l
	return &cp
}

// ReconcileLockWithPresence clears the lock if its holder no longer has
// presence. Returns a copy of the lock that remains, or nil if there is
// none. It grants the lock to no one, even when exactly one user is
// present; AutoGrantSoleUser does that.
func (m *Manager) ReconcileLockWithPresence(instanceID string) *TerminalLock {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	if l, ok := m.locks[instanceID]; ok {
		if !m.hasPresence(instanceID, l.HolderConnID) {
			delete(m.locks, instanceID)
			m.lifecycleTx.Publish(LifecycleEvent{Kind: "terminal_lock_update", InstanceID: instanceID, Lock: nil})
		} else {
			cp := *l
			return &cp
		}
	}

	if sole, ok := m.soleUser(instanceID); ok {
		// We don't know sole's conn_id here without a second pass;
		// the caller (presence layer) supplies conn_id via
		// AutoGrantSoleUser when it has that context. This path only
		// clears a stale lock; auto-grant happens explicitly.
		_ = sole
	}
	return nil
}

// AutoGrantSoleUser grants the lock to (connID, userID) if the
// instance is currently unlocked and userID is indeed the sole present
// user. Intended to be called right after ReconcileLockWithPresence by
// a caller that knows which connection is the sole user's.
func (m *Manager) AutoGrantSoleUser(instanceID, connID, userID string) *TerminalLock {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	if _, held := m.locks[instanceID]; held {
		return nil
	}
	sole, ok := m.soleUser(instanceID)
	if !ok || sole.userID != userID {
		return nil
	}
	lock := &TerminalLock{HolderConnID: connID, HolderUserID: userID, LastActivity: m.now()}
	m.locks[instanceID] = lock
	cp := *lock
	m.lifecycleTx.Publish(LifecycleEvent{Kind: "terminal_lock_update", InstanceID: instanceID, Lock: &cp})
	return lock
}

// --- Broadcasts ---

func (m *Manager) PublishState(ev StateEvent) { m.stateTx.Publish(ev) }

func (m *Manager) PublishLifecycle(ev LifecycleEvent) { m.lifecycleTx.Publish(ev) }

func (m *Manager) SubscribeState() (uint64, <-chan broadcast.Envelope[StateEvent]) {
	return m.stateTx.Subscribe()
}

func (m *Manager) UnsubscribeState(id uint64) { m.stateTx.Unsubscribe(id) }

func (m *Manager) SubscribeLifecycle() (uint64, <-chan broadcast.Envelope[LifecycleEvent]) {
	return m.lifecycleTx.Subscribe()
}

func (m *Manager) UnsubscribeLifecycle(id uint64) { m.lifecycleTx.Unsubscribe(id) }
