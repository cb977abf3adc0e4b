package vt

import (
	"context"

	"porthole/internal/broadcast"
)

// Handle is a cheap-to-clone reference to a running Actor. All methods
// are safe for concurrent use by any number of callers; ordering
// between them is whatever the actor's single command loop imposes.
type Handle struct {
	actor *Actor
}

// WriteInput sends bytes to the child's stdin. Returns the number of
// bytes written, or ErrPtyClosed if the process has exited.
func (h *Handle) WriteInput(data []byte) (int, error) {
	reply := make(chan writeResult, 1)
	h.actor.cmdCh <- &cmdWriteInput{data: data, reply: reply}
	r := <-reply
	return r.n, r.err
}

// Resize sets the PTY size directly, bypassing viewport reconciliation.
// Used for a hard override; ordinary clients should call UpdateViewport.
func (h *Handle) Resize(rows, cols int) error {
	reply := make(chan error, 1)
	h.actor.cmdCh <- &cmdResize{rows: rows, cols: cols, reply: reply}
	return <-reply
}

// SubscribeOutput returns a subscription id and a channel of PTY output
// chunks. Call UnsubscribeOutput(id) when done.
func (h *Handle) SubscribeOutput() (uint64, <-chan broadcast.Envelope[[]byte]) {
	return h.actor.output.Subscribe()
}

// UnsubscribeOutput releases a subscription obtained from SubscribeOutput.
func (h *Handle) UnsubscribeOutput(id uint64) {
	h.actor.output.Unsubscribe(id)
}

// GetRecentOutput returns up to maxBytes of the most recent terminal
// output, oldest first. A negative maxBytes means "everything buffered".
func (h *Handle) GetRecentOutput(maxBytes int) string {
	reply := make(chan string, 1)
	h.actor.cmdCh <- &cmdGetRecent{maxBytes: maxBytes, reply: reply}
	return <-reply
}

// UpdateViewport records connID's declared geometry and client type and
// reconciles the effective PTY size. Returns the new (rows, cols) if the
// effective size changed, or nil if it didn't.
func (h *Handle) UpdateViewport(connID string, rows, cols int, clientType ClientType) *Dims {
	reply := make(chan *Dims, 1)
	h.actor.cmdCh <- &cmdUpdateViewport{connID: connID, rows: rows, cols: cols, clientType: clientType, reply: reply}
	return <-reply
}

// SetClientActive toggles whether connID's viewport participates in
// reconciliation (an inactive/backgrounded tab no longer constrains the
// effective size). Returns the new dims if they changed.
func (h *Handle) SetClientActive(connID string, active bool) *Dims {
	reply := make(chan *Dims, 1)
	h.actor.cmdCh <- &cmdSetActive{connID: connID, active: active, reply: reply}
	return <-reply
}

// RemoveClient drops connID's viewport entirely, e.g. on disconnect.
// Returns the new dims if they changed.
func (h *Handle) RemoveClient(connID string) *Dims {
	reply := make(chan *Dims, 1)
	h.actor.cmdCh <- &cmdRemoveClient{connID: connID, reply: reply}
	return <-reply
}

// SetSessionID records the conversation session claimed for this
// instance, surfaced later via Snapshot.
func (h *Handle) SetSessionID(id string) {
	reply := make(chan struct{})
	h.actor.cmdCh <- &cmdSetSessionID{value: id, reply: reply}
	<-reply
}

// SetClaudeState records the instance's current agent-state label.
func (h *Handle) SetClaudeState(state string) {
	reply := make(chan struct{})
	h.actor.cmdCh <- &cmdSetClaudeState{value: state, reply: reply}
	<-reply
}

// SetCustomName records a user-assigned display name for the instance.
func (h *Handle) SetCustomName(name string) {
	reply := make(chan struct{})
	h.actor.cmdCh <- &cmdSetCustomName{value: name, reply: reply}
	<-reply
}

// Snapshot returns a point-in-time copy of actor-owned metadata.
func (h *Handle) Snapshot() Metadata {
	reply := make(chan Metadata, 1)
	h.actor.cmdCh <- &cmdSnapshot{reply: reply}
	return <-reply
}

// Stop signals the child process to exit. It does not wait for exit;
// use AwaitExit for that.
func (h *Handle) Stop() {
	reply := make(chan struct{})
	h.actor.cmdCh <- &cmdStop{reply: reply}
	<-reply
}

// AwaitExit blocks until the child process has exited or ctx is done.
func (h *Handle) AwaitExit(ctx context.Context) error {
	return h.actor.awaitChildExit(ctx)
}
