// Package vt implements the per-instance PTY actor: it spawns and
// supervises a child process attached to a pseudo-terminal, feeds its
// output into a bounded ring buffer and a lossy broadcast channel, and
// reconciles per-client viewport geometry into a single effective
// (rows, cols) it resizes the PTY to.
package vt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"

	"porthole/internal/broadcast"
)

// ErrPtyClosed is returned by operations attempted after the actor has
// exited (child process gone, or Stop called).
var ErrPtyClosed = errors.New("vt: pty closed")

// ringBufferCapacity bounds how many trailing bytes of PTY output are
// retained for GetRecentOutput and newly subscribing clients.
const ringBufferCapacity = 1 << 20 // 1 MiB

// outputBroadcastCapacity is the per-subscriber backlog before a slow
// subscriber starts lagging.
const outputBroadcastCapacity = 256

// Metadata is a point-in-time snapshot of actor-owned instance fields.
type Metadata struct {
	SessionID   string
	ClaudeState string
	CustomName  string
	Running     bool
}

// Actor owns one PTY-backed child process. All mutation goes through its
// command channel; the PTY read loop and the command loop are the only
// two goroutines that touch actor state directly.
type Actor struct {
	cmdCh  chan command
	closed atomic.Bool
	exited atomic.Bool // set once the child has been reaped

	ptm *os.File
	cmd *exec.Cmd

	ring     *ringBuffer
	ringMu   sync.Mutex
	output   *broadcast.Broadcaster[[]byte]
	onOutput func() // test hook, called after every chunk is buffered

	viewports map[string]*Viewport
	effDims   Dims

	sessionID   string
	claudeState string
	customName  string
}

// Spawn starts command with args attached to a new PTY of the given
// initial size and returns a Handle to it. Terminal output is observed
// through the Handle's SubscribeOutput or GetRecentOutput.
func Spawn(command string, args []string, rows, cols int, extraEnv map[string]string) (*Handle, error) {
	c := exec.Command(command, args...)
	if len(extraEnv) > 0 {
		c.Env = mergeEnv(os.Environ(), extraEnv)
	}
	ptm, err := pty.StartWithSize(c, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, fmt.Errorf("vt: start command: %w", err)
	}

	a := &Actor{
		cmdCh:     make(chan command, 64),
		ptm:       ptm,
		cmd:       c,
		ring:      newRingBuffer(ringBufferCapacity),
		output:    broadcast.New[[]byte](outputBroadcastCapacity),
		viewports: make(map[string]*Viewport),
		effDims:   Dims{Rows: rows, Cols: cols},
	}

	go a.readLoop()
	go a.commandLoop()

	return &Handle{actor: a}, nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	for _, e := range base {
		key := e
		for i, r := range e {
			if r == '=' {
				key = e[:i]
				break
			}
		}
		if _, override := overrides[key]; !override {
			env = append(env, e)
		}
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

// readLoop reads child output until the PTY closes, buffering every
// chunk and publishing it on the output broadcast.
func (a *Actor) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := a.ptm.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			a.ringMu.Lock()
			a.ring.Write(chunk)
			a.ringMu.Unlock()
			a.output.Publish(chunk)
			if a.onOutput != nil {
				a.onOutput()
			}
		}
		if err != nil {
			a.closed.Store(true)
			a.output.Close()
			_ = a.cmd.Wait()
			a.exited.Store(true)
			return
		}
	}
}

// commandLoop serializes all command-channel mutations. It never exits
// while the process is alive so that in-flight commands always get a
// reply, even the ones that race with the PTY closing.
func (a *Actor) commandLoop() {
	for cmd := range a.cmdCh {
		a.handle(cmd)
	}
}

func (a *Actor) handle(c command) {
	switch cmd := c.(type) {
	case *cmdWriteInput:
		if a.closed.Load() {
			cmd.reply <- writeResult{err: ErrPtyClosed}
			return
		}
		n, err := a.ptm.Write(cmd.data)
		if err != nil {
			err = fmt.Errorf("vt: write input: %w", err)
		}
		cmd.reply <- writeResult{n: n, err: err}

	case *cmdResize:
		if a.closed.Load() {
			cmd.reply <- ErrPtyClosed
			return
		}
		if cmd.rows == a.effDims.Rows && cmd.cols == a.effDims.Cols {
			cmd.reply <- nil
			return
		}
		a.effDims = Dims{Rows: cmd.rows, Cols: cmd.cols}
		err := pty.Setsize(a.ptm, &pty.Winsize{Rows: uint16(cmd.rows), Cols: uint16(cmd.cols)})
		cmd.reply <- err

	case *cmdGetRecent:
		a.ringMu.Lock()
		data := a.ring.Tail(cmd.maxBytes)
		a.ringMu.Unlock()
		cmd.reply <- string(data)

	case *cmdUpdateViewport:
		v, ok := a.viewports[cmd.connID]
		if !ok {
			v = &Viewport{Active: true}
			a.viewports[cmd.connID] = v
		}
		v.Rows, v.Cols, v.ClientType = cmd.rows, cmd.cols, cmd.clientType
		cmd.reply <- a.reconcile()

	case *cmdSetActive:
		v, ok := a.viewports[cmd.connID]
		if !ok {
			v = &Viewport{Rows: defaultRows, Cols: defaultCols}
			a.viewports[cmd.connID] = v
		}
		v.Active = cmd.active
		cmd.reply <- a.reconcile()

	case *cmdRemoveClient:
		delete(a.viewports, cmd.connID)
		cmd.reply <- a.reconcile()

	case *cmdSetSessionID:
		a.sessionID = cmd.value
		close(cmd.reply)

	case *cmdSetClaudeState:
		a.claudeState = cmd.value
		close(cmd.reply)

	case *cmdSetCustomName:
		a.customName = cmd.value
		close(cmd.reply)

	case *cmdSnapshot:
		cmd.reply <- Metadata{
			SessionID:   a.sessionID,
			ClaudeState: a.claudeState,
			CustomName:  a.customName,
			Running:     !a.closed.Load(),
		}

	case *cmdStop:
		if !a.closed.Load() {
			_ = a.cmd.Process.Signal(stopSignal)
			a.closed.Store(true)
		}
		close(cmd.reply)
	}
}

// reconcile recomputes effective dims from the current viewport set and
// resizes the PTY if they changed, returning the new dims or nil if
// unchanged (mirrors Option<(rows, cols)> from the spec).
func (a *Actor) reconcile() *Dims {
	next := effectiveDims(a.viewports)
	if next == a.effDims {
		return nil
	}
	a.effDims = next
	if !a.closed.Load() {
		_ = pty.Setsize(a.ptm, &pty.Winsize{Rows: uint16(next.Rows), Cols: uint16(next.Cols)})
	}
	out := next
	return &out
}

// awaitChildExit is exposed for callers (e.g. a lifecycle supervisor)
// that want a context-cancellable wait for process exit without polling
// Snapshot().Running.
func (a *Actor) awaitChildExit(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if a.exited.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
