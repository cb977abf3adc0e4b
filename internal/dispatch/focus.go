package dispatch

import (
	"context"
	"encoding/json"
	"unicode/utf8"

	"porthole/internal/global"
	"porthole/internal/protocol"
)

const outputHistoryDefaultBytes = 64 * 1024

// RunFocusTask streams one focused instance to a connection until ctx is
// cancelled (re-focus or disconnect): a FocusAck, a bounded scrollback
// replay, then live PTY output and conversation updates. It's a
// standalone function rather than a Dispatcher method so the transport
// layer can run it in its own goroutine per focus.
func RunFocusTask(ctx context.Context, cc *Context, instanceID, sinceUUID string) {
	it, ok := cc.Global.GetInstance(instanceID)
	if !ok {
		cc.send(protocol.ServerMessage{Type: "error", Error: "no such instance"})
		return
	}

	state := ""
	if it.Handle != nil {
		state = it.Handle.Snapshot().ClaudeState
	}
	cc.send(protocol.ServerMessage{Type: "focus_ack", Instance: instanceID, CurrentState: state})

	if it.Handle != nil {
		history := it.Handle.GetRecentOutput(outputHistoryDefaultBytes)
		if history != "" {
			cc.send(protocol.ServerMessage{Type: "output_history", Data: history})
		}
	}

	if sinceUUID == "" {
		sendConversationFull(cc, it.Turns())
	} else if after, found := it.TurnsAfter(sinceUUID); found {
		sendConversationUpdate(cc, after)
	} else {
		sendConversationFull(cc, it.Turns())
	}

	if it.Handle != nil {
		subID, ch := it.Handle.SubscribeOutput()
		defer it.Handle.UnsubscribeOutput(subID)

		convID, convCh := it.SubscribeConversation()
		defer it.UnsubscribeConversation(convID)

		dec := newUTF8StreamDecoder()

		for {
			select {
			case <-ctx.Done():
				return

			case env, ok := <-ch:
				if !ok {
					return
				}
				if env.Lagged > 0 {
					dec.reset()
					cc.send(protocol.ServerMessage{Type: "output_lagged", DroppedCount: env.Lagged})
					continue
				}
				if text := dec.feed(env.Value); text != "" {
					cc.send(protocol.ServerMessage{Type: "output", Data: text})
				}

			case env, ok := <-convCh:
				if !ok {
					return
				}
				if env.Lagged > 0 {
					sendConversationFull(cc, it.Turns())
					continue
				}
				if env.Value.Full {
					sendConversationFull(cc, env.Value.Turns)
				} else {
					sendConversationSingle(cc, env.Value)
				}
			}
		}
	}

	<-ctx.Done()
}

func sendConversationSingle(cc *Context, ev global.ConversationEvent) {
	b, _ := json.Marshal([]any{ev.Turn})
	cc.send(protocol.ServerMessage{Type: "conversation_update", Turns: b})
}

// utf8StreamDecoder holds back an incomplete trailing multibyte sequence
// across chunk boundaries so partial runes never reach the client.
type utf8StreamDecoder struct {
	pending []byte
}

func newUTF8StreamDecoder() *utf8StreamDecoder { return &utf8StreamDecoder{} }

func (d *utf8StreamDecoder) reset() { d.pending = d.pending[:0] }

// feed appends chunk to any held-back bytes and returns the longest
// valid UTF-8 prefix as a string, retaining an incomplete trailing
// sequence (at most utf8.UTFMax-1 bytes) for the next call.
func (d *utf8StreamDecoder) feed(chunk []byte) string {
	buf := append(d.pending, chunk...)

	cut := len(buf)
	for i := 1; i < utf8.UTFMax && i <= len(buf); i++ {
		start := len(buf) - i
		b := buf[start]
		if b < 0x80 {
			break // ASCII byte: buf is already complete up to len(buf)
		}
		if utf8.RuneStart(b) {
			if !utf8.FullRune(buf[start:]) {
				cut = start
			}
			break
		}
	}

	d.pending = append([]byte(nil), buf[cut:]...)
	return string(buf[:cut])
}
