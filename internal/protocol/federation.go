package protocol

import "encoding/json"

// TunnelMessage is the frame type exchanged between a home and host
// federation tunnel, tagged the same way as ClientMessage/ServerMessage.
type TunnelMessage struct {
	Type string `json:"type"`

	// Hello / Welcome
	InstanceName string `json:"instance_name,omitempty"`

	// Authenticate
	AccountKey   string `json:"account_key,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
	IdentityProof []byte `json:"identity_proof,omitempty"`

	// AuthResult
	Access     bool   `json:"access,omitempty"`
	Capability string `json:"capability,omitempty"`
	Error      string `json:"error,omitempty"`

	// UserMessage
	Message json.RawMessage `json:"message,omitempty"`

	// UserDisconnected carries only AccountKey above.
}

// Frame is the length-prefixed envelope carried over a P2P connection:
// a monotonic sequence number, an optional request id for RPC
// correlation, and an opaque body (a marshaled ClientMessage,
// ServerMessage, or TunnelMessage depending on context).
type Frame struct {
	Seq       uint64          `json:"seq"`
	RequestID string          `json:"request_id,omitempty"`
	Body      json.RawMessage `json:"body"`
}
