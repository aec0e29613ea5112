// Package protocol defines the frame format exchanged between relay clients
// and the relay hub over a WebSocket.
package protocol

import "encoding/json"

// Op identifies the kind of relay frame.
type Op string

// Frame ops. Clients send Sub, Unsub and Pub; the hub sends Msg and Err.
const (
	OpSub   Op = "sub"   // start receiving a topic
	OpUnsub Op = "unsub" // stop receiving a topic
	OpPub   Op = "pub"   // publish Data to every subscriber of Topic
	OpMsg   Op = "msg"   // delivery of a published payload
	OpErr   Op = "err"   // hub-side rejection of a client frame
)

// MaxDataSize bounds the payload of a single frame. Signaling payloads are
// small JSON documents (SDP blobs are the largest, a few KB).
const MaxDataSize = 64 * 1024

// Frame is the JSON structure written to the relay WebSocket.
type Frame struct {
	Op    Op              `json:"op"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"` // only for OpErr
}
