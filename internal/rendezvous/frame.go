// Package rendezvous implements the relay service peers meet through: a host
// registers and receives a room id, clients join by room id, and the server
// forwards opaque data frames between them. The server never inspects game
// payloads; all sync semantics live on the devices.
package rendezvous

import (
	"encoding/json"
	"fmt"
)

// FrameType tags a relay control or data frame.
type FrameType string

const (
	// FrameRoomCreated tells a freshly attached host its room id.
	FrameRoomCreated FrameType = "room_created"
	// FrameJoined tells a freshly attached client its assigned peer id.
	FrameJoined FrameType = "joined"
	// FramePeerJoined tells the host a client's channel reached open.
	FramePeerJoined FrameType = "peer_joined"
	// FramePeerLeft tells the host a client went away.
	FramePeerLeft FrameType = "peer_left"
	// FrameData carries an opaque sync payload. Toward the host, Peer is
	// the sending client; from the host, Peer addresses the target client.
	FrameData FrameType = "data"
	// FrameError reports a terminal relay condition (room gone, host gone).
	FrameError FrameType = "error"
)

// Frame is the envelope both ends of a relay connection exchange.
type Frame struct {
	Type   FrameType       `json:"type"`
	Room   string          `json:"room,omitempty"`
	Peer   string          `json:"peer,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// EncodeFrame serializes a frame for the wire.
func EncodeFrame(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode relay frame: %w", err)
	}
	return data, nil
}

// DecodeFrame parses a wire frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode relay frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("relay frame has no type")
	}
	return f, nil
}
