package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/bedudley/swatch-it/internal/game"
)

// Kind tags a sync message. The envelope is a closed union: exactly these
// four kinds exist on the wire, and decoding rejects anything else so a
// malformed frame can never be mistaken for a state merge.
type Kind string

const (
	// KindStateUpdate replaces the named fields of the receiver's state
	// with the carried values (field-level last-write-wins).
	KindStateUpdate Kind = "state_update"
	// KindAction replays a named, parameterized mutation.
	KindAction Kind = "action"
	// KindNavigate tells the receiving device's UI to change view while
	// keeping the live connection.
	KindNavigate Kind = "navigate"
	// KindRequestState asks the host to resend a full snapshot.
	KindRequestState Kind = "request_state"
)

// Action names carried by KindAction messages.
const (
	ActionOpenQuestion  = "openQuestion"
	ActionCloseQuestion = "closeQuestion"
	ActionRevealAnswer  = "revealAnswer"
	ActionMarkCorrect   = "markCorrect"
	ActionMarkIncorrect = "markIncorrect"
	ActionUndo          = "undo"
)

// OpenQuestionPayload parameterizes an openQuestion action.
type OpenQuestionPayload struct {
	CategoryID string `json:"categoryId"`
	Value      int    `json:"value"`
}

// MarkCorrectPayload parameterizes a markCorrect action.
type MarkCorrectPayload struct {
	TeamID string `json:"teamId"`
}

// Message is the wire envelope exchanged between peers.
type Message struct {
	Kind    Kind             `json:"type"`
	State   *game.StateDelta `json:"data,omitempty"`
	Action  string           `json:"action,omitempty"`
	Payload json.RawMessage  `json:"payload,omitempty"`
	Path    string           `json:"path,omitempty"`
}

// NewStateUpdate wraps a delta in a state_update envelope.
func NewStateUpdate(d game.StateDelta) Message {
	return Message{Kind: KindStateUpdate, State: &d}
}

// NewAction builds an action envelope with a JSON-encoded payload. A nil
// payload encodes an action with no parameters.
func NewAction(name string, payload any) (Message, error) {
	m := Message{Kind: KindAction, Action: name}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode action %q payload: %w", name, err)
		}
		m.Payload = data
	}
	return m, nil
}

// NewNavigate builds a navigation envelope.
func NewNavigate(path string) Message {
	return Message{Kind: KindNavigate, Path: path}
}

// NewRequestState builds a snapshot request envelope.
func NewRequestState() Message {
	return Message{Kind: KindRequestState}
}

// Encode serializes the message for the wire.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode sync message: %w", err)
	}
	return data, nil
}

// Decode parses a wire frame and validates the envelope shape. Unknown kinds
// are an error here; unknown action names inside a valid action envelope are
// tolerated and left to the router to ignore, so new actions can roll out
// before every device understands them.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode sync message: %w", err)
	}

	switch m.Kind {
	case KindStateUpdate:
		if m.State == nil {
			return Message{}, fmt.Errorf("state_update message has no data")
		}
	case KindAction:
		if m.Action == "" {
			return Message{}, fmt.Errorf("action message has no action name")
		}
	case KindNavigate:
		if m.Path == "" {
			return Message{}, fmt.Errorf("navigate message has no path")
		}
	case KindRequestState:
	default:
		return Message{}, fmt.Errorf("unknown sync message type %q", m.Kind)
	}
	return m, nil
}
