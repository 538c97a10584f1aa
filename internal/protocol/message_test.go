package protocol

import (
	"encoding/json"
	"testing"

	"github.com/bedudley/swatch-it/internal/game"
)

func TestDecodeStateUpdate(t *testing.T) {
	data := []byte(`{"type":"state_update","data":{"showAnswer":true}}`)

	m, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Kind != KindStateUpdate {
		t.Fatalf("kind = %q, want state_update", m.Kind)
	}
	if m.State == nil || !m.State.HasShowAnswer || !m.State.ShowAnswer {
		t.Fatalf("unexpected delta: %+v", m.State)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	for _, data := range []string{
		`{"type":"firmware_update","data":{}}`,
		`{"type":""}`,
		`{}`,
	} {
		if _, err := Decode([]byte(data)); err == nil {
			t.Fatalf("expected error for %s", data)
		}
	}
}

func TestDecodeRejectsMalformedEnvelopes(t *testing.T) {
	for name, data := range map[string]string{
		"state update without data": `{"type":"state_update"}`,
		"action without name":       `{"type":"action"}`,
		"navigate without path":     `{"type":"navigate"}`,
		"not json":                  `{`,
	} {
		if _, err := Decode([]byte(data)); err == nil {
			t.Fatalf("expected error for %s: %s", name, data)
		}
	}
}

func TestDecodeToleratesUnknownAction(t *testing.T) {
	// Unknown action names pass decoding; the router drops them. That is
	// what lets new actions roll out before every device understands them.
	m, err := Decode([]byte(`{"type":"action","action":"teleport","payload":{"x":1}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Action != "teleport" {
		t.Fatalf("action = %q, want teleport", m.Action)
	}
}

func TestActionRoundTrip(t *testing.T) {
	m, err := NewAction(ActionOpenQuestion, OpenQuestionPayload{CategoryID: "c1", Value: 200})
	if err != nil {
		t.Fatalf("new action: %v", err)
	}
	data, err := m.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	out, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Action != ActionOpenQuestion {
		t.Fatalf("action = %q, want %q", out.Action, ActionOpenQuestion)
	}
	var p OpenQuestionPayload
	if err := json.Unmarshal(out.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.CategoryID != "c1" || p.Value != 200 {
		t.Fatalf("payload = %+v, want c1:200", p)
	}
}

func TestRequestStateEncodesBareEnvelope(t *testing.T) {
	data, err := NewRequestState().Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data) != `{"type":"request_state"}` {
		t.Fatalf("unexpected encoding: %s", data)
	}
	if _, err := Decode(data); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestStateUpdateOmitsAbsentFields(t *testing.T) {
	data, err := NewStateUpdate(game.StateDelta{ShowAnswer: true, HasShowAnswer: true}).Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var raw struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(raw.Data) != 1 {
		t.Fatalf("expected a single field on the wire, got %v", raw.Data)
	}
	if _, ok := raw.Data["showAnswer"]; !ok {
		t.Fatalf("showAnswer missing: %v", raw.Data)
	}
}
