package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

type failingPayload struct{}

func (failingPayload) MarshalJSON() ([]byte, error) {
	return nil, errors.New("marshal failure")
}

func TestChangePayloadDefinedAndEmpty(t *testing.T) {
	undefined := UndefinedChangePayload()
	if undefined.Defined() {
		t.Fatalf("expected undefined payload to be not defined")
	}
	if !undefined.IsEmpty() {
		t.Fatalf("expected undefined payload to be empty")
	}
	if undefined.Raw() != nil {
		t.Fatalf("expected undefined payload to return nil raw bytes")
	}

	empty := NewChangePayload(nil)
	if !empty.Defined() {
		t.Fatalf("expected empty payload to be defined")
	}
	if !empty.IsEmpty() {
		t.Fatalf("expected empty payload to be empty")
	}
	if empty.Raw() != nil {
		t.Fatalf("expected empty payload to return nil raw bytes")
	}

	raw := json.RawMessage(`{"manufacturer_control_no":"40054"}`)
	defined := NewChangePayload(raw)
	if !defined.Defined() {
		t.Fatalf("expected raw payload to be defined")
	}
	if defined.IsEmpty() {
		t.Fatalf("expected raw payload to be non-empty")
	}
	if got := defined.Raw(); string(got) != string(raw) {
		t.Fatalf("expected raw payload %s, got %s", raw, got)
	}
}

func TestChangePayloadRawIsCloned(t *testing.T) {
	raw := json.RawMessage(`{"manufacturer_control_no":"cloned"}`)
	payload := NewChangePayload(raw)
	raw[3] = 'X'

	first := payload.Raw()
	first[3] = 'Y'
	second := payload.Raw()
	if string(first) == string(second) {
		t.Fatalf("expected raw payload to be cloned per call")
	}
	if string(second) != `{"manufacturer_control_no":"cloned"}` {
		t.Fatalf("expected stored payload to remain unchanged, got %s", second)
	}
}

func TestNewChangePayloadFromValue(t *testing.T) {
	payload, err := NewChangePayloadFromValue(Report{ID: 7, ControlNumber: "40054"})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if !payload.Defined() {
		t.Fatalf("expected payload to be defined")
	}
	if payload.IsEmpty() {
		t.Fatalf("expected payload to be non-empty")
	}
	var out Report
	if err := payload.Decode(&out); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if out.ID != 7 || out.ControlNumber != "40054" {
		t.Fatalf("unexpected decoded report %+v", out)
	}

	if _, err := NewChangePayloadFromValue(failingPayload{}); err == nil {
		t.Fatalf("expected marshal error for failing payload")
	}
}

func TestChangePayloadJSONEncoding(t *testing.T) {
	entry := struct {
		Old ChangePayload `json:"old_values"`
		New ChangePayload `json:"new_values"`
	}{New: NewChangePayload(json.RawMessage(`{"id":1}`))}
	b, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"old_values":null,"new_values":{"id":1}}` {
		t.Fatalf("unexpected encoding %s", b)
	}

	var decoded struct {
		Old ChangePayload `json:"old_values"`
		New ChangePayload `json:"new_values"`
	}
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Old.Defined() {
		t.Fatalf("expected null to decode as undefined")
	}
	if string(decoded.New.Raw()) != `{"id":1}` {
		t.Fatalf("unexpected new payload %s", decoded.New.Raw())
	}
}
