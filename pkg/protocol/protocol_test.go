package protocol

import (
	"reflect"
	"testing"
)

// TestRoundTrip verifies the testable property from spec.md §8:
// "Every GatewayMessage satisfies from_wire(to_wire(m)) == m on all public fields."
func TestRoundTrip(t *testing.T) {
	cases := []Frame{
		{Type: TypeChat, ID: "1", SessionID: "s1", Channel: "telegram", UserID: "u1"},
		{Type: TypeApprovalResponse, ID: "r1", SessionID: "s2"},
		{Type: TypeError, ID: "e1"},
	}

	for _, orig := range cases {
		wire, err := orig.ToWire()
		if err != nil {
			t.Fatalf("ToWire: %v", err)
		}
		got, err := FromWire(wire)
		if err != nil {
			t.Fatalf("FromWire: %v", err)
		}
		if !reflect.DeepEqual(orig, got) {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, orig)
		}
	}
}

func TestNewFrameAndDecodeData(t *testing.T) {
	f, err := NewFrame("id1", TypeChat, "sess1", "discord", "user1", ChatData{Message: "hi"})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	var data ChatData
	if err := f.DecodeData(&data); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if data.Message != "hi" {
		t.Errorf("got message %q, want %q", data.Message, "hi")
	}
}

func TestNewEventFrame(t *testing.T) {
	f, err := NewEventFrame("id2", "sess1", EventTaskComplete, map[string]string{"foo": "bar"})
	if err != nil {
		t.Fatalf("NewEventFrame: %v", err)
	}
	if f.Type != TypeEvent {
		t.Fatalf("got type %v, want %v", f.Type, TypeEvent)
	}
	var data EventData
	if err := f.DecodeData(&data); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if data.Event != EventTaskComplete {
		t.Errorf("got event %v, want %v", data.Event, EventTaskComplete)
	}
}
