package wire

import (
	"testing"
	"time"
)

func TestDecode_EnvelopeWithoutType(t *testing.T) {
	data := []byte(`{"envelopeId":"e-1","event":"notify","payload":{"x":1},"requiresAck":true}`)

	f, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if f.Type != FrameEnvelope {
		t.Errorf("Type = %q, want %q", f.Type, FrameEnvelope)
	}
	if f.EnvelopeID != "e-1" || f.Event != "notify" || !f.RequiresAck {
		t.Errorf("unexpected frame: %+v", f)
	}
}

func TestDecode_MissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"payload":{"x":1}}`)); err == nil {
		t.Fatal("Decode() expected error for untyped non-envelope frame")
	}
}

func TestEncode_AckRoundTrip(t *testing.T) {
	b, err := Encode(Ack("e-2"))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	f, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if f.Type != FrameAck || f.EnvelopeID != "e-2" {
		t.Errorf("frame = %+v, want ack for e-2", f)
	}
}

func TestPingPong_EchoTimestamp(t *testing.T) {
	sent := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	pong := Pong(Ping(sent).SentAt)
	if !pong.SentAt.Equal(sent) {
		t.Errorf("pong SentAt = %v, want %v", pong.SentAt, sent)
	}
	if pong.Type != FramePong {
		t.Errorf("Type = %q, want %q", pong.Type, FramePong)
	}
}
