package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bft-labs/relaycore/internal/domain"
	"github.com/bft-labs/relaycore/pkg/wire"
)

// nopTransport discards frames.
type nopTransport struct{}

func (nopTransport) WriteFrame(ctx context.Context, f wire.Frame) error { return nil }
func (nopTransport) Close() error                                       { return nil }

func ackEnvelope(id string) domain.Envelope {
	return domain.Envelope{
		ID:          id,
		Event:       "notify",
		Payload:     json.RawMessage(`{}`),
		CreatedAt:   time.Now().UTC(),
		RequiresAck: true,
		MaxRetries:  3,
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateOpen, "Open"},
		{StateIdentified, "Identified"},
		{StateStale, "Stale"},
		{StateClosed, "Closed"},
		{State(99), "Unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestRegistry_RegisterAndAttribute(t *testing.T) {
	r := New(nil)

	conn := r.Register("c-1", nopTransport{})
	if conn.State() != StateOpen {
		t.Errorf("state = %v, want Open", conn.State())
	}
	if conn.Principal() != "" {
		t.Errorf("principal = %q, want empty", conn.Principal())
	}

	if err := r.Attribute("c-1", "alice"); err != nil {
		t.Fatalf("Attribute() error = %v", err)
	}
	if conn.State() != StateIdentified {
		t.Errorf("state = %v, want Identified", conn.State())
	}

	found := r.FindByPrincipal("alice")
	if len(found) != 1 || found[0].ID() != "c-1" {
		t.Errorf("FindByPrincipal(alice) = %v connections, want [c-1]", len(found))
	}
}

func TestRegistry_AttributeUnknown(t *testing.T) {
	r := New(nil)

	if err := r.Attribute("missing", "alice"); err != domain.ErrUnknownConnection {
		t.Errorf("Attribute() error = %v, want ErrUnknownConnection", err)
	}
}

func TestRegistry_UnregisterHandsOffInflightInOrder(t *testing.T) {
	r := New(nil)
	conn := r.Register("c-1", nopTransport{})

	conn.Track(ackEnvelope("e-1"))
	conn.Track(ackEnvelope("e-2"))
	conn.Track(ackEnvelope("e-3"))

	handoff := r.Unregister("c-1")
	if len(handoff) != 3 {
		t.Fatalf("handoff = %d envelopes, want 3", len(handoff))
	}
	for i, want := range []string{"e-1", "e-2", "e-3"} {
		if handoff[i].ID != want {
			t.Errorf("handoff[%d] = %s, want %s", i, handoff[i].ID, want)
		}
	}

	if _, ok := r.Get("c-1"); ok {
		t.Error("connection still registered after Unregister")
	}
	if conn.State() != StateClosed {
		t.Errorf("state = %v, want Closed", conn.State())
	}
	if len(r.FindByPrincipal("alice")) != 0 {
		t.Error("principal index not cleared")
	}
}

func TestRegistry_UnregisterUnknown(t *testing.T) {
	r := New(nil)
	if handoff := r.Unregister("missing"); handoff != nil {
		t.Errorf("Unregister(missing) = %v, want nil", handoff)
	}
}

func TestConnection_FireAndForgetNeverTracked(t *testing.T) {
	r := New(nil)
	conn := r.Register("c-1", nopTransport{})

	env := ackEnvelope("e-1")
	env.RequiresAck = false
	conn.Track(env)

	if got := len(conn.Inflight()); got != 0 {
		t.Errorf("inflight = %d, want 0 for fire-and-forget envelope", got)
	}
}

func TestConnection_AckIdempotent(t *testing.T) {
	r := New(nil)
	conn := r.Register("c-1", nopTransport{})
	conn.Track(ackEnvelope("e-1"))

	if _, ok := conn.Ack("e-1"); !ok {
		t.Fatal("first Ack() reported unknown envelope")
	}
	if _, ok := conn.Ack("e-1"); ok {
		t.Error("second Ack() removed an envelope twice")
	}
	if _, ok := conn.Ack("never-sent"); ok {
		t.Error("Ack() of unknown id reported ok")
	}
}

func TestConnection_IncrementRetry(t *testing.T) {
	r := New(nil)
	conn := r.Register("c-1", nopTransport{})
	conn.Track(ackEnvelope("e-1"))

	env, ok := conn.IncrementRetry("e-1")
	if !ok || env.RetryCount != 1 {
		t.Fatalf("IncrementRetry() = (%+v, %v), want retry count 1", env, ok)
	}
	env, _ = conn.IncrementRetry("e-1")
	if env.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", env.RetryCount)
	}
	if _, ok := conn.IncrementRetry("missing"); ok {
		t.Error("IncrementRetry(missing) reported ok")
	}
}

func TestRegistry_StaleDetection(t *testing.T) {
	r := New(nil)
	conn := r.Register("c-1", nopTransport{})

	// No probe sent yet: never stale.
	if r.IsStale("c-1", time.Millisecond) {
		t.Error("connection stale before any probe was sent")
	}

	conn.recordHeartbeatSent(time.Now().UTC().Add(-time.Second))
	if !r.IsStale("c-1", 100*time.Millisecond) {
		t.Error("unanswered probe past timeout not reported stale")
	}
	if conn.State() != StateStale {
		t.Errorf("state = %v, want Stale", conn.State())
	}

	// A late liveness response recovers the connection.
	r.RecordHeartbeatAck("c-1")
	if r.IsStale("c-1", time.Minute) {
		t.Error("connection stale right after heartbeat ack")
	}
	if conn.State() != StateOpen {
		t.Errorf("state = %v, want Open after recovery", conn.State())
	}
}

func TestRegistry_IsStaleUnknownConnection(t *testing.T) {
	r := New(nil)
	if r.IsStale("missing", time.Millisecond) {
		t.Error("unknown connection reported stale")
	}
}

func TestRegistry_ReRegisterReplacesConnection(t *testing.T) {
	r := New(nil)
	old := r.Register("c-1", nopTransport{})
	if err := r.Attribute("c-1", "alice"); err != nil {
		t.Fatalf("Attribute() error = %v", err)
	}

	fresh := r.Register("c-1", nopTransport{})
	if old.State() != StateClosed {
		t.Errorf("old connection state = %v, want Closed", old.State())
	}
	if fresh.State() != StateOpen {
		t.Errorf("fresh connection state = %v, want Open", fresh.State())
	}
	if len(r.FindByPrincipal("alice")) != 0 {
		t.Error("stale principal index entry survived re-registration")
	}
}
