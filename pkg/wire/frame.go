package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType discriminates protocol frames on the wire.
type FrameType string

const (
	// FrameEnvelope carries one deliverable event envelope.
	FrameEnvelope FrameType = "envelope"

	// FrameAck acknowledges receipt of an envelope by id.
	FrameAck FrameType = "ack"

	// FramePing and FramePong form the liveness probe pair.
	FramePing FrameType = "ping"
	FramePong FrameType = "pong"

	// FrameIdentify attributes the connection to a principal. The
	// attribution itself is produced by the out-of-scope auth handshake;
	// this frame only carries the resulting opaque principal id.
	FrameIdentify FrameType = "identify"

	// FrameReplay asks the server to retransmit everything queued for the
	// connection's principal since the given timestamp.
	FrameReplay FrameType = "replay"
)

// Frame is the logical unit exchanged over a message-oriented channel.
// Byte framing below this level is the transport's concern.
type Frame struct {
	Type        FrameType       `json:"type,omitempty"`
	EnvelopeID  string          `json:"envelopeId,omitempty"`
	Event       string          `json:"event,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RequiresAck bool            `json:"requiresAck,omitempty"`
	SentAt      time.Time       `json:"sentAt,omitempty"`
	Principal   string          `json:"principal,omitempty"`
	Since       time.Time       `json:"since,omitempty"`
}

// Ack builds an acknowledgment frame for the given envelope id.
func Ack(envelopeID string) Frame {
	return Frame{Type: FrameAck, EnvelopeID: envelopeID}
}

// Ping builds a liveness probe frame.
func Ping(sentAt time.Time) Frame {
	return Frame{Type: FramePing, SentAt: sentAt}
}

// Pong builds the response to a liveness probe, echoing its timestamp.
func Pong(sentAt time.Time) Frame {
	return Frame{Type: FramePong, SentAt: sentAt}
}

// Encode serializes a frame to its JSON wire form.
func Encode(f Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return b, nil
}

// Decode parses a frame from its JSON wire form. Envelope frames may omit
// the type discriminator; a frame carrying an envelope id and an event name
// is an envelope.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		if f.EnvelopeID == "" || f.Event == "" {
			return Frame{}, fmt.Errorf("decode frame: missing type")
		}
		f.Type = FrameEnvelope
	}
	return f, nil
}
