// Package ws adapts gorilla/websocket connections to the delivery layer:
// a server-side transport with a read pump, and a dialer for the client
// supervisor. Frames travel as JSON text messages; liveness probes are
// protocol frames, not websocket control frames, so both ends see them.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bft-labs/relaycore/pkg/log"
	"github.com/bft-labs/relaycore/pkg/wire"
)

const defaultWriteWait = 10 * time.Second

// Conn wraps an accepted websocket connection as an outbound transport.
// Writes are serialized with a mutex; gorilla connections allow only one
// concurrent writer.
type Conn struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex
}

// NewConn wraps an upgraded connection and assigns it an opaque id.
func NewConn(wsConn *websocket.Conn) *Conn {
	return &Conn{id: uuid.NewString(), ws: wsConn}
}

// ID returns the connection's opaque identifier.
func (c *Conn) ID() string { return c.id }

// WriteFrame sends one frame, honoring the context deadline if set.
func (c *Conn) WriteFrame(ctx context.Context, f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(defaultWriteWait)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying websocket, unblocking any pending read.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// EventSink receives the protocol events decoded by the read pump.
// *relaycore.Server satisfies it.
type EventSink interface {
	ConnectionClosed(ctx context.Context, connectionID, reason string)
	Identify(ctx context.Context, connectionID, principalID string) error
	Ack(ctx context.Context, connectionID, envelopeID string)
	Pong(connectionID string)
	Replay(ctx context.Context, connectionID string, since time.Time)
}

// Pump reads inbound frames and forwards them to the sink until the
// connection dies, then reports the close. It blocks; run it on the
// goroutine that owns the read side.
func Pump(ctx context.Context, sink EventSink, conn *Conn, logger log.Logger) {
	if logger == nil {
		logger = log.NewNoopLogger()
	}

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			sink.ConnectionClosed(ctx, conn.id, err.Error())
			return
		}

		frame, err := wire.Decode(data)
		if err != nil {
			logger.Warn("dropping malformed frame",
				log.String("connection_id", conn.id),
				log.Err(err))
			continue
		}

		switch frame.Type {
		case wire.FrameIdentify:
			if err := sink.Identify(ctx, conn.id, frame.Principal); err != nil {
				logger.Warn("identify failed",
					log.String("connection_id", conn.id),
					log.Err(err))
			}
		case wire.FrameAck:
			sink.Ack(ctx, conn.id, frame.EnvelopeID)
		case wire.FramePong:
			sink.Pong(conn.id)
		case wire.FrameReplay:
			sink.Replay(ctx, conn.id, frame.Since)
		case wire.FramePing:
			// Client-initiated probe; echo it back.
			if err := conn.WriteFrame(ctx, wire.Pong(frame.SentAt)); err != nil {
				sink.ConnectionClosed(ctx, conn.id, err.Error())
				return
			}
		default:
			logger.Debug("ignoring frame",
				log.String("connection_id", conn.id),
				log.String("type", string(frame.Type)))
		}
	}
}
