package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bft-labs/relaycore/pkg/client"
	"github.com/bft-labs/relaycore/pkg/wire"
)

// Dialer establishes websocket connections for the client supervisor.
type Dialer struct {
	dialer *websocket.Dialer
	header http.Header
}

// NewDialer creates a dialer with the given handshake timeout and optional
// headers (auth tokens and the like).
func NewDialer(handshakeTimeout time.Duration, header http.Header) *Dialer {
	return &Dialer{
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		header: header,
	}
}

// Dial connects to a ws:// or wss:// URL.
func (d *Dialer) Dial(ctx context.Context, addr string) (*ClientConn, error) {
	wsConn, resp, err := d.dialer.DialContext(ctx, addr, d.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &ClientConn{ws: wsConn}, nil
}

// SupervisorDialer adapts Dialer to the supervisor's dialer interface.
type SupervisorDialer struct {
	*Dialer
}

// Dial implements client.Dialer.
func (d SupervisorDialer) Dial(ctx context.Context, addr string) (client.Conn, error) {
	return d.Dialer.Dial(ctx, addr)
}

// ClientConn is the client-side frame connection over a websocket.
type ClientConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// WriteFrame sends one frame, honoring the context deadline if set.
func (c *ClientConn) WriteFrame(ctx context.Context, f wire.Frame) error {
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

// ReadFrame blocks until a frame arrives or the connection dies. The
// context is not consulted; closing the connection unblocks the read.
func (c *ClientConn) ReadFrame(ctx context.Context) (wire.Frame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return wire.Frame{}, err
	}
	return wire.Decode(data)
}

// Close closes the underlying websocket.
func (c *ClientConn) Close() error {
	return c.ws.Close()
}
