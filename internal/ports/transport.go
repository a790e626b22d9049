package ports

import (
	"context"

	"github.com/bft-labs/relaycore/pkg/wire"
)

// Transport is the server-side outbound handle to one live connection.
// Implementations must be safe for concurrent writes; the engine, the
// heartbeat monitor, and retry timers all write independently.
//
// WriteFrame must resolve within the context deadline and never block the
// caller indefinitely. A returned error marks the connection unreachable;
// the engine reacts by force-closing it.
type Transport interface {
	WriteFrame(ctx context.Context, frame wire.Frame) error
	Close() error
}
