package delivery

import (
	"context"
	"time"

	"github.com/bft-labs/relaycore/pkg/log"
	"github.com/bft-labs/relaycore/pkg/wire"
)

// runHeartbeatMonitor periodically probes every live connection and
// force-closes the ones whose liveness response is overdue. A stale
// connection is never left silently attached: closing it hands its
// in-flight envelopes to the owning principal's pending queue.
func (e *Engine) runHeartbeatMonitor(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.probeAll(ctx)
		}
	}
}

func (e *Engine) probeAll(ctx context.Context) {
	for _, conn := range e.registry.Snapshot() {
		if e.registry.IsStale(conn.ID(), e.cfg.HeartbeatTimeout) {
			e.logger.Warn("liveness timeout, force closing",
				log.String("connection", conn.ID()),
				log.String("principal", conn.Principal()),
			)
			e.closeConnection(ctx, conn.ID(), "liveness timeout")
			continue
		}

		frame := wire.Ping(time.Now().UTC())
		wctx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
		err := conn.Transport().WriteFrame(wctx, frame)
		cancel()
		if err != nil {
			e.closeConnection(ctx, conn.ID(), "ping write error")
			continue
		}
		e.registry.RecordHeartbeatSent(conn.ID())
	}
}
