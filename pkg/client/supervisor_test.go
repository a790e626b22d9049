package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/relaycore/pkg/wire"
)

type fakeConn struct {
	mu       sync.Mutex
	written  []wire.Frame
	inbound  chan wire.Frame
	dead     chan struct{}
	deadOnce sync.Once
	autoPong bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan wire.Frame, 16),
		dead:    make(chan struct{}),
	}
}

func (c *fakeConn) WriteFrame(ctx context.Context, f wire.Frame) error {
	select {
	case <-c.dead:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, f)
	c.mu.Unlock()
	if c.autoPong && f.Type == wire.FramePing {
		select {
		case c.inbound <- wire.Pong(f.SentAt):
		default:
		}
	}
	return nil
}

func (c *fakeConn) ReadFrame(ctx context.Context) (wire.Frame, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.dead:
		return wire.Frame{}, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.deadOnce.Do(func() { close(c.dead) })
	return nil
}

// drop simulates the server side going away.
func (c *fakeConn) drop() { _ = c.Close() }

func (c *fakeConn) framesOfType(t wire.FrameType) []wire.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []wire.Frame
	for _, f := range c.written {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

type fakeDialer struct {
	mu            sync.Mutex
	conns         []*fakeConn
	failRemaining int
	autoPong      bool
}

func (d *fakeDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failRemaining > 0 {
		d.failRemaining--
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	c.autoPong = d.autoPong
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFailing(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failRemaining = n
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func testClientConfig() Config {
	return Config{
		Addr:                 "test:0",
		Principal:            "alice",
		ReconnectSteps:       []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
		MaxReconnectAttempts: 3,
		ProbeInterval:        time.Hour,
		ProbeTimeout:         time.Hour,
		SendTimeout:          100 * time.Millisecond,
	}
}

func TestSupervisor_ConnectIdentifies(t *testing.T) {
	d := &fakeDialer{}
	s := New(testClientConfig(), d, nil, nil, nil)
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	require.Equal(t, StateConnected, s.State())

	conn := d.conn(0)
	ids := conn.framesOfType(wire.FrameIdentify)
	require.Len(t, ids, 1)
	assert.Equal(t, "alice", ids[0].Principal)
	assert.Empty(t, conn.framesOfType(wire.FrameReplay), "no replay before anything was delivered")
}

func TestSupervisor_ManualDisconnectIsTerminal(t *testing.T) {
	d := &fakeDialer{}
	s := New(testClientConfig(), d, nil, nil, nil)

	require.NoError(t, s.Connect(context.Background()))
	s.Disconnect()

	assert.Equal(t, StateDisconnected, s.State())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount(), "manual disconnect must not trigger reconnection")
}

func TestSupervisor_ReconnectsWithReplayAfterDrop(t *testing.T) {
	d := &fakeDialer{}
	var events []Event
	var mu sync.Mutex
	onEvent := func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
	s := New(testClientConfig(), d, onEvent, nil, nil)
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	first := d.conn(0)

	// A delivered envelope establishes the last known-good timestamp and
	// must be acked.
	first.inbound <- wire.Frame{
		Type:        wire.FrameEnvelope,
		EnvelopeID:  "env-1",
		Event:       "notify",
		Payload:     json.RawMessage(`{"n":1}`),
		RequiresAck: true,
		SentAt:      time.Now().UTC(),
	}
	require.Eventually(t, func() bool {
		return len(first.framesOfType(wire.FrameAck)) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Len(t, events, 1)
	assert.Equal(t, "env-1", events[0].ID)
	mu.Unlock()

	first.drop()

	require.Eventually(t, func() bool {
		return d.dialCount() == 2 && s.State() == StateConnected
	}, time.Second, 5*time.Millisecond, "supervisor should reconnect after an unintended drop")

	second := d.conn(1)
	require.Len(t, second.framesOfType(wire.FrameIdentify), 1)
	replays := second.framesOfType(wire.FrameReplay)
	require.Len(t, replays, 1, "reconnect should request replay since the last delivery")
	assert.False(t, replays[0].Since.IsZero())
}

func TestSupervisor_FailsAfterExhaustingAttempts(t *testing.T) {
	d := &fakeDialer{}
	d.setFailing(100)

	var failed error
	var mu sync.Mutex
	onFail := func(err error) {
		mu.Lock()
		failed = err
		mu.Unlock()
	}

	cfg := testClientConfig()
	cfg.ReconnectSteps = []time.Duration{5 * time.Millisecond}
	cfg.MaxReconnectAttempts = 2
	s := New(cfg, d, nil, onFail, nil)

	require.NoError(t, s.Connect(context.Background()))

	require.Eventually(t, func() bool { return s.State() == StateFailed },
		time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.ErrorIs(t, failed, ErrReconnectExhausted)
	mu.Unlock()

	// Failed is sticky: no further attempts without an explicit trigger.
	attempts := d.dialCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, attempts, d.dialCount())
}

func TestSupervisor_TriggerReconnectLeavesFailedState(t *testing.T) {
	d := &fakeDialer{}
	d.setFailing(100)

	cfg := testClientConfig()
	cfg.ReconnectSteps = []time.Duration{5 * time.Millisecond}
	cfg.MaxReconnectAttempts = 1
	s := New(cfg, d, nil, nil, nil)
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool { return s.State() == StateFailed },
		time.Second, 5*time.Millisecond)

	d.setFailing(0)
	s.TriggerReconnect()

	require.Eventually(t, func() bool { return s.State() == StateConnected },
		time.Second, 5*time.Millisecond)
}

func TestSupervisor_ProbeTimeoutForcesReconnect(t *testing.T) {
	d := &fakeDialer{}
	cfg := testClientConfig()
	cfg.ProbeInterval = 15 * time.Millisecond
	cfg.ProbeTimeout = 20 * time.Millisecond
	s := New(cfg, d, nil, nil, nil)
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	first := d.conn(0)

	// The peer never answers probes, so the supervisor must force-close
	// and reconnect.
	require.Eventually(t, func() bool { return d.dialCount() >= 2 },
		time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, first.framesOfType(wire.FramePing))
}

func TestSupervisor_PongKeepsConnectionAlive(t *testing.T) {
	d := &fakeDialer{autoPong: true}
	cfg := testClientConfig()
	cfg.ProbeInterval = 10 * time.Millisecond
	cfg.ProbeTimeout = 30 * time.Millisecond
	s := New(cfg, d, nil, nil, nil)
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, 1, d.dialCount(), "answered probes must not trigger reconnection")
}

func TestSupervisor_AnswersServerPing(t *testing.T) {
	d := &fakeDialer{}
	s := New(testClientConfig(), d, nil, nil, nil)
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	conn := d.conn(0)

	sentAt := time.Now().UTC()
	conn.inbound <- wire.Ping(sentAt)

	require.Eventually(t, func() bool {
		return len(conn.framesOfType(wire.FramePong)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, conn.framesOfType(wire.FramePong)[0].SentAt.Equal(sentAt))
}

func TestSupervisor_Send(t *testing.T) {
	d := &fakeDialer{}
	s := New(testClientConfig(), d, nil, nil, nil)

	err := s.Send(context.Background(), "notify", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	require.NoError(t, s.Send(context.Background(), "notify", json.RawMessage(`{"n":1}`)))
	frames := d.conn(0).framesOfType(wire.FrameEnvelope)
	require.Len(t, frames, 1)
	assert.Equal(t, "notify", frames[0].Event)
}

func TestSupervisor_ConnectTwice(t *testing.T) {
	d := &fakeDialer{}
	s := New(testClientConfig(), d, nil, nil, nil)
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	assert.ErrorIs(t, s.Connect(context.Background()), ErrAlreadyStarted)
}
