package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/relaycore/pkg/wire"
)

type recordingSink struct {
	mu         sync.Mutex
	identified map[string]string
	acks       []string
	pongs      int
	replays    []time.Time
	closed     []string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{identified: make(map[string]string)}
}

func (s *recordingSink) ConnectionClosed(ctx context.Context, connectionID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, connectionID)
}

func (s *recordingSink) Identify(ctx context.Context, connectionID, principalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identified[connectionID] = principalID
	return nil
}

func (s *recordingSink) Ack(ctx context.Context, connectionID, envelopeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, envelopeID)
}

func (s *recordingSink) Pong(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pongs++
}

func (s *recordingSink) Replay(ctx context.Context, connectionID string, since time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replays = append(s.replays, since)
}

type sinkState struct {
	identified map[string]string
	acks       []string
	pongs      int
	replays    []time.Time
	closed     []string
}

func (s *recordingSink) snapshot() sinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	identified := make(map[string]string, len(s.identified))
	for k, v := range s.identified {
		identified[k] = v
	}
	return sinkState{
		identified: identified,
		acks:       append([]string(nil), s.acks...),
		pongs:      s.pongs,
		replays:    append([]time.Time(nil), s.replays...),
		closed:     append([]string(nil), s.closed...),
	}
}

// startTestServer upgrades one connection and pumps it into the sink.
func startTestServer(t *testing.T, sink EventSink) (*httptest.Server, <-chan *Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	conns := make(chan *Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conn := NewConn(wsConn)
		conns <- conn
		go Pump(context.Background(), sink, conn, nil)
	}))
	t.Cleanup(srv.Close)
	return srv, conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestPump_DispatchesProtocolFrames(t *testing.T) {
	sink := newRecordingSink()
	srv, conns := startTestServer(t, sink)

	d := NewDialer(time.Second, nil)
	cc, err := d.Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer cc.Close()

	serverConn := <-conns
	ctx := context.Background()

	since := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, cc.WriteFrame(ctx, wire.Frame{Type: wire.FrameIdentify, Principal: "alice"}))
	require.NoError(t, cc.WriteFrame(ctx, wire.Ack("env-1")))
	require.NoError(t, cc.WriteFrame(ctx, wire.Pong(time.Now().UTC())))
	require.NoError(t, cc.WriteFrame(ctx, wire.Frame{Type: wire.FrameReplay, Since: since}))

	require.Eventually(t, func() bool {
		got := sink.snapshot()
		return len(got.acks) == 1 && got.pongs == 1 && len(got.replays) == 1 &&
			got.identified[serverConn.ID()] == "alice"
	}, time.Second, 10*time.Millisecond)

	got := sink.snapshot()
	assert.Equal(t, "env-1", got.acks[0])
	assert.True(t, got.replays[0].Equal(since))
}

func TestPump_ReportsClose(t *testing.T) {
	sink := newRecordingSink()
	srv, conns := startTestServer(t, sink)

	d := NewDialer(time.Second, nil)
	cc, err := d.Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	serverConn := <-conns

	require.NoError(t, cc.Close())

	require.Eventually(t, func() bool {
		got := sink.snapshot()
		return len(got.closed) == 1 && got.closed[0] == serverConn.ID()
	}, time.Second, 10*time.Millisecond)
}

func TestConn_RoundTripEnvelope(t *testing.T) {
	sink := newRecordingSink()
	srv, conns := startTestServer(t, sink)

	d := NewDialer(time.Second, nil)
	cc, err := d.Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer cc.Close()

	serverConn := <-conns
	ctx := context.Background()

	out := wire.Frame{
		Type:        wire.FrameEnvelope,
		EnvelopeID:  "env-7",
		Event:       "order.shipped",
		RequiresAck: true,
		SentAt:      time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, serverConn.WriteFrame(ctx, out))

	in, err := cc.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.FrameEnvelope, in.Type)
	assert.Equal(t, "env-7", in.EnvelopeID)
	assert.Equal(t, "order.shipped", in.Event)
	assert.True(t, in.RequiresAck)
}

func TestPump_MalformedFrameIgnored(t *testing.T) {
	sink := newRecordingSink()
	srv, conns := startTestServer(t, sink)

	wsConn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer wsConn.Close()
	<-conns

	require.NoError(t, wsConn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, wsConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ack","envelopeId":"env-2"}`)))

	require.Eventually(t, func() bool {
		return len(sink.snapshot().acks) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, sink.snapshot().closed, "malformed frames are dropped, not fatal")
}
