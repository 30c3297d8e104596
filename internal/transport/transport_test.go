package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/psds-microservice/support-session/internal/errs"
	"github.com/psds-microservice/support-session/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = time.Second
	poll    = time.Millisecond
)

type fakeConn struct {
	in     chan protocol.Frame
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	frames []protocol.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan protocol.Frame, 16), done: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) (protocol.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.done:
		return protocol.Frame{}, io.EOF
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, f protocol.Frame) error {
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.frames))
	for i, f := range c.frames {
		out[i] = f.Event
	}
	return out
}

type fakeDialer struct {
	mu     sync.Mutex
	reject map[string]bool
	conns  []*fakeConn
	tokens []string
}

func (d *fakeDialer) Dial(_ context.Context, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	if d.reject[token] {
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setReject(token string, v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reject == nil {
		d.reject = map[string]bool{}
	}
	d.reject[token] = v
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func newTestManager(d Dialer, degraded bool) *Manager {
	return NewManager(d, Config{ReconnectInterval: 10 * time.Millisecond, AllowDegraded: degraded}, nil)
}

func TestConnectAndSend(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, false)
	t.Cleanup(m.Disconnect)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, "tok"))
	assert.Equal(t, PhaseConnected, m.Phase())
	assert.Equal(t, []string{"tok"}, d.tokens)

	require.NoError(t, m.JoinRoom(ctx, "s1"))
	require.NoError(t, m.Send(ctx, protocol.EventTypingStart, protocol.TypingPayload{SessionID: "s1"}))
	assert.Equal(t, []string{protocol.EventJoinRoom, protocol.EventTypingStart}, d.last().events())
}

func TestSendWhileDisconnectedFailsSynchronously(t *testing.T) {
	m := newTestManager(&fakeDialer{}, false)

	err := m.Send(context.Background(), protocol.EventSendMessage, protocol.SendMessagePayload{SessionID: "s1", Body: "hi"})
	assert.ErrorIs(t, err, errs.ErrNotConnected)
}

func TestDegradedFallback(t *testing.T) {
	d := &fakeDialer{}
	d.setReject("bad", true)
	m := newTestManager(d, true)
	t.Cleanup(m.Disconnect)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, "bad"))
	assert.Equal(t, PhaseDegraded, m.Phase())
	assert.Equal(t, []string{"bad", ""}, d.tokens)

	assert.ErrorIs(t, m.Send(ctx, protocol.EventTypingStart, nil), errs.ErrNotConnected)
	require.NoError(t, m.JoinRoom(ctx, "s1"))
	assert.Equal(t, []string{protocol.EventJoinRoom}, d.last().events())
}

func TestConnectFailureReturnsErrorAndRetries(t *testing.T) {
	d := &fakeDialer{}
	d.setReject("tok", true)
	m := newTestManager(d, false)
	t.Cleanup(m.Disconnect)
	ctx := context.Background()

	require.NoError(t, m.JoinRoom(ctx, "s1"))
	err := m.Connect(ctx, "tok")

	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.False(t, cerr.DegradedTried)
	assert.Equal(t, PhaseDisconnected, m.Phase())

	d.setReject("tok", false)
	require.Eventually(t, m.Connected, waitFor, poll)
	assert.Equal(t, []string{protocol.EventJoinRoom}, d.last().events())
}

func TestReconnectRejoinsFocusedRoom(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, false)
	t.Cleanup(m.Disconnect)
	ctx := context.Background()

	var mu sync.Mutex
	var phases []Phase
	m.OnPhase(func(p Phase) {
		mu.Lock()
		phases = append(phases, p)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(ctx, "tok"))
	require.NoError(t, m.JoinRoom(ctx, "s1"))
	require.NoError(t, m.JoinRoom(ctx, "s2"))
	require.NoError(t, m.LeaveRoom(ctx, "s2"))
	first := d.last()

	first.Close()
	require.Eventually(t, func() bool { return d.connCount() == 2 && m.Connected() }, waitFor, poll)

	assert.Equal(t, []string{protocol.EventJoinRoom}, d.last().events())
	assert.Equal(t, []string{"s1"}, m.Rooms())
	mu.Lock()
	assert.Equal(t, []Phase{PhaseConnecting, PhaseConnected, PhaseDisconnected, PhaseConnected}, phases)
	mu.Unlock()
}

func TestDispatchOrderAndUnsubscribe(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, false)
	t.Cleanup(m.Disconnect)
	require.NoError(t, m.Connect(context.Background(), "tok"))

	var mu sync.Mutex
	var got []string
	record := func(tag string) Handler {
		return func(f protocol.Frame) {
			var p protocol.TypingPayload
			_ = f.Decode(&p)
			mu.Lock()
			got = append(got, tag+":"+p.Who)
			mu.Unlock()
		}
	}
	cancelA := m.Subscribe(protocol.EventUserTyping, record("a"))
	m.Subscribe(protocol.EventUserTyping, record("b"))
	m.Subscribe(protocol.EventUserStoppedTyping, record("stop"))

	conn := d.last()
	for _, who := range []string{"x", "y"} {
		f, err := protocol.NewFrame(protocol.EventUserTyping, protocol.TypingPayload{SessionID: "s1", Who: who})
		require.NoError(t, err)
		conn.in <- f
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, waitFor, poll)
	mu.Lock()
	assert.Equal(t, []string{"a:x", "b:x", "a:y", "b:y"}, got)
	got = nil
	mu.Unlock()

	cancelA()
	m.Unsubscribe(protocol.EventUserStoppedTyping)
	stop, _ := protocol.NewFrame(protocol.EventUserStoppedTyping, protocol.TypingPayload{SessionID: "s1", Who: "x"})
	again, _ := protocol.NewFrame(protocol.EventUserTyping, protocol.TypingPayload{SessionID: "s1", Who: "z"})
	conn.in <- stop
	conn.in <- again
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, waitFor, poll)
	mu.Lock()
	assert.Equal(t, []string{"b:z"}, got)
	mu.Unlock()
}

func TestDisconnectStopsReconnect(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, false)
	require.NoError(t, m.Connect(context.Background(), "tok"))

	m.Disconnect()
	assert.Equal(t, PhaseDisconnected, m.Phase())
	assert.ErrorIs(t, m.Send(context.Background(), protocol.EventTypingStop, nil), errs.ErrNotConnected)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.connCount())
}
