// Package transport owns the single realtime connection of the support
// client: connect with degraded fallback, automatic reconnect, room
// membership and typed event dispatch.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/psds-microservice/support-session/internal/errs"
	"github.com/psds-microservice/support-session/internal/logger"
	"github.com/psds-microservice/support-session/internal/protocol"
)

type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseDegraded     Phase = "degraded"
)

const (
	DefaultReconnectInterval = 3 * time.Second
	defaultDialTimeout       = 10 * time.Second
)

// Conn is one established realtime channel.
type Conn interface {
	Read(ctx context.Context) (protocol.Frame, error)
	Write(ctx context.Context, f protocol.Frame) error
	Close() error
}

// Dialer opens a channel; an empty token requests an anonymous connection.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// ConnectionError is returned when neither the authenticated nor the
// degraded connection could be established.
type ConnectionError struct {
	Err           error
	DegradedTried bool
}

func (e *ConnectionError) Error() string {
	if e.DegradedTried {
		return fmt.Sprintf("realtime connect failed (degraded fallback too): %v", e.Err)
	}
	return fmt.Sprintf("realtime connect failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

type Config struct {
	ReconnectInterval time.Duration
	AllowDegraded     bool
	DialTimeout       time.Duration
}

// Handler receives inbound frames of one event, in receive order.
type Handler func(protocol.Frame)

type handlerEntry struct {
	id int
	h  Handler
}

type phaseEntry struct {
	id int
	h  func(Phase)
}

type Manager struct {
	dialer Dialer
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	phase        Phase
	conn         Conn
	credential   string
	rooms        map[string]struct{}
	handlers     map[string][]handlerEntry
	phaseHooks   []phaseEntry
	nextID       int
	loopCtx      context.Context
	stop         context.CancelFunc
	reconnecting bool
}

func NewManager(dialer Dialer, cfg Config, log *slog.Logger) *Manager {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		dialer:   dialer,
		cfg:      cfg,
		logger:   log.With(slog.String("component", "transport")),
		phase:    PhaseDisconnected,
		rooms:    make(map[string]struct{}),
		handlers: make(map[string][]handlerEntry),
	}
}

func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Connected reports whether outbound events can be sent.
func (m *Manager) Connected() bool {
	return m.Phase() == PhaseConnected
}

// Connect establishes the channel with credential. When that fails and
// degraded mode is allowed it retries anonymously. On total failure a
// background reconnect loop is started and a *ConnectionError returned.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	m.credential = credential
	if m.stop == nil {
		m.loopCtx, m.stop = context.WithCancel(context.Background())
	}
	m.mu.Unlock()
	m.setPhase(PhaseConnecting)

	conn, degraded, err := m.dial(ctx)
	if err != nil {
		m.setPhase(PhaseDisconnected)
		m.startReconnect()
		return &ConnectionError{Err: err, DegradedTried: m.cfg.AllowDegraded && credential != ""}
	}
	m.attach(conn, degraded)
	return nil
}

func (m *Manager) dial(ctx context.Context) (Conn, bool, error) {
	m.mu.Lock()
	credential := m.credential
	m.mu.Unlock()

	conn, err := m.dialOnce(ctx, credential)
	if err == nil {
		return conn, false, nil
	}
	if credential == "" || !m.cfg.AllowDegraded {
		return nil, false, err
	}
	m.logger.Warn("authenticated connect failed, trying degraded", slog.Any("error", err))
	conn, derr := m.dialOnce(ctx, "")
	if derr != nil {
		return nil, false, errors.Join(err, derr)
	}
	return conn, true, nil
}

func (m *Manager) dialOnce(ctx context.Context, token string) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	return m.dialer.Dial(ctx, token)
}

// attach installs conn, re-joins the recorded rooms and starts reading.
func (m *Manager) attach(conn Conn, degraded bool) bool {
	m.mu.Lock()
	if m.stop == nil || m.conn != nil {
		m.mu.Unlock()
		_ = conn.Close()
		return false
	}
	m.conn = conn
	rooms := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		rooms = append(rooms, id)
	}
	loopCtx := m.loopCtx
	m.mu.Unlock()

	for _, id := range rooms {
		if err := m.write(loopCtx, conn, protocol.EventJoinRoom, protocol.RoomPayload{SessionID: id}); err != nil {
			m.logger.Warn("rejoin failed", slog.String("session_id", id), slog.Any("error", err))
		}
	}
	go m.readLoop(loopCtx, conn)

	if degraded {
		m.logger.Warn("connected in degraded mode")
		m.setPhase(PhaseDegraded)
	} else {
		m.logger.Info("connected")
		m.setPhase(PhaseConnected)
	}
	return true
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) {
	for {
		f, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.lost(conn, err)
			return
		}
		m.dispatch(f)
	}
}

func (m *Manager) lost(conn Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.mu.Unlock()
	_ = conn.Close()

	m.logger.Warn("connection lost", slog.Any("error", err))
	m.setPhase(PhaseDisconnected)
	m.startReconnect()
}

// startReconnect runs at most one retry loop with a constant interval until
// a connection is attached or Disconnect is called.
func (m *Manager) startReconnect() {
	m.mu.Lock()
	if m.reconnecting || m.stop == nil {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	ctx := m.loopCtx
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			m.reconnecting = false
			m.mu.Unlock()
		}()
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.ReconnectInterval):
		}
		op := func() (struct{}, error) {
			m.mu.Lock()
			has := m.conn != nil
			m.mu.Unlock()
			if has {
				return struct{}{}, nil
			}
			conn, degraded, err := m.dial(ctx)
			if err != nil {
				return struct{}{}, err
			}
			m.attach(conn, degraded)
			return struct{}{}, nil
		}
		_, err := backoff.Retry(ctx, op,
			backoff.WithBackOff(backoff.NewConstantBackOff(m.cfg.ReconnectInterval)),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				m.logger.Debug("reconnect attempt failed", slog.Any("error", err), slog.Duration("next", next))
			}),
		)
		if err != nil && ctx.Err() == nil {
			m.logger.Error("reconnect stopped", slog.Any("error", err))
		}
	}()
}

// Disconnect closes the channel and stops reconnecting. Room membership and
// subscriptions are kept for a later Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.stop != nil {
		m.stop()
		m.stop = nil
	}
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.setPhase(PhaseDisconnected)
}

// Send emits a fire-and-forget event. It fails synchronously with
// errs.ErrNotConnected when there is no authenticated connection; nothing is
// queued.
func (m *Manager) Send(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	conn, phase := m.conn, m.phase
	m.mu.Unlock()

	switch {
	case conn == nil:
		return errs.ErrNotConnected
	case phase == PhaseDegraded:
		return fmt.Errorf("%w: degraded connection is read-only", errs.ErrNotConnected)
	}
	return m.write(ctx, conn, event, payload)
}

func (m *Manager) write(ctx context.Context, conn Conn, event string, payload any) error {
	f, err := protocol.NewFrame(event, payload)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, f); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

// JoinRoom records the room and joins it now if connected; recorded rooms
// are re-joined after every reconnect.
func (m *Manager) JoinRoom(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	m.rooms[sessionID] = struct{}{}
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	return m.write(ctx, conn, protocol.EventJoinRoom, protocol.RoomPayload{SessionID: sessionID})
}

func (m *Manager) LeaveRoom(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	_, joined := m.rooms[sessionID]
	delete(m.rooms, sessionID)
	conn := m.conn
	m.mu.Unlock()
	if conn == nil || !joined {
		return nil
	}
	return m.write(ctx, conn, protocol.EventLeaveRoom, protocol.RoomPayload{SessionID: sessionID})
}

// Rooms returns the recorded room ids.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	return out
}

// Subscribe registers h for event and returns a func removing exactly this
// registration.
func (m *Manager) Subscribe(event string, h Handler) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: id, h: h})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.handlers[event]
		for i, e := range list {
			if e.id == id {
				m.handlers[event] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(m.handlers[event]) == 0 {
			delete(m.handlers, event)
		}
	}
}

// Unsubscribe removes every handler of event.
func (m *Manager) Unsubscribe(event string) {
	m.mu.Lock()
	delete(m.handlers, event)
	m.mu.Unlock()
}

// OnPhase registers a phase change observer.
func (m *Manager) OnPhase(h func(Phase)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.phaseHooks = append(m.phaseHooks, phaseEntry{id: id, h: h})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, e := range m.phaseHooks {
			if e.id == id {
				m.phaseHooks = append(m.phaseHooks[:i:i], m.phaseHooks[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) dispatch(f protocol.Frame) {
	m.mu.Lock()
	list := append([]handlerEntry(nil), m.handlers[f.Event]...)
	m.mu.Unlock()

	if len(list) == 0 {
		m.logger.Debug("no handler", slog.String("event", f.Event))
		return
	}
	for _, e := range list {
		e.h(f)
	}
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	if m.phase == p {
		m.mu.Unlock()
		return
	}
	m.phase = p
	hooks := append([]phaseEntry(nil), m.phaseHooks...)
	m.mu.Unlock()

	for _, e := range hooks {
		e.h(p)
	}
}
