// Package lifecycle tracks the status of the focused support session and
// keeps it in step with the session store and the peer.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/psds-microservice/support-session/internal/errs"
	"github.com/psds-microservice/support-session/internal/logger"
	"github.com/psds-microservice/support-session/internal/model"
	"github.com/psds-microservice/support-session/internal/protocol"
)

// Store is the part of the session store the lifecycle manager drives.
type Store interface {
	CloseSession(ctx context.Context, sessionID string) (*model.Session, error)
	AutoCloseSession(ctx context.Context, sessionID string, reason model.CloseReason, inactiveMinutes int) (*model.Session, error)
	SubmitFeedback(ctx context.Context, sessionID string, rating int, comment string) error
}

// Peer broadcasts status changes over the realtime channel.
type Peer interface {
	Send(ctx context.Context, event string, payload any) error
}

// Confirmer asks the user to confirm ending the session.
type Confirmer func(ctx context.Context) bool

// State is the locally known lifecycle state of a session.
type State struct {
	SessionID       string
	Status          model.SessionStatus
	Reason          model.CloseReason
	InactiveMinutes int
}

// AutoClosed reports the terminal auto-closed variant of closed.
func (s State) AutoClosed() bool {
	return s.Status == model.SessionStatusClosed && s.Reason == model.CloseReasonUserInactive
}

var transitions = map[model.SessionStatus][]model.SessionStatus{
	model.SessionStatusOpen:       {model.SessionStatusInProgress, model.SessionStatusClosed},
	model.SessionStatusInProgress: {model.SessionStatusClosed},
	model.SessionStatusClosed:     {}, // terminal: a new session must be created instead
}

// CanTransition reports whether a locally initiated status change is allowed.
func CanTransition(from, to model.SessionStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

type Manager struct {
	store  Store
	peer   Peer
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	closing   bool
	listeners map[int]func(State)
	nextID    int
}

func New(session model.Session, store Store, peer Peer, log *slog.Logger) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		store:     store,
		peer:      peer,
		logger:    log.With(slog.String("component", "lifecycle"), slog.String("session_id", session.ID)),
		state:     stateFrom(&session),
		listeners: make(map[int]func(State)),
	}
}

func stateFrom(s *model.Session) State {
	return State{
		SessionID:       s.ID,
		Status:          s.Status,
		Reason:          s.CloseReason,
		InactiveMinutes: s.InactiveMinutes,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CanSend returns errs.ErrSessionClosed once the session is closed.
func (m *Manager) CanSend() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status == model.SessionStatusClosed {
		return errs.ErrSessionClosed
	}
	return nil
}

// OnChange registers h for every state change; the returned func removes it.
func (m *Manager) OnChange(h func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = h
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Close ends the session on explicit user request. Closing a closed session
// is a no-op. The local state changes only after the store confirms.
func (m *Manager) Close(ctx context.Context, confirm Confirmer) error {
	id, proceed, err := m.beginClose(model.SessionStatusClosed)
	if err != nil || !proceed {
		return err
	}
	if confirm != nil && !confirm(ctx) {
		m.endClose()
		return errs.ErrCloseNotConfirmed
	}

	updated, err := m.store.CloseSession(ctx, id)
	if err != nil {
		m.endClose()
		m.logger.Warn("close session failed", slog.Any("error", err))
		return fmt.Errorf("close session %s: %w", id, err)
	}
	st := m.finishClose(updated, model.CloseReasonUserClosed, 0)

	m.broadcast(ctx, protocol.EventStatusChanged, protocol.StatusChangedPayload{
		SessionID: id,
		Status:    st.Status,
		Reason:    st.Reason,
	})
	return nil
}

// AutoClose is issued by the inactivity watchdog only.
func (m *Manager) AutoClose(ctx context.Context, inactiveMinutes int) error {
	id, proceed, err := m.beginClose(model.SessionStatusClosed)
	if err != nil || !proceed {
		return err
	}

	updated, err := m.store.AutoCloseSession(ctx, id, model.CloseReasonUserInactive, inactiveMinutes)
	if err != nil {
		m.endClose()
		m.logger.Warn("auto-close session failed", slog.Any("error", err))
		return fmt.Errorf("auto-close session %s: %w", id, err)
	}
	st := m.finishClose(updated, model.CloseReasonUserInactive, inactiveMinutes)

	m.broadcast(ctx, protocol.EventAutoClosed, protocol.AutoClosedPayload{
		SessionID:       id,
		Reason:          st.Reason,
		InactiveMinutes: st.InactiveMinutes,
	})
	return nil
}

// beginClose reports proceed=false for an already closed session.
func (m *Manager) beginClose(to model.SessionStatus) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status == model.SessionStatusClosed {
		return m.state.SessionID, false, nil
	}
	if m.closing {
		return "", false, errs.ErrCloseInProgress
	}
	if !CanTransition(m.state.Status, to) {
		return "", false, fmt.Errorf("%w: %s -> %s", errs.ErrInvalidTransition, m.state.Status, to)
	}
	m.closing = true
	return m.state.SessionID, true, nil
}

func (m *Manager) endClose() {
	m.mu.Lock()
	m.closing = false
	m.mu.Unlock()
}

// finishClose stores the session returned by the store; fallbacks fill
// fields an older store may leave empty.
func (m *Manager) finishClose(updated *model.Session, reason model.CloseReason, minutes int) State {
	m.mu.Lock()
	m.closing = false
	next := m.state
	if updated != nil {
		next = stateFrom(updated)
		next.SessionID = m.state.SessionID
	}
	if next.Status == "" {
		next.Status = model.SessionStatusClosed
	}
	if next.Reason == model.CloseReasonNone {
		next.Reason = reason
	}
	if next.InactiveMinutes == 0 {
		next.InactiveMinutes = minutes
	}
	m.state = next
	listeners := m.snapshotListeners()
	m.mu.Unlock()

	m.notify(listeners, next)
	return next
}

// ApplyRemote overwrites local state with the store-authoritative status,
// whatever the local state was.
func (m *Manager) ApplyRemote(status model.SessionStatus, reason model.CloseReason, inactiveMinutes int) {
	if !status.Valid() {
		m.logger.Warn("ignoring unknown remote status", slog.String("status", string(status)))
		return
	}
	m.mu.Lock()
	next := State{
		SessionID:       m.state.SessionID,
		Status:          status,
		Reason:          reason,
		InactiveMinutes: inactiveMinutes,
	}
	if next == m.state {
		m.mu.Unlock()
		return
	}
	if m.state.Status == model.SessionStatusClosed && status != model.SessionStatusClosed {
		m.logger.Info("store reopened session", slog.String("status", string(status)))
	}
	m.state = next
	listeners := m.snapshotListeners()
	m.mu.Unlock()

	m.notify(listeners, next)
}

// ApplySession is ApplyRemote for a full session record (fetch or poll).
func (m *Manager) ApplySession(s *model.Session) {
	if s == nil {
		return
	}
	m.ApplyRemote(s.Status, s.CloseReason, s.InactiveMinutes)
}

// SubmitFeedback is the only operation allowed after close.
func (m *Manager) SubmitFeedback(ctx context.Context, rating int, comment string) error {
	if rating < 1 || rating > 5 {
		return errs.ErrInvalidRating
	}
	st := m.State()
	if st.Status != model.SessionStatusClosed {
		return fmt.Errorf("%w: feedback requires a closed session", errs.ErrInvalidTransition)
	}
	if err := m.store.SubmitFeedback(ctx, st.SessionID, rating, comment); err != nil {
		return fmt.Errorf("submit feedback %s: %w", st.SessionID, err)
	}
	return nil
}

func (m *Manager) broadcast(ctx context.Context, event string, payload any) {
	if m.peer == nil {
		return
	}
	if err := m.peer.Send(ctx, event, payload); err != nil {
		// The store already recorded the change; the peer learns it from the hub.
		m.logger.Warn("broadcast status failed", slog.String("event", event), slog.Any("error", err))
	}
}

func (m *Manager) snapshotListeners() []func(State) {
	out := make([]func(State), 0, len(m.listeners))
	for _, h := range m.listeners {
		out = append(out, h)
	}
	return out
}

func (m *Manager) notify(listeners []func(State), st State) {
	for _, h := range listeners {
		h(st)
	}
}
