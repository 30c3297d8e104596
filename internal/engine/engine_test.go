package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/psds-microservice/support-session/internal/attachment"
	"github.com/psds-microservice/support-session/internal/draft"
	"github.com/psds-microservice/support-session/internal/errs"
	"github.com/psds-microservice/support-session/internal/lifecycle"
	"github.com/psds-microservice/support-session/internal/model"
	"github.com/psds-microservice/support-session/internal/protocol"
	"github.com/psds-microservice/support-session/internal/timerset"
	"github.com/psds-microservice/support-session/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sub struct {
	id int
	h  transport.Handler
}

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sent      []string
	joined    []string
	left      []string
	subs      map[string][]sub
	phaseHook []func(transport.Phase)
	nextID    int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true, subs: map[string][]sub{}}
}

func (f *fakeTransport) Connect(context.Context, string) error { return nil }

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Send(_ context.Context, event string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return errs.ErrNotConnected
	}
	f.sent = append(f.sent, event)
	return nil
}

func (f *fakeTransport) JoinRoom(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, id)
	return nil
}

func (f *fakeTransport) LeaveRoom(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, id)
	return nil
}

func (f *fakeTransport) Subscribe(event string, h transport.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.subs[event] = append(f.subs[event], sub{id: id, h: h})
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		list := f.subs[event]
		for i, s := range list {
			if s.id == id {
				f.subs[event] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

func (f *fakeTransport) OnPhase(h func(transport.Phase)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phaseHook = append(f.phaseHook, h)
	return func() {}
}

func (f *fakeTransport) Disconnect() {}

func (f *fakeTransport) emit(t *testing.T, event string, payload any) {
	t.Helper()
	frame, err := protocol.NewFrame(event, payload)
	require.NoError(t, err)
	f.mu.Lock()
	list := append([]sub(nil), f.subs[event]...)
	f.mu.Unlock()
	for _, s := range list {
		s.h(frame)
	}
}

func (f *fakeTransport) setPhase(p transport.Phase) {
	f.mu.Lock()
	f.connected = p == transport.PhaseConnected
	hooks := append([]func(transport.Phase){}, f.phaseHook...)
	f.mu.Unlock()
	for _, h := range hooks {
		h(p)
	}
}

func (f *fakeTransport) sentCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.sent {
		if e == event {
			n++
		}
	}
	return n
}

func (f *fakeTransport) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, l := range f.subs {
		n += len(l)
	}
	return n
}

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*model.SessionDetail
	postErr  error
	posted   []model.PostMessageRequest
	seen     []string
	next     int
}

func newFakeStore(sessions ...model.Session) *fakeStore {
	s := &fakeStore{sessions: map[string]*model.SessionDetail{}}
	for _, sess := range sessions {
		s.sessions[sess.ID] = &model.SessionDetail{Session: sess}
	}
	return s
}

func (s *fakeStore) ListSessions(context.Context) ([]model.SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SessionSummary
	for _, d := range s.sessions {
		out = append(out, model.SessionSummary{Session: d.Session, MessageCount: int64(len(d.Messages))})
	}
	return out, nil
}

func (s *fakeStore) CreateSession(_ context.Context, in model.CreateSessionRequest) (*model.SessionDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &model.SessionDetail{
		Session:  model.Session{ID: "new", Subject: in.Subject, Status: model.SessionStatusOpen, Category: in.Category, Priority: in.Priority},
		Messages: []model.Message{{ID: "m-first", SessionID: "new", Sender: model.SenderUser, Body: in.Body, Kind: model.KindText}},
	}
	s.sessions["new"] = d
	cp := *d
	return &cp, nil
}

func (s *fakeStore) GetSession(_ context.Context, id string) (*model.SessionDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.sessions[id]
	if !ok {
		return nil, errs.ErrSessionNotFound
	}
	cp := model.SessionDetail{Session: d.Session, Messages: append([]model.Message(nil), d.Messages...)}
	return &cp, nil
}

func (s *fakeStore) PostMessage(_ context.Context, id string, in model.PostMessageRequest) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posted = append(s.posted, in)
	if s.postErr != nil {
		return nil, s.postErr
	}
	s.next++
	msg := model.Message{
		ID: "srv-" + string(rune('0'+s.next)), SessionID: id, ClientID: in.ClientID,
		Sender: model.SenderUser, Body: in.Body, Kind: in.Kind, Attachments: in.Attachments,
		CreatedAt: time.Now().UTC(),
	}
	s.sessions[id].Messages = append(s.sessions[id].Messages, msg)
	return &msg, nil
}

func (s *fakeStore) MarkSeen(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, id)
	return 0, nil
}

func (s *fakeStore) CloseSession(_ context.Context, id string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id].Session.Status = model.SessionStatusClosed
	s.sessions[id].Session.CloseReason = model.CloseReasonUserClosed
	cp := s.sessions[id].Session
	return &cp, nil
}

func (s *fakeStore) AutoCloseSession(_ context.Context, id string, reason model.CloseReason, minutes int) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := &s.sessions[id].Session
	sess.Status, sess.CloseReason, sess.InactiveMinutes = model.SessionStatusClosed, reason, minutes
	cp := *sess
	return &cp, nil
}

func (s *fakeStore) SubmitFeedback(context.Context, string, int, string) error { return nil }

func (s *fakeStore) Upload(_ context.Context, name, _ string, _ []byte) (attachment.UploadResult, error) {
	return attachment.UploadResult{Success: true, URL: "https://files/" + name}, nil
}

func (s *fakeStore) addMessage(id string, m model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id].Messages = append(s.sessions[id].Messages, m)
}

type fixture struct {
	clock  *clockwork.FakeClock
	tr     *fakeTransport
	store  *fakeStore
	drafts *draft.Store
	eng    *Engine

	mu      sync.Mutex
	notices []error
	status  []lifecycle.State
}

func newFixture(t *testing.T, sessions ...model.Session) *fixture {
	t.Helper()
	return newFixtureWith(t, Config{Token: "tok"}, sessions...)
}

func newFixtureWith(t *testing.T, cfg Config, sessions ...model.Session) *fixture {
	t.Helper()
	f := &fixture{
		clock: clockwork.NewFakeClock(),
		tr:    newFakeTransport(),
		store: newFakeStore(sessions...),
	}
	d, err := draft.Open(filepath.Join(t.TempDir(), "drafts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	f.drafts = d

	hooks := Hooks{
		OnNotice: func(err error) {
			f.mu.Lock()
			f.notices = append(f.notices, err)
			f.mu.Unlock()
		},
		OnStatus: func(st lifecycle.State) {
			f.mu.Lock()
			f.status = append(f.status, st)
			f.mu.Unlock()
		},
	}
	f.eng = New(cfg, f.store, f.tr, hooks, WithClock(f.clock), WithDrafts(d))
	t.Cleanup(f.eng.Close)
	return f
}

func openSession(id string) model.Session {
	return model.Session{ID: id, Subject: "Where is my order", Status: model.SessionStatusOpen}
}

func TestFocusWiresScope(t *testing.T) {
	f := newFixture(t, openSession("s1"))
	f.store.addMessage("s1", model.Message{ID: "m1", Sender: model.SenderAgent, Body: "Hi", CreatedAt: time.Now()})

	require.NoError(t, f.eng.Focus(context.Background(), "s1"))

	assert.Equal(t, "s1", f.eng.FocusedID())
	assert.Len(t, f.eng.Messages(), 1)
	assert.Equal(t, []string{"s1"}, f.tr.joined)
	assert.Equal(t, []string{"s1"}, f.store.seen)
	assert.Equal(t, 6, f.tr.subCount())

	sc := f.eng.current()
	assert.True(t, sc.timers.Active(timerset.Warning))
	assert.True(t, sc.timers.Active(timerset.AutoClose))
	assert.True(t, sc.timers.Active(timerset.Poll))
}

func TestFocusClosedSessionHasNoWatchdog(t *testing.T) {
	closed := openSession("s1")
	closed.Status = model.SessionStatusClosed
	f := newFixture(t, closed)

	require.NoError(t, f.eng.Focus(context.Background(), "s1"))

	assert.Equal(t, 0, f.eng.current().timers.Len())
	_, err := f.eng.Send(context.Background(), "hello?", nil)
	assert.ErrorIs(t, err, errs.ErrSessionClosed)
	assert.Empty(t, f.store.posted)
}

func TestSendThenBroadcastEchoAppearsOnce(t *testing.T) {
	f := newFixture(t, openSession("s1"))
	ctx := context.Background()
	require.NoError(t, f.eng.Focus(ctx, "s1"))

	msg, err := f.eng.Send(ctx, "  my parcel is late ", nil)
	require.NoError(t, err)
	assert.Equal(t, "my parcel is late", msg.Body)
	require.Len(t, f.store.posted, 1)
	assert.NotEmpty(t, f.store.posted[0].ClientID)
	assert.Equal(t, model.KindText, f.store.posted[0].Kind)

	f.tr.emit(t, protocol.EventNewMessage, protocol.NewMessagePayload{SessionID: "s1", Message: msg})

	msgs := f.eng.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)
	assert.Equal(t, model.DeliveryConfirmed, msgs[0].State)
}

func TestSendFailureKeepsFailedMessageAndDraft(t *testing.T) {
	f := newFixture(t, openSession("s1"))
	ctx := context.Background()
	require.NoError(t, f.eng.Focus(ctx, "s1"))
	f.store.postErr = errors.New("store unavailable")

	_, err := f.eng.Send(ctx, "refund please", nil)
	require.Error(t, err)

	msgs := f.eng.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.DeliveryFailed, msgs[0].State)
	assert.Equal(t, "refund please", f.eng.Draft())

	assert.True(t, f.eng.Discard(msgs[0].ClientID))
	assert.Empty(t, f.eng.Messages())
}

func TestSendWhileDisconnectedIsRejected(t *testing.T) {
	f := newFixture(t, openSession("s1"))
	ctx := context.Background()
	require.NoError(t, f.eng.Focus(ctx, "s1"))
	f.tr.setPhase(transport.PhaseDisconnected)

	_, err := f.eng.Send(ctx, "anyone there?", nil)

	assert.ErrorIs(t, err, errs.ErrNotConnected)
	assert.Empty(t, f.store.posted)
	assert.Empty(t, f.eng.Messages())
	assert.Equal(t, "anyone there?", f.eng.Draft())
}

func TestSendWithAttachmentDerivesKind(t *testing.T) {
	f := newFixture(t, openSession("s1"))
	ctx := context.Background()
	require.NoError(t, f.eng.Focus(ctx, "s1"))

	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)
	_, err := f.eng.Send(ctx, "", []attachment.File{{Name: "damage.png", Data: png}})
	require.NoError(t, err)

	require.Len(t, f.store.posted, 1)
	assert.Equal(t, model.KindImage, f.store.posted[0].Kind)
	require.Len(t, f.store.posted[0].Attachments, 1)
	assert.Equal(t, "https://files/damage.png", f.store.posted[0].Attachments[0].URL)
}

func TestEmptySendRejected(t *testing.T) {
	f := newFixture(t, openSession("s1"))
	require.NoError(t, f.eng.Focus(context.Background(), "s1"))

	_, err := f.eng.Send(context.Background(), "   ", nil)
	assert.ErrorIs(t, err, errs.ErrEmptyMessage)
}

func TestRemoteStatusIsAuthoritative(t *testing.T) {
	f := newFixture(t, openSession("s1"))
	ctx := context.Background()
	require.NoError(t, f.eng.Focus(ctx, "s1"))

	f.tr.emit(t, protocol.EventStatusChanged, protocol.StatusChangedPayload{SessionID: "s1", Status: model.SessionStatusInProgress})
	st, _ := f.eng.State()
	assert.Equal(t, model.SessionStatusInProgress, st.Status)

	f.tr.emit(t, protocol.EventAutoClosed, protocol.AutoClosedPayload{SessionID: "s1", Reason: model.CloseReasonUserInactive, InactiveMinutes: 10})
	st, _ = f.eng.State()
	assert.True(t, st.AutoClosed())
	assert.Equal(t, 10, st.InactiveMinutes)

	sc := f.eng.current()
	assert.False(t, sc.dog.Running())
	assert.Equal(t, 0, sc.timers.Len())
	_, err := f.eng.Send(ctx, "still there?", nil)
	assert.ErrorIs(t, err, errs.ErrSessionClosed)
}

func TestEventsForOtherSessionsIgnored(t *testing.T) {
	f := newFixture(t, openSession("s1"))
	require.NoError(t, f.eng.Focus(context.Background(), "s1"))

	f.tr.emit(t, protocol.EventNewMessage, protocol.NewMessagePayload{SessionID: "s2", Message: model.Message{ID: "x", Body: "not yours"}})
	f.tr.emit(t, protocol.EventUserTyping, protocol.TypingPayload{SessionID: "s2", Who: "Maria"})
	f.tr.emit(t, protocol.EventStatusChanged, protocol.StatusChangedPayload{SessionID: "s2", Status: model.SessionStatusClosed})

	assert.Empty(t, f.eng.Messages())
	assert.Empty(t, f.eng.Typists())
	st, _ := f.eng.State()
	assert.Equal(t, model.SessionStatusOpen, st.Status)
}

func TestFocusChangeTearsDownPreviousScope(t *testing.T) {
	f := newFixture(t, openSession("s1"), openSession("s2"))
	ctx := context.Background()
	require.NoError(t, f.eng.Focus(ctx, "s1"))
	first := f.eng.current()
	f.tr.emit(t, protocol.EventUserTyping, protocol.TypingPayload{SessionID: "s1", Who: "Maria"})
	require.Equal(t, []string{"Maria"}, f.eng.Typists())

	require.NoError(t, f.eng.Focus(ctx, "s2"))

	assert.Equal(t, []string{"s1"}, f.tr.left)
	assert.Equal(t, []string{"s1", "s2"}, f.tr.joined)
	assert.Equal(t, 6, f.tr.subCount())
	assert.True(t, first.timers.Stopped())
	assert.Empty(t, first.typing.Typists())
	assert.Empty(t, f.eng.Typists())

	f.tr.emit(t, protocol.EventNewMessage, protocol.NewMessagePayload{SessionID: "s1", Message: model.Message{ID: "late", Body: "late"}})
	assert.Empty(t, f.eng.Messages())
}

func TestReconnectResyncsMissedMessages(t *testing.T) {
	f := newFixture(t, openSession("s1"))
	require.NoError(t, f.eng.Start(context.Background()))
	require.NoError(t, f.eng.Focus(context.Background(), "s1"))

	f.tr.setPhase(transport.PhaseDisconnected)
	f.store.addMessage("s1", model.Message{ID: "m-missed", SessionID: "s1", Sender: model.SenderAgent, Body: "Sorry for the wait", CreatedAt: time.Now()})
	f.tr.setPhase(transport.PhaseConnected)

	require.Eventually(t, func() bool { return len(f.eng.Messages()) == 1 }, time.Second, time.Millisecond)
}

func TestPeriodicPollReconciles(t *testing.T) {
	f := newFixture(t, openSession("s1"))
	require.NoError(t, f.eng.Focus(context.Background(), "s1"))
	f.store.addMessage("s1", model.Message{ID: "m-agent", SessionID: "s1", Sender: model.SenderAgent, Body: "On it", CreatedAt: time.Now()})

	f.clock.Advance(DefaultPollInterval)

	require.Eventually(t, func() bool { return len(f.eng.Messages()) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return f.eng.current().timers.Active(timerset.Poll) }, time.Second, time.Millisecond)
}

func TestEndSessionAndFeedback(t *testing.T) {
	f := newFixture(t, openSession("s1"))
	ctx := context.Background()
	require.NoError(t, f.eng.Focus(ctx, "s1"))

	assert.ErrorIs(t, f.eng.EndSession(ctx, func(context.Context) bool { return false }), errs.ErrCloseNotConfirmed)
	require.NoError(t, f.eng.EndSession(ctx, func(context.Context) bool { return true }))

	st, _ := f.eng.State()
	assert.Equal(t, model.SessionStatusClosed, st.Status)
	assert.Contains(t, f.tr.sent, protocol.EventStatusChanged)
	assert.NoError(t, f.eng.SubmitFeedback(ctx, 5, "quick help"))
	assert.ErrorIs(t, f.eng.SubmitFeedback(ctx, 9, ""), errs.ErrInvalidRating)
}

func TestInactivityAutoClosesFocusedSession(t *testing.T) {
	f := newFixtureWith(t, Config{Token: "tok", PollInterval: time.Hour}, openSession("s1"))
	ctx := context.Background()
	require.NoError(t, f.eng.Focus(ctx, "s1"))

	f.clock.Advance(8 * time.Minute)
	require.Eventually(t, func() bool {
		left, ok := f.eng.Countdown()
		return ok && left == 120
	}, time.Second, time.Millisecond)

	f.clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		st, _ := f.eng.State()
		return st.Status == model.SessionStatusClosed
	}, time.Second, time.Millisecond)

	st, _ := f.eng.State()
	assert.True(t, st.AutoClosed())
	assert.Equal(t, model.CloseReasonUserInactive, st.Reason)
	assert.Equal(t, 10, st.InactiveMinutes)

	sc := f.eng.current()
	require.Eventually(t, func() bool { return sc.timers.Len() == 0 }, time.Second, time.Millisecond)
	assert.False(t, sc.dog.Running())
	assert.Equal(t, 1, f.tr.sentCount(protocol.EventAutoClosed))
	assert.Zero(t, f.tr.sentCount(protocol.EventStatusChanged))

	f.mu.Lock()
	last := f.status[len(f.status)-1]
	f.mu.Unlock()
	assert.True(t, last.AutoClosed())

	_, err := f.eng.Send(ctx, "still there?", nil)
	assert.ErrorIs(t, err, errs.ErrSessionClosed)
	require.NoError(t, f.eng.EndSession(ctx, func(context.Context) bool { return true }))
	assert.Equal(t, 1, f.tr.sentCount(protocol.EventAutoClosed))
	assert.Zero(t, f.tr.sentCount(protocol.EventStatusChanged))
}

func TestCreateSessionFocusesIt(t *testing.T) {
	f := newFixture(t)

	s, err := f.eng.CreateSession(context.Background(), model.CreateSessionRequest{Subject: "Broken zipper", Body: "Zipper broke on day one"})
	require.NoError(t, err)

	assert.Equal(t, "new", s.ID)
	assert.Equal(t, model.CategoryGeneral, s.Category)
	assert.Equal(t, "new", f.eng.FocusedID())
	assert.Len(t, f.eng.Messages(), 1)
}

func TestInputEmitsTyping(t *testing.T) {
	f := newFixture(t, openSession("s1"))
	ctx := context.Background()
	require.NoError(t, f.eng.Focus(ctx, "s1"))

	f.eng.Input(ctx)
	f.eng.Input(ctx)

	assert.Equal(t, []string{protocol.EventTypingStart}, f.tr.sent)
}

func TestNoFocus(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.Send(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, errs.ErrNoFocusedSession)
	assert.ErrorIs(t, f.eng.Resync(context.Background()), errs.ErrNoFocusedSession)
	f.eng.Activity("key")
}
