// Package engine runs the focused support session: it wires the transport,
// message list, lifecycle, typing and inactivity components into one scope
// per session and tears the scope down on focus change or close.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/psds-microservice/support-session/internal/attachment"
	"github.com/psds-microservice/support-session/internal/draft"
	"github.com/psds-microservice/support-session/internal/errs"
	"github.com/psds-microservice/support-session/internal/lifecycle"
	"github.com/psds-microservice/support-session/internal/logger"
	"github.com/psds-microservice/support-session/internal/model"
	"github.com/psds-microservice/support-session/internal/timerset"
	"github.com/psds-microservice/support-session/internal/transport"
	"github.com/psds-microservice/support-session/internal/watchdog"
)

const (
	DefaultPollInterval = 30 * time.Second
	requestTimeout      = 10 * time.Second
)

// Store is the session store as seen by the engine (storeclient.Client).
type Store interface {
	lifecycle.Store
	attachment.Uploader
	ListSessions(ctx context.Context) ([]model.SessionSummary, error)
	CreateSession(ctx context.Context, in model.CreateSessionRequest) (*model.SessionDetail, error)
	GetSession(ctx context.Context, id string) (*model.SessionDetail, error)
	PostMessage(ctx context.Context, id string, in model.PostMessageRequest) (*model.Message, error)
	MarkSeen(ctx context.Context, id string) (int64, error)
}

// Transport is the realtime adapter (transport.Manager).
type Transport interface {
	Connect(ctx context.Context, credential string) error
	Connected() bool
	Send(ctx context.Context, event string, payload any) error
	JoinRoom(ctx context.Context, sessionID string) error
	LeaveRoom(ctx context.Context, sessionID string) error
	Subscribe(event string, h transport.Handler) func()
	OnPhase(h func(transport.Phase)) func()
	Disconnect()
}

// Hooks surface engine state to the UI. Nil hooks are skipped; they may be
// called from timer and transport goroutines.
type Hooks struct {
	OnMessages       func(sessionID string, msgs []model.Message)
	OnStatus         func(st lifecycle.State)
	OnTyping         func(sessionID string, names []string)
	OnWarning        func(secondsLeft int)
	OnCountdown      func(secondsLeft int)
	OnWarningCleared func()
	OnAutoClosed     func(inactiveMinutes int)
	OnPhase          func(p transport.Phase)
	OnNotice         func(err error)
}

type Config struct {
	Token        string
	TypingIdle   time.Duration
	Watchdog     watchdog.Config
	PollInterval time.Duration
}

type Option func(*Engine)

func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithDrafts(d *draft.Store) Option {
	return func(e *Engine) { e.drafts = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

type Engine struct {
	cfg       Config
	store     Store
	transport Transport
	uploads   *attachment.Pipeline
	drafts    *draft.Store
	clock     clockwork.Clock
	hooks     Hooks
	logger    *slog.Logger

	mu          sync.Mutex
	scope       *scope
	phase       transport.Phase
	phaseCancel func()
}

func New(cfg Config, store Store, tr Transport, hooks Hooks, opts ...Option) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	e := &Engine{
		cfg:       cfg,
		store:     store,
		transport: tr,
		clock:     clockwork.NewRealClock(),
		hooks:     hooks,
		logger:    logger.Discard(),
		phase:     transport.PhaseDisconnected,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "engine"))
	e.uploads = attachment.NewPipeline(store, e.logger)
	return e
}

// Start subscribes to phase changes and connects. A connection failure is
// reported but not fatal: the transport keeps retrying in the background.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.phaseCancel == nil {
		e.phaseCancel = e.transport.OnPhase(e.onPhase)
	}
	e.mu.Unlock()

	if err := e.transport.Connect(ctx, e.cfg.Token); err != nil {
		e.notice(err)
		return err
	}
	return nil
}

func (e *Engine) onPhase(p transport.Phase) {
	e.mu.Lock()
	prev := e.phase
	e.phase = p
	e.mu.Unlock()

	if e.hooks.OnPhase != nil {
		e.hooks.OnPhase(p)
	}
	// Events may have been missed while the channel was down.
	if prev == transport.PhaseDisconnected && (p == transport.PhaseConnected || p == transport.PhaseDegraded) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			if err := e.Resync(ctx); err != nil && !errors.Is(err, errs.ErrNoFocusedSession) {
				e.notice(fmt.Errorf("resync after reconnect: %w", err))
			}
		}()
	}
}

func (e *Engine) ListSessions(ctx context.Context) ([]model.SessionSummary, error) {
	return e.store.ListSessions(ctx)
}

// CreateSession opens a new session with its first message and focuses it.
func (e *Engine) CreateSession(ctx context.Context, in model.CreateSessionRequest) (*model.Session, error) {
	if strings.TrimSpace(in.Body) == "" {
		return nil, errs.ErrEmptyMessage
	}
	if in.Category == "" {
		in.Category = model.CategoryGeneral
	}
	if in.Priority == "" {
		in.Priority = model.PriorityMedium
	}
	detail, err := e.store.CreateSession(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := e.focusDetail(ctx, detail); err != nil {
		return nil, err
	}
	return &detail.Session, nil
}

// Focus makes id the active session, replacing the previous scope.
func (e *Engine) Focus(ctx context.Context, id string) error {
	detail, err := e.store.GetSession(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch session %s: %w", id, err)
	}
	return e.focusDetail(ctx, detail)
}

func (e *Engine) focusDetail(ctx context.Context, detail *model.SessionDetail) error {
	e.mu.Lock()
	old := e.scope
	e.scope = nil
	e.mu.Unlock()
	if old != nil {
		old.close()
	}

	sc := e.newScope(detail)

	e.mu.Lock()
	raced := e.scope
	e.scope = sc
	e.mu.Unlock()
	if raced != nil {
		raced.close()
	}

	if err := e.transport.JoinRoom(ctx, sc.id); err != nil {
		e.notice(fmt.Errorf("join room %s: %w", sc.id, err))
	}
	st := sc.life.State()
	if st.Status != model.SessionStatusClosed {
		sc.dog.Start()
		e.schedulePoll(sc)
	}

	if e.hooks.OnStatus != nil {
		e.hooks.OnStatus(st)
	}
	e.emitMessages(sc)

	if _, err := e.store.MarkSeen(ctx, sc.id); err != nil {
		e.logger.Warn("mark seen failed", slog.String("session_id", sc.id), slog.Any("error", err))
	}
	e.logger.Info("session focused", slog.String("session_id", sc.id), slog.String("status", string(st.Status)))
	return nil
}

// Send posts a message with optional attachments. The message shows up
// immediately as pending and is replaced by the store's copy on success.
// It goes through the store's HTTP API with its client id, never as a
// send_message frame; the store's new_message broadcast echoes it back and
// the client id collapses the echo.
func (e *Engine) Send(ctx context.Context, body string, files []attachment.File) (model.Message, error) {
	sc := e.current()
	if sc == nil {
		return model.Message{}, errs.ErrNoFocusedSession
	}
	if err := sc.life.CanSend(); err != nil {
		return model.Message{}, err
	}
	body = strings.TrimSpace(body)
	if body == "" && len(files) == 0 {
		return model.Message{}, errs.ErrEmptyMessage
	}
	if !e.transport.Connected() {
		e.saveDraft(sc.id, body)
		return model.Message{}, fmt.Errorf("message not sent: %w", errs.ErrNotConnected)
	}

	res, err := e.uploads.Process(ctx, files)
	if err != nil {
		e.saveDraft(sc.id, body)
		return model.Message{}, err
	}
	for _, f := range res.Failures {
		e.notice(fmt.Errorf("attachment %s not uploaded: %w", f.File, f.Err))
	}
	if body == "" && len(res.Attachments) == 0 {
		return model.Message{}, fmt.Errorf("%w: no attachment could be uploaded", errs.ErrEmptyMessage)
	}

	kind := attachment.DeriveKind(body, res.Attachments)
	local := sc.messages.AppendOptimistic(model.Message{
		Sender:      model.SenderUser,
		Body:        body,
		Kind:        kind,
		Attachments: res.Attachments,
	})
	e.emitMessages(sc)
	sc.typing.Sent(ctx)
	sc.dog.Touch(watchdog.ActivityKey)

	confirmed, err := e.store.PostMessage(ctx, sc.id, model.PostMessageRequest{
		Body:        body,
		Kind:        kind,
		Attachments: res.Attachments,
		ClientID:    local.ClientID,
	})
	if err != nil {
		sc.messages.MarkFailed(local.ClientID)
		e.saveDraft(sc.id, body)
		e.emitMessages(sc)
		if errors.Is(err, errs.ErrSessionClosed) {
			go e.resyncQuietly()
		}
		return local, fmt.Errorf("send message: %w", err)
	}
	if confirmed.ClientID == "" {
		confirmed.ClientID = local.ClientID
	}
	sc.messages.MergeConfirmed(*confirmed)
	if err := e.drafts.Delete(sc.id); err != nil {
		e.logger.Warn("draft delete failed", slog.Any("error", err))
	}
	e.emitMessages(sc)
	return *confirmed, nil
}

// Discard drops a failed message from the list.
func (e *Engine) Discard(clientID string) bool {
	sc := e.current()
	if sc == nil || !sc.messages.Remove(clientID) {
		return false
	}
	e.emitMessages(sc)
	return true
}

// Input reports a change of the compose text.
func (e *Engine) Input(ctx context.Context) {
	sc := e.current()
	if sc == nil || sc.life.CanSend() != nil {
		return
	}
	sc.typing.InputChanged(ctx)
	sc.dog.Touch(watchdog.ActivityKey)
}

// Activity records pointer, key, scroll or touch activity.
func (e *Engine) Activity(kind watchdog.Activity) {
	if sc := e.current(); sc != nil {
		sc.dog.Touch(kind)
	}
}

// EndSession closes the focused session after confirm agrees.
func (e *Engine) EndSession(ctx context.Context, confirm lifecycle.Confirmer) error {
	sc := e.current()
	if sc == nil {
		return errs.ErrNoFocusedSession
	}
	return sc.life.Close(ctx, confirm)
}

func (e *Engine) SubmitFeedback(ctx context.Context, rating int, comment string) error {
	sc := e.current()
	if sc == nil {
		return errs.ErrNoFocusedSession
	}
	return sc.life.SubmitFeedback(ctx, rating, comment)
}

// Resync re-fetches the focused session and merges it into local state.
func (e *Engine) Resync(ctx context.Context) error {
	sc := e.current()
	if sc == nil {
		return errs.ErrNoFocusedSession
	}
	return e.pull(ctx, sc)
}

func (e *Engine) resyncQuietly() {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := e.Resync(ctx); err != nil && !errors.Is(err, errs.ErrNoFocusedSession) {
		e.logger.Warn("resync failed", slog.Any("error", err))
	}
}

func (e *Engine) pull(ctx context.Context, sc *scope) error {
	detail, err := e.store.GetSession(ctx, sc.id)
	if err != nil {
		return fmt.Errorf("fetch session %s: %w", sc.id, err)
	}
	if e.current() != sc {
		return nil
	}
	if sc.messages.Reconcile(detail.Messages) > 0 {
		e.emitMessages(sc)
	}
	sc.life.ApplySession(&detail.Session)
	return nil
}

func (e *Engine) schedulePoll(sc *scope) {
	sc.timers.Schedule(timerset.Poll, e.cfg.PollInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := e.pull(ctx, sc); err != nil {
			e.logger.Warn("periodic reconcile failed", slog.String("session_id", sc.id), slog.Any("error", err))
		}
		if sc.life.CanSend() == nil {
			e.schedulePoll(sc)
		}
	})
}

// Draft returns the saved unsent text of the focused session.
func (e *Engine) Draft() string {
	sc := e.current()
	if sc == nil {
		return ""
	}
	d, ok, err := e.drafts.Load(sc.id)
	if err != nil || !ok {
		return ""
	}
	return d.Text
}

func (e *Engine) Messages() []model.Message {
	if sc := e.current(); sc != nil {
		return sc.messages.Messages()
	}
	return nil
}

func (e *Engine) State() (lifecycle.State, bool) {
	if sc := e.current(); sc != nil {
		return sc.life.State(), true
	}
	return lifecycle.State{}, false
}

func (e *Engine) Typists() []string {
	if sc := e.current(); sc != nil {
		return sc.typing.Typists()
	}
	return nil
}

func (e *Engine) Countdown() (int, bool) {
	if sc := e.current(); sc != nil {
		return sc.dog.Countdown()
	}
	return 0, false
}

// FocusedID returns the id of the focused session or "".
func (e *Engine) FocusedID() string {
	if sc := e.current(); sc != nil {
		return sc.id
	}
	return ""
}

// Close tears down the focused scope and the connection.
func (e *Engine) Close() {
	e.mu.Lock()
	sc := e.scope
	e.scope = nil
	cancel := e.phaseCancel
	e.phaseCancel = nil
	e.mu.Unlock()

	if sc != nil {
		sc.close()
	}
	if cancel != nil {
		cancel()
	}
	e.transport.Disconnect()
}

func (e *Engine) current() *scope {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scope
}

func (e *Engine) emitMessages(sc *scope) {
	if e.hooks.OnMessages != nil {
		e.hooks.OnMessages(sc.id, sc.messages.Messages())
	}
}

func (e *Engine) saveDraft(sessionID, body string) {
	if err := e.drafts.Save(sessionID, body); err != nil {
		e.logger.Warn("draft save failed", slog.Any("error", err))
	}
}

func (e *Engine) notice(err error) {
	e.logger.Warn("notice", slog.Any("error", err))
	if e.hooks.OnNotice != nil {
		e.hooks.OnNotice(err)
	}
}
