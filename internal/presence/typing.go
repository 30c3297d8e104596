package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/psds-microservice/support-session/internal/logger"
	"github.com/psds-microservice/support-session/internal/protocol"
	"github.com/psds-microservice/support-session/internal/timerset"
)

// DefaultIdle is how long local input must pause before typing_stop is sent.
const DefaultIdle = time.Second

// Emitter sends typing events over the realtime channel.
type Emitter interface {
	Send(ctx context.Context, event string, payload any) error
}

// Tracker derives local typing_start/typing_stop from input activity and
// keeps the set of remote typists for one session.
type Tracker struct {
	sessionID string
	emitter   Emitter
	timers    *timerset.Set
	idle      time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	typing   bool
	remote   map[string]struct{}
	onChange func([]string)
}

type Option func(*Tracker)

func WithIdle(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.idle = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// OnRemoteChange is called with the sorted typist names after every change.
func OnRemoteChange(h func([]string)) Option {
	return func(t *Tracker) { t.onChange = h }
}

func NewTracker(sessionID string, emitter Emitter, timers *timerset.Set, opts ...Option) *Tracker {
	t := &Tracker{
		sessionID: sessionID,
		emitter:   emitter,
		timers:    timers,
		idle:      DefaultIdle,
		logger:    logger.Discard(),
		remote:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(slog.String("component", "presence"), slog.String("session_id", sessionID))
	return t
}

// InputChanged records local input. The first input after a pause emits
// typing_start; every input pushes the idle deadline forward (debounce).
func (t *Tracker) InputChanged(ctx context.Context) {
	t.mu.Lock()
	start := !t.typing
	t.typing = true
	t.mu.Unlock()

	if start {
		t.emit(ctx, protocol.EventTypingStart)
	}
	t.timers.Schedule(timerset.TypingIdle, t.idle, func() {
		t.stopLocal(context.Background())
	})
}

// Sent ends local typing immediately, e.g. when the message goes out.
func (t *Tracker) Sent(ctx context.Context) {
	t.timers.Cancel(timerset.TypingIdle)
	t.stopLocal(ctx)
}

func (t *Tracker) stopLocal(ctx context.Context) {
	t.mu.Lock()
	was := t.typing
	t.typing = false
	t.mu.Unlock()
	if was {
		t.emit(ctx, protocol.EventTypingStop)
	}
}

// Typing reports whether a local typing_start is outstanding.
func (t *Tracker) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

func (t *Tracker) emit(ctx context.Context, event string) {
	if t.emitter == nil {
		return
	}
	err := t.emitter.Send(ctx, event, protocol.TypingPayload{SessionID: t.sessionID})
	if err != nil {
		t.logger.Debug("typing event not sent", slog.String("event", event), slog.Any("error", err))
	}
}

// RemoteStarted adds who to the typist set.
func (t *Tracker) RemoteStarted(who string) {
	if who == "" {
		return
	}
	t.mu.Lock()
	if _, ok := t.remote[who]; ok {
		t.mu.Unlock()
		return
	}
	t.remote[who] = struct{}{}
	names, h := t.namesLocked(), t.onChange
	t.mu.Unlock()
	if h != nil {
		h(names)
	}
}

// RemoteStopped removes who from the typist set.
func (t *Tracker) RemoteStopped(who string) {
	t.mu.Lock()
	if _, ok := t.remote[who]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.remote, who)
	names, h := t.namesLocked(), t.onChange
	t.mu.Unlock()
	if h != nil {
		h(names)
	}
}

// Reset clears every remote indicator (session closing, focus change).
func (t *Tracker) Reset() {
	t.mu.Lock()
	had := len(t.remote) > 0
	t.remote = make(map[string]struct{})
	h := t.onChange
	t.mu.Unlock()
	if had && h != nil {
		h(nil)
	}
}

// Typists returns the remote typists in name order.
func (t *Tracker) Typists() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.namesLocked()
}

func (t *Tracker) namesLocked() []string {
	if len(t.remote) == 0 {
		return nil
	}
	names := make([]string, 0, len(t.remote))
	for who := range t.remote {
		names = append(names, who)
	}
	sort.Strings(names)
	return names
}

// Stop cancels the idle timer, closes an outstanding local typing_start and
// clears remote typists.
func (t *Tracker) Stop(ctx context.Context) {
	t.Sent(ctx)
	t.Reset()
}
