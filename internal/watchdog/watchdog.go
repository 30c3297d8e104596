// Package watchdog closes a focused support session after a period of user
// inactivity: a warning with a visible countdown first, then auto-close.
package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/psds-microservice/support-session/internal/logger"
	"github.com/psds-microservice/support-session/internal/timerset"
)

const (
	DefaultWarnAfter  = 8 * time.Minute
	DefaultCloseAfter = 10 * time.Minute
	countdownTick     = time.Second
)

// Activity kinds recognised as user activity.
type Activity string

const (
	ActivityPointer Activity = "pointer"
	ActivityKey     Activity = "key"
	ActivityScroll  Activity = "scroll"
	ActivityTouch   Activity = "touch"
)

// Closer performs the auto-close transition (lifecycle.Manager).
type Closer interface {
	AutoClose(ctx context.Context, inactiveMinutes int) error
}

// Hooks receive watchdog notifications; nil hooks are skipped.
type Hooks struct {
	OnWarning         func(secondsLeft int)
	OnCountdown       func(secondsLeft int)
	OnCleared         func()
	OnAutoClosed      func(inactiveMinutes int)
	OnAutoCloseFailed func(err error)
}

type Config struct {
	WarnAfter  time.Duration
	CloseAfter time.Duration
	// CloseTimeout bounds the auto-close request.
	CloseTimeout time.Duration
}

func (c *Config) defaults() {
	if c.WarnAfter <= 0 {
		c.WarnAfter = DefaultWarnAfter
	}
	if c.CloseAfter <= c.WarnAfter {
		c.CloseAfter = c.WarnAfter + (DefaultCloseAfter - DefaultWarnAfter)
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 15 * time.Second
	}
}

// InactiveMinutes is the inactivity duration reported with auto-close.
func (c Config) InactiveMinutes() int {
	return int(c.CloseAfter / time.Minute)
}

// Watchdog is the two-stage timer chain of one session. All its timers live
// in the session's timer set.
type Watchdog struct {
	cfg    Config
	timers *timerset.Set
	closer Closer
	hooks  Hooks
	logger *slog.Logger

	mu           sync.Mutex
	running      bool
	lastActivity time.Time
	warnAt       time.Time
	closeAt      time.Time
	warning      bool
}

func New(cfg Config, timers *timerset.Set, closer Closer, hooks Hooks, log *slog.Logger) *Watchdog {
	cfg.defaults()
	if log == nil {
		log = logger.Discard()
	}
	return &Watchdog{
		cfg:    cfg,
		timers: timers,
		closer: closer,
		hooks:  hooks,
		logger: log.With(slog.String("component", "watchdog")),
	}
}

// Start arms the chain from now.
func (w *Watchdog) Start() {
	w.mu.Lock()
	w.running = true
	w.mu.Unlock()
	w.rearm()
}

// Touch records user activity. During the warning it clears the countdown;
// in every case both deadlines restart from now.
func (w *Watchdog) Touch(kind Activity) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	wasWarning := w.warning
	w.mu.Unlock()

	w.rearm()
	if wasWarning && w.hooks.OnCleared != nil {
		w.hooks.OnCleared()
	}
	w.logger.Debug("activity", slog.String("kind", string(kind)))
}

func (w *Watchdog) rearm() {
	now := w.timers.Clock().Now()

	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.lastActivity = now
	w.warnAt = now.Add(w.cfg.WarnAfter)
	w.closeAt = now.Add(w.cfg.CloseAfter)
	w.warning = false
	w.timers.Cancel(timerset.Countdown)
	w.timers.Schedule(timerset.Warning, w.cfg.WarnAfter, w.fireWarning)
	w.timers.Schedule(timerset.AutoClose, w.cfg.CloseAfter, w.fireAutoClose)
	w.mu.Unlock()
}

func (w *Watchdog) fireWarning() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.warning = true
	left := w.secondsLeftLocked()
	// Scheduled under mu so a concurrent Stop or auto-close cancels it.
	w.timers.Schedule(timerset.Countdown, countdownTick, w.tick)
	w.mu.Unlock()

	w.logger.Info("inactivity warning", slog.Int("seconds_left", left))
	if w.hooks.OnWarning != nil {
		w.hooks.OnWarning(left)
	}
}

func (w *Watchdog) tick() {
	w.mu.Lock()
	if !w.running || !w.warning {
		w.mu.Unlock()
		return
	}
	left := w.secondsLeftLocked()
	if left > 0 {
		w.timers.Schedule(timerset.Countdown, countdownTick, w.tick)
	}
	w.mu.Unlock()

	if w.hooks.OnCountdown != nil {
		w.hooks.OnCountdown(left)
	}
}

func (w *Watchdog) fireAutoClose() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.warning = false
	w.mu.Unlock()
	w.timers.Cancel(timerset.Warning)
	w.timers.Cancel(timerset.Countdown)

	minutes := w.cfg.InactiveMinutes()
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.CloseTimeout)
	defer cancel()
	if err := w.closer.AutoClose(ctx, minutes); err != nil {
		// The store kept the session open: show it as open and watch again.
		w.logger.Warn("auto-close failed", slog.Any("error", err))
		if w.hooks.OnAutoCloseFailed != nil {
			w.hooks.OnAutoCloseFailed(err)
		}
		if !w.timers.Stopped() {
			w.Start()
		}
		return
	}
	w.logger.Info("session auto-closed", slog.Int("inactive_minutes", minutes))
	if w.hooks.OnAutoClosed != nil {
		w.hooks.OnAutoClosed(minutes)
	}
}

// Stop cancels the chain; Touch is ignored afterwards until Start.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	w.running = false
	w.warning = false
	w.mu.Unlock()
	w.timers.Cancel(timerset.Warning)
	w.timers.Cancel(timerset.Countdown)
	w.timers.Cancel(timerset.AutoClose)
}

// Countdown returns the seconds left before auto-close while the warning is
// showing.
func (w *Watchdog) Countdown() (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.warning {
		return 0, false
	}
	return w.secondsLeftLocked(), true
}

// Deadlines returns the scheduled warning and auto-close instants.
func (w *Watchdog) Deadlines() (warnAt, closeAt time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.warnAt, w.closeAt
}

func (w *Watchdog) LastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActivity
}

func (w *Watchdog) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watchdog) secondsLeftLocked() int {
	left := w.closeAt.Sub(w.timers.Clock().Now())
	if left <= 0 {
		return 0
	}
	return int((left + time.Second - 1) / time.Second)
}
