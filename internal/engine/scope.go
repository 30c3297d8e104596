package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/psds-microservice/support-session/internal/lifecycle"
	"github.com/psds-microservice/support-session/internal/model"
	"github.com/psds-microservice/support-session/internal/presence"
	"github.com/psds-microservice/support-session/internal/protocol"
	"github.com/psds-microservice/support-session/internal/reconcile"
	"github.com/psds-microservice/support-session/internal/timerset"
	"github.com/psds-microservice/support-session/internal/watchdog"
)

// scope holds everything owned by one focused session. close runs the
// cleanup list in reverse registration order.
type scope struct {
	id       string
	timers   *timerset.Set
	messages *reconcile.List
	life     *lifecycle.Manager
	typing   *presence.Tracker
	dog      *watchdog.Watchdog
	cleanup  []func()
}

func (s *scope) onClose(f func()) {
	s.cleanup = append(s.cleanup, f)
}

func (s *scope) close() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
	s.cleanup = nil
}

func (e *Engine) newScope(detail *model.SessionDetail) *scope {
	id := detail.Session.ID
	log := e.logger.With(slog.String("session_id", id))

	sc := &scope{
		id:       id,
		timers:   timerset.New(e.clock),
		messages: reconcile.New(id, reconcile.WithClock(e.clock.Now)),
		life:     lifecycle.New(detail.Session, e.store, e.transport, log),
	}
	sc.messages.Reconcile(detail.Messages)

	sc.typing = presence.NewTracker(id, e.transport, sc.timers,
		presence.WithIdle(e.cfg.TypingIdle),
		presence.WithLogger(log),
		presence.OnRemoteChange(func(names []string) {
			if e.hooks.OnTyping != nil {
				e.hooks.OnTyping(id, names)
			}
		}),
	)
	sc.dog = watchdog.New(e.cfg.Watchdog, sc.timers, sc.life, watchdog.Hooks{
		OnWarning:    e.hooks.OnWarning,
		OnCountdown:  e.hooks.OnCountdown,
		OnCleared:    e.hooks.OnWarningCleared,
		OnAutoClosed: e.hooks.OnAutoClosed,
		OnAutoCloseFailed: func(err error) {
			e.notice(fmt.Errorf("auto-close: %w", err))
		},
	}, log)

	sc.onClose(sc.timers.StopAll)
	sc.onClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := e.transport.LeaveRoom(ctx, id); err != nil {
			log.Debug("leave room failed", slog.Any("error", err))
		}
	})
	sc.onClose(sc.dog.Stop)
	sc.onClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		sc.typing.Stop(ctx)
	})
	sc.onClose(sc.life.OnChange(func(st lifecycle.State) { e.onStatus(sc, st) }))

	e.subscribe(sc, protocol.EventNewMessage, func(f protocol.Frame) error {
		var p protocol.NewMessagePayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		if p.SessionID != sc.id {
			return nil
		}
		p.Message.SessionID = sc.id
		if sc.messages.MergeConfirmed(p.Message) != reconcile.Duplicate {
			e.emitMessages(sc)
		}
		if p.Message.Sender != model.SenderUser {
			sc.typing.RemoteStopped(p.Message.SenderName)
		}
		return nil
	})
	e.subscribe(sc, protocol.EventUserTyping, func(f protocol.Frame) error {
		var p protocol.TypingPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		if p.SessionID == sc.id {
			sc.typing.RemoteStarted(p.Who)
		}
		return nil
	})
	e.subscribe(sc, protocol.EventUserStoppedTyping, func(f protocol.Frame) error {
		var p protocol.TypingPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		if p.SessionID == sc.id {
			sc.typing.RemoteStopped(p.Who)
		}
		return nil
	})
	e.subscribe(sc, protocol.EventStatusChanged, func(f protocol.Frame) error {
		var p protocol.StatusChangedPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		if p.SessionID == sc.id {
			minutes := 0
			if p.Status == model.SessionStatusClosed && p.Reason == model.CloseReasonUserInactive {
				minutes = sc.life.State().InactiveMinutes
			}
			sc.life.ApplyRemote(p.Status, p.Reason, minutes)
		}
		return nil
	})
	e.subscribe(sc, protocol.EventAutoClosed, func(f protocol.Frame) error {
		var p protocol.AutoClosedPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		if p.SessionID == sc.id {
			sc.life.ApplyRemote(model.SessionStatusClosed, p.Reason, p.InactiveMinutes)
		}
		return nil
	})
	e.subscribe(sc, protocol.EventError, func(f protocol.Frame) error {
		var p protocol.ErrorPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		return fmt.Errorf("realtime: %s: %s", p.Code, p.Message)
	})
	return sc
}

// subscribe registers a handler that only runs while sc is focused.
func (e *Engine) subscribe(sc *scope, event string, fn func(protocol.Frame) error) {
	cancel := e.transport.Subscribe(event, func(f protocol.Frame) {
		if e.current() != sc {
			return
		}
		if err := fn(f); err != nil {
			e.notice(err)
		}
	})
	sc.onClose(cancel)
}

// onStatus follows the authoritative status: a closed session loses its
// watchdog, typing and poll; a reopened one gets them back.
func (e *Engine) onStatus(sc *scope, st lifecycle.State) {
	if e.current() != sc {
		return
	}
	if st.Status == model.SessionStatusClosed {
		sc.dog.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		sc.typing.Stop(ctx)
		cancel()
		sc.timers.Cancel(timerset.Poll)
	} else if !sc.dog.Running() {
		sc.dog.Start()
		e.schedulePoll(sc)
	}
	if e.hooks.OnStatus != nil {
		e.hooks.OnStatus(st)
	}
}
