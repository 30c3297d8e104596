// Package timerset keeps every timer that belongs to one focused support
// session in a single owned value, so teardown is one StopAll call.
package timerset

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer names used by the session scope.
const (
	TypingIdle = "typing-idle"
	Warning    = "watchdog-warning"
	Countdown  = "watchdog-countdown"
	AutoClose  = "watchdog-auto-close"
	Poll       = "reconcile-poll"
)

type entry struct {
	timer clockwork.Timer
	token uint64
}

// Set is a collection of named one-shot timers on an injected clock.
// A callback runs only while its timer is still the registered one for its
// name; Cancel, a replacing Schedule or StopAll turn pending callbacks into
// no-ops even if the underlying clock already fired them.
type Set struct {
	clock clockwork.Clock

	mu      sync.Mutex
	timers  map[string]entry
	next    uint64
	stopped bool
}

func New(clock clockwork.Clock) *Set {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Set{clock: clock, timers: make(map[string]entry)}
}

// Clock returns the clock the set schedules on.
func (s *Set) Clock() clockwork.Clock { return s.clock }

// Schedule arms f to run after d under name, replacing any timer already
// registered under that name. It reports false once the set is stopped.
func (s *Set) Schedule(name string, d time.Duration, f func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if prev, ok := s.timers[name]; ok {
		prev.timer.Stop()
	}
	s.next++
	token := s.next
	t := s.clock.AfterFunc(d, func() {
		if !s.claim(name, token) {
			return
		}
		f()
	})
	s.timers[name] = entry{timer: t, token: token}
	return true
}

// claim removes the entry if it still belongs to token.
func (s *Set) claim(name string, token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.timers[name]
	if !ok || cur.token != token {
		return false
	}
	delete(s.timers, name)
	return true
}

// Cancel stops the named timer. It reports whether one was pending.
func (s *Set) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.timers[name]
	if !ok {
		return false
	}
	cur.timer.Stop()
	delete(s.timers, name)
	return true
}

func (s *Set) Active(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[name]
	return ok
}

// Len returns the number of pending timers.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// StopAll cancels every timer and refuses further scheduling.
func (s *Set) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, cur := range s.timers {
		cur.timer.Stop()
		delete(s.timers, name)
	}
	s.stopped = true
}

func (s *Set) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
