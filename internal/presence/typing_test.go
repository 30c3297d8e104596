package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/psds-microservice/support-session/internal/protocol"
	"github.com/psds-microservice/support-session/internal/timerset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEmitter) Send(_ context.Context, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingEmitter) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func TestInputChanged_Debounce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	emitter := &recordingEmitter{}
	tracker := NewTracker("s1", emitter, timerset.New(clock))
	ctx := context.Background()

	tracker.InputChanged(ctx)
	clock.Advance(200 * time.Millisecond)
	tracker.InputChanged(ctx)
	clock.Advance(200 * time.Millisecond)
	tracker.InputChanged(ctx)

	assert.Equal(t, 1, emitter.count(protocol.EventTypingStart))
	assert.Equal(t, 0, emitter.count(protocol.EventTypingStop))

	clock.Advance(999 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, emitter.count(protocol.EventTypingStop))

	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool {
		return emitter.count(protocol.EventTypingStop) == 1
	}, time.Second, time.Millisecond)

	clock.Advance(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, emitter.count(protocol.EventTypingStart))
	assert.Equal(t, 1, emitter.count(protocol.EventTypingStop))
	assert.False(t, tracker.Typing())
}

func TestInputChanged_NewBurstAfterStop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	emitter := &recordingEmitter{}
	tracker := NewTracker("s1", emitter, timerset.New(clock), WithIdle(500*time.Millisecond))
	ctx := context.Background()

	tracker.InputChanged(ctx)
	clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { return !tracker.Typing() }, time.Second, time.Millisecond)

	tracker.InputChanged(ctx)
	assert.Equal(t, 2, emitter.count(protocol.EventTypingStart))
}

func TestSent_StopsImmediately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	emitter := &recordingEmitter{}
	timers := timerset.New(clock)
	tracker := NewTracker("s1", emitter, timers)
	ctx := context.Background()

	tracker.InputChanged(ctx)
	tracker.Sent(ctx)

	assert.Equal(t, 1, emitter.count(protocol.EventTypingStop))
	assert.False(t, timers.Active(timerset.TypingIdle))

	clock.Advance(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, emitter.count(protocol.EventTypingStop))
}

func TestRemoteTypists(t *testing.T) {
	var updates [][]string
	tracker := NewTracker("s1", nil, timerset.New(clockwork.NewFakeClock()),
		OnRemoteChange(func(names []string) { updates = append(updates, names) }))

	tracker.RemoteStarted("Maria (agent)")
	tracker.RemoteStarted("Alex")
	tracker.RemoteStarted("Alex")
	assert.Equal(t, []string{"Alex", "Maria (agent)"}, tracker.Typists())

	tracker.RemoteStopped("Alex")
	tracker.RemoteStopped("nobody")
	assert.Equal(t, []string{"Maria (agent)"}, tracker.Typists())

	tracker.Reset()
	assert.Empty(t, tracker.Typists())
	assert.Len(t, updates, 4)
	assert.Nil(t, updates[3])
}

func TestStop_TearsDown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	emitter := &recordingEmitter{}
	timers := timerset.New(clock)
	tracker := NewTracker("s1", emitter, timers)
	ctx := context.Background()

	tracker.InputChanged(ctx)
	tracker.RemoteStarted("agent")
	tracker.Stop(ctx)

	assert.Empty(t, tracker.Typists())
	assert.Equal(t, 1, emitter.count(protocol.EventTypingStop))
	assert.Equal(t, 0, timers.Len())
}
