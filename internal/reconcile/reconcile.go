// Package reconcile merges optimistic (locally sent) messages with the
// server-confirmed copies of one support session into a single ordered,
// de-duplicated list.
package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/psds-microservice/support-session/internal/model"
)

// DefaultMatchWindow bounds how far apart a pending message and its
// confirmed copy may be stamped for the sender+body match to apply.
const DefaultMatchWindow = 30 * time.Second

type Outcome int

const (
	Appended Outcome = iota + 1
	Replaced
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Replaced:
		return "replaced"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

type Option func(*List)

func WithClock(now func() time.Time) Option {
	return func(l *List) { l.now = now }
}

func WithMatchWindow(d time.Duration) Option {
	return func(l *List) { l.window = d }
}

func WithIDGenerator(gen func() string) Option {
	return func(l *List) { l.newID = gen }
}

// List is the message list of one session. Entries are kept in
// non-decreasing CreatedAt order; ties keep arrival order.
type List struct {
	sessionID string
	now       func() time.Time
	window    time.Duration
	newID     func() string

	mu    sync.Mutex
	items []model.Message
}

func New(sessionID string, opts ...Option) *List {
	l := &List{
		sessionID: sessionID,
		now:       time.Now,
		window:    DefaultMatchWindow,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *List) SessionID() string { return l.sessionID }

// AppendOptimistic inserts msg as pending and returns the stored copy with
// its ClientID (local id) filled in.
func (l *List) AppendOptimistic(msg model.Message) model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	if msg.ClientID == "" {
		msg.ClientID = l.newID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = l.now().UTC()
	}
	msg.ID = ""
	msg.SessionID = l.sessionID
	msg.State = model.DeliveryPending
	l.insertLocked(msg)
	return msg
}

// MergeConfirmed applies a server-confirmed message. A message whose server
// id is already listed is a duplicate (replay, or response and broadcast for
// the same message). Otherwise it replaces the matching pending entry, or is
// inserted as new when nothing matches: nothing is ever dropped.
func (l *List) MergeConfirmed(msg model.Message) Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mergeLocked(msg)
}

// Reconcile merges an authoritative snapshot (poll or re-fetch after
// reconnect) using the same rule as MergeConfirmed. It returns how many
// entries changed.
func (l *List) Reconcile(authoritative []model.Message) int {
	sorted := append([]model.Message(nil), authoritative...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	changed := 0
	for _, msg := range sorted {
		if l.mergeLocked(msg) != Duplicate {
			changed++
		}
	}
	return changed
}

func (l *List) mergeLocked(msg model.Message) Outcome {
	msg.State = model.DeliveryConfirmed
	if msg.SessionID == "" {
		msg.SessionID = l.sessionID
	}

	if msg.ID != "" {
		if idx := l.indexByServerID(msg.ID); idx >= 0 {
			// A pending twin with the same local id must not outlive its confirmation.
			if msg.ClientID != "" {
				if twin := l.indexUnconfirmedByClientID(msg.ClientID); twin >= 0 {
					l.items = append(l.items[:twin], l.items[twin+1:]...)
				}
			}
			return Duplicate
		}
	}

	idx := -1
	if msg.ClientID != "" {
		idx = l.indexUnconfirmedByClientID(msg.ClientID)
	}
	if idx < 0 {
		idx = l.indexHeuristicMatch(msg)
	}
	if idx < 0 {
		l.insertLocked(msg)
		return Appended
	}

	if msg.ClientID == "" {
		msg.ClientID = l.items[idx].ClientID
	}
	l.items[idx] = msg
	if !l.orderedAt(idx) {
		l.items = append(l.items[:idx], l.items[idx+1:]...)
		l.insertLocked(msg)
	}
	return Replaced
}

func (l *List) indexByServerID(id string) int {
	for i := range l.items {
		if l.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *List) indexUnconfirmedByClientID(clientID string) int {
	for i := range l.items {
		it := &l.items[i]
		if it.State != model.DeliveryConfirmed && it.ClientID == clientID {
			return i
		}
	}
	return -1
}

// indexHeuristicMatch finds the earliest unconfirmed entry with the same
// sender and body stamped within the match window.
func (l *List) indexHeuristicMatch(msg model.Message) int {
	for i := range l.items {
		it := &l.items[i]
		if it.State == model.DeliveryConfirmed {
			continue
		}
		if it.Sender != msg.Sender || it.Body != msg.Body {
			continue
		}
		if absDuration(it.CreatedAt.Sub(msg.CreatedAt)) <= l.window {
			return i
		}
	}
	return -1
}

// insertLocked places msg after every entry stamped at or before it.
func (l *List) insertLocked(msg model.Message) {
	pos := sort.Search(len(l.items), func(i int) bool {
		return l.items[i].CreatedAt.After(msg.CreatedAt)
	})
	l.items = append(l.items, model.Message{})
	copy(l.items[pos+1:], l.items[pos:])
	l.items[pos] = msg
}

func (l *List) orderedAt(i int) bool {
	if i > 0 && l.items[i-1].CreatedAt.After(l.items[i].CreatedAt) {
		return false
	}
	if i+1 < len(l.items) && l.items[i].CreatedAt.After(l.items[i+1].CreatedAt) {
		return false
	}
	return true
}

// MarkFailed flags a pending message as not accepted by the store.
func (l *List) MarkFailed(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.indexUnconfirmedByClientID(clientID)
	if idx < 0 {
		return false
	}
	l.items[idx].State = model.DeliveryFailed
	return true
}

// Remove drops an unconfirmed message (rollback of an optimistic insert).
func (l *List) Remove(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.indexUnconfirmedByClientID(clientID)
	if idx < 0 {
		return false
	}
	l.items = append(l.items[:idx], l.items[idx+1:]...)
	return true
}

// Messages returns a copy of the ordered list.
func (l *List) Messages() []model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.Message(nil), l.items...)
}

// Pending returns the messages still awaiting confirmation.
func (l *List) Pending() []model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Message
	for _, it := range l.items {
		if it.State == model.DeliveryPending {
			out = append(out, it)
		}
	}
	return out
}

func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
