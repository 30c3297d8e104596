// Package realtime is the store side of the session websocket: rooms per
// session, typing relay and authoritative status fan-out.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/psds-microservice/support-session/internal/errs"
	"github.com/psds-microservice/support-session/internal/logger"
	"github.com/psds-microservice/support-session/internal/middleware"
	"github.com/psds-microservice/support-session/internal/model"
	"github.com/psds-microservice/support-session/internal/protocol"
	"github.com/psds-microservice/support-session/internal/service"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	opTimeout    = 10 * time.Second
	readLimit    = 1 << 20
)

// Error codes carried in error frames.
const (
	CodeBadRequest = "bad_request"
	CodeForbidden  = "forbidden"
	CodeNotFound   = "not_found"
	CodeClosed     = "session_closed"
	CodeReadOnly   = "read_only"
	CodeInternal   = "internal"
)

type Hub struct {
	svc       service.SessionServicer
	auth      *middleware.Authenticator
	allowAnon bool
	logger    *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
	// last status frame sent per live room; a close arrives both from the
	// store and from the closing client's hint.
	sent map[string]statusKey
}

type statusKey struct {
	status  model.SessionStatus
	reason  model.CloseReason
	minutes int
}

type client struct {
	actor service.Actor
	anon  bool
	send  chan protocol.Frame
	done  chan struct{}
	once  sync.Once
}

func (c *client) kick() { c.once.Do(func() { close(c.done) }) }

func NewHub(svc service.SessionServicer, auth *middleware.Authenticator, allowAnon bool, log *slog.Logger) *Hub {
	if log == nil {
		log = logger.Discard()
	}
	return &Hub{
		svc:       svc,
		auth:      auth,
		allowAnon: allowAnon,
		logger:    log.With(slog.String("component", "realtime")),
		rooms:     make(map[string]map[*client]struct{}),
		sent:      make(map[string]statusKey),
	}
}

// ServeHTTP upgrades the request. A bad token is refused outright; a missing
// token yields a read-only socket when anonymous access is enabled.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cl := &client{send: make(chan protocol.Frame, sendBuffer), done: make(chan struct{})}
	if tok := middleware.TokenFromRequest(r); tok != "" {
		actor, err := h.auth.Parse(tok)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		cl.actor = actor
	} else if h.allowAnon {
		cl.anon = true
	} else {
		http.Error(w, errs.ErrUnauthorized.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("accept failed", slog.Any("error", err))
		return
	}
	conn.SetReadLimit(readLimit)
	defer h.dropClient(cl)

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return h.readLoop(ctx, conn, cl) })
	g.Go(func() error { return h.writeLoop(ctx, conn, cl) })
	err = g.Wait()

	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		conn.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, errSlowConsumer):
		conn.Close(websocket.StatusPolicyViolation, "slow consumer")
	default:
		h.logger.Debug("socket closed", slog.String("actor", cl.actor.ID), slog.Any("error", err))
		conn.Close(websocket.StatusInternalError, "")
	}
}

var errSlowConsumer = errors.New("client send buffer full")

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, cl *client) error {
	for {
		var f protocol.Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return err
		}
		h.handle(ctx, cl, f)
	}
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, cl *client) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cl.done:
			return errSlowConsumer
		case f := <-cl.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, f)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (h *Hub) handle(ctx context.Context, cl *client, f protocol.Frame) {
	switch f.Event {
	case protocol.EventJoinRoom:
		var p protocol.RoomPayload
		if err := f.Decode(&p); err != nil || p.SessionID == "" {
			h.reply(cl, CodeBadRequest, "session_id is required")
			return
		}
		h.join(ctx, cl, p.SessionID)
	case protocol.EventLeaveRoom:
		var p protocol.RoomPayload
		if err := f.Decode(&p); err == nil {
			h.leave(cl, p.SessionID)
		}
	case protocol.EventTypingStart, protocol.EventTypingStop:
		h.typing(cl, f)
	case protocol.EventSendMessage:
		h.sendMessage(ctx, cl, f)
	case protocol.EventStatusChanged, protocol.EventAutoClosed:
		h.statusHint(ctx, cl, f)
	default:
		h.reply(cl, CodeBadRequest, "unknown event "+f.Event)
	}
}

// join checks access for authenticated sockets. Anonymous sockets carry no
// identity to check; they only ever receive status frames of the room.
func (h *Hub) join(ctx context.Context, cl *client, sessionID string) {
	if !cl.anon {
		ctx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		if _, err := h.svc.Session(ctx, cl.actor, sessionID); err != nil {
			h.replyErr(cl, err)
			return
		}
	}
	h.mu.Lock()
	room, ok := h.rooms[sessionID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[sessionID] = room
	}
	room[cl] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) leave(cl *client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[sessionID]; ok {
		delete(room, cl)
		if len(room) == 0 {
			delete(h.rooms, sessionID)
			delete(h.sent, sessionID)
		}
	}
}

func (h *Hub) dropClient(cl *client) {
	h.mu.Lock()
	for id, room := range h.rooms {
		delete(room, cl)
		if len(room) == 0 {
			delete(h.rooms, id)
			delete(h.sent, id)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) inRoom(cl *client, sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[sessionID][cl]
	return ok
}

func (h *Hub) typing(cl *client, f protocol.Frame) {
	if cl.anon {
		h.reply(cl, CodeReadOnly, "anonymous connection is read-only")
		return
	}
	var p protocol.TypingPayload
	if err := f.Decode(&p); err != nil || !h.inRoom(cl, p.SessionID) {
		return
	}
	event := protocol.EventUserTyping
	if f.Event == protocol.EventTypingStop {
		event = protocol.EventUserStoppedTyping
	}
	out, err := protocol.NewFrame(event, protocol.TypingPayload{SessionID: p.SessionID, Who: cl.actor.Name})
	if err != nil {
		return
	}
	h.broadcast(p.SessionID, out, cl, false)
}

func (h *Hub) sendMessage(ctx context.Context, cl *client, f protocol.Frame) {
	if cl.anon {
		h.reply(cl, CodeReadOnly, "anonymous connection is read-only")
		return
	}
	var p protocol.SendMessagePayload
	if err := f.Decode(&p); err != nil {
		h.reply(cl, CodeBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := h.svc.PostMessage(ctx, cl.actor, p.SessionID, model.PostMessageRequest{
		Body:        p.Body,
		Kind:        p.Kind,
		Attachments: p.Attachments,
		ClientID:    p.ClientID,
	})
	if err != nil {
		h.replyErr(cl, err)
	}
}

// statusHint never trusts the frame: the session is reloaded and the stored
// status is what the room hears.
func (h *Hub) statusHint(ctx context.Context, cl *client, f protocol.Frame) {
	if cl.anon {
		h.reply(cl, CodeReadOnly, "anonymous connection is read-only")
		return
	}
	var p protocol.RoomPayload
	if err := f.Decode(&p); err != nil || p.SessionID == "" {
		h.reply(cl, CodeBadRequest, "session_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	sess, err := h.svc.Session(ctx, cl.actor, p.SessionID)
	if err != nil {
		h.replyErr(cl, err)
		return
	}
	h.StatusChanged(sess)
}

// MessageCreated implements service.Broadcaster.
func (h *Hub) MessageCreated(msg *model.Message) {
	if msg == nil {
		return
	}
	f, err := protocol.NewFrame(protocol.EventNewMessage, protocol.NewMessagePayload{SessionID: msg.SessionID, Message: *msg})
	if err != nil {
		h.logger.Error("encode new_message", slog.Any("error", err))
		return
	}
	h.broadcast(msg.SessionID, f, nil, false)
}

// StatusChanged implements service.Broadcaster. Inactivity closes go out as
// session_auto_closed so listeners get the idle minutes. A room hears each
// status once: a repeat of the last frame it got is dropped.
func (h *Hub) StatusChanged(s *model.Session) {
	if s == nil || !h.markSent(s) {
		return
	}
	var (
		f   protocol.Frame
		err error
	)
	if s.IsClosed() && s.CloseReason == model.CloseReasonUserInactive {
		f, err = protocol.NewFrame(protocol.EventAutoClosed, protocol.AutoClosedPayload{
			SessionID:       s.ID,
			Reason:          s.CloseReason,
			InactiveMinutes: s.InactiveMinutes,
		})
	} else {
		f, err = protocol.NewFrame(protocol.EventStatusChanged, protocol.StatusChangedPayload{
			SessionID: s.ID,
			Status:    s.Status,
			Reason:    s.CloseReason,
		})
	}
	if err != nil {
		h.logger.Error("encode status", slog.Any("error", err))
		return
	}
	h.broadcast(s.ID, f, nil, true)
}

func (h *Hub) markSent(s *model.Session) bool {
	key := statusKey{status: s.Status, reason: s.CloseReason, minutes: s.InactiveMinutes}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, live := h.rooms[s.ID]; !live {
		return false
	}
	if prev, ok := h.sent[s.ID]; ok && prev == key {
		return false
	}
	h.sent[s.ID] = key
	return true
}

// broadcast queues f for every member of the room except skip. Anonymous
// members only hear status frames.
func (h *Hub) broadcast(sessionID string, f protocol.Frame, skip *client, anonToo bool) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.rooms[sessionID]))
	for cl := range h.rooms[sessionID] {
		if cl == skip || (cl.anon && !anonToo) {
			continue
		}
		targets = append(targets, cl)
	}
	h.mu.RUnlock()
	for _, cl := range targets {
		h.push(cl, f)
	}
}

func (h *Hub) push(cl *client, f protocol.Frame) {
	select {
	case cl.send <- f:
	default:
		h.logger.Warn("dropping slow client", slog.String("actor", cl.actor.ID))
		cl.kick()
	}
}

func (h *Hub) reply(cl *client, code, msg string) {
	f, err := protocol.NewFrame(protocol.EventError, protocol.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	h.push(cl, f)
}

func (h *Hub) replyErr(cl *client, err error) {
	switch {
	case errors.Is(err, errs.ErrSessionNotFound):
		h.reply(cl, CodeNotFound, err.Error())
	case errors.Is(err, errs.ErrForbidden):
		h.reply(cl, CodeForbidden, err.Error())
	case errors.Is(err, errs.ErrSessionClosed):
		h.reply(cl, CodeClosed, err.Error())
	case errors.Is(err, errs.ErrEmptyMessage), errors.Is(err, errs.ErrInvalidInput):
		h.reply(cl, CodeBadRequest, err.Error())
	default:
		h.logger.Error("realtime operation failed", slog.Any("error", err))
		h.reply(cl, CodeInternal, "internal error")
	}
}

// Rooms returns the number of members per session room.
func (h *Hub) Rooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.rooms))
	for id, room := range h.rooms {
		out[id] = len(room)
	}
	return out
}
