package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/psds-microservice/support-session/internal/logger"
	"github.com/psds-microservice/support-session/internal/model"
	"github.com/segmentio/kafka-go"
)

// События сессий поддержки.
const (
	EventSessionCreated    = "session.created"
	EventMessageCreated    = "message.created"
	EventSessionClosed     = "session.closed"
	EventSessionAutoClosed = "session.auto_closed"
	EventSessionFeedback   = "session.feedback"
	EventSessionSnapshot   = "session.snapshot"
)

// SessionEventProducer — интерфейс для отправки событий сессии в Kafka (для подмены моком в тестах).
type SessionEventProducer interface {
	ProduceSessionEvent(ctx context.Context, event string, payload map[string]interface{})
}

// Producer пишет события сессий в топик Kafka (best-effort, не блокирует API).
type Producer struct {
	writer *kafka.Writer
	topic  string
	logger *slog.Logger
}

// NewProducer создаёт продюсер. Если brokers пустой или topic пустой — методы no-op.
func NewProducer(brokers []string, topic string, log *slog.Logger) *Producer {
	if log == nil {
		log = logger.Discard()
	}
	log = log.With(slog.String("component", "kafka"))
	if len(brokers) == 0 || topic == "" {
		return &Producer{logger: log}
	}
	return &Producer{
		topic:  topic,
		logger: log,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Enabled — уходят ли события из процесса на самом деле.
func (p *Producer) Enabled() bool { return p.writer != nil }

// ProduceSessionEvent отправляет событие в топик. Ключ сообщения — session_id,
// чтобы события одной сессии попадали в одну партицию по порядку.
func (p *Producer) ProduceSessionEvent(ctx context.Context, event string, payload map[string]interface{}) {
	if p.writer == nil {
		return
	}
	msg := map[string]interface{}{"event": event}
	for k, v := range payload {
		msg[k] = v
	}
	body, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("marshal session event", slog.String("event", event), slog.Any("error", err))
		return
	}
	key, _ := payload["session_id"].(string)
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: body}); err != nil {
		p.logger.Warn("write session event", slog.String("event", event), slog.Any("error", err))
	}
}

// Close закрывает writer.
func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// SessionPayload — поля сессии, которые уходят в каждое событие.
func SessionPayload(s *model.Session) map[string]interface{} {
	if s == nil {
		return nil
	}
	out := map[string]interface{}{
		"session_id":       s.ID,
		"user_id":          s.UserID,
		"subject":          s.Subject,
		"status":           string(s.Status),
		"priority":         string(s.Priority),
		"category":         string(s.Category),
		"last_activity_at": s.LastActivityAt.UTC().Format(time.RFC3339),
	}
	if s.AgentID != nil {
		out["agent_id"] = *s.AgentID
	}
	if s.OrderRef != nil {
		out["order_ref"] = *s.OrderRef
	}
	if s.CloseReason != model.CloseReasonNone {
		out["close_reason"] = string(s.CloseReason)
	}
	if s.InactiveMinutes > 0 {
		out["inactive_minutes"] = s.InactiveMinutes
	}
	if s.FeedbackRating != nil {
		out["feedback_rating"] = *s.FeedbackRating
	}
	return out
}

// MessagePayload — поля сообщения для события message.created.
func MessagePayload(m *model.Message) map[string]interface{} {
	if m == nil {
		return nil
	}
	return map[string]interface{}{
		"session_id":  m.SessionID,
		"message_id":  m.ID,
		"sender":      string(m.Sender),
		"kind":        string(m.Kind),
		"attachments": len(m.Attachments),
		"created_at":  m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ParseBrokers разбивает строку брокеров "host1:9092,host2:9092" на слайс.
func ParseBrokers(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
