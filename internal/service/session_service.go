package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/psds-microservice/support-session/internal/attachment"
	"github.com/psds-microservice/support-session/internal/errs"
	"github.com/psds-microservice/support-session/internal/kafka"
	"github.com/psds-microservice/support-session/internal/logger"
	"github.com/psds-microservice/support-session/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const eventTimeout = 5 * time.Second

// Actor — аутентифицированный участник (из JWT).
type Actor struct {
	ID   string
	Name string
	Role model.SenderRole
}

func (a Actor) IsAgent() bool { return a.Role == model.SenderAgent }

// Broadcaster доставляет авторитетные изменения в realtime-комнату сессии.
type Broadcaster interface {
	MessageCreated(msg *model.Message)
	StatusChanged(s *model.Session)
}

// SessionServicer — интерфейс для HTTP-хендлеров и realtime-хаба (Dependency Inversion).
type SessionServicer interface {
	Create(ctx context.Context, actor Actor, req model.CreateSessionRequest) (*model.SessionDetail, error)
	List(ctx context.Context, actor Actor, limit, offset int) ([]model.SessionSummary, int64, error)
	Get(ctx context.Context, actor Actor, id string) (*model.SessionDetail, error)
	PostMessage(ctx context.Context, actor Actor, id string, req model.PostMessageRequest) (*model.Message, error)
	MarkSeen(ctx context.Context, actor Actor, id string) (int64, error)
	Close(ctx context.Context, actor Actor, id string) (*model.Session, error)
	AutoClose(ctx context.Context, actor Actor, id string, req model.AutoCloseRequest) (*model.Session, error)
	SubmitFeedback(ctx context.Context, actor Actor, id string, req model.FeedbackRequest) (*model.Session, error)
	Session(ctx context.Context, actor Actor, id string) (*model.Session, error)
}

type SessionService struct {
	db       *gorm.DB
	producer kafka.SessionEventProducer
	bc       Broadcaster
	logger   *slog.Logger
	now      func() time.Time
}

func NewSessionService(db *gorm.DB, producer kafka.SessionEventProducer, log *slog.Logger) *SessionService {
	if log == nil {
		log = logger.Discard()
	}
	return &SessionService{
		db:       db,
		producer: producer,
		logger:   log.With(slog.String("component", "service")),
		now:      time.Now,
	}
}

// SetBroadcaster подключает realtime-хаб. Вызывать до старта сервера.
func (s *SessionService) SetBroadcaster(b Broadcaster) { s.bc = b }

func (s *SessionService) Create(ctx context.Context, actor Actor, req model.CreateSessionRequest) (*model.SessionDetail, error) {
	body := strings.TrimSpace(req.Body)
	if body == "" {
		return nil, errs.ErrEmptyMessage
	}
	if req.Category == "" {
		req.Category = model.CategoryGeneral
	}
	if req.Priority == "" {
		req.Priority = model.PriorityMedium
	}
	if !req.Category.Valid() || !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown category or priority", errs.ErrInvalidInput)
	}

	now := s.now().UTC()
	sess := &model.Session{
		UserID:         actor.ID,
		Subject:        strings.TrimSpace(req.Subject),
		Status:         model.SessionStatusOpen,
		Priority:       req.Priority,
		Category:       req.Category,
		OrderRef:       req.OrderRef,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	first := &model.Message{
		Sender:     model.SenderUser,
		SenderName: actor.Name,
		Body:       body,
		Kind:       model.KindText,
		CreatedAt:  now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sess).Error; err != nil {
			return err
		}
		first.SessionID = sess.ID
		return tx.Create(first).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.publish(kafka.EventSessionCreated, kafka.SessionPayload(sess))
	s.publish(kafka.EventMessageCreated, kafka.MessagePayload(first))
	return &model.SessionDetail{Session: *sess, Messages: []model.Message{*first}}, nil
}

// List возвращает сессии пользователя (агент видит все) по убыванию последней активности.
func (s *SessionService) List(ctx context.Context, actor Actor, limit, offset int) ([]model.SessionSummary, int64, error) {
	var items []model.SessionSummary
	var total int64
	base := func() *gorm.DB {
		tx := s.db.WithContext(ctx).Model(&model.Session{})
		if !actor.IsAgent() {
			tx = tx.Where("user_id = ?", actor.ID)
		}
		return tx
	}
	if err := base().Count(&total).Error; err != nil {
		return nil, 0, err
	}
	tx := base()
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if offset > 0 {
		tx = tx.Offset(offset)
	}
	err := tx.Select("support_sessions.*, (SELECT COUNT(*) FROM support_messages m WHERE m.session_id = support_sessions.id) AS message_count").
		Order("last_activity_at DESC").
		Scan(&items).Error
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *SessionService) Get(ctx context.Context, actor Actor, id string) (*model.SessionDetail, error) {
	sess, err := s.Session(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	var msgs []model.Message
	if err := s.db.WithContext(ctx).Where("session_id = ?", id).Order("created_at ASC").Find(&msgs).Error; err != nil {
		return nil, err
	}
	return &model.SessionDetail{Session: *sess, Messages: msgs}, nil
}

// Session загружает сессию с проверкой доступа.
func (s *SessionService) Session(ctx context.Context, actor Actor, id string) (*model.Session, error) {
	var sess model.Session
	if err := s.db.WithContext(ctx).First(&sess, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrSessionNotFound
		}
		return nil, err
	}
	if err := CanAccess(actor, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// PostMessage сохраняет сообщение. Повтор с тем же client_id возвращает уже
// сохранённое сообщение без повторной рассылки.
func (s *SessionService) PostMessage(ctx context.Context, actor Actor, id string, req model.PostMessageRequest) (*model.Message, error) {
	req.Body = strings.TrimSpace(req.Body)
	if req.Body == "" && len(req.Attachments) == 0 {
		return nil, errs.ErrEmptyMessage
	}
	if len(req.Attachments) > attachment.MaxFiles {
		return nil, fmt.Errorf("%w: at most %d attachments", errs.ErrInvalidInput, attachment.MaxFiles)
	}
	if req.Kind == "" || req.Kind == model.KindSystem || !req.Kind.Valid() {
		req.Kind = attachment.DeriveKind(req.Body, req.Attachments)
	}

	var (
		msg       *model.Message
		sess      model.Session
		replay    bool
		statusMod bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&sess, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.ErrSessionNotFound
			}
			return err
		}
		if err := CanAccess(actor, &sess); err != nil {
			return err
		}
		if req.ClientID != "" {
			var existing model.Message
			err := tx.Where("session_id = ? AND client_id = ?", id, req.ClientID).First(&existing).Error
			if err == nil {
				msg, replay = &existing, true
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		if sess.IsClosed() {
			return errs.ErrSessionClosed
		}

		now := s.now().UTC()
		msg = &model.Message{
			SessionID:   id,
			ClientID:    req.ClientID,
			Sender:      actor.Role,
			SenderName:  actor.Name,
			Body:        req.Body,
			Kind:        req.Kind,
			Attachments: req.Attachments,
			CreatedAt:   now,
		}
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		sess.LastActivityAt = now
		changes := map[string]interface{}{"last_activity_at": now}
		if actor.IsAgent() && sess.Status == model.SessionStatusOpen {
			sess.Status = model.SessionStatusInProgress
			changes["status"] = sess.Status
			statusMod = true
		}
		if actor.IsAgent() && sess.AgentID == nil {
			agentID := actor.ID
			sess.AgentID = &agentID
			changes["agent_id"] = agentID
		}
		return tx.Model(&sess).Updates(changes).Error
	})
	if err != nil {
		return nil, err
	}
	if replay {
		return msg, nil
	}

	if s.bc != nil {
		s.bc.MessageCreated(msg)
		if statusMod {
			s.bc.StatusChanged(&sess)
		}
	}
	s.publish(kafka.EventMessageCreated, kafka.MessagePayload(msg))
	return msg, nil
}

// MarkSeen отмечает прочитанными сообщения другой стороны.
func (s *SessionService) MarkSeen(ctx context.Context, actor Actor, id string) (int64, error) {
	if _, err := s.Session(ctx, actor, id); err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).Model(&model.Message{}).
		Where("session_id = ? AND seen_at IS NULL AND sender <> ?", id, actor.Role).
		Update("seen_at", s.now().UTC())
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// Close закрывает сессию по явному запросу участника.
func (s *SessionService) Close(ctx context.Context, actor Actor, id string) (*model.Session, error) {
	reason := model.CloseReasonUserClosed
	if actor.IsAgent() {
		reason = model.CloseReasonAgentClosed
	}
	sess, err := s.close(ctx, actor, id, reason, 0)
	if err != nil {
		return nil, err
	}
	s.publish(kafka.EventSessionClosed, kafka.SessionPayload(sess))
	return sess, nil
}

// AutoClose закрывает сессию по неактивности пользователя (reason=user_inactive).
func (s *SessionService) AutoClose(ctx context.Context, actor Actor, id string, req model.AutoCloseRequest) (*model.Session, error) {
	if req.Reason == model.CloseReasonNone {
		req.Reason = model.CloseReasonUserInactive
	}
	if req.Reason != model.CloseReasonUserInactive {
		return nil, fmt.Errorf("%w: auto-close reason must be %s", errs.ErrInvalidInput, model.CloseReasonUserInactive)
	}
	if req.InactiveMinutes <= 0 {
		return nil, fmt.Errorf("%w: inactive_minutes must be positive", errs.ErrInvalidInput)
	}
	sess, err := s.close(ctx, actor, id, req.Reason, req.InactiveMinutes)
	if err != nil {
		return nil, err
	}
	s.publish(kafka.EventSessionAutoClosed, kafka.SessionPayload(sess))
	return sess, nil
}

func (s *SessionService) close(ctx context.Context, actor Actor, id string, reason model.CloseReason, minutes int) (*model.Session, error) {
	var sess model.Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&sess, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.ErrSessionNotFound
			}
			return err
		}
		if err := CanAccess(actor, &sess); err != nil {
			return err
		}
		if err := CloseAllowed(&sess); err != nil {
			return err
		}
		now := s.now().UTC()
		sess.Status = model.SessionStatusClosed
		sess.CloseReason = reason
		sess.InactiveMinutes = minutes
		sess.ClosedAt = &now
		return tx.Model(&sess).Updates(map[string]interface{}{
			"status":           sess.Status,
			"close_reason":     sess.CloseReason,
			"inactive_minutes": sess.InactiveMinutes,
			"closed_at":        now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	if s.bc != nil {
		s.bc.StatusChanged(&sess)
	}
	s.logger.Info("session closed", slog.String("session_id", id), slog.String("reason", string(reason)))
	return &sess, nil
}

// SubmitFeedback принимает оценку 1–5 только для закрытой сессии и только от её пользователя.
func (s *SessionService) SubmitFeedback(ctx context.Context, actor Actor, id string, req model.FeedbackRequest) (*model.Session, error) {
	if req.Rating < 1 || req.Rating > 5 {
		return nil, errs.ErrInvalidRating
	}
	sess, err := s.Session(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if actor.IsAgent() {
		return nil, errs.ErrForbidden
	}
	if !sess.IsClosed() {
		return nil, fmt.Errorf("%w: feedback requires a closed session", errs.ErrInvalidTransition)
	}
	now := s.now().UTC()
	rating := req.Rating
	sess.FeedbackRating = &rating
	sess.FeedbackComment = strings.TrimSpace(req.Comment)
	sess.FeedbackAt = &now
	err = s.db.WithContext(ctx).Model(sess).Updates(map[string]interface{}{
		"feedback_rating":  rating,
		"feedback_comment": sess.FeedbackComment,
		"feedback_at":      now,
	}).Error
	if err != nil {
		return nil, err
	}
	payload := kafka.SessionPayload(sess)
	payload["feedback_comment"] = sess.FeedbackComment
	s.publish(kafka.EventSessionFeedback, payload)
	return sess, nil
}

// publish — fire-and-forget: событие уходит даже при отмене запроса, но с таймаутом.
func (s *SessionService) publish(event string, payload map[string]interface{}) {
	if s.producer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		s.producer.ProduceSessionEvent(ctx, event, payload)
	}()
}

// CanAccess: пользователь видит только свои сессии, агент — любые.
func CanAccess(actor Actor, sess *model.Session) error {
	if actor.IsAgent() || sess.UserID == actor.ID {
		return nil
	}
	return errs.ErrForbidden
}

// CloseAllowed проверяет переход в closed: из closed переходов нет.
func CloseAllowed(sess *model.Session) error {
	if sess.IsClosed() {
		return errs.ErrSessionClosed
	}
	if !sess.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", errs.ErrInvalidTransition, sess.Status)
	}
	return nil
}
