package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SessionStatus string

const (
	SessionStatusOpen       SessionStatus = "open"
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusClosed     SessionStatus = "closed"
)

// Valid — известный ли это статус.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusOpen, SessionStatusInProgress, SessionStatusClosed:
		return true
	}
	return false
}

type CloseReason string

const (
	CloseReasonNone         CloseReason = ""
	CloseReasonUserClosed   CloseReason = "user_closed"
	CloseReasonAgentClosed  CloseReason = "agent_closed"
	CloseReasonUserInactive CloseReason = "user_inactive"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type Category string

const (
	CategoryGeneral   Category = "general"
	CategoryOrder     Category = "order"
	CategoryPayment   Category = "payment"
	CategoryShipping  Category = "shipping"
	CategoryReturns   Category = "returns"
	CategoryTechnical Category = "technical"
	CategoryAccount   Category = "account"
	CategoryOther     Category = "other"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryGeneral, CategoryOrder, CategoryPayment, CategoryShipping,
		CategoryReturns, CategoryTechnical, CategoryAccount, CategoryOther:
		return true
	}
	return false
}

// Session — тикет/сессия поддержки. Каноническая форма для клиента и сервера.
type Session struct {
	ID              string        `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID          string        `gorm:"index;not null" json:"user_id"`
	Subject         string        `gorm:"type:varchar(255)" json:"subject"`
	Status          SessionStatus `gorm:"type:varchar(32);index;not null" json:"status"`
	Priority        Priority      `gorm:"type:varchar(32);index" json:"priority"`
	Category        Category      `gorm:"type:varchar(32);index" json:"category"`
	OrderRef        *string       `gorm:"type:varchar(64)" json:"order_ref,omitempty"`
	AgentID         *string       `gorm:"index" json:"agent_id,omitempty"`
	CloseReason     CloseReason   `gorm:"type:varchar(32)" json:"close_reason,omitempty"`
	InactiveMinutes int           `json:"inactive_minutes,omitempty"`

	FeedbackRating  *int       `json:"feedback_rating,omitempty"`
	FeedbackComment string     `gorm:"type:text" json:"feedback_comment,omitempty"`
	FeedbackAt      *time.Time `json:"feedback_at,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `gorm:"index" json:"last_activity_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
}

func (Session) TableName() string { return "support_sessions" }

func (s *Session) BeforeCreate(*gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// IsClosed — сессия больше не принимает исходящие сообщения.
func (s *Session) IsClosed() bool {
	return s != nil && s.Status == SessionStatusClosed
}

// SessionSummary — строка списка: сессия и число её сообщений.
type SessionSummary struct {
	Session
	MessageCount int64 `json:"message_count"`
}

type SenderRole string

const (
	SenderUser   SenderRole = "user"
	SenderAgent  SenderRole = "agent"
	SenderSystem SenderRole = "system"
)

type MessageKind string

const (
	KindText   MessageKind = "text"
	KindFile   MessageKind = "file"
	KindImage  MessageKind = "image"
	KindSystem MessageKind = "system"
)

func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindFile, KindImage, KindSystem:
		return true
	}
	return false
}

// DeliveryState существует только на клиенте и не сохраняется.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

type Attachment struct {
	URL       string `json:"url"`
	Filename  string `json:"filename"`
	ByteSize  int64  `json:"byte_size"`
	MediaType string `json:"media_type"`
}

type Message struct {
	ID          string        `gorm:"primaryKey;type:varchar(64)" json:"id,omitempty"`
	SessionID   string        `gorm:"index;not null" json:"session_id"`
	ClientID    string        `gorm:"type:varchar(128);index" json:"client_id,omitempty"`
	Sender      SenderRole    `gorm:"type:varchar(16);not null" json:"sender"`
	SenderName  string        `gorm:"type:varchar(128)" json:"sender_name,omitempty"`
	Body        string        `gorm:"type:text" json:"body"`
	Kind        MessageKind   `gorm:"type:varchar(16);not null" json:"kind"`
	Attachments []Attachment  `gorm:"serializer:json;type:jsonb" json:"attachments,omitempty"`
	CreatedAt   time.Time     `gorm:"index" json:"created_at"`
	SeenAt      *time.Time    `json:"seen_at,omitempty"`
	State       DeliveryState `gorm:"-" json:"-"`
}

func (Message) TableName() string { return "support_messages" }

func (m *Message) BeforeCreate(*gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}
