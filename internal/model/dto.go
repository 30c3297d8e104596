package model

// Тела запросов и ответов HTTP API хранилища сессий. Общие для клиента и сервера.

type CreateSessionRequest struct {
	Subject  string   `json:"subject" binding:"required"`
	Category Category `json:"category"`
	Priority Priority `json:"priority"`
	OrderRef *string  `json:"order_ref,omitempty"`
	Body     string   `json:"body" binding:"required"`
}

type PostMessageRequest struct {
	Body        string       `json:"body"`
	Kind        MessageKind  `json:"kind"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ClientID    string       `json:"client_id,omitempty"`
}

type AutoCloseRequest struct {
	Reason          CloseReason `json:"reason"`
	InactiveMinutes int         `json:"inactive_minutes"`
}

type FeedbackRequest struct {
	Rating  int    `json:"rating" binding:"required"`
	Comment string `json:"comment"`
}

// SessionDetail — сессия с полной историей сообщений.
type SessionDetail struct {
	Session  Session   `json:"session"`
	Messages []Message `json:"messages"`
}

type SessionList struct {
	Sessions []SessionSummary `json:"sessions"`
	Total    int64            `json:"total"`
}

type MarkSeenResponse struct {
	Status  string `json:"status"`
	Updated int64  `json:"updated"`
}
