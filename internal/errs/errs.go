package errs

import "errors"

// Доменные ошибки сессий поддержки. Сравнивать через errors.Is.
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionClosed     = errors.New("session is closed")
	ErrInvalidTransition = errors.New("session status transition is not allowed")
	ErrCloseInProgress   = errors.New("session close already in progress")
	ErrCloseNotConfirmed = errors.New("session close was not confirmed")
	ErrInvalidRating     = errors.New("rating must be between 1 and 5")
	ErrEmptyMessage      = errors.New("message body or attachment is required")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotConnected      = errors.New("realtime connection is not established")
	ErrNoFocusedSession  = errors.New("no session is focused")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
)
