package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/support-session/internal/errs"
	"github.com/psds-microservice/support-session/internal/middleware"
	"github.com/psds-microservice/support-session/internal/model"
	"github.com/psds-microservice/support-session/internal/service"
)

type SessionHandler struct {
	svc service.SessionServicer
}

func NewSessionHandler(svc service.SessionServicer) *SessionHandler {
	return &SessionHandler{svc: svc}
}

// writeError переводит доменные ошибки в HTTP-статусы.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrSessionClosed),
		errors.Is(err, errs.ErrInvalidTransition),
		errors.Is(err, errs.ErrCloseInProgress):
		status = http.StatusConflict
	case errors.Is(err, errs.ErrInvalidRating),
		errors.Is(err, errs.ErrEmptyMessage),
		errors.Is(err, errs.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, errs.ErrForbidden):
		status = http.StatusForbidden
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg})
}

func actor(c *gin.Context) (service.Actor, bool) {
	a, ok := middleware.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errs.ErrUnauthorized.Error()})
	}
	return a, ok
}

func (h *SessionHandler) Create(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req model.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	detail, err := h.svc.Create(c.Request.Context(), a, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, detail)
}

func (h *SessionHandler) List(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	limit := 0
	offset := 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	items, total, err := h.svc.List(c.Request.Context(), a, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	if items == nil {
		items = []model.SessionSummary{}
	}
	c.JSON(http.StatusOK, model.SessionList{Sessions: items, Total: total})
}

func (h *SessionHandler) Get(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	detail, err := h.svc.Get(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *SessionHandler) PostMessage(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req model.PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	msg, err := h.svc.PostMessage(c.Request.Context(), a, c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *SessionHandler) MarkSeen(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	n, err := h.svc.MarkSeen(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.MarkSeenResponse{Status: "ok", Updated: n})
}

func (h *SessionHandler) Close(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	s, err := h.svc.Close(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *SessionHandler) AutoClose(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req model.AutoCloseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	s, err := h.svc.AutoClose(c.Request.Context(), a, c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *SessionHandler) Feedback(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req model.FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	s, err := h.svc.SubmitFeedback(c.Request.Context(), a, c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}
