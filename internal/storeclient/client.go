package storeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/psds-microservice/support-session/internal/attachment"
	"github.com/psds-microservice/support-session/internal/errs"
	"github.com/psds-microservice/support-session/internal/logger"
	"github.com/psds-microservice/support-session/internal/model"
)

const defaultTimeout = 10 * time.Second

// HTTPError — ответ хранилища с не-2xx статусом.
type HTTPError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
}

// Unwrap сводит известные статусы к доменным ошибкам.
func (e *HTTPError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return errs.ErrSessionNotFound
	case http.StatusConflict:
		return errs.ErrSessionClosed
	case http.StatusUnauthorized:
		return errs.ErrUnauthorized
	case http.StatusForbidden:
		return errs.ErrForbidden
	}
	return nil
}

// Client ходит в HTTP API хранилища сессий от имени пользователя (Bearer).
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient возвращает клиент для baseURL (например http://localhost:8098).
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "storeclient"))
	return c
}

func (c *Client) ListSessions(ctx context.Context) ([]model.SessionSummary, error) {
	var out model.SessionList
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *Client) CreateSession(ctx context.Context, in model.CreateSessionRequest) (*model.SessionDetail, error) {
	var out model.SessionDetail
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*model.SessionDetail, error) {
	var out model.SessionDetail
	if err := c.do(ctx, http.MethodGet, sessionPath(id, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PostMessage(ctx context.Context, id string, in model.PostMessageRequest) (*model.Message, error) {
	var out model.Message
	if err := c.do(ctx, http.MethodPost, sessionPath(id, "/messages"), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkSeen возвращает число только что отмеченных сообщений.
func (c *Client) MarkSeen(ctx context.Context, id string) (int64, error) {
	var out model.MarkSeenResponse
	if err := c.do(ctx, http.MethodPost, sessionPath(id, "/seen"), nil, &out); err != nil {
		return 0, err
	}
	return out.Updated, nil
}

func (c *Client) CloseSession(ctx context.Context, id string) (*model.Session, error) {
	var out model.Session
	if err := c.do(ctx, http.MethodPost, sessionPath(id, "/close"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AutoCloseSession(ctx context.Context, id string, reason model.CloseReason, minutes int) (*model.Session, error) {
	var out model.Session
	in := model.AutoCloseRequest{Reason: reason, InactiveMinutes: minutes}
	if err := c.do(ctx, http.MethodPost, sessionPath(id, "/auto-close"), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SubmitFeedback(ctx context.Context, id string, rating int, comment string) error {
	in := model.FeedbackRequest{Rating: rating, Comment: comment}
	return c.do(ctx, http.MethodPost, sessionPath(id, "/feedback"), in, nil)
}

// Upload отправляет один файл в multipart-поле "file". Отказ хранилища
// возвращается как результат с Success=false, сбой транспорта — как ошибка.
func (c *Client) Upload(ctx context.Context, name, mediaType string, data []byte) (attachment.UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", mediaType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return attachment.UploadResult{}, fmt.Errorf("upload %s: %w", name, err)
	}
	if _, err := part.Write(data); err != nil {
		return attachment.UploadResult{}, fmt.Errorf("upload %s: %w", name, err)
	}
	if err := mw.Close(); err != nil {
		return attachment.UploadResult{}, fmt.Errorf("upload %s: %w", name, err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/uploads", &buf)
	if err != nil {
		return attachment.UploadResult{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return attachment.UploadResult{}, fmt.Errorf("upload %s: %w", name, err)
	}
	defer resp.Body.Close()

	var out attachment.UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if resp.StatusCode/100 != 2 {
			return attachment.UploadResult{}, &HTTPError{Method: http.MethodPost, Path: "/api/v1/uploads", Status: resp.StatusCode}
		}
		return attachment.UploadResult{}, fmt.Errorf("upload %s: decode: %w", name, err)
	}
	if resp.StatusCode/100 != 2 && out.Error == "" {
		return attachment.UploadResult{}, &HTTPError{Method: http.MethodPost, Path: "/api/v1/uploads", Status: resp.StatusCode}
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s %s: marshal: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		herr := &HTTPError{Method: method, Path: path, Status: resp.StatusCode}
		var eb struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&eb) == nil {
			herr.Message = eb.Error
		}
		c.logger.Debug("store request failed", slog.String("path", path), slog.Int("status", resp.StatusCode))
		return herr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: new request: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func sessionPath(id, suffix string) string {
	return "/api/v1/sessions/" + url.PathEscape(id) + suffix
}
