package storeclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/psds-microservice/support-session/internal/errs"
	"github.com/psds-microservice/support-session/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "secret")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestPostMessage(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/sessions/s1/messages", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var in model.PostMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "hello", in.Body)
		assert.Equal(t, "local-1", in.ClientID)

		writeJSON(w, http.StatusCreated, model.Message{ID: "m1", SessionID: "s1", ClientID: in.ClientID, Body: in.Body, Sender: model.SenderUser, Kind: model.KindText})
	})

	msg, err := c.PostMessage(context.Background(), "s1", model.PostMessageRequest{Body: "hello", Kind: model.KindText, ClientID: "local-1"})
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "local-1", msg.ClientID)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "not found", status: http.StatusNotFound, want: errs.ErrSessionNotFound},
		{name: "closed", status: http.StatusConflict, want: errs.ErrSessionClosed},
		{name: "unauthorized", status: http.StatusUnauthorized, want: errs.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, map[string]string{"error": tt.name})
			})

			_, err := c.CloseSession(context.Background(), "s1")

			require.ErrorIs(t, err, tt.want)
			var herr *HTTPError
			require.ErrorAs(t, err, &herr)
			assert.Equal(t, tt.status, herr.Status)
			assert.Equal(t, tt.name, herr.Message)
		})
	}
}

func TestServerErrorIsNotASentinel(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := c.SubmitFeedback(context.Background(), "s1", 5, "thanks")
	require.Error(t, err)
	assert.NotErrorIs(t, err, errs.ErrSessionClosed)
}

func TestAutoCloseSendsReason(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sessions/s1/auto-close", r.URL.Path)
		var in model.AutoCloseRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		writeJSON(w, http.StatusOK, model.Session{ID: "s1", Status: model.SessionStatusClosed, CloseReason: in.Reason, InactiveMinutes: in.InactiveMinutes})
	})

	s, err := c.AutoCloseSession(context.Background(), "s1", model.CloseReasonUserInactive, 10)
	require.NoError(t, err)
	assert.Equal(t, model.CloseReasonUserInactive, s.CloseReason)
	assert.Equal(t, 10, s.InactiveMinutes)
}

func TestListAndDetail(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/sessions":
			writeJSON(w, http.StatusOK, model.SessionList{
				Sessions: []model.SessionSummary{{Session: model.Session{ID: "s1"}, MessageCount: 3}},
				Total:    1,
			})
		case "/api/v1/sessions/s1":
			writeJSON(w, http.StatusOK, model.SessionDetail{
				Session:  model.Session{ID: "s1", Status: model.SessionStatusOpen},
				Messages: []model.Message{{ID: "m1"}, {ID: "m2"}},
			})
		case "/api/v1/sessions/s1/seen":
			writeJSON(w, http.StatusOK, model.MarkSeenResponse{Status: "ok", Updated: 2})
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	list, err := c.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(3), list[0].MessageCount)

	d, err := c.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, d.Messages, 2)

	n, err := c.MarkSeen(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestUpload(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/uploads", r.URL.Path)
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "receipt.pdf", hdr.Filename)
		assert.Equal(t, "application/pdf", hdr.Header.Get("Content-Type"))
		assert.Equal(t, "%PDF-1.4", string(data))
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "url": "http://files/receipt.pdf"})
	})

	res, err := c.Upload(context.Background(), "receipt.pdf", "application/pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "http://files/receipt.pdf", res.URL)
}

func TestUploadRejected(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "file type not allowed"})
	})

	res, err := c.Upload(context.Background(), "a.exe", "application/octet-stream", []byte{1})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "file type not allowed", res.Error)
}
