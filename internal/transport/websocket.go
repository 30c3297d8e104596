package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/psds-microservice/support-session/internal/protocol"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 1 << 20

// WebSocketDialer dials the hub at URL, passing the token as a query
// parameter.
type WebSocketDialer struct {
	URL        string
	HTTPClient *http.Client
}

func (d WebSocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse ws url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	c, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	c.SetReadLimit(readLimit)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) (protocol.Frame, error) {
	var f protocol.Frame
	err := wsjson.Read(ctx, w.c, &f)
	return f, err
}

func (w *wsConn) Write(ctx context.Context, f protocol.Frame) error {
	return wsjson.Write(ctx, w.c, f)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}
