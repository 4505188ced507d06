package guildchat

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

// Dialer opens live-channel connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is one established live-channel connection carrying JSON text frames.
// Read blocks until a frame arrives; when the peer sends a close frame Read
// returns a *CloseError.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// CloseError reports a close frame received from the server.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: status %d %q", e.Code, e.Reason)
}

// DefaultReadLimit is the largest inbound frame accepted, in bytes.
const DefaultReadLimit = 1 << 20

// WebsocketDialer dials the live channel over websocket.
type WebsocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
	ReadLimit  int64
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	c.SetReadLimit(limit)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: int(ce.Code), Reason: ce.Reason}
		}
		return nil, err
	}
	return data, nil
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "client disconnect")
}
