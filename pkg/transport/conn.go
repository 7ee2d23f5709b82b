// Package transport wraps gorilla/websocket behind the small Conn/Dialer
// interfaces used by the connection manager and the relay.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	CloseNormal    = websocket.CloseNormalClosure
	CloseGoingAway = websocket.CloseGoingAway
	CloseAbnormal  = websocket.CloseAbnormalClosure
	CloseInternal  = websocket.CloseInternalServerErr
)

// Conn is one established WebSocket.
//
// ReadMessage is called from a single reader goroutine and WriteMessage from a
// single writer goroutine. Close may be called from anywhere and unblocks both.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// Dialer opens a Conn to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Options tune a wrapped websocket connection.
type Options struct {
	WriteTimeout time.Duration
	// PingInterval enables keepalive pings; the read deadline is extended on
	// every pong. Zero disables keepalive.
	PingInterval time.Duration
	ReadLimit    int64
}

func DefaultOptions() Options {
	return Options{
		WriteTimeout: 10 * time.Second,
		PingInterval: 25 * time.Second,
		ReadLimit:    1 << 20,
	}
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
	Options          Options
}

func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		HandshakeTimeout: 10 * time.Second,
		Options:          DefaultOptions(),
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	c, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s (status %d)", url, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return NewConn(c, d.Options), nil
}

type wsConn struct {
	conn      *websocket.Conn
	opts      Options
	closeOnce sync.Once
	done      chan struct{}
}

var _ Conn = (*wsConn)(nil)

// NewConn wraps an established gorilla connection (client or server side).
func NewConn(c *websocket.Conn, opts Options) Conn {
	w := &wsConn{conn: c, opts: opts, done: make(chan struct{})}
	if opts.ReadLimit > 0 {
		c.SetReadLimit(opts.ReadLimit)
	}
	if opts.PingInterval > 0 {
		_ = c.SetReadDeadline(time.Now().Add(w.pongWait()))
		c.SetPongHandler(func(string) error {
			return c.SetReadDeadline(time.Now().Add(w.pongWait()))
		})
		go w.pingLoop()
	}
	return w
}

func (w *wsConn) pongWait() time.Duration {
	return 2*w.opts.PingInterval + w.opts.WriteTimeout
}

func (w *wsConn) pingLoop() {
	ticker := time.NewTicker(w.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(w.opts.WriteTimeout)
			if err := w.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// the reader sees the failure on its next read
				return
			}
		}
	}
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *wsConn) WriteMessage(data []byte) error {
	if w.opts.WriteTimeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.opts.WriteTimeout))
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close(code int, reason string) error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		timeout := w.opts.WriteTimeout
		if timeout <= 0 {
			timeout = time.Second
		}
		_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(timeout))
		err = w.conn.Close()
	})
	return err
}

// CloseInfo extracts a close code and reason from a read or write error.
// Errors that are not WebSocket close frames map to CloseAbnormal.
func CloseInfo(err error) (int, string) {
	if err == nil {
		return CloseNormal, ""
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return CloseAbnormal, err.Error()
}

// IsCleanClose reports whether code is a deliberate close by the peer.
func IsCleanClose(code int) bool {
	return code == CloseNormal || code == CloseGoingAway
}
