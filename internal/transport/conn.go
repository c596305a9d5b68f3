// Package transport carries terminal sessions over websockets. Text messages
// hold JSON control frames (or raw terminal text); binary messages hold raw
// terminal bytes.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	TextMessage   = websocket.TextMessage
	BinaryMessage = websocket.BinaryMessage
)

// Conn is the subset of *websocket.Conn the gateway client and server use.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials gorilla websocket connections.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	// ReadLimit caps inbound message size; zero leaves it unlimited.
	ReadLimit int64
	Header    http.Header
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if url == "" {
		return nil, errors.New("gateway url required")
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return Wrap(conn), nil
}

// Wrap serialises writes and makes Close idempotent. gorilla allows one
// concurrent reader and one concurrent writer.
func Wrap(conn Conn) Conn {
	return &lockedConn{conn: conn}
}

type lockedConn struct {
	conn    Conn
	writeMu sync.Mutex
	once    sync.Once
	err     error
}

func (c *lockedConn) ReadJSON(v any) error { return c.conn.ReadJSON(v) }

func (c *lockedConn) ReadMessage() (int, []byte, error) { return c.conn.ReadMessage() }

func (c *lockedConn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *lockedConn) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

func (c *lockedConn) Close() error {
	c.once.Do(func() {
		c.err = c.conn.Close()
	})
	return c.err
}
