package signaling

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds a single frame or control write.
const writeWait = 10 * time.Second

// Conn is one open, message-framed duplex channel. ReadMessage is called
// from a single goroutine; WriteMessage and Close may be called from any.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Conn to the signaling endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Compile-time interface checks.
var (
	_ Dialer = (*WSDialer)(nil)
	_ Conn   = (*wsConn)(nil)
)

// WSDialer dials the signaling endpoint over WebSocket.
type WSDialer struct {
	// PingInterval is how often a ping is sent; the read deadline is pushed
	// out by twice this value on every pong. Zero disables keepalive.
	PingInterval time.Duration

	// Header is sent with the upgrade request (e.g. Origin).
	Header http.Header
}

// Dial connects to url and returns the wrapped connection.
func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return newWSConn(conn, d.PingInterval), nil
}

// wsConn adapts *websocket.Conn to Conn: it serializes writes (gorilla
// allows only one concurrent writer) and runs the ping loop.
type wsConn struct {
	conn         *websocket.Conn
	pingInterval time.Duration

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, pingInterval time.Duration) *wsConn {
	c := &wsConn{
		conn:         conn,
		pingInterval: pingInterval,
		done:         make(chan struct{}),
	}

	if pingInterval > 0 {
		pongWait := 2 * pingInterval
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go c.pingLoop()
	}

	return c
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// ReadMessage returns the next text or binary frame.
func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// WriteMessage sends one text frame.
func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal-closure frame (best effort) and closes the socket.
// Safe to call multiple times.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
