package roomserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/1ureka/meshroom/internal/protocol"
	"github.com/1ureka/meshroom/internal/util"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendBuffer   = 256
	maxFrameSize = 64 << 10
)

// conn is one participant WebSocket. userID, username and room are
// guarded by the hub mutex.
type conn struct {
	id      string
	srv     *Server
	ws      *websocket.Conn
	limiter *rate.Limiter

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	userID   string
	username string
	room     *room
}

func newConn(srv *Server, ws *websocket.Conn) *conn {
	return &conn{
		id:      uuid.NewString(),
		srv:     srv,
		ws:      ws,
		limiter: rate.NewLimiter(rate.Limit(srv.cfg.FrameRate), srv.cfg.FrameBurst),
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
}

// close stops the write pump, which closes the socket and thereby ends
// the read pump. Safe to call multiple times.
func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// reply queues msg without blocking; a full buffer drops it.
func (c *conn) reply(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		util.LogError("encode %s for %s: %v", msg.Type(), c.id, err)
		return
	}

	select {
	case <-c.done:
	case c.send <- data:
	default:
		util.Stats.AddDrop()
		util.LogWarning("send buffer full for %s, %s dropped", c.id, msg.Type())
	}
}

func (c *conn) fail(code protocol.ErrorCode, message string) {
	util.LogDebug("%s: %s %s", c.id, code, message)
	c.reply(protocol.Error{Code: code, Message: message})
}

// ---------------------------------------------------------------------------
// Pumps
// ---------------------------------------------------------------------------

func (c *conn) readPump() {
	defer func() {
		c.srv.hub.leave(c, false)
		c.srv.hub.unregister(c)
		c.close()
		util.LogDebug("connection %s closed", c.id)
	}()

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				util.LogWarning("connection %s: %v", c.id, err)
			}
			return
		}
		util.Stats.AddRecv()
		c.handle(data)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				util.LogWarning("write to %s: %v", c.id, err)
				c.close()
				return
			}
			util.Stats.AddSent()

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

func (c *conn) handle(data []byte) {
	if !c.limiter.Allow() {
		util.Stats.AddDrop()
		c.fail(protocol.CodeRateLimited, "too many frames")
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		util.Stats.AddDrop()
		c.fail(protocol.CodeInvalidMessage, err.Error())
		return
	}

	switch m := msg.(type) {
	case protocol.Authenticate:
		c.authenticate(m.Token)
	case protocol.JoinRoom:
		c.srv.hub.join(c, m.RoomID)
	case protocol.LeaveRoom:
		c.srv.hub.leave(c, true)
	case protocol.Signal:
		c.srv.hub.relay(c, m)
	case protocol.Unknown:
		util.Stats.AddDrop()
		c.fail(protocol.CodeInvalidMessage, fmt.Sprintf("unknown frame type %q", m.RawType))
	default:
		util.Stats.AddDrop()
		c.fail(protocol.CodeInvalidMessage, fmt.Sprintf("%s is a server frame", msg.Type()))
	}
}

func (c *conn) authenticate(token string) {
	id, err := c.srv.verify(token)
	if err != nil {
		util.LogWarning("authenticate on %s: %v", c.id, err)
		c.fail(protocol.CodeAuthFailed, "invalid token")
		return
	}
	if err := c.srv.hub.authenticate(c, id); err != nil {
		c.fail(protocol.CodeAuthFailed, err.Error())
		return
	}

	util.LogInfo("connection %s authenticated as %s", c.id, id.UserID)
	c.reply(protocol.Authenticated{UserID: id.UserID})
}
