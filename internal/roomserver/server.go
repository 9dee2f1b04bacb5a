// Package roomserver is a reference signaling server for mesh rooms. It
// authenticates participants, keeps room rosters, announces arrivals and
// departures, and relays webrtc_signal frames between members of a room.
// Media never passes through it.
package roomserver

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/1ureka/meshroom/internal/config"
	"github.com/1ureka/meshroom/internal/util"
)

// Server serves the WebSocket signaling endpoint and a small HTTP API.
type Server struct {
	cfg      config.Server
	verify   Verifier
	store    RosterStore
	hub      *hub
	upgrader websocket.Upgrader
	engine   *gin.Engine
}

// New builds a server over store. Tokens are verified with cfg.JWTSecret.
func New(cfg config.Server, store RosterStore) *Server {
	s := &Server{
		cfg:    cfg,
		verify: JWTVerifier(cfg.JWTSecret),
		store:  store,
		hub:    newHub(cfg, store),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origins are checked by originFilter before the upgrade.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), originFilter(cfg.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/api/rooms/:roomId", s.getRoom)
	r.GET("/ws", s.handleWS)

	s.engine = r
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.engine }

// Close drops every connection and releases the roster store.
func (s *Server) Close() error {
	s.hub.closeAll()
	return s.store.Close()
}

func (s *Server) handleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.LogWarning("failed to upgrade connection: %v", err)
		return
	}

	cn := newConn(s, ws)
	if !s.hub.register(cn) {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}

	util.LogDebug("connection %s from %s", cn.id, c.Request.RemoteAddr)
	go cn.writePump()
	go cn.readPump()
}

// getRoom reports the mirrored occupancy of a room.
func (s *Server) getRoom(c *gin.Context) {
	roomID := c.Param("roomId")

	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()

	n, err := s.store.Count(ctx, roomID)
	if err != nil {
		util.LogError("room info %s: %v", roomID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "roster unavailable"})
		return
	}

	limit, declared := s.hub.capacity(roomID)
	if n == 0 && !declared {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"roomId":          roomID,
		"participants":    n,
		"maxParticipants": limit,
	})
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// originFilter rejects browser requests from origins not listed. An empty
// list admits every origin; requests without an Origin header always pass.
func originFilter(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			origin = c.GetHeader("Sec-WebSocket-Origin")
		}

		ok := len(allowed) == 0 || slices.Contains(allowed, origin)
		if !ok && origin != "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Origin not allowed"})
			return
		}

		if ok && origin != "" {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		util.LogDebug("%s %s %d %s", c.Request.Method, c.Request.URL.Path,
			c.Writer.Status(), time.Since(start).Round(time.Microsecond))
	}
}
