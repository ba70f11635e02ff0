package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/palboard-project/gateway/internal/steamcmd"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsCloseGrace   = time.Second
)

// parseUpdateQuery reads ?game= and ?validate=. Without game only SteamCMD
// updates itself; validate defaults to true.
func parseUpdateQuery(c *gin.Context) (steamcmd.UpdateKind, error) {
	game := false
	if v := c.Query("game"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return steamcmd.UpdateKind{}, errors.New("invalid game parameter")
		}
		game = b
	}
	validate := true
	if v := c.Query("validate"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return steamcmd.UpdateKind{}, errors.New("invalid validate parameter")
		}
		validate = b
	}

	if !game {
		return steamcmd.SteamRuntimeUpdate(), nil
	}
	return steamcmd.GameUpdate(validate), nil
}

func (s *Server) upgrader() *websocket.Upgrader {
	origins := s.cfg.GetGateway().AllowedOrigins
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range origins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
}

// handleSteamUpdate runs one SteamCMD session and streams it over a
// WebSocket: raw output as binary messages, parsed events as JSON text
// messages, then a close frame.
func (s *Server) handleSteamUpdate(c *gin.Context) {
	kind, err := parseUpdateQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := s.updater.Begin(kind)
	if err != nil {
		respondError(c, err)
		return
	}

	ws, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader already wrote the HTTP error.
		log.Warn().Err(err).Msg("API: websocket upgrade failed")
		session.Abort()
		return
	}

	log.Info().
		Str("session", session.ID).
		Str("kind", kind.String()).
		Str("client_ip", c.ClientIP()).
		Msg("API: update started")

	conn := newWSConn(ws)
	if err := session.Run(s.lifetime, conn); err != nil {
		log.Warn().Err(err).Str("session", session.ID).Msg("API: update ended with error")
	}
}

// wsConn adapts a WebSocket to steamcmd.Conn. gorilla/websocket allows one
// concurrent writer, so writes are serialized.
type wsConn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool

	// readDone is closed when the client side stops reading.
	readDone chan struct{}
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{ws: ws, readDone: make(chan struct{})}
	go c.readLoop()
	return c
}

// readLoop drains client messages so control frames are processed.
func (c *wsConn) readLoop() {
	defer close(c.readDone)
	for {
		if _, _, err := c.ws.NextReader(); err != nil {
			return
		}
	}
}

func (c *wsConn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.ws.WriteMessage(messageType, data)
}

func (c *wsConn) WriteRaw(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *wsConn) WriteEvent(e steamcmd.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

// Close sends a normal close frame, waits briefly for the client to answer
// and releases the connection.
func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	err := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteTimeout))
	c.mu.Unlock()

	if err == nil {
		select {
		case <-c.readDone:
		case <-time.After(wsCloseGrace):
		}
	}
	if cerr := c.ws.Close(); err == nil {
		err = cerr
	}
	return err
}
