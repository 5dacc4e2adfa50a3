package server

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// wsControl is a client -> server control message.
type wsControl struct {
	Type string `json:"type"`
}

// handleMonitorWS streams one session's log messages to a subscriber.
// The client may send ping and keepalive control messages; everything
// else is ignored.
func (s *Server) handleMonitorWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sessionID := c.Param("session_id")
	sess, ok := s.monitors.Get(sessionID)
	if !ok {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		conn.WriteJSON(gin.H{"type": "error", "message": "session not found: " + sessionID})
		return
	}

	logs, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(gin.H{"type": "connected", "session_id": sessionID}); err != nil {
		return
	}
	log.Printf("[ws] subscriber attached to session %s", sessionID)

	// Control replies go through the same writer as log messages;
	// gorilla allows only one concurrent writer per conn.
	control := make(chan any, 16)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			var msg wsControl
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case "ping":
				select {
				case control <- gin.H{"type": "pong"}:
				default:
				}
			case "keepalive":
				sess.Touch()
				select {
				case control <- gin.H{"type": "keepalive_ack"}:
				default:
				}
			}
		}
	}()

	for {
		var payload any
		select {
		case <-done:
			return
		case payload = <-control:
		case m, open := <-logs:
			if !open {
				// Session ended underneath us.
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				conn.WriteJSON(gin.H{"type": "error", "message": "session closed"})
				return
			}
			payload = m
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(payload); err != nil {
			log.Printf("[ws] subscriber on session %s dropped: %v", sessionID, err)
			return
		}
	}
}
