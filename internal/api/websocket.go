package api

import (
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"modbus-gateway/internal/bus"
)

// streamEvents handles GET /api/ws: it upgrades the connection, joins
// the broadcast bus under a connection-scoped subscriber name, and
// forwards every SampleEvent/StatusEvent/ErrorEvent as a JSON frame
// until the client disconnects, mirroring the teacher's
// deviceStatusWebSocket loop.
func (s *Server) streamEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Errorf("api: websocket upgrade failed: %v", err)
		return
	}
	defer closeConn(conn)

	name := "ws-" + c.Request.RemoteAddr
	events := bus.Subscribe(s.eng.Bus, name)
	defer s.eng.Bus.Unsubscribe(name)

	// A reader goroutine is required so gorilla's ping/pong control
	// frames are processed and a client-initiated close is detected
	// promptly instead of only on the next write.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Warnf("api: websocket write failed: %v", err)
				return
			}
		case <-closed:
			return
		}
	}
}

func closeConn(conn *websocket.Conn) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
}
