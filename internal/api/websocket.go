package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"galion/internal/broadcast"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Auth happens in the middleware chain; origin is not the boundary.
		return true
	},
}

// handleProgressWS streams broadcast events to one client. An optional
// job_id query parameter narrows the feed to a single job.
func (s *Server) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	jobID := r.URL.Query().Get("job_id")
	events, cancel := s.deps.Broadcaster.Subscribe(jobID, 256)
	s.deps.Logger.Info("Progress subscriber connected", "job_id", jobID, "remote", r.RemoteAddr)

	go s.wsWritePump(conn, events)
	s.wsReadPump(conn, cancel)
}

// wsReadPump consumes control frames until the peer goes away, then tears
// down the subscription, which ends the write pump through channel close.
func (s *Server) wsReadPump(conn *websocket.Conn, cancel func()) {
	defer func() {
		cancel()
		conn.Close()
	}()

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) wsWritePump(conn *websocket.Conn, events <-chan broadcast.Event) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
