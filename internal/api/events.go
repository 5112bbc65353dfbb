package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/memoir/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The UI is served from the same daemon on localhost
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

const (
	eventWriteWait = 5 * time.Second
	pingPeriod     = 30 * time.Second
)

// handleEvents streams a snapshot on connect and after every state change.
// Slow clients only ever see the latest snapshot.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	logger := s.requestLogger(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to upgrade event stream")
		return
	}
	defer conn.Close()

	latest := make(chan session.Snapshot, 1)
	push := func(snap session.Snapshot) {
		for {
			select {
			case latest <- snap:
				return
			default:
			}
			// Replace the pending snapshot with the newer one
			select {
			case <-latest:
			default:
			}
		}
	}
	cancel := s.controller.Subscribe(push)
	defer cancel()
	push(s.controller.Snapshot())

	// Reads only detect the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	var sent uint64
	for {
		select {
		case snap := <-latest:
			if sent != 0 && snap.Version <= sent {
				continue
			}
			sent = snap.Version
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(snap); err != nil {
				logger.Debug().Err(err).Msg("Event stream write failed")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
