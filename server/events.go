package server

import (
	"io"
	"net/http"

	"golang.org/x/net/websocket"
)

// handleEvents streams ONLINE_STATUS events over a websocket until the
// client goes away or the hub closes. No history is sent on connect.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(s.streamEvents).ServeHTTP(w, r)
}

func (s *Server) streamEvents(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	events, cancel := s.config.Hub.Subscribe()
	defer cancel()

	// The client never sends anything we act on; reading only detects
	// that it went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		_, _ = io.Copy(io.Discard, conn)
	}()

	logger := s.logger.With("remote_addr", conn.Request().RemoteAddr)
	logger.Debug("status subscriber attached")

	for {
		select {
		case <-gone:
			logger.Debug("status subscriber detached")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := websocket.JSON.Send(conn, ev); err != nil {
				logger.Debug("status send failed", "error", err)
				return
			}
		}
	}
}
