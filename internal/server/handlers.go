package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Tyrowin/chatify/internal/chat"
)

// WebSocketHandler upgrades the request and attaches the connection to the
// room. A "resume" query parameter carrying a session token re-attaches
// that session.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	handle := s.room.Open(r.URL.Query().Get("resume"))
	client := NewClient(conn, s.hub, s.room, handle, r.RemoteAddr, s.config, s.logger)

	if err := s.hub.Register(client); err != nil {
		s.logger.Warn().Err(err).Str("addr", r.RemoteAddr).Msg("rejecting connection")
		s.room.Disconnect(handle, true)
		_ = conn.Close()
		return
	}

	if err := s.room.Welcome(handle); err != nil {
		s.logger.Warn().Err(err).Str("conn", string(handle.ID)).Msg("session lost before welcome")
		s.hub.Unregister(client)
		_ = conn.Close()
		return
	}

	s.hub.Serve(client)
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "Chatify server is running!")
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	chat.Stats
	Clients int `json:"clients"`
}

// StatsHandler reports room and connection counters as JSON.
func (s *Server) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body := StatsResponse{Stats: s.room.Stats(), Clients: s.hub.ClientCount()}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn().Err(err).Msg("error writing stats response")
	}
}
