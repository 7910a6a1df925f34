package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler returns the router serving the health check, the WebSocket
// endpoint and the stats endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.HandleFunc("/", HealthHandler)
	r.HandleFunc("/ws", s.WebSocketHandler)
	r.Get("/stats", s.StatsHandler)
	return r
}
