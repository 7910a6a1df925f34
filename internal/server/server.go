package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatify/internal/chat"
)

// Server ties the HTTP listener, the connection hub and the chat room together.
type Server struct {
	config   Config
	origins  originPolicy
	hub      *Hub
	room     *chat.Room
	upgrader websocket.Upgrader
	http     *http.Server
	logger   zerolog.Logger
}

// New builds a server from cfg. Call StartHub before serving requests.
func New(cfg Config, logger zerolog.Logger) *Server {
	cfg = sanitizeConfig(cfg)
	logger = logger.With().Str("component", "server").Logger()

	s := &Server{
		config:  cfg,
		origins: newOriginPolicy(cfg.AllowedOrigins, logger),
		logger:  logger,
	}
	s.hub = NewHub(cfg.SendBuffer, logger)
	s.room = chat.NewRoom(s.hub, chat.Options{
		Grace:         cfg.ReconnectGrace,
		VerifyReplies: cfg.VerifyReplies,
		Logger:        logger,
	})
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.http = CreateServer(cfg.Port, s.Handler())
	return s
}

// Config returns the sanitized configuration in use.
func (s *Server) Config() Config {
	return s.config
}

// Room returns the chat room served by s.
func (s *Server) Room() *chat.Room {
	return s.room
}

// Hub returns the connection hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// StartHub starts the hub's run loop in a separate goroutine.
func (s *Server) StartHub() {
	go s.hub.Run()
	s.logger.Info().Msg("hub started and ready to manage websocket connections")
}

// ListenAndServe blocks serving HTTP until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) ListenAndServe() error {
	if err := StartServer(s.http, s.logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, closes the live ones and stops the
// room's grace timers.
func (s *Server) Shutdown(ctx context.Context) error {
	httpErr := ShutdownServer(ctx, s.http, s.logger)

	timeout := s.config.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	hubErr := s.hub.Shutdown(timeout)

	s.room.Close()
	return errors.Join(httpErr, hubErr)
}
