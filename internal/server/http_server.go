package server

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// StartServer starts the HTTP server and begins listening for connections.
func StartServer(server *http.Server, logger zerolog.Logger) error {
	logger.Info().Str("addr", server.Addr).Msg("server listening")
	return server.ListenAndServe()
}

// ShutdownServer stops the HTTP server without interrupting active
// requests, waiting until they finish or ctx is done. Upgraded WebSocket
// connections are not tracked by net/http and are closed by the hub.
func ShutdownServer(ctx context.Context, server *http.Server, logger zerolog.Logger) error {
	logger.Info().Msg("shutting down http server")

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
		return err
	}

	logger.Info().Msg("http server shutdown completed")
	return nil
}
