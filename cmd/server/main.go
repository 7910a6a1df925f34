package main

import (
	"context"
	"fmt"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"github.com/Tyrowin/chatify/internal/logging"
	"github.com/Tyrowin/chatify/internal/server"
)

func main() {
	config, err := server.NewConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatify: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(config.LogLevel, config.LogPretty, os.Stderr)
	logger.Info().Str("port", config.Port).Dur("grace", config.ReconnectGrace).Msg("starting chatify server")

	srv := server.New(*config, logger)
	srv.StartHub()

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		config.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"chat-server": func(ctx context.Context) error {
				logger.Info().Msg("graceful shutdown initiated")
				return srv.Shutdown(ctx)
			},
		},
	)

	exitCode := <-wait
	logger.Info().Int("code", exitCode).Msg("server exited")
	os.Exit(exitCode)
}
