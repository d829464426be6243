package main

import (
	"context"
	"log"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/server"
)

func main() {
	_ = godotenv.Load()

	config := server.NewConfigFromEnv()

	logger, err := server.NewLogger(config.Env, config.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}

	registry := chat.NewRegistry(
		chat.WithLogger(logger),
		chat.WithMetrics(chat.NewMetrics(prometheus.DefaultRegisterer)),
		chat.WithRejoinPolicy(config.RejoinPolicy),
	)
	go registry.Run()

	srv := server.NewServer(config, registry, logger, prometheus.DefaultGatherer)
	httpServer := server.CreateServer(config.Port, srv.Routes())

	go func() {
		if err := server.StartServer(httpServer, logger); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	logger.Info("Room chat server started",
		zap.String("addr", config.Port),
		zap.String("env", config.Env),
		zap.Strings("allowed_origins", config.AllowedOrigins),
		zap.String("rejoin_policy", string(config.RejoinPolicy)))

	// Operations run concurrently, so the ordering lives inside one: stop
	// accepting websocket upgrades before the registry closes its members.
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		config.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"chat-server": func(ctx context.Context) error {
				httpErr := server.ShutdownServer(ctx, httpServer, logger)
				logger.Info("Closing chat rooms...")
				if err := registry.Shutdown(ctx); err != nil {
					return err
				}
				return httpErr
			},
		},
	)

	exitCode := <-wait
	logger.Info("Server exited", zap.Int("code", exitCode))
	_ = logger.Sync()
	os.Exit(exitCode)
}
