package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"taskchat/server/config"
	"taskchat/server/gateway"
	"taskchat/server/handler"
	"taskchat/server/presence"
	"taskchat/server/room"
	"taskchat/server/store"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	messages, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("open message store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}

	gw := gateway.New(messages, room.NewManager(), presence.NewNotifier(logger), logger, gateway.Options{
		MaxContentLength: cfg.MaxContentLength,
		QueueSize:        cfg.SendQueueSize,
	})
	chat := handler.NewChatHandler(gw, logger)

	srv := &http.Server{
		Handler:      handler.NewRouter(gw, chat),
		Addr:         cfg.Addr,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
	}

	logger.Info("server starting", "addr", cfg.Addr, "store", cfg.StoreDriver)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen and serve", "error", err)
			os.Exit(1)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"http-server": func(ctx context.Context) error {
				logger.Info("shutting down server")
				return srv.Shutdown(ctx)
			},
			"websocket-sessions": func(ctx context.Context) error {
				return chat.Close()
			},
			"message-store": func(ctx context.Context) error {
				return messages.Close()
			},
		},
	)

	exitCode := <-wait
	logger.Info("server exiting", "code", exitCode)
	os.Exit(exitCode)
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		return store.OpenSQLite(cfg.SQLitePath, logger)
	case config.StoreRedis:
		return store.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix, logger)
	default:
		return store.NewMemoryStore(), nil
	}
}
