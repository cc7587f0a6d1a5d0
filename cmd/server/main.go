package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chat-ingest/internal/chat"
	"chat-ingest/internal/config"
	"chat-ingest/internal/db"
	"chat-ingest/internal/kv"
	myMiddleware "chat-ingest/internal/middleware"
	"chat-ingest/internal/server"
	"chat-ingest/internal/user"
	"chat-ingest/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// stores bundles the backend chosen by STORE_DRIVER.
type stores struct {
	chat  chat.Store
	users user.Repository
	close func() error
}

func openStores(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*stores, error) {
	switch cfg.StoreDriver {
	case config.DriverBadger:
		kvdb, err := kv.Open(cfg.BadgerPath, kv.Options{ConflictRetries: cfg.ConflictRetries})
		if err != nil {
			return nil, errors.Wrap(err, "main.openStores.badger")
		}
		log.Info().Str("path", cfg.BadgerPath).Msg("badger store opened")
		return &stores{
			chat:  chat.NewBadgerRepository(kvdb),
			users: user.NewBadgerRepository(kvdb),
			close: kvdb.Close,
		}, nil

	default:
		database, err := db.NewDatabase(cfg.DSN)
		if err != nil {
			return nil, errors.Wrap(err, "main.openStores.postgres")
		}
		log.Info().Msg("connected to postgres")
		if err := database.AutoMigrate(ctx); err != nil {
			_ = database.Close()
			return nil, err
		}
		log.Info().Msg("database schema initialized")
		return &stores{
			chat:  chat.NewPostgresRepository(database.Conn),
			users: user.NewPostgresRepository(database.Conn),
			close: database.Close,
		}, nil
	}
}

func run() error {
	// 1. Config & logger
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Storage
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			log.Error().Err(err).Msg("closing store")
		}
	}()

	// 3. Event fan-out (Redis when configured, in-process otherwise)
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return errors.Wrap(err, "main.run.redisPing")
		}
		defer redisClient.Close()
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	}
	hub := chat.NewHub(redisClient, cfg.RedisChannel, log)
	go hub.Run(ctx)
	if err := hub.SubscribeToRedis(ctx); err != nil {
		return err
	}

	// 4. Services & handlers
	chatService := chat.NewService(st.chat, hub, log, chat.Options{
		FanOutTimeout:     cfg.FanOutTimeout,
		FanOutConcurrency: cfg.FanOutConcurrency,
		HistoryLimit:      cfg.HistoryLimit,
	})
	defer chatService.Close()

	userService := user.NewService(st.users, log)

	deps := server.Deps{
		Log:          log,
		Chat:         chat.NewHandler(chatService, hub, log),
		User:         user.NewHandler(userService, log),
		StoreTimeout: cfg.StoreTimeout,
	}
	if cfg.JWTSecret != "" {
		deps.Auth = myMiddleware.NewAuthMiddleware(myMiddleware.NewHMACValidator(cfg.JWTSecret))
		log.Info().Msg("bearer token verification enabled")
	}

	// 5. HTTP server
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("store", cfg.StoreDriver).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errChan:
		return errors.Wrap(err, "main.run.listen")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "main.run.shutdown")
	}
	return nil
}
