package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lab_collab/internal/config"
	"lab_collab/internal/handler"
	"lab_collab/internal/middleware"
	"lab_collab/internal/repository"
	"lab_collab/internal/service"
	"lab_collab/internal/store"
	"lab_collab/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := logger.New(cfg.Log.Level)
	defer appLogger.Sync()

	// Подключение к PostgreSQL
	dbPool, err := pgxpool.New(context.Background(), cfg.Database.DSN)
	if err != nil {
		appLogger.Fatal("Failed to connect to database", "error", err)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(context.Background()); err != nil {
		appLogger.Fatal("Failed to ping database", "error", err)
	}
	appLogger.Info("Database connection established")

	if err := repository.Migrate(context.Background(), dbPool, appLogger); err != nil {
		appLogger.Fatal("Failed to apply migrations", "error", err)
	}

	// Подключение к Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		appLogger.Fatal("Failed to connect to Redis", "error", err)
	}
	appLogger.Info("Redis connection established")

	// Локальное файловое хранилище
	localBlobs, err := repository.OpenPebbleBlobStore(cfg.Storage.LocalDir, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to open object store", "error", err, "dir", cfg.Storage.LocalDir)
	}
	defer localBlobs.Close()

	repos := repository.NewRepositories(dbPool, rdb, localBlobs, cfg.Redis.Prefix, appLogger)
	metrics := service.NewMetrics(prometheus.DefaultRegisterer)
	services := service.NewServices(repos, cfg, metrics, appLogger)

	// Журнал пишется пачками в фоне; при остановке очередь дописывается
	auditCtx, stopAudit := context.WithCancel(context.Background())
	auditDone := make(chan struct{})
	go func() {
		services.Audit.Run(auditCtx)
		close(auditDone)
	}()

	// Ленты изменений из Redis: документы и дерево присутствия
	feedCtx, stopFeeds := context.WithCancel(context.Background())
	defer stopFeeds()
	go service.Supervise(feedCtx, "documents", repos.Feed.Subscribe,
		func(ctx context.Context, ch <-chan store.Mutation) { services.Live.Run(ctx, ch) },
		appLogger)
	go service.Supervise(feedCtx, "realtime", repos.Realtime.Subscribe,
		func(ctx context.Context, ch <-chan string) {
			services.Realtime.Resync(ctx)
			services.Realtime.Run(ctx, ch)
		},
		appLogger)

	authMiddleware := middleware.NewAuthMiddleware(services.Auth, appLogger)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(services.RateLimit, appLogger)
	handlers := handler.NewHandlers(services, cfg, appLogger)
	router := handler.SetupRouter(handlers, authMiddleware, rateLimitMiddleware, promhttp.Handler(), cfg, appLogger)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		appLogger.Info("Starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	stopFeeds()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", "error", err)
	}
	stopAudit()
	<-auditDone

	appLogger.Info("Server exited")
}
