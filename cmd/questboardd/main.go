package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"questboard/internal/config"
	"questboard/internal/directory"
	"questboard/internal/mailbox"
	"questboard/internal/observability/logging"
	"questboard/internal/observability/metrics"
	"questboard/internal/observability/middleware"
	"questboard/internal/presence"
	transport "questboard/internal/transport/http"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()

	logger := logging.NewLogger(logging.Config{
		ServiceName: "questboardd",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)
	metrics.MustRegister("questboardd")

	logger.Info("starting room server")

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}

	dirStore := directory.NewStore(db)
	if err := dirStore.AutoMigrate(context.Background()); err != nil {
		logger.Error("directory migrate", "error", err)
		os.Exit(1)
	}
	mailStore := mailbox.NewStore(db)
	if err := mailStore.AutoMigrate(context.Background()); err != nil {
		logger.Error("mailbox migrate", "error", err)
		os.Exit(1)
	}

	hub := presence.NewHub()
	router := transport.NewRouter(
		directory.NewService(dirStore),
		mailbox.NewService(mailStore, hub),
		hub,
	)

	handler := cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	})(router)
	handler = httprate.LimitByIP(cfg.RateLimit, cfg.RateWindow)(handler)
	handler = middleware.WithRequestAndTrace(middleware.WithMetrics(handler))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("room server listening", "addr", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
