// cmd/api runs the ambient health, readiness, and metrics surface. The
// scheduling and dispatch engine itself is owned by cmd/worker; this
// process exists so a load balancer and a Prometheus scrape target have
// somewhere to point that does not share fate with the dispatch loop.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"chatrelay/internal/config"
	"chatrelay/internal/httpapi"
	"chatrelay/internal/logging"
	"chatrelay/internal/middleware"
)

const version = "0.1.0"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	db, err := sql.Open("postgres", cfg.GetDatabaseDSN())
	if err != nil {
		logger.Fatal("api: failed to open database", zap.Error(err))
	}
	defer db.Close()

	// cmd/api does not own a Connection Manager; the socket status
	// reported on /healthz is the worker process's concern.
	checker := httpapi.NewChecker(db, cfg.GetRabbitMQURL(), nil, version)
	router := httpapi.Router(checker)
	router.Use(middleware.Recovery(logger))

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api: listening", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api: server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("api: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("api: shutdown error", zap.Error(err))
	}
	logger.Info("api: stopped")
}
