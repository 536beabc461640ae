// cmd/worker is the composition root for the scheduling and dispatch
// engine: it wires the Credential Vault, State Store, Rate Limiter,
// Connection Manager, Delivery Listener, Job Runtime, Dispatcher,
// Scheduling Service, Event Bus, and Retention Sweeper into one running
// process, then drains its RabbitMQ dispatch queue until told to stop.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"chatrelay/internal/config"
	"chatrelay/internal/connection"
	"chatrelay/internal/contacts"
	"chatrelay/internal/delivery"
	"chatrelay/internal/dispatcher"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/jobs"
	"chatrelay/internal/logging"
	"chatrelay/internal/observability"
	"chatrelay/internal/queue"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/repository"
	"chatrelay/internal/retention"
	"chatrelay/internal/scheduling"
	"chatrelay/internal/vault"
)

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

	observability.Register(prometheus.DefaultRegisterer)

	db, err := sql.Open("postgres", cfg.GetDatabaseDSN())
	if err != nil {
		logger.Fatal("worker: failed to open database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal("worker: failed to ping database", zap.Error(err))
	}
	logger.Info("worker: connected to database")

	rabbitURL := cfg.GetRabbitMQURL()
	amqpConn, err := queue.NewConnection(rabbitURL, logger)
	if err != nil {
		logger.Fatal("worker: failed to connect to rabbitmq", zap.Error(err))
	}
	defer amqpConn.Close()
	logger.Info("worker: connected to rabbitmq")

	publisher, err := queue.NewPublisher(amqpConn, cfg.RabbitMQ.DispatchQueue)
	if err != nil {
		logger.Fatal("worker: failed to build publisher", zap.Error(err))
	}

	// State Store repositories.
	intentRepo := repository.NewIntentRepository(db)
	ruleRepo := repository.NewRecurrenceRuleRepository(db)
	vaultRepo := repository.NewCredentialVaultRepository(db)
	contactRepo := repository.NewContactRepository(db)
	jobRepo := repository.NewJobRepository(db)
	scheduleRepo := repository.NewScheduleRepository(db)

	contactStore := contacts.New(contactRepo)

	// Credential Vault.
	crypt := vault.New([]byte(cfg.Vault.MasterKey), vault.KDFParams{
		TimeCost:  cfg.Vault.ArgonTimeCost,
		MemoryKiB: cfg.Vault.ArgonMemoryKiB,
		Threads:   cfg.Vault.ArgonThreads,
	})

	bus := eventbus.New(logger)

	// Connection Manager. No vendor chat SDK is wired into the stack, so
	// the default stream factory is the simulated one; a real provider
	// adapter satisfies the same connection.StreamFactory signature.
	manager := connection.New(vaultRepo, crypt, bus, logger, connection.NewSimulatedFactory(connection.SimulatedConfig{}), connection.BackoffConfig{
		BaseDelay:      time.Duration(cfg.Connection.BaseDelayMS) * time.Millisecond,
		MaxDelay:       time.Duration(cfg.Connection.MaxDelayMS) * time.Millisecond,
		MaxRetryWindow: time.Duration(cfg.Connection.MaxRetryWindowMins) * time.Minute,
	})

	// Delivery Listener registers once; the manager fans every
	// DeliveryAckEvent out to it regardless of reconnects.
	deliveryListener := delivery.New(intentRepo, bus, logger)
	manager.OnDeliveryAck(deliveryListener.HandleAck)

	limiter := ratelimit.New(intentRepo, bus, logger, cfg.RateLimit.DailyCap, cfg.RateLimit.WarnPct)

	runtime := jobs.New(jobRepo, scheduleRepo, publisher, logger)

	// Scheduling Service is the transport-agnostic public entry point; an
	// HTTP/WS adapter (out of scope here) would sit in front of it.
	schedulingSvc := scheduling.New(intentRepo, ruleRepo, contactStore, runtime, limiter, scheduling.BirthdayConfig{
		DefaultHourIST:  cfg.Birthday.DefaultHourIST,
		MessageTemplate: cfg.Birthday.MessageTemplate,
	}, logger)
	_ = schedulingSvc

	sweeper := retention.New(intentRepo, runtime, cfg.Retention.RetentionDays, logger)

	disp := dispatcher.New(jobRepo, intentRepo, ruleRepo, contactStore, runtime, limiter, manager, bus, sweeper, dispatcher.PaceConfig{
		MinDelay: time.Duration(cfg.Dispatch.MinDelayMS) * time.Millisecond,
		MaxDelay: time.Duration(cfg.Dispatch.MaxDelayMS) * time.Millisecond,
	}, logger)

	consumer, err := queue.NewConsumer(amqpConn, cfg.RabbitMQ.DispatchQueue, 2*time.Second, disp.HandleJob, logger)
	if err != nil {
		logger.Fatal("worker: failed to build consumer", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager.Start(ctx)
	runtime.Start(ctx)
	if err := sweeper.Start(ctx); err != nil {
		logger.Fatal("worker: failed to start retention sweeper", zap.Error(err))
	}
	if err := consumer.Start(); err != nil {
		logger.Fatal("worker: failed to start consumer", zap.Error(err))
	}
	logger.Info("worker: engine started", zap.String("dispatch_queue", cfg.RabbitMQ.DispatchQueue))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("worker: shutting down")

	// Shutdown order per the concurrency model: consumer (draining) first,
	// then the job producer, then the Connection Manager, then the store.
	if err := consumer.Stop(); err != nil {
		logger.Warn("worker: consumer stop error", zap.Error(err))
	}
	runtime.Stop()
	manager.Destroy()
	if err := db.Close(); err != nil {
		logger.Warn("worker: db close error", zap.Error(err))
	}

	logger.Info("worker: stopped")
}
