package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/factorhub/factorhub/internal/admission"
	"github.com/factorhub/factorhub/internal/config"
	"github.com/factorhub/factorhub/internal/database"
	"github.com/factorhub/factorhub/internal/evaluation"
	"github.com/factorhub/factorhub/internal/events"
	"github.com/factorhub/factorhub/internal/monitor"
	"github.com/factorhub/factorhub/internal/notify"
	"github.com/factorhub/factorhub/internal/queue"
	"github.com/factorhub/factorhub/internal/scheduler"
	"github.com/factorhub/factorhub/internal/server"
	"github.com/factorhub/factorhub/internal/tasks"
	"github.com/factorhub/factorhub/pkg/logger"
)

func main() {
	// Load configuration first so the log level is configurable
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Service: "factorhub",
		Level:   cfg.LogLevel,
		Pretty:  cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting FactorHub")

	// Database
	db, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "factorhub.db"),
		Name: "factorhub",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	taskRepo, err := tasks.NewRepository(db.Conn(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize task repository")
	}
	priceRepo, err := evaluation.NewPriceRepository(db.Conn(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize price repository")
	}
	resultRepo, err := evaluation.NewResultRepository(db.Conn(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize result repository")
	}

	// Redis backs both the admission limiter and the task queue
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	defer rdb.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// The limiter fails open without Redis, but the queue cannot run.
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unreachable")
	}
	cancelPing()

	limiter := admission.New(rdb, log)
	bus := events.NewBus(log)

	broker := queue.NewRedisBroker(rdb, log)
	defer broker.Close()

	pool := queue.NewPool(broker, taskRepo, bus, log)

	evaluator := evaluation.NewEvaluator(priceRepo)
	dispatcher := evaluation.NewDispatcher(limiter, evaluator, resultRepo, pool, cfg.Admission, log)

	pool.Register(queue.JobTypeEvaluation, queue.TypeConfig{
		Workers:     cfg.Workers.EvaluationWorkers,
		SoftTimeout: cfg.Workers.EvaluationSoftTimeout,
		HardTimeout: cfg.Workers.EvaluationHardTimeout,
	}, dispatcher.HandleEvaluation)
	pool.Register(queue.JobTypeMetricsSync, queue.TypeConfig{
		Workers:     cfg.Workers.MetricsSyncWorkers,
		SoftTimeout: cfg.Workers.MetricsSyncSoftTimeout,
		HardTimeout: cfg.Workers.MetricsSyncHardTimeout,
	}, dispatcher.HandleMetricsSync)

	poolCtx, stopPool := context.WithCancel(context.Background())
	pool.Start(poolCtx)

	// Stuck-task monitor on its scan schedule
	var notifier notify.Notifier = notify.NewLogNotifier(log)
	if cfg.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.WebhookURL, log)
	}
	mon := monitor.New(taskRepo, notifier, bus, cfg.Monitor, cfg.Workers, log)

	sched := scheduler.New(log)
	if err := sched.AddJob(fmt.Sprintf("@every %s", cfg.Monitor.Interval), mon); err != nil {
		log.Fatal().Err(err).Msg("Failed to register monitor job")
	}
	sched.Start()

	// HTTP API
	srv := server.New(server.Deps{
		Log:     log,
		Cfg:     cfg,
		Tasks:   taskRepo,
		Results: resultRepo,
		Limiter: limiter,
		Pool:    pool,
		Broker:  broker,
		Bus:     bus,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	sched.Stop()
	stopPool()
	pool.Stop()

	log.Info().Msg("Stopped")
}
