package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"job-coordinator/internal/config"
	"job-coordinator/internal/domain/model"
	"job-coordinator/internal/domain/ports/adapter"
	"job-coordinator/internal/domain/ports/repository"
	pg "job-coordinator/internal/infra/db/postgres"
	"job-coordinator/internal/infra/logging"
	"job-coordinator/internal/infra/memory"
	"job-coordinator/internal/infra/metrics"
	red "job-coordinator/internal/infra/redis"
	"job-coordinator/internal/infra/worker"
	"job-coordinator/internal/usecase"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("worker stopped with error")
	}
}

func run(cfg *config.Config, logger *zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit, "worker")

	pool, err := pg.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	var redisClient *red.Client
	if cfg.Redis.URL != "" {
		redisClient, err = red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer redisClient.Close()
	}

	jobRepo := pg.NewJobRepo(pool)
	txManager := pg.NewTxManager(pool)
	var controls repository.QueueControlRepository = pg.NewControlRepo(pool)
	if redisClient != nil {
		// Stop flags are read on every poll of every queue type.
		controls = pg.NewControlRepoCacheDecorator(controls, redisClient, cfg.Redis.TTL, logger)
	}
	var locker repository.AdvisoryLocker = pg.AdvisoryLocker{}
	switch cfg.Queue.LockBackend {
	case config.LockBackendRedis:
		locker = red.NewLocker(redisClient, cfg.Queue.LockTTL)
	case config.LockBackendMemory:
		locker = memory.NewLocker()
	}

	clock := adapter.SystemClock{}
	leaseMgr := usecase.NewLeaseManager(jobRepo, controls, txManager, locker, clock, logger)
	groupUC := usecase.NewGroupUseCase(jobRepo, txManager, clock, logger)

	reg := worker.NewRegistry()
	handlers := &sampleHandlers{groups: groupUC, wait: cfg.Queue.PollInterval, unit: 200 * time.Millisecond, log: logger}
	queueTypes := lo.Map(cfg.Queue.Types, func(s string, _ int) model.QueueType { return model.QueueType(s) })
	if err := handlers.register(reg, queueTypes); err != nil {
		return err
	}

	runner, err := worker.NewRunner(leaseMgr, reg, worker.Options{
		WorkerID:          cfg.Worker.ID,
		Concurrency:       cfg.Worker.Concurrency,
		BatchSize:         cfg.Queue.BatchSize,
		PollInterval:      cfg.Queue.PollInterval,
		HeartbeatTimeout:  cfg.Queue.HeartbeatTimeout,
		HeartbeatInterval: cfg.Queue.HeartbeatInterval,
	}, logger)
	if err != nil {
		return err
	}
	logger.Info().Str("worker_id", runner.WorkerID()).Msg("worker started")
	return runner.Run(ctx)
}
