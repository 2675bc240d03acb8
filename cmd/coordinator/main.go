package main

import (
	"context"
	"errors"
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
	"job-coordinator/internal/infra/sched"
	"job-coordinator/internal/infra/web"
	"job-coordinator/internal/usecase"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs)")
	mintFor := flag.String("mint-token", "", "print an admin token for this subject and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if *mintFor != "" {
		if cfg.Admin.JWTSecret == "" {
			log.Fatalf("admin.jwt_secret is not set")
		}
		tok, err := web.NewAuthManager(cfg.Admin.JWTSecret, cfg.Admin.TokenTTL).Mint(*mintFor)
		if err != nil {
			log.Fatalf("mint token: %v", err)
		}
		fmt.Println(tok)
		return
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("coordinator stopped with error")
	}
}

func run(cfg *config.Config, logger *zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit, "coordinator")
	if cfg.Runtime.Dev {
		logger.Warn().Msg("[DEV MODE] Enabled")
	}

	// ---- Postgres ----
	pool, err := pg.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	if cfg.Database.ApplySchema {
		if err := pg.ApplySchema(ctx, pool); err != nil {
			return err
		}
		logger.Info().Msg("schema applied")
	}

	// ---- Redis (optional) ----
	var redisClient *red.Client
	if cfg.Redis.URL != "" {
		redisClient, err = red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer redisClient.Close()
	}

	// ---- Repositories ----
	jobRepo := pg.NewJobRepo(pool)
	txManager := pg.NewTxManager(pool)
	var controls repository.QueueControlRepository = pg.NewControlRepo(pool)
	if redisClient != nil {
		controls = pg.NewControlRepoCacheDecorator(controls, redisClient, cfg.Redis.TTL, logger)
	}
	locker := newLocker(cfg, redisClient)

	// ---- Use cases ----
	clock := adapter.SystemClock{}
	jobUC := usecase.NewJobUseCase(jobRepo, txManager, clock, logger)
	groupUC := usecase.NewGroupUseCase(jobRepo, txManager, clock, logger)
	leaseMgr := usecase.NewLeaseManager(jobRepo, controls, txManager, locker, clock, logger)

	// ---- Admin API ----
	var auth *web.AuthManager
	if cfg.Admin.JWTSecret != "" {
		auth = web.NewAuthManager(cfg.Admin.JWTSecret, cfg.Admin.TokenTTL)
	} else {
		logger.Warn().Msg("admin.jwt_secret not set; /api/v1 will reject every request")
	}
	server := web.NewServer(jobUC, leaseMgr, auth, logger)

	// ---- Background loops ----
	queueTypes := lo.Map(cfg.Queue.Types, func(s string, _ int) model.QueueType { return model.QueueType(s) })
	sweeper := sched.NewCancellationSweeper(cfg.Sweeper.Interval, cfg.Queue.CancelGrace, queueTypes, leaseMgr, groupUC, logger)
	poolStats := sched.NewPoolStatsReporter(15*time.Second, pool, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx, cfg.Admin.Port) })
	g.Go(func() error { return ignoreCanceled(sweeper.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(poolStats.Run(gctx)) })

	logger.Info().Str("lock_backend", cfg.Queue.LockBackend).Strs("queue_types", cfg.Queue.Types).Msg("coordinator started")
	err = g.Wait()
	logger.Info().Msg("shutdown complete")
	return err
}

// newLocker picks the claim lock backend. The in-process lock only
// serializes claimers inside this process.
func newLocker(cfg *config.Config, redisClient *red.Client) repository.AdvisoryLocker {
	switch cfg.Queue.LockBackend {
	case config.LockBackendRedis:
		return red.NewLocker(redisClient, cfg.Queue.LockTTL)
	case config.LockBackendMemory:
		return memory.NewLocker()
	default:
		return pg.AdvisoryLocker{}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
