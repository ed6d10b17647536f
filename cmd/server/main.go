package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dropvault/internal/api"
	"dropvault/internal/chunkstore"
	"dropvault/internal/config"
	"dropvault/internal/database"
	"dropvault/internal/lock"
	"dropvault/internal/logging"
	"dropvault/internal/middleware"
	"dropvault/internal/migrations"
	"dropvault/internal/pipeline"
	"dropvault/internal/queue"
	"dropvault/internal/repository"
	"dropvault/internal/repository/memory"
	"dropvault/internal/repository/postgres"
	"dropvault/internal/scanner"
	"dropvault/internal/service"
	"dropvault/internal/storage/driver"
	"dropvault/internal/sweeper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").WithError(err).Fatal("配置加载失败")
	}
	log := logging.New(cfg.LogLevel, logging.FormatFor(cfg.Env, cfg.LogFormat))
	log.WithField("env", cfg.Env).Info("配置加载完成，开始启动服务")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("服务异常退出")
	}
	log.Info("服务已停止")
}

type repositories struct {
	sessions  repository.SessionRepository
	chunks    repository.ChunkRepository
	files     repository.FileRepository
	incidents repository.IncidentRepository
	close     func() error
}

func openRepositories(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*repositories, error) {
	if cfg.RepositoryDriver == "memory" {
		log.Warn("using in-memory repositories, data is lost on restart")
		return &repositories{
			sessions:  memory.NewSessionRepository(),
			chunks:    memory.NewChunkRepository(),
			files:     memory.NewFileRepository(),
			incidents: memory.NewIncidentRepository(),
			close:     func() error { return nil },
		}, nil
	}

	db, err := database.Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := migrations.Apply(ctx, db, log); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &repositories{
		sessions:  postgres.NewSessionRepository(db),
		chunks:    postgres.NewChunkRepository(db),
		files:     postgres.NewFileRepository(db),
		incidents: postgres.NewIncidentRepository(db),
		close:     db.Close,
	}, nil
}

func needsRedis(cfg *config.Config) bool {
	return cfg.QueueDriver == "redis" || cfg.LockDriver == "redis" || cfg.RateLimitDriver == "redis"
}

func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	repos, err := openRepositories(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer repos.close()

	var rdb *redis.Client
	if needsRedis(cfg) {
		if rdb, err = openRedis(ctx, cfg); err != nil {
			return err
		}
		defer rdb.Close()
	}

	var jobs queue.Queue = queue.NewMemory()
	if cfg.QueueDriver == "redis" {
		jobs = queue.NewRedis(rdb, cfg.QueuePrefix)
	} else if cfg.Production() {
		log.Warn("in-memory job queue in production, pending jobs are lost on restart")
	}

	var locks lock.Locker = lock.NewMemory()
	if cfg.LockDriver == "redis" {
		locks = lock.NewRedis(rdb, cfg.QueuePrefix, 30*time.Second, log)
	}

	var counter middleware.Counter = middleware.NewMemoryCounter()
	if cfg.RateLimitDriver == "redis" {
		counter = middleware.NewRedisCounter(rdb, cfg.QueuePrefix)
	}

	blobs, err := driver.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	store, err := chunkstore.New(cfg.ChunkDir)
	if err != nil {
		return fmt.Errorf("open chunk store: %w", err)
	}
	sc, err := scanner.New(cfg)
	if err != nil {
		return fmt.Errorf("create scanner: %w", err)
	}
	log.WithFields(logrus.Fields{
		"storage": cfg.StorageDriver,
		"queue":   cfg.QueueDriver,
		"scanner": sc.Name(),
	}).Info("infrastructure ready")

	pipe := pipeline.New(repos.files, repos.incidents, blobs, sc, jobs, pipeline.Config{
		VerifyChecksum: cfg.PipelineVerifyChecksum,
		MaxScanBytes:   cfg.ScanMaxBytes,
		ScanTimeout:    cfg.ScanTimeout,
		Attempts:       cfg.JobAttempts,
		Backoff:        queue.Backoff{Base: cfg.JobBackoffBase, Max: cfg.JobBackoffMax},
	}, log)

	coord := service.NewUploadCoordinator(service.CoordinatorDeps{
		Sessions: repos.sessions,
		Chunks:   repos.chunks,
		Files:    repos.files,
		Store:    store,
		Blobs:    blobs,
		Post:     pipe,
		Locks:    locks,
	}, service.CoordinatorConfig{
		DefaultChunkSize:    cfg.DefaultChunkSize,
		MaxChunkSize:        cfg.MaxChunkSize,
		MaxFileSize:         cfg.MaxFileSize,
		MaxChunks:           cfg.MaxChunks,
		SessionTTL:          cfg.SessionTTL,
		DedupScope:          cfg.DedupScope,
		VerifyChunksOnMerge: cfg.VerifyChunksOnMerge,
	}, log)

	worker := queue.NewWorker(jobs, pipeline.QueueName, queue.WorkerOptions{
		Concurrency: cfg.WorkerConcurrency,
		JobTimeout:  cfg.JobTimeout,
	}, log)
	pipe.Register(worker)

	sweep := sweeper.New(coord, repos.files, blobs, sweeper.Config{
		Interval:            cfg.SweepInterval,
		DeletedRetention:    cfg.DeletedRetention,
		PendingAbandonAfter: cfg.PendingAbandonAfter,
	}, log)

	router := api.NewRouter(cfg, api.RouterDeps{
		Uploads:     api.NewUploadHandler(coord, cfg.MaxChunkSize, log),
		Files:       api.NewFileHandler(service.NewFileService(repos.files, blobs, log), coord, cfg.MaxChunkSize, log),
		RateCounter: counter,
		Log:         log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("服务开始监听")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("优雅关闭失败")
		}
		return nil
	})
	g.Go(func() error { return worker.Run(ctx) })
	g.Go(func() error { return sweep.Run(ctx) })

	return g.Wait()
}
