// Command restructure runs the C6-C8 pipeline: discovering per-topic
// landing-zone files, restructuring their records into time-bucketed
// output, and optionally deleting verified sources once they age out.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dataplatform/restructure/internal/accountant"
	"github.com/dataplatform/restructure/internal/cleaner"
	"github.com/dataplatform/restructure/internal/compress"
	"github.com/dataplatform/restructure/internal/config"
	"github.com/dataplatform/restructure/internal/coordinator"
	"github.com/dataplatform/restructure/internal/filecache"
	"github.com/dataplatform/restructure/internal/format"
	"github.com/dataplatform/restructure/internal/lock"
	"github.com/dataplatform/restructure/internal/logging"
	"github.com/dataplatform/restructure/internal/metrics"
	"github.com/dataplatform/restructure/internal/pathfactory"
	"github.com/dataplatform/restructure/internal/restructure"
	"github.com/dataplatform/restructure/internal/storage"
)

const (
	exitOK           = 0
	exitConfigError  = 1
	exitRuntimeError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := "restructure.yml"
	if len(os.Args) > 1 && os.Args[1] != "" && os.Args[1][0] != '-' {
		configPath = os.Args[1]
		os.Args = append(os.Args[:1], os.Args[2:]...)
	}

	cfg, err := config.Load(configPath, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "restructure: %v\n", err)
		return exitConfigError
	}

	logging.Setup(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel})
	logger := logging.Component("main")

	m := metrics.Init("restructure")
	if cfg.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(cfg.MetricsAddress); err != nil {
				logger.Error("metrics server exited", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if err := execute(ctx, cfg, logger, m); err != nil {
		if ctx.Err() != nil {
			logger.Info("shutdown complete")
			return exitOK
		}
		logger.Error("run failed", "error", err)
		return exitRuntimeError
	}
	return exitOK
}

func execute(ctx context.Context, cfg config.Config, logger *slog.Logger, m *metrics.Metrics) error {
	sourceDriver, err := newDriver(ctx, cfg.Source)
	if err != nil {
		return fmt.Errorf("build source driver: %w", err)
	}
	outputDriver, err := newDriver(ctx, cfg.Output)
	if err != nil {
		return fmt.Errorf("build output driver: %w", err)
	}

	acc, err := accountant.Open(rootOf(cfg.Output), cfg.TmpDir)
	if err != nil {
		return fmt.Errorf("open accountant: %w", err)
	}
	defer acc.Close()

	codec, err := compress.ByName(cfg.Compression)
	if err != nil {
		return fmt.Errorf("build codec: %w", err)
	}
	formatFactory, err := format.ByName(cfg.Format)
	if err != nil {
		return fmt.Errorf("build format: %w", err)
	}
	paths := pathfactory.New()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Address})
	defer redisClient.Close()
	locker := lock.NewRedisLocker(redisClient, cfg.Redis.LockPrefix)

	ext := cfg.Format
	if codec.Extension() != "" {
		ext = ext + "." + codec.Extension()
	}

	var workerSeq atomic.Int64
	workerFactory := func() *restructure.Worker {
		workerID := fmt.Sprintf("worker-%d", workerSeq.Add(1))
		store := filecache.New(cfg.CacheSize, outputDriver, cfg.TmpDir, paths, codec, formatFactory, acc, filecache.Options{
			Deduplicate:    cfg.Deduplicate,
			DistinctFields: cfg.DistinctFields,
			IgnoreFields:   cfg.IgnoreFields,
		}, m, workerID)
		return restructure.New(restructure.Config{
			Driver:         sourceDriver,
			Cache:          store,
			Paths:          paths,
			Ledger:         acc.Ledger(),
			MinimumFileAge: cfg.MinimumFileAge,
			Logger:         logger,
			Progress:       cfg.Progress,
			Metrics:        m,
		})
	}

	coord := coordinator.New(coordinator.Config{
		Driver:           sourceDriver,
		SourceRoot:       rootOf(cfg.Source),
		Locker:           locker,
		LockTTL:          cfg.Redis.LockTTL,
		Ledger:           acc.Ledger(),
		WorkerFactory:    workerFactory,
		NumThreads:       cfg.NumThreads,
		MaxFilesPerTopic: cfg.MaxFilesPerTopic,
		MinimumFileAge:   cfg.MinimumFileAge,
		ExcludedTopics:   cfg.ExcludedTopics,
		Logger:           logger,
		Metrics:          m,
	})

	var clean *cleaner.Cleaner
	if cfg.Cleaner.Enabled {
		cache := cleaner.NewTimestampFileCacheStore(outputDriver, codec, formatFactory, "time", cfg.Cleaner.CacheOffsetsSize)
		clean = cleaner.New(cleaner.Config{
			SourceDriver:  sourceDriver,
			Paths:         paths,
			Cache:         cache,
			Accountant:    acc,
			Extension:     ext,
			MinAge:        cfg.Cleaner.Age,
			EmitDeleteBin: cfg.Cleaner.EmitDeleteBin,
			Logger:        logger,
			Metrics:       m,
		})
	}

	if cfg.Service.Enabled {
		return runService(ctx, cfg, coord, clean, acc, logger, m)
	}
	return runOnce(ctx, cfg, coord, clean, acc, logger, m)
}

func runOnce(ctx context.Context, cfg config.Config, coord *coordinator.Coordinator, clean *cleaner.Cleaner, acc *accountant.Accountant, logger *slog.Logger, m *metrics.Metrics) error {
	if !cfg.NoRestructure {
		if err := coord.RunOnce(ctx); err != nil {
			return fmt.Errorf("restructure pass: %w", err)
		}
	}
	if clean != nil {
		if err := runCleanPass(ctx, coord, clean, logger, m); err != nil {
			return fmt.Errorf("clean pass: %w", err)
		}
	}
	return acc.Flush()
}

func runService(ctx context.Context, cfg config.Config, coord *coordinator.Coordinator, clean *cleaner.Cleaner, acc *accountant.Accountant, logger *slog.Logger, m *metrics.Metrics) error {
	var cleanerDone chan struct{}
	if clean != nil {
		cleanerDone = make(chan struct{})
		go func() {
			defer close(cleanerDone)
			ticker := time.NewTicker(cfg.Cleaner.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := runCleanPass(ctx, coord, clean, logger, m); err != nil {
						logger.Error("clean pass failed", "error", err)
					}
				}
			}
		}()
	}

	if !cfg.NoRestructure {
		coord.Run(ctx, cfg.Service.Interval)
	} else {
		<-ctx.Done()
	}
	if cleanerDone != nil {
		<-cleanerDone
	}
	return acc.Flush()
}

// runCleanPass uses the coordinator's topic discovery and per-topic locking
// to offer every source file of each non-excluded topic to the Cleaner.
// Unlike a restructure pass, no ledger, age or max-files-per-topic filter
// is applied here; the Cleaner decides per file.
func runCleanPass(ctx context.Context, coord *coordinator.Coordinator, clean *cleaner.Cleaner, logger *slog.Logger, m *metrics.Metrics) error {
	start := time.Now()
	if m != nil {
		defer func() { m.ObserveCleanPassDuration(time.Since(start).Seconds()) }()
	}
	return coord.EachCandidateFile(ctx, func(file restructure.SourceFile) error {
		deleted, err := clean.Clean(ctx, file)
		if err != nil {
			logger.Error("clean failed", "path", file.Path, "error", err)
			return nil
		}
		if deleted {
			logger.Info("cleaner deleted source", "path", file.Path)
		}
		return nil
	})
}

func newDriver(ctx context.Context, sc config.StorageConfig) (storage.Driver, error) {
	switch sc.Backend {
	case "local":
		return storage.NewLocalDriver(sc.LocalDir)
	case "hdfs":
		return storage.NewHDFSDriver(sc.Namenodes, sc.HDFSUser)
	case "s3":
		return storage.OpenS3(ctx, sc.Bucket, sc.Endpoint, sc.Region)
	case "gcs":
		return storage.OpenGCS(ctx, sc.Bucket)
	case "azure":
		return storage.OpenAzure(ctx, sc.Container, sc.AccountName)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
}

func rootOf(sc config.StorageConfig) string {
	switch sc.Backend {
	case "local":
		return sc.LocalDir
	case "hdfs":
		return ""
	case "s3":
		return sc.Bucket
	case "gcs":
		return sc.Bucket
	case "azure":
		return sc.Container
	default:
		return ""
	}
}
