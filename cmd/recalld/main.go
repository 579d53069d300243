package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jotkeep/recall/blob"
	"github.com/jotkeep/recall/config"
	"github.com/jotkeep/recall/coordinator"
	"github.com/jotkeep/recall/llm"
	"github.com/jotkeep/recall/llm/ollama"
	"github.com/jotkeep/recall/llm/openai"
	recalllogger "github.com/jotkeep/recall/logger"
	"github.com/jotkeep/recall/memory"
	"github.com/jotkeep/recall/migrations"
	"github.com/jotkeep/recall/runtime"
)

const (
	taskKindReflection  = "reflection"
	taskKindSelfImprove = "self_improve"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Parse command-line flags
	var (
		configPath  = flag.String("config", "recall.yaml", "Path to YAML configuration file")
		dbPath      = flag.String("db", "", "Path to SQLite database file (overrides config)")
		logFile     = flag.String("logfile", "", "Path to log file. If not set, logs to stdout/stderr")
		pretty      = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
		metricsAddr = flag.String("metrics", "", "Address for the Prometheus metrics endpoint (e.g., :9090). Disabled when empty")
	)
	flag.Parse()

	// Validate that --logfile and --pretty are mutually exclusive
	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	logger, err := recalllogger.InitWithOptions(*logFile, *pretty)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	logger.Info().
		Str("config", *configPath).
		Str("db", cfg.DBPath).
		Str("provider", cfg.Provider).
		Msg("recalld starting")

	// ---------------------------
	// 1. Open SQLite + run migrations
	// ---------------------------

	// _foreign_keys must be on for the note_relations cascades to fire.
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=on")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close() //nolint:errcheck // no remedy for db close errors

	if err := migrations.RunMigrations(db, "./migrations", logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// ---------------------------
	// 2. Gateway provider + retry wrappers
	// ---------------------------

	completer, embedder, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}

	// ---------------------------
	// 3. Stores
	// ---------------------------

	blobs, err := blob.NewFileStore(cfg.BlobDir, logger)
	if err != nil {
		return fmt.Errorf("failed to create blob store: %w", err)
	}

	store, err := memory.NewStore(db, embedder, cfg.Reflection.HistoryCap, logger)
	if err != nil {
		return fmt.Errorf("failed to create memory store: %w", err)
	}

	cache := memory.NewAnalysisCache(db, embedder, cfg.Cache.SimilarityThreshold, logger)

	// ---------------------------
	// 4. Coordination primitives
	// ---------------------------

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := coordinator.NewRedisClient(ctx, coordinator.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close() //nolint:errcheck // no remedy for client close errors

	lock := coordinator.NewReflectionLock(redisClient, cfg.Reflection.LockTTL, logger)
	history := coordinator.NewActionHistory(redisClient, cfg.Reflection.ActionHistoryCap, cfg.Reflection.ActionHistoryTTL, logger)

	// ---------------------------
	// 5. Pipelines
	// ---------------------------

	reflector := memory.NewReflector(store, completer, cache, lock, history, cfg.Reflection.NoteThreshold, logger)
	consolidator := memory.NewConsolidator(store, completer, cfg.Reflection.MinMemoriesToMerge, logger)
	retention := memory.NewRetentionPolicy(store, completer, blobs, memory.RetentionConfig{
		MemoryHardDeleteAge: cfg.Retention.MemoryHardDeleteAge,
		NoteHardDeleteAge:   cfg.Retention.NoteHardDeleteAge,
		NoteImportanceFloor: cfg.Retention.NoteImportanceFloor,
		SoftArchiveAge:      cfg.Retention.SoftArchiveAge,
		SoftArchiveFloor:    cfg.Retention.SoftArchiveFloor,
		WeakRelationFloor:   cfg.Retention.WeakRelationFloor,
	}, logger)

	queue := coordinator.NewLocalQueue(func(ctx context.Context, task coordinator.Task) error {
		switch task.Kind {
		case taskKindReflection:
			reflector.RunBatch(ctx, task.UserIDs)
		case taskKindSelfImprove:
			for _, userID := range task.UserIDs {
				if _, err := consolidator.Consolidate(ctx, userID); err != nil {
					logger.Error().Err(err).Str("user_id", userID).Msg("Self-improvement failed")
				}
			}
		default:
			return fmt.Errorf("unknown task kind %q", task.Kind)
		}
		return nil
	}, logger)
	dispatcher := coordinator.NewDispatcher(queue, cfg.Reflection.ChunkSize, logger)

	// ---------------------------
	// 6. Scheduler
	// ---------------------------

	scheduler, err := runtime.NewScheduler(cfg.Schedule, runtime.Jobs{
		BulkReflection: dispatchJob(dispatcher, store, taskKindReflection, logger),
		SelfImprove:    dispatchJob(dispatcher, store, taskKindSelfImprove, logger),
		RetentionSweep: func(ctx context.Context) {
			if _, err := retention.Sweep(ctx); err != nil {
				logger.Error().Err(err).Msg("Retention sweep reported errors")
			}
		},
		CachePurge: func(ctx context.Context) {
			if n, err := cache.PurgeExpired(ctx); err != nil {
				logger.Error().Err(err).Msg("Cache purge failed")
			} else if n > 0 {
				logger.Info().Int64("purged", n).Msg("Expired cache entries removed")
			}
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// ---------------------------
	// 7. Metrics endpoint + shutdown
	// ---------------------------

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	cancel()
	queue.Wait()
	return nil
}

// buildGateway selects the configured provider and wraps it with the
// retry policy.
func buildGateway(cfg config.Config, logger zerolog.Logger) (llm.Completer, llm.Embedder, error) {
	var gateway llm.Gateway
	switch cfg.Provider {
	case "", "ollama":
		client, err := ollama.New(cfg.Ollama.Host, cfg.Ollama.Model, cfg.Ollama.EmbedModel,
			time.Duration(cfg.Ollama.Timeout)*time.Second)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create ollama gateway: %w", err)
		}
		gateway = client
	case "openai":
		client, err := openai.New(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, cfg.OpenAI.EmbedModel)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create openai gateway: %w", err)
		}
		gateway = client
	default:
		return nil, nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}

	retryCfg := llm.DefaultRetryConfig()
	return llm.NewRetryingCompleter(gateway, retryCfg, logger),
		llm.NewRetryingEmbedder(gateway, retryCfg, logger),
		nil
}

// dispatchJob fans a maintenance pass out over every active user in
// fixed-size chunks.
func dispatchJob(dispatcher *coordinator.Dispatcher, store *memory.Store, kind string, logger zerolog.Logger) func(ctx context.Context) {
	return func(ctx context.Context) {
		userIDs, err := store.ActiveUserIDs(ctx)
		if err != nil {
			logger.Error().Err(err).Str("kind", kind).Msg("Listing active users failed")
			return
		}
		if _, err := dispatcher.Dispatch(ctx, kind, userIDs); err != nil {
			logger.Error().Err(err).Str("kind", kind).Msg("Dispatch failed")
		}
	}
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info().Str("addr", addr).Msg("Metrics endpoint listening")
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("Metrics endpoint failed")
	}
}
