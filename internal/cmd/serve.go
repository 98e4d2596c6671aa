package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/transitworks/pipeboard/internal/config"
	"github.com/transitworks/pipeboard/internal/observability"
	"github.com/transitworks/pipeboard/internal/server"
	"github.com/transitworks/pipeboard/internal/server/handlers"
	"github.com/transitworks/pipeboard/pkg/archive"
	"github.com/transitworks/pipeboard/pkg/executor"
	"github.com/transitworks/pipeboard/pkg/jobstore"
	"github.com/transitworks/pipeboard/pkg/orchestrator"
	"github.com/transitworks/pipeboard/pkg/resolver"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeboard HTTP server and job orchestrator",
	Long: `Run the pipeboard server.

Hosts the job management API, streams job logs over websockets, and runs
the worker pool that executes submitted jobs. Incomplete jobs left behind
by a previous process are re-queued on startup.

Examples:
  pipeboard serve
  pipeboard serve --port 9090
  PIPEBOARD_CONCURRENCY=4 pipeboard serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
}

// storeHealthChecker verifies the job record directory is writable.
type storeHealthChecker struct {
	store *jobstore.Store
}

func (c storeHealthChecker) CheckHealth(_ context.Context) error {
	if c.store == nil {
		return errors.New("job store not initialized")
	}
	f, err := os.CreateTemp(c.store.RootDir(), ".healthcheck-*")
	if err != nil {
		return fmt.Errorf("job store root not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return nil
}

// indexHealthChecker verifies the jobs index database answers.
type indexHealthChecker struct {
	index *jobstore.Index
}

func (c indexHealthChecker) CheckHealth(ctx context.Context) error {
	return c.index.Ping(ctx)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.GetConfig()

	logger, err := observability.NewServerLogger(cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		observability.CLILogger.Error("Invalid logging configuration", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	index, err := jobstore.OpenIndex(ctx, cfg.Jobs.IndexPath)
	if err != nil {
		logger.Error("failed to open jobs index", zap.String("path", cfg.Jobs.IndexPath), zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Failed to open jobs index", err)
	}
	defer func() { _ = index.Close() }()

	store := jobstore.NewStore(cfg.Jobs.DataDir, jobstore.Options{
		ArtifactsRoot: cfg.Jobs.ArtifactsDir,
		MaxRetries:    cfg.Jobs.MaxRetries,
		Index:         index,
	})

	res := resolver.New()
	if cfg.Jobs.CatalogPath != "" {
		res, err = resolver.LoadCatalog(cfg.Jobs.CatalogPath)
		if err != nil {
			logger.Error("failed to load command catalog",
				zap.String("path", cfg.Jobs.CatalogPath), zap.Error(err))
			return exitError(foundry.ExitFileNotFound, "Failed to load command catalog", err)
		}
	}

	var archiver orchestrator.Archiver
	if cfg.Archive.Enabled {
		uploader, err := archive.New(ctx, archive.Config{
			Bucket:         cfg.Archive.Bucket,
			Prefix:         cfg.Archive.Prefix,
			Region:         cfg.Archive.Region,
			Endpoint:       cfg.Archive.Endpoint,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		}, logger)
		if err != nil {
			logger.Error("failed to configure artifact archival", zap.Error(err))
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to configure artifact archival", err)
		}
		archiver = uploader
	}

	runner := executor.New(store, executor.Options{
		ProjectRoot:      cfg.Jobs.ProjectRoot,
		TerminationGrace: cfg.Jobs.TerminationGrace,
		Logger:           logger,
	})

	orch := orchestrator.New(store, runner, res, orchestrator.Options{
		Concurrency:    cfg.Jobs.Concurrency,
		BackoffBase:    cfg.Jobs.BackoffBase,
		BackoffCeiling: cfg.Jobs.BackoffCeiling,
		Archiver:       archiver,
		Logger:         logger,
	})

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("job_store", storeHealthChecker{store: store})
	hm.RegisterChecker("jobs_index", indexHealthChecker{index: index})

	recovered, err := orch.Recover(ctx)
	if err != nil {
		logger.Error("job recovery failed", zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Job recovery failed", err)
	}
	if recovered > 0 {
		logger.Info("re-queued incomplete jobs from previous run", zap.Int("count", recovered))
	}

	orch.Start()
	defer orch.Stop()

	host := cfg.Server.Host
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Server.Port
	if servePort > 0 {
		port = servePort
	}

	api := handlers.NewJobsAPI(store, orch, logger)
	srv := server.New(host, port, server.WithJobsAPI(api), server.WithLogger(logger))

	logger.Info("starting pipeboard",
		zap.String("version", versionInfo.Version),
		zap.String("host", host),
		zap.Int("port", port),
		zap.Int("concurrency", cfg.Jobs.Concurrency))

	if err := srv.Start(ctx); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}

	logger.Info("pipeboard stopped")
	return nil
}
