package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmylchreest/fetcharr/internal/breaker"
	"github.com/jmylchreest/fetcharr/internal/bridge"
	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/database"
	"github.com/jmylchreest/fetcharr/internal/database/migrations"
	"github.com/jmylchreest/fetcharr/internal/delivery"
	"github.com/jmylchreest/fetcharr/internal/dispatch"
	"github.com/jmylchreest/fetcharr/internal/events"
	internalhttp "github.com/jmylchreest/fetcharr/internal/http"
	"github.com/jmylchreest/fetcharr/internal/http/handlers"
	"github.com/jmylchreest/fetcharr/internal/notify"
	"github.com/jmylchreest/fetcharr/internal/orchestrator"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
	"github.com/jmylchreest/fetcharr/internal/pipeline/steps"
	"github.com/jmylchreest/fetcharr/internal/recovery"
	"github.com/jmylchreest/fetcharr/internal/repository"
	"github.com/jmylchreest/fetcharr/internal/scheduler"
	"github.com/jmylchreest/fetcharr/internal/service"
	"github.com/jmylchreest/fetcharr/internal/version"
)

// activityRetention is how long activity log rows are kept before the
// nightly prune removes them.
const activityRetention = 30 * 24 * time.Hour

// sweepInterval is the safety-net cadence for the assignment sweep. The
// sweep also runs on every registration and job completion; this catches
// assignments orphaned between those triggers.
const sweepInterval = time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the fetcharr controller",
	Long: `Start the fetcharr controller.

The controller provides:
- REST API for media requests, items, encoders and activity
- WebSocket endpoint for remote encoder workers at /ws/encoders
- Health check endpoint and OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Overrides applied after config load, only when explicitly set.
	serveCmd.Flags().String("host", "", "host to bind to")
	serveCmd.Flags().Int("port", 0, "port to listen on")
	serveCmd.Flags().String("database", "", "database DSN")
	serveCmd.Flags().String("data-dir", "", "data directory (database, backups, template seeds)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyServeFlags(cmd.Flags(), cfg)

	logger := slog.Default()

	for _, dir := range []string{cfg.Storage.BaseDir, cfg.Storage.EncodeOutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	migrator := migrations.NewMigrator(db.DB, logger)
	migrator.RegisterAll(migrations.AllMigrations())
	if err := migrator.Up(cmd.Context()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// Repositories.
	requestRepo := repository.NewRequestRepository(db.DB)
	itemRepo := repository.NewProcessingItemRepository(db.DB)
	templateRepo := repository.NewPipelineTemplateRepository(db.DB)
	executionRepo := repository.NewPipelineExecutionRepository(db.DB)
	profileRepo := repository.NewEncodingProfileRepository(db.DB)
	assignmentRepo := repository.NewEncoderAssignmentRepository(db.DB)
	encoderRepo := repository.NewRemoteEncoderRepository(db.DB)
	breakerRepo := repository.NewCircuitBreakerRepository(db.DB)
	downloadRepo := repository.NewDownloadRepository(db.DB)
	libraryRepo := repository.NewLibraryItemRepository(db.DB)
	activityRepo := repository.NewActivityLogRepository(db.DB)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Core plumbing.
	bus := events.NewBus(logger)

	brk := breaker.New(breakerRepo, cfg.Breaker, logger)
	if err := brk.Load(ctx); err != nil {
		return fmt.Errorf("loading breaker state: %w", err)
	}

	dispatcher := dispatch.New(cfg.Dispatch, assignmentRepo, encoderRepo, profileRepo, bus, logger)

	orch := orchestrator.New(cfg.Pipeline, requestRepo, itemRepo, executionRepo, downloadRepo, activityRepo, bus, logger)

	registry := pipeline.NewRegistry()
	executor := pipeline.New(cfg.Pipeline, registry, executionRepo, templateRepo, requestRepo, itemRepo, orch, logger)

	orch.BindExecutor(executor)
	orch.BindDispatcher(dispatcher)
	dispatcher.SetCallbacks(orch.HandleJobCompleted, orch.HandleJobFailed)

	// External collaborators.
	indexer := bridge.NewIndexer(cfg.Indexer, logger)
	torrents := bridge.NewTorrentClient(cfg.Torrent, logger)
	webhook := notify.NewWebhook(cfg.Notify, logger)
	scanner := notify.NewScanner(cfg.Delivery.Timeout, logger)
	deliverer := delivery.NewEngine(delivery.NewLocalTransport(), libraryRepo, scanner, cfg.Delivery.Timeout, logger)

	steps.RegisterAll(registry, steps.Dependencies{
		Items:       itemRepo,
		Download:    downloadRepo,
		Profiles:    profileRepo,
		Assignments: assignmentRepo,

		Services: orch,
		Branches: executor,
		Indexer:  indexer,
		Torrents: torrents,
		Encoder:  dispatcher,
		Deliver:  deliverer,
		Notifier: webhook,
		Breaker:  brk,

		SearchCfg:       cfg.Search,
		DeliveryCfg:     cfg.Delivery,
		EncodeOutputDir: cfg.Storage.EncodeOutputDir,

		Logger: logger,
	})

	if err := pipeline.SeedDefaults(ctx, templateRepo, logger); err != nil {
		return fmt.Errorf("seeding pipeline templates: %w", err)
	}
	if cfg.Storage.TemplateDir != "" {
		if err := pipeline.LoadYAMLTemplates(ctx, templateRepo, registry, cfg.Storage.TemplateDir, logger); err != nil {
			return fmt.Errorf("loading template dir: %w", err)
		}
	}

	// Services and recovery workers.
	activitySvc := service.NewActivityService(activityRepo, logger)
	backupSvc := service.NewBackupService(db, cfg.Backup, cfg.Storage.BaseDir, logger)

	poller := recovery.NewDownloadPoller(downloadRepo, torrents, brk, orch, logger)
	downloadWorker := recovery.NewDownloadRecoveryWorker(itemRepo, requestRepo, downloadRepo, torrents, brk, orch, logger)
	encoderWorker := recovery.NewEncoderMonitorWorker(itemRepo, requestRepo, assignmentRepo, profileRepo, orch, executor, dispatcher, logger)
	stuckWorker := recovery.NewStuckItemRecoveryWorker(itemRepo, requestRepo, downloadRepo, orch, cfg.Recovery, logger)

	sched := scheduler.New().WithLogger(logger)
	if err := registerTasks(sched, cfg, dispatcher, poller, downloadWorker, encoderWorker, stuckWorker, backupSvc, activitySvc); err != nil {
		return fmt.Errorf("registering tasks: %w", err)
	}

	// Startup reconciliation: stale encoder rows offline, paused executions
	// rearmed, then the periodic tasks.
	if err := dispatcher.Startup(ctx); err != nil {
		return fmt.Errorf("dispatcher startup: %w", err)
	}
	if err := executor.RecoverInFlight(ctx); err != nil {
		return fmt.Errorf("recovering executions: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	db.StartStatsMonitor(ctx)

	// HTTP surface.
	server := internalhttp.NewServer(cfg.Server, logger, version.Version)

	handlers.NewRequestsHandler(orch, requestRepo, itemRepo).Register(server.API())
	handlers.NewItemsHandler(orch).Register(server.API())
	handlers.NewEncodersHandler(dispatcher, assignmentRepo).Register(server.API())
	handlers.NewActivityHandler(activitySvc).Register(server.API())
	handlers.NewSystemHandler(db, sched, brk, dispatcher).Register(server.API())

	server.Router().Get("/ws/encoders", dispatcher.ServeWS)

	logger.Info("starting fetcharr controller",
		slog.String("host", cfg.Server.Host),
		slog.Int("port", cfg.Server.Port),
		slog.String("version", version.Version),
		slog.String("database", cfg.Database.Driver),
	)

	err = server.ListenAndServe(ctx)

	// Ordered shutdown: stop producing work, then drain the encoder fleet.
	sched.Stop()
	orch.Stop()
	executor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	dispatcher.Shutdown(shutdownCtx)

	return err
}

// registerTasks wires every periodic job onto the scheduler.
func registerTasks(
	sched *scheduler.Scheduler,
	cfg *config.Config,
	dispatcher *dispatch.Dispatcher,
	poller *recovery.DownloadPoller,
	downloads *recovery.DownloadRecoveryWorker,
	encoders *recovery.EncoderMonitorWorker,
	stuck *recovery.StuckItemRecoveryWorker,
	backups *service.BackupService,
	activity *service.ActivityService,
) error {
	tasks := []scheduler.Task{
		{
			Name:     "encoder-health",
			Interval: cfg.Dispatch.HeartbeatCheckInterval,
			Fn: func(ctx context.Context) error {
				dispatcher.CheckHealth(ctx)
				return nil
			},
		},
		{
			Name:     "progress-flush",
			Interval: cfg.Dispatch.ProgressFlushInterval,
			Fn: func(ctx context.Context) error {
				dispatcher.FlushProgress(ctx)
				return nil
			},
		},
		{
			Name:     "assignment-sweep",
			Interval: sweepInterval,
			Jitter:   5 * time.Second,
			Fn: func(ctx context.Context) error {
				dispatcher.Sweep(ctx)
				return nil
			},
		},
		{
			Name:           "download-poller",
			Interval:       cfg.Recovery.DownloadPollInterval,
			Fn:             poller.Run,
			RunImmediately: true,
		},
		{
			Name:     "download-recovery",
			Interval: cfg.Recovery.Interval,
			Jitter:   10 * time.Second,
			Fn:       downloads.Run,
		},
		{
			Name:     "encoder-monitor",
			Interval: cfg.Recovery.Interval,
			Jitter:   10 * time.Second,
			Fn:       encoders.Run,
		},
		{
			Name:     "stuck-recovery",
			Interval: cfg.Recovery.Interval,
			Jitter:   10 * time.Second,
			Fn:       stuck.Run,
		},
	}
	for _, task := range tasks {
		if err := sched.Register(task); err != nil {
			return err
		}
	}

	if cfg.Backup.Schedule.Enabled {
		if err := sched.RegisterCron("backup", cfg.Backup.Schedule.Cron, backups.RunScheduled); err != nil {
			return err
		}
	}

	return sched.RegisterCron("activity-prune", "0 4 * * *", func(ctx context.Context) error {
		_, err := activity.Prune(ctx, activityRetention)
		return err
	})
}

// applyServeFlags overlays explicitly-set CLI flags onto the loaded config.
func applyServeFlags(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("database") {
		cfg.Database.DSN, _ = flags.GetString("database")
	}
	if flags.Changed("data-dir") {
		cfg.Storage.BaseDir, _ = flags.GetString("data-dir")
	}
}
