package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SauersML/hpc-queue/internal/observability"
	"github.com/SauersML/hpc-queue/pkg/consumer"
	"github.com/SauersML/hpc-queue/pkg/event"
	"github.com/SauersML/hpc-queue/pkg/executor"
	"github.com/SauersML/hpc-queue/pkg/imagesync"
)

// workerCmd is the foreground pull consumer. The supervisor runs it as its
// child; operators normally use `q start`.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run the pull consumer in the foreground",
	Hidden: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runWorker()
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker() error {
	if err := cfg.RequireQueueToken(); err != nil {
		return err
	}
	logger, err := observability.NewProcessLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	for _, dir := range []string{cfg.ResultsRoot(), cfg.RuntimeDir(), cfg.ConsumerDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	refresher := imagesync.New(imagesync.Config{
		OCIRef:       cfg.ApptainerOCIRef,
		SIFURL:       cfg.ApptainerSIFURL,
		ImagePath:    cfg.ImagePath(),
		ApptainerBin: cfg.ApptainerBin,
		Logger:       logger,
	})
	// Startup refresh is blocking: a worker with no usable image must not
	// start pulling container jobs.
	if err := refresher.Ensure(ctx, imagesync.Blocking); err != nil {
		return fmt.Errorf("%w: %v", errImageRefresh, err)
	}

	// Periodic unconditional refresh between jobs.
	scheduler := cron.New()
	if cfg.ImageRefreshHours > 0 {
		spec := fmt.Sprintf("@every %dh", cfg.ImageRefreshHours)
		if _, err := scheduler.AddFunc(spec, func() {
			if err := refresher.Ensure(ctx, imagesync.BestEffort); err != nil {
				logger.Warn("scheduled image refresh failed", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("schedule image refresh: %w", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	client := newQueueClient()
	emitter := consumer.NewResultEmitter(client, cfg.ResultsQueueID, logger)
	exec := executor.New(executor.Config{
		ResultsDir:   cfg.ResultsRoot(),
		ApptainerBin: cfg.ApptainerBin,
		ImagePath:    cfg.ImagePath(),
		ExtraBinds:   cfg.ApptainerBinds,
		Logger:       logger,
	}, emitter)

	loop := consumer.New(consumer.Config{
		JobsQueueID:       cfg.JobsQueueID,
		ResultsQueueID:    cfg.ResultsQueueID,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Visibility:        consumer.VisibilityFor(event.DefaultTimeoutSeconds),
		Hostname:          hostname(),
		WorkerVersion:     Version,
		DrainFile:         cfg.DrainFile(),
		Logger:            logger,
	}, client, exec, refresher)

	err = loop.Run(ctx)
	if ctx.Err() != nil {
		logger.Info("worker stopped on signal")
		return nil
	}
	return err
}
