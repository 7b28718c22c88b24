package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/SauersML/hpc-queue/internal/config"
	"github.com/SauersML/hpc-queue/internal/observability"
	"github.com/SauersML/hpc-queue/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the producer HTTP endpoint",
	Long: `Serve POST /jobs and GET /health. Clients authenticate with the
x-api-key header; accepted jobs are enqueued onto the jobs queue.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.RequireAPIKey(); err != nil {
			return err
		}
		if err := cfg.RequireQueueToken(); err != nil {
			return err
		}
		logger, err := observability.NewProcessLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		srv := server.New(server.Config{
			APIKey:      cfg.APIKey,
			JobsQueueID: cfg.JobsQueueID,
			QueueName:   config.JobsQueueName,
			Logger:      logger,
		}, newQueueClient())

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return srv.Serve(ctx, cfg.ListenAddr)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
