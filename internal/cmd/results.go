package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SauersML/hpc-queue/pkg/results"
)

var (
	resultsLoop     bool
	resultsIdleExit int
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Pull result events onto this machine",
	Long: `Pull one batch of result events from the results queue and write the
per-job artefacts under local-results/. With --loop, keep pulling until
idle for --idle-exit-seconds.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.RequireQueueToken(); err != nil {
			return err
		}

		consumer := results.New(results.Config{
			ResultsQueueID:  cfg.ResultsQueueID,
			LocalResultsDir: cfg.LocalResultsDir(),
			CacheDir:        cfg.LocalConsumerDir(),
			IdleExit:        time.Duration(resultsIdleExit) * time.Second,
			Logger:          cliLogger,
		}, newQueueClient())

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if !resultsLoop {
			_, err := consumer.ProcessOnce(ctx)
			return err
		}

		if err := os.MkdirAll(cfg.LocalConsumerDir(), 0o755); err != nil {
			return fmt.Errorf("create local consumer dir: %w", err)
		}
		if err := os.WriteFile(cfg.WatcherPIDFile(),
			[]byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err == nil {
			defer func() { _ = os.Remove(cfg.WatcherPIDFile()) }()
		}
		err := consumer.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(resultsCmd)
	resultsCmd.Flags().BoolVar(&resultsLoop, "loop", false, "Keep pulling until idle or interrupted")
	resultsCmd.Flags().IntVar(&resultsIdleExit, "idle-exit-seconds", 600,
		"Exit loop mode after this many idle seconds (0 disables)")
}
