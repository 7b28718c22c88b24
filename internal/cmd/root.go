// Package cmd implements the q CLI: job submission from the local machine,
// worker lifecycle on the HPC node, and queue maintenance.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SauersML/hpc-queue/internal/config"
	"github.com/SauersML/hpc-queue/internal/observability"
	"github.com/SauersML/hpc-queue/pkg/queue"
)

// Version is stamped into heartbeats and status output.
const Version = "0.4.0"

var (
	cfg       *config.Config
	cliLogger *zap.Logger

	verboseFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "q",
	Short: "Distributed job runner for HPC compute nodes",
	Long: `q moves compute jobs from your machine to an HPC node through two
durable message queues.

Quickstart:
  q login --queue-token <token>
  q submit python -V
  q submit --wait echo hi
  q host --wait hostname
  q logs <job_id>
  q status`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		cliLogger = observability.NewCLILogger(verboseFlag)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug output")
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	args := normalizeArgs(os.Args[1:])
	rootCmd.SetArgs(args)

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitCodeFor(err)
	}
	return 0
}

// normalizeArgs keeps the historical shorthand working: `q <command...>`
// with an unknown first token behaves like `q submit <command...>`.
func normalizeArgs(args []string) []string {
	if len(args) == 0 {
		return args
	}
	first := args[0]
	if first == "" || first[0] == '-' {
		return args
	}
	for _, c := range rootCmd.Commands() {
		if c.Name() == first || c.HasAlias(first) {
			return args
		}
	}
	if first == "help" || first == "completion" {
		return args
	}
	return append([]string{"submit"}, args...)
}

func newQueueClient() *queue.Client {
	return queue.New(queue.Config{
		BaseURL:   cfg.QueueBaseURL,
		AccountID: cfg.AccountID,
		Token:     cfg.QueueToken,
		Logger:    cliLogger,
	})
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
