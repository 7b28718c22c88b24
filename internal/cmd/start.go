package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/SauersML/hpc-queue/internal/observability"
	"github.com/SauersML/hpc-queue/internal/supervisor"
	"github.com/SauersML/hpc-queue/pkg/imagesync"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the compute worker under the supervisor",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.RequireQueueToken(); err != nil {
			return err
		}

		if pid := readAlivePID(cfg.SupervisorPIDFile()); pid != 0 {
			fmt.Printf("worker already running (supervisor pid %d)\n", pid)
			return nil
		}

		// Fail fast before daemonizing: exit code 4 when no image can be
		// made usable.
		refresher := imagesync.New(imagesync.Config{
			OCIRef:       cfg.ApptainerOCIRef,
			SIFURL:       cfg.ApptainerSIFURL,
			ImagePath:    cfg.ImagePath(),
			ApptainerBin: cfg.ApptainerBin,
			Logger:       cliLogger,
		})
		if err := os.MkdirAll(cfg.RuntimeDir(), 0o755); err != nil {
			return fmt.Errorf("create runtime dir: %w", err)
		}
		if err := refresher.Ensure(cmd.Context(), imagesync.Blocking); err != nil {
			return fmt.Errorf("%w: %v", errImageRefresh, err)
		}

		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}
		child := exec.Command(exe, "supervise")
		child.Env = os.Environ()
		child.Stdout = nil
		child.Stderr = nil
		if err := child.Start(); err != nil {
			return fmt.Errorf("start supervisor: %w", err)
		}
		if err := child.Process.Release(); err != nil {
			return fmt.Errorf("release supervisor: %w", err)
		}

		fmt.Println("worker started")
		fmt.Printf("log file: %s\n", cfg.WorkerLogFile())
		return nil
	},
}

// superviseCmd is the detached restart-on-crash wrapper `q start` spawns.
var superviseCmd = &cobra.Command{
	Use:    "supervise",
	Short:  "Run the worker supervisor in the foreground",
	Hidden: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger, err := observability.NewProcessLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sup := supervisor.New(supervisor.Config{
			Command:      []string{exe, "worker"},
			PIDFile:      cfg.SupervisorPIDFile(),
			ChildPIDFile: cfg.WorkerPIDFile(),
			LogFile:      cfg.WorkerLogFile(),
			Logger:       logger,
		})
		return sup.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(superviseCmd)
}
