package cmd

import (
	"fmt"
	"syscall"

	"github.com/spf13/cobra"
)

var stopAll bool

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the worker supervisor",
	RunE: func(cmd *cobra.Command, _ []string) error {
		for _, pidFile := range []string{
			cfg.SupervisorPIDFile(),
			cfg.WorkerPIDFile(),
			cfg.WatcherPIDFile(),
		} {
			if pid := readAlivePID(pidFile); pid != 0 {
				_ = syscall.Kill(pid, syscall.SIGTERM)
			}
		}
		if stopAll {
			if err := cfg.RequireQueueToken(); err != nil {
				return err
			}
			if err := clearQueues(cmd.Context(), "all", 100, 200); err != nil {
				return err
			}
		}
		fmt.Println("stop signal sent")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
	stopCmd.Flags().BoolVar(&stopAll, "all", false, "Also drain the jobs and results queues")
}
