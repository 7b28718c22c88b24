package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SauersML/hpc-queue/pkg/results"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worker and watcher status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		supPID := readAlivePID(cfg.SupervisorPIDFile())
		workerPID := readAlivePID(cfg.WorkerPIDFile())
		watcherPID := readAlivePID(cfg.WatcherPIDFile())
		snap := results.LoadStatus(cfg.LocalConsumerDir(), results.DefaultHeartbeatMaxAge)

		if statusJSON {
			return printJSON(map[string]any{
				"running":                       supPID != 0,
				"pid":                           nilIfZero(supPID),
				"worker_running":                workerPID != 0,
				"worker_pid":                    nilIfZero(workerPID),
				"local_results_watcher_running": watcherPID != 0,
				"local_results_watcher_pid":     nilIfZero(watcherPID),
				"hpc_running_remote":            snap.HPCRunningRemote,
				"hpc_last_heartbeat":            snap.LastHeartbeat,
				"hpc_heartbeat_age_seconds":     snap.AgeSeconds,
			})
		}

		fmt.Printf("host: %s\n", hostname())
		switch {
		case supPID != 0 && workerPID != 0:
			fmt.Printf("worker daemon (this machine): running (supervisor pid %d, worker pid %d)\n", supPID, workerPID)
		case supPID != 0:
			fmt.Printf("worker daemon (this machine): restarting worker (supervisor pid %d)\n", supPID)
		default:
			fmt.Println("worker daemon (this machine): not running")
		}

		if watcherPID != 0 {
			fmt.Printf("local results watcher: running (pid %d)\n", watcherPID)
		} else {
			fmt.Println("local results watcher: not running")
		}

		switch {
		case snap.HPCRunningRemote == nil:
			fmt.Println("remote worker heartbeat: unknown (no heartbeat received yet)")
		case *snap.HPCRunningRemote:
			fmt.Printf("remote worker heartbeat: healthy (%.0fs ago, host=%s)\n",
				deref(snap.AgeSeconds), stringField(snap.LastHeartbeat, "hostname"))
		default:
			fmt.Printf("remote worker heartbeat: stale (%.0fs ago, last_host=%s)\n",
				deref(snap.AgeSeconds), stringField(snap.LastHeartbeat, "hostname"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output raw JSON status")
}

func nilIfZero(pid int) any {
	if pid == 0 {
		return nil
	}
	return pid
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
