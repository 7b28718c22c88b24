package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	submitWait bool
	hostWait   bool
)

var submitCmd = &cobra.Command{
	Use:   "submit [--wait] <command...>",
	Short: "Submit a shell command job (inside the container runtime)",
	Long: `Run a command inside the container runtime on the HPC node.
Inside the container the per-job scratch directory is mounted at /work.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSubmit(args, submitWait, "container")
	},
}

var hostCmd = &cobra.Command{
	Use:   "host [--wait] <command...>",
	Short: "Submit a shell command job to run directly on the HPC host",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSubmit(args, hostWait, "host")
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(hostCmd)
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "Wait until the local result file exists")
	hostCmd.Flags().BoolVar(&hostWait, "wait", false, "Wait until the local result file exists")
	// The command words may contain their own flags; stop parsing at the
	// first positional.
	submitCmd.Flags().SetInterspersed(false)
	hostCmd.Flags().SetInterspersed(false)
}

func runSubmit(args []string, wait bool, execMode string) error {
	// --wait may trail the command words; cobra stops parsing at the first
	// positional, so strip it here too.
	filtered := make([]string, 0, len(args))
	for _, a := range args {
		if a == "--wait" {
			wait = true
			continue
		}
		filtered = append(filtered, a)
	}
	if len(filtered) == 0 {
		return fmt.Errorf("submit requires a command")
	}

	input := map[string]any{
		"command":   shellJoin(filtered),
		"exec_mode": execMode,
	}
	jobID, err := submitPayload(map[string]any{"input": input}, wait)
	if err != nil {
		return err
	}
	if wait {
		return showLogs(jobID)
	}
	return nil
}

// submitPayload posts one job envelope to the producer, makes sure the
// local results watcher is running, and optionally waits for the terminal
// record to land.
func submitPayload(payload map[string]any, wait bool) (string, error) {
	if err := cfg.RequireAPIKey(); err != nil {
		return "", err
	}
	if err := cfg.RequireQueueToken(); err != nil {
		return "", err
	}
	if err := ensureWatcherRunning(); err != nil {
		return "", err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, cfg.ProducerURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", cfg.APIKey)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("submit failed: HTTP %d: %s", resp.StatusCode, string(raw))
	}

	var submitted struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(raw, &submitted); err != nil || submitted.JobID == "" {
		return "", fmt.Errorf("submit succeeded but response had no job_id: %s", string(raw))
	}
	jobID := submitted.JobID

	fmt.Printf("job queued: %s\n", jobID)
	fmt.Printf("result_json: %s\n", filepath.Join(cfg.LocalResultsDir(), jobID+".json"))
	if !wait {
		return jobID, nil
	}
	return jobID, waitForLocalResult(jobID)
}

func waitForLocalResult(jobID string) error {
	resultPath := filepath.Join(cfg.LocalResultsDir(), jobID+".json")
	lastNote := time.Now()
	for {
		if _, err := os.Stat(resultPath); err == nil {
			fmt.Printf("local_result_file: %s\n", resultPath)
			return nil
		}
		if time.Since(lastNote) >= 30*time.Second {
			fmt.Printf("waiting for job %s ...\n", jobID)
			lastNote = time.Now()
		}
		time.Sleep(2 * time.Second)
	}
}

// ensureWatcherRunning spawns `q results --loop` in the background when no
// live watcher is recorded in the pid file.
func ensureWatcherRunning() error {
	if pid := readAlivePID(cfg.WatcherPIDFile()); pid != 0 {
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	if err := os.MkdirAll(cfg.LocalConsumerDir(), 0o755); err != nil {
		return fmt.Errorf("create local consumer dir: %w", err)
	}
	logFile, err := os.OpenFile(cfg.WatcherLogFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open watcher log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	child := exec.Command(exe, "results", "--loop")
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = os.Environ()
	if err := child.Start(); err != nil {
		return fmt.Errorf("start results watcher: %w", err)
	}
	if err := os.WriteFile(cfg.WatcherPIDFile(), []byte(fmt.Sprintf("%d\n", child.Process.Pid)), 0o644); err != nil {
		return fmt.Errorf("write watcher pid: %w", err)
	}
	// Reparent to init; the watcher outlives this command.
	if err := child.Process.Release(); err != nil {
		cliLogger.Warn("release watcher process", zap.Error(err))
	}
	return nil
}
