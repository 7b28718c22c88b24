package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SauersML/hpc-queue/pkg/results"
)

var logsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show stdout/stderr for a completed job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showLogs(strings.TrimSpace(args[0]))
	},
}

var jobCmd = &cobra.Command{
	Use:   "job <job_id>",
	Short: "Show last known status for one job from the local cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID := strings.TrimSpace(args[0])
		record, ok := loadLocalRecord(jobID)
		if !ok {
			record, ok = results.LookupCached(cfg.LocalConsumerDir(), jobID)
		}
		if !ok {
			record = map[string]any{"job_id": jobID, "status": "pending_or_unknown"}
		}
		return printJSON(summarizeRecord(record))
	},
}

func init() {
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(jobCmd)
}

// showLogs prints the terminal record and both stream logs. When no
// artefacts have landed yet it falls back to the most recent cached event
// for the job.
func showLogs(jobID string) error {
	if record, ok := loadLocalRecord(jobID); ok {
		if err := printJSON(summarizeRecord(record)); err != nil {
			return err
		}
		printStream("stdout", filepath.Join(cfg.LocalResultsDir(), jobID+".stdout.log"))
		printStream("stderr", filepath.Join(cfg.LocalResultsDir(), jobID+".stderr.log"))
		return nil
	}

	if cached, ok := results.LookupCached(cfg.LocalConsumerDir(), jobID); ok {
		if err := printJSON(summarizeRecord(cached)); err != nil {
			return err
		}
		fmt.Println("\n=== stdout ===")
		fmt.Print(stringField(cached, "stdout_tail"))
		fmt.Println("\n=== stderr ===")
		fmt.Print(stringField(cached, "stderr_tail"))
		fmt.Println()
		return nil
	}

	return fmt.Errorf("no local results for job_id=%s; run `q results` first or check the worker", jobID)
}

func loadLocalRecord(jobID string) (map[string]any, bool) {
	b, err := os.ReadFile(filepath.Join(cfg.LocalResultsDir(), jobID+".json"))
	if err != nil {
		return nil, false
	}
	var record map[string]any
	if err := json.Unmarshal(b, &record); err != nil {
		return nil, false
	}
	return record, true
}

func summarizeRecord(record map[string]any) map[string]any {
	out := map[string]any{}
	for _, key := range []string{
		"job_id", "status", "error_kind", "error_detail", "exit_code",
		"duration_seconds", "result_pointer", "timestamp",
	} {
		if v, ok := record[key]; ok {
			out[key] = v
		}
	}
	return out
}

func printStream(name, path string) {
	fmt.Printf("\n=== %s ===\n", name)
	b, err := os.ReadFile(path)
	if err != nil {
		fmt.Println("(missing)")
		return
	}
	fmt.Print(string(b))
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
