package cmd

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// maxInlineFileBytes bounds run-file uploads; larger inputs belong in
// shared storage the job can reach itself.
const maxInlineFileBytes = 64 * 1024

var (
	runFileWait   bool
	runFileRunner string
)

var runFileCmd = &cobra.Command{
	Use:   "run-file [--wait] [--runner R] <file> [-- args...]",
	Short: "Upload a local file and execute it inside the container",
	Long: `Stage a local file into /work/files/<name> on the HPC node and execute
it inside the container. Arguments after -- are passed to the file.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filePath := args[0]
		fileArgs := args[1:]
		if len(fileArgs) > 0 && fileArgs[0] == "--" {
			fileArgs = fileArgs[1:]
		}

		input, err := buildRunFileInput(filePath, fileArgs, runFileRunner)
		if err != nil {
			return err
		}
		jobID, err := submitPayload(map[string]any{"input": input}, runFileWait)
		if err != nil {
			return err
		}
		if runFileWait {
			return showLogs(jobID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runFileCmd)
	runFileCmd.Flags().BoolVar(&runFileWait, "wait", false, "Wait until the local result file exists")
	runFileCmd.Flags().StringVar(&runFileRunner, "runner", "python",
		`Runner binary; use an empty string to execute the file directly`)
	runFileCmd.Flags().SetInterspersed(false)
}

func buildRunFileInput(filePath string, fileArgs []string, runner string) (map[string]any, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read run-file source: %w", err)
	}
	if len(raw) > maxInlineFileBytes {
		return nil, fmt.Errorf("run-file too large (%d bytes); max is %d bytes", len(raw), maxInlineFileBytes)
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("stat run-file source: %w", err)
	}
	mode := "644"
	if info.Mode()&0o100 != 0 {
		mode = "755"
	}

	remoteRel := "files/" + filepath.Base(filePath)
	remoteAbs := "/work/" + remoteRel

	parts := make([]string, 0, len(fileArgs)+2)
	if runner != "" {
		parts = append(parts, runner)
	}
	parts = append(parts, remoteAbs)
	parts = append(parts, fileArgs...)

	return map[string]any{
		"command":   shellJoin(parts),
		"exec_mode": "container",
		"runner":    runner,
		"local_files": []any{
			map[string]any{
				"path":        remoteRel,
				"content_b64": base64.StdEncoding.EncodeToString(raw),
				"mode":        mode,
			},
		},
	}, nil
}
