// Package event defines the messages exchanged over the jobs and results
// queues: the job envelope submitted by the producer and the tagged result
// events published by the worker.
package event

import (
	"encoding/json"
	"time"
)

// Status tags a ResultEvent. Exactly one terminal status (completed or
// failed) is intended per job attempt; consumers must tolerate duplicates.
type Status string

const (
	StatusHeartbeat Status = "heartbeat"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s ends a job attempt.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Kind classifies a failure on a terminal event.
//
// NOTE: These values travel on the wire and in <job_id>.json records; they
// are part of the stable contract.
type Kind string

const (
	KindInvalidInput     Kind = "invalid_input"
	KindPoison           Kind = "poison"
	KindImageUnavailable Kind = "image_unavailable"
	KindLaunchFailed     Kind = "launch_failed"
	KindTimeout          Kind = "timeout"
	KindNonzeroExit      Kind = "nonzero_exit"
	KindTransportError   Kind = "transport_error"
	KindRateLimited      Kind = "rate_limited"
	KindWorkerShutdown   Kind = "worker_shutdown"
)

// JobMessage is the JSON envelope placed on the jobs queue by the producer.
type JobMessage struct {
	JobID     string         `json:"job_id"`
	Input     Input          `json:"input"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Input is the open-ended key/value payload of a job. Fields the executor
// consumes are extracted through typed accessors with documented defaults;
// everything else rides along untouched.
type Input map[string]any

func (in Input) str(key string) string {
	v, ok := in[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Command returns the shell command to run, or "" when absent.
func (in Input) Command() string { return in.str("command") }

// ExecMode returns "host" or "container"; container is the default.
func (in Input) ExecMode() string {
	if in.str("exec_mode") == "host" {
		return "host"
	}
	return "container"
}

// Runner returns the executable prepended to a staged file for run-file
// jobs. Empty means "exec the file directly".
func (in Input) Runner() string { return in.str("runner") }

// FileName and FileContentB64 describe a single inline file to materialise
// into the workspace before the command runs.
func (in Input) FileName() string       { return in.str("file_name") }
func (in Input) FileContentB64() string { return in.str("file_content_b64") }

// DefaultTimeoutSeconds bounds jobs that do not request a timeout.
const DefaultTimeoutSeconds = 86_400

// TimeoutSeconds returns the wall-clock budget for the job.
func (in Input) TimeoutSeconds() int {
	v, ok := in["timeout_seconds"]
	if !ok {
		return DefaultTimeoutSeconds
	}
	switch n := v.(type) {
	case float64:
		if n >= 1 {
			return int(n)
		}
	case int:
		if n >= 1 {
			return n
		}
	case json.Number:
		if i, err := n.Int64(); err == nil && i >= 1 {
			return int(i)
		}
	}
	return DefaultTimeoutSeconds
}

// StagedFile is one entry of the input's local_files list.
type StagedFile struct {
	Path       string
	ContentB64 string
	Mode       string
}

// LocalFiles returns the staged-file list, if any. Malformed entries are
// skipped; path validation happens at staging time.
func (in Input) LocalFiles() []StagedFile {
	raw, ok := in["local_files"].([]any)
	if !ok {
		return nil
	}
	out := make([]StagedFile, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		f := StagedFile{}
		f.Path, _ = m["path"].(string)
		f.ContentB64, _ = m["content_b64"].(string)
		f.Mode, _ = m["mode"].(string)
		if f.Path == "" || f.ContentB64 == "" {
			continue
		}
		out = append(out, f)
	}
	return out
}

// ResultEvent is the tagged union published to the results queue. Which
// fields are set depends on Status.
type ResultEvent struct {
	JobID  string `json:"job_id,omitempty"`
	Status Status `json:"status"`

	// heartbeat
	HPCRunningRemote *bool  `json:"hpc_running_remote,omitempty"`
	Hostname         string `json:"hostname,omitempty"`
	WorkerVersion    string `json:"worker_version,omitempty"`

	// running + terminal
	StdoutTail      string `json:"stdout_tail,omitempty"`
	StderrTail      string `json:"stderr_tail,omitempty"`
	BytesReadStdout int64  `json:"bytes_read_stdout,omitempty"`
	BytesReadStderr int64  `json:"bytes_read_stderr,omitempty"`

	// terminal
	ExitCode        *int    `json:"exit_code,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	ResultPointer   *string `json:"result_pointer"`
	ErrorKind       Kind    `json:"error_kind,omitempty"`
	ErrorDetail     string  `json:"error_detail,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
