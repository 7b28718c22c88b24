// Package config loads the environment-driven configuration once at
// startup into an immutable value shared by every component, and defines
// the on-disk layout rooted at the data directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrMissingCredential marks configuration the operator must supply; the
// CLI maps it to exit code 2.
var ErrMissingCredential = errors.New("missing required configuration")

// Defaults mirror the deployed queue routing; every value is overridable
// through the environment surface below.
const (
	defaultAccountID      = "59908b351c3a3321ff84dd2d78bf0b42"
	defaultJobsQueueID    = "f52e2e6bb569425894ede9141e9343a5"
	defaultResultsQueueID = "a435ae20f7514ce4b193879704b03e4e"

	defaultImageName = "hpc-queue-runtime.sif"

	// JobsQueueName is the public name reported by the producer endpoint.
	JobsQueueName = "hpc-jobs"
)

// Config is the immutable runtime configuration.
type Config struct {
	// Producer auth shared secret.
	APIKey string
	// Queue-service bearer token.
	QueueToken string

	QueueBaseURL   string
	AccountID      string
	JobsQueueID    string
	ResultsQueueID string

	ApptainerBin    string
	ApptainerImage  string
	ApptainerOCIRef string
	ApptainerSIFURL string
	ApptainerBinds  []string

	// DataDir roots all worker and local state.
	DataDir string
	// ResultsDir overrides DataDir/results as the per-job workspace root.
	ResultsDir string

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	ImageRefreshHours int

	// ListenAddr is the producer server bind address.
	ListenAddr string
	// ProducerURL is where the local CLI submits jobs.
	ProducerURL string

	LogLevel string
}

// Load reads .env (if present) and the environment. It never fails on
// absent optional values; required credentials are checked by the commands
// that need them.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	dataDir := filepath.Join(home, ".local", "share", "hpc_queue")

	// .env sits in the data dir and is written by `q login`. Values already
	// present in the environment win.
	_ = godotenv.Load(filepath.Join(dataDir, ".env"))

	v := viper.New()
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("apptainer_bin", "apptainer")
	v.SetDefault("poll_interval_seconds", 5)
	v.SetDefault("heartbeat_seconds", 30)
	v.SetDefault("image_refresh_hours", 6)
	v.SetDefault("cf_account_id", defaultAccountID)
	v.SetDefault("cf_jobs_queue_id", defaultJobsQueueID)
	v.SetDefault("cf_results_queue_id", defaultResultsQueueID)
	v.SetDefault("listen_addr", ":8787")
	v.SetDefault("worker_url", "https://hpc-queue-producer.sauer354.workers.dev")
	v.SetDefault("log_level", "info")

	for _, name := range []string{
		"API_KEY", "CF_QUEUES_API_TOKEN", "QUEUE_API_BASE",
		"CF_ACCOUNT_ID", "CF_JOBS_QUEUE_ID", "CF_RESULTS_QUEUE_ID",
		"APPTAINER_BIN", "APPTAINER_IMAGE", "APPTAINER_OCI_REF",
		"APPTAINER_SIF_URL", "APPTAINER_BIND",
		"DATA_DIR", "RESULTS_DIR",
		"POLL_INTERVAL_SECONDS", "HEARTBEAT_SECONDS", "IMAGE_REFRESH_HOURS",
		"LISTEN_ADDR", "WORKER_URL", "LOG_LEVEL",
	} {
		if err := v.BindEnv(strings.ToLower(name), name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", name, err)
		}
	}

	cfg := &Config{
		APIKey:            v.GetString("api_key"),
		QueueToken:        v.GetString("cf_queues_api_token"),
		QueueBaseURL:      v.GetString("queue_api_base"),
		AccountID:         v.GetString("cf_account_id"),
		JobsQueueID:       v.GetString("cf_jobs_queue_id"),
		ResultsQueueID:    v.GetString("cf_results_queue_id"),
		ApptainerBin:      v.GetString("apptainer_bin"),
		ApptainerImage:    v.GetString("apptainer_image"),
		ApptainerOCIRef:   v.GetString("apptainer_oci_ref"),
		ApptainerSIFURL:   v.GetString("apptainer_sif_url"),
		DataDir:           v.GetString("data_dir"),
		ResultsDir:        v.GetString("results_dir"),
		PollInterval:      time.Duration(v.GetInt("poll_interval_seconds")) * time.Second,
		HeartbeatInterval: time.Duration(v.GetInt("heartbeat_seconds")) * time.Second,
		ImageRefreshHours: v.GetInt("image_refresh_hours"),
		ListenAddr:        v.GetString("listen_addr"),
		ProducerURL:       strings.TrimRight(v.GetString("worker_url"), "/"),
		LogLevel:          v.GetString("log_level"),
	}
	if binds := strings.TrimSpace(v.GetString("apptainer_bind")); binds != "" {
		for _, b := range strings.Split(binds, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.ApptainerBinds = append(cfg.ApptainerBinds, b)
			}
		}
	}
	return cfg, nil
}

// RequireQueueToken reports ErrMissingCredential when the queue bearer is
// not configured.
func (c *Config) RequireQueueToken() error {
	if strings.TrimSpace(c.QueueToken) == "" {
		return fmt.Errorf("%w: CF_QUEUES_API_TOKEN", ErrMissingCredential)
	}
	return nil
}

// RequireAPIKey reports ErrMissingCredential when the producer shared
// secret is not configured.
func (c *Config) RequireAPIKey() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: API_KEY", ErrMissingCredential)
	}
	return nil
}

// Path layout. Everything lives under DataDir:
//
//	<data>/results/<job_id>/…          per-job workspaces (worker side)
//	<data>/runtime/<image>.sif[.digest] container image + sidecar
//	<data>/local-results/…             terminal records + tail logs
//	<data>/local-consumer/…            results cache, heartbeat snapshot
//	<data>/hpc-consumer/…              pid files, worker log, drain sentinel

func (c *Config) ResultsRoot() string {
	if c.ResultsDir != "" {
		return c.ResultsDir
	}
	return filepath.Join(c.DataDir, "results")
}

func (c *Config) RuntimeDir() string { return filepath.Join(c.DataDir, "runtime") }

func (c *Config) ImagePath() string {
	if c.ApptainerImage != "" {
		return c.ApptainerImage
	}
	return filepath.Join(c.RuntimeDir(), defaultImageName)
}

func (c *Config) LocalResultsDir() string  { return filepath.Join(c.DataDir, "local-results") }
func (c *Config) LocalConsumerDir() string { return filepath.Join(c.DataDir, "local-consumer") }

func (c *Config) ConsumerDir() string { return filepath.Join(c.DataDir, "hpc-consumer") }

func (c *Config) SupervisorPIDFile() string {
	return filepath.Join(c.ConsumerDir(), "hpc_supervisor.pid")
}

func (c *Config) WorkerPIDFile() string {
	return filepath.Join(c.ConsumerDir(), "hpc_pull_consumer.pid")
}

func (c *Config) WatcherPIDFile() string {
	return filepath.Join(c.LocalConsumerDir(), "local_results_watcher.pid")
}

func (c *Config) WorkerLogFile() string {
	return filepath.Join(c.ConsumerDir(), "hpc_pull_consumer.log")
}

func (c *Config) WatcherLogFile() string {
	return filepath.Join(c.LocalConsumerDir(), "local_results_watcher.log")
}

func (c *Config) DrainFile() string {
	return filepath.Join(c.ConsumerDir(), "reload_requested")
}

func (c *Config) EnvFile() string { return filepath.Join(c.DataDir, ".env") }
