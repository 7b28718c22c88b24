// Package results runs the local-side consumer: it drains the results
// queue, writes per-job artefacts under local-results/, keeps an
// append-only event cache, and maintains the worker heartbeat snapshot the
// CLI's status command reads.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SauersML/hpc-queue/pkg/event"
	"github.com/SauersML/hpc-queue/pkg/queue"
)

// Queue is the slice of the queue client this consumer needs.
type Queue interface {
	Pull(ctx context.Context, queueID string, batchSize int, visibility time.Duration) ([]queue.Message, error)
	Ack(ctx context.Context, queueID string, leaseIDs []string) error
}

// Config wires a Consumer.
type Config struct {
	ResultsQueueID string

	// LocalResultsDir holds <job_id>.json and the per-stream logs.
	LocalResultsDir string
	// CacheDir holds results_cache.jsonl and hpc_status.json.
	CacheDir string

	// BatchSize per pull. Default 100.
	BatchSize int
	// PollInterval between pulls in loop mode. Default 2 s.
	PollInterval time.Duration
	// Visibility for pulled result messages. Default 2 min.
	Visibility time.Duration
	// IdleExit stops loop mode after this long with no messages. Zero
	// disables the idle exit.
	IdleExit time.Duration

	Logger *zap.Logger
}

const (
	cacheFileName  = "results_cache.jsonl"
	statusFileName = "hpc_status.json"
)

// Consumer pulls result events and lands them on local disk. Downstream
// writes are idempotent on job_id, so replays of the same event are
// harmless.
type Consumer struct {
	cfg    Config
	q      Queue
	logger *zap.Logger

	mu      sync.Mutex
	offsets map[string]*streamOffsets
}

type streamOffsets struct {
	stdout int64
	stderr int64
}

func New(cfg Config, q Queue) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{cfg: cfg, q: q, logger: logger, offsets: map[string]*streamOffsets{}}
}

// Run pulls until the context is cancelled or, with IdleExit set, until no
// messages have arrived for that long.
func (c *Consumer) Run(ctx context.Context) error {
	lastActivity := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		had, err := c.ProcessOnce(ctx)
		if err != nil {
			c.logger.Warn("results poll failed", zap.Error(err))
		}
		if had {
			lastActivity = time.Now()
		} else if c.cfg.IdleExit > 0 && time.Since(lastActivity) >= c.cfg.IdleExit {
			c.logger.Info("results watcher idle; exiting",
				zap.Duration("idle_exit", c.cfg.IdleExit))
			return nil
		}
		t := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// ProcessOnce pulls one batch, lands every event, and acks everything it
// received. It reports whether any messages arrived.
func (c *Consumer) ProcessOnce(ctx context.Context) (bool, error) {
	msgs, err := c.q.Pull(ctx, c.cfg.ResultsQueueID, c.cfg.BatchSize, c.cfg.Visibility)
	if err != nil {
		return false, err
	}
	if len(msgs) == 0 {
		return false, nil
	}

	leases := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		leases = append(leases, msg.LeaseID)
		if msg.DecodeErr != nil {
			c.logger.Warn("dropping undecodable result message",
				zap.String("lease_id", msg.LeaseID), zap.Error(msg.DecodeErr))
			continue
		}
		if err := c.handleEvent(msg.Body); err != nil {
			c.logger.Warn("failed to land result event", zap.Error(err))
		}
	}

	if err := c.q.Ack(ctx, c.cfg.ResultsQueueID, leases); err != nil {
		return true, fmt.Errorf("ack results batch: %w", err)
	}
	return true, nil
}

func (c *Consumer) handleEvent(body map[string]any) error {
	if err := c.appendCache(body); err != nil {
		return err
	}

	ev, err := parseEvent(body)
	if err != nil {
		return err
	}

	switch ev.Status {
	case event.StatusHeartbeat:
		return writeJSONAtomic(filepath.Join(c.cfg.CacheDir, statusFileName), body)
	case event.StatusRunning:
		return c.appendTails(ev)
	case event.StatusCompleted, event.StatusFailed:
		if ev.JobID == "" {
			return nil
		}
		if err := c.appendTails(ev); err != nil {
			return err
		}
		return c.writeTerminalRecord(body, ev)
	default:
		c.logger.Debug("ignoring unknown event status", zap.String("status", string(ev.Status)))
		return nil
	}
}

// appendTails appends the unseen suffix of each tail, deduplicating by the
// event's absolute byte counters.
func (c *Consumer) appendTails(ev event.ResultEvent) error {
	if ev.JobID == "" {
		return nil
	}
	c.mu.Lock()
	off, ok := c.offsets[ev.JobID]
	if !ok {
		off = &streamOffsets{}
		c.offsets[ev.JobID] = off
	}
	c.mu.Unlock()

	if err := c.appendStream(ev.JobID, "stdout", ev.StdoutTail, ev.BytesReadStdout, &off.stdout); err != nil {
		return err
	}
	return c.appendStream(ev.JobID, "stderr", ev.StderrTail, ev.BytesReadStderr, &off.stderr)
}

func (c *Consumer) appendStream(jobID, stream, tail string, absolute int64, written *int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Terminal replays and out-of-order running events land here with an
	// already-seen counter.
	if absolute <= *written {
		return nil
	}
	fresh := absolute - *written
	if fresh < int64(len(tail)) {
		tail = tail[int64(len(tail))-fresh:]
	}
	if tail == "" {
		*written = absolute
		return nil
	}

	if err := os.MkdirAll(c.cfg.LocalResultsDir, 0o755); err != nil {
		return fmt.Errorf("create local results dir: %w", err)
	}
	path := filepath.Join(c.cfg.LocalResultsDir, jobID+"."+stream+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s log: %w", stream, err)
	}
	if _, err := f.WriteString(tail); err != nil {
		_ = f.Close()
		return fmt.Errorf("append %s log: %w", stream, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s log: %w", stream, err)
	}
	*written = absolute
	return nil
}

// writeTerminalRecord lands <job_id>.json: the terminal event verbatim,
// tails included. The sidecar .log files carry the full streams.
func (c *Consumer) writeTerminalRecord(body map[string]any, ev event.ResultEvent) error {
	if err := os.MkdirAll(c.cfg.LocalResultsDir, 0o755); err != nil {
		return fmt.Errorf("create local results dir: %w", err)
	}
	return writeJSONAtomic(filepath.Join(c.cfg.LocalResultsDir, ev.JobID+".json"), body)
}

// appendCache writes one event as a single JSONL line, the same framing the
// logs fallback reads back.
func (c *Consumer) appendCache(body map[string]any) error {
	if c.cfg.CacheDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.cfg.CacheDir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	line, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal cache line: %w", err)
	}
	line = append(line, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(c.cfg.CacheDir, cacheFileName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open results cache: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append results cache: %w", err)
	}
	return f.Close()
}

func parseEvent(body map[string]any) (event.ResultEvent, error) {
	var ev event.ResultEvent
	b, err := json.Marshal(body)
	if err != nil {
		return ev, err
	}
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, err
	}
	return ev, nil
}

func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", filepath.Base(path), err)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
