// Package consumer runs the HPC-side pull loop: it leases job messages from
// the jobs queue, dispatches them to the executor one at a time, emits
// liveness heartbeats to the results queue, and acknowledges a message only
// after its terminal event has been enqueued.
package consumer

import (
	"context"
	"encoding/json"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/SauersML/hpc-queue/pkg/event"
	"github.com/SauersML/hpc-queue/pkg/imagesync"
	"github.com/SauersML/hpc-queue/pkg/queue"
)

// Queue is the slice of the queue client the loop needs.
type Queue interface {
	Pull(ctx context.Context, queueID string, batchSize int, visibility time.Duration) ([]queue.Message, error)
	Ack(ctx context.Context, queueID string, leaseIDs []string) error
	Send(ctx context.Context, queueID string, body any) error
}

// Runner executes one job message. A non-nil error means no terminal event
// reached the results queue.
type Runner interface {
	Execute(ctx context.Context, job event.JobMessage) (*event.ResultEvent, error)
}

// Refresher keeps the container image fresh before each job.
type Refresher interface {
	Ensure(ctx context.Context, mode imagesync.Mode) error
}

// Config wires a Loop.
type Config struct {
	JobsQueueID    string
	ResultsQueueID string

	// PollInterval is the idle poll cadence. Default 5 s. Consecutive
	// empty polls back off exponentially up to MaxIdleInterval.
	PollInterval    time.Duration
	MaxIdleInterval time.Duration

	// Visibility is the lease window requested on pull. Default 10 min;
	// size it with VisibilityFor when the expected job timeout is known.
	Visibility time.Duration

	// HeartbeatInterval is the liveness cadence. Default 30 s.
	HeartbeatInterval time.Duration

	Hostname      string
	WorkerVersion string

	// DrainFile, when present on disk, stops new pulls; the loop exits
	// cleanly once idle so the supervisor restarts it with fresh code.
	DrainFile string

	Logger *zap.Logger
}

// VisibilityFor sizes the pull visibility window for an expected job
// timeout: the window must outlive the job, bounded to the service's
// [600 s, 43200 s] range. No in-flight extend API is assumed; overruns are
// neutralised by the executor's idempotence marker.
func VisibilityFor(timeoutSeconds int) time.Duration {
	secs := timeoutSeconds + 60
	if secs < 600 {
		secs = 600
	}
	if secs > 43_200 {
		secs = 43_200
	}
	return time.Duration(secs) * time.Second
}

// Loop is the worker's main control loop. One job executes at a time.
type Loop struct {
	cfg       Config
	q         Queue
	runner    Runner
	refresher Refresher
	logger    *zap.Logger

	inflight atomic.Bool

	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, q Queue, runner Runner, refresher Refresher) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxIdleInterval <= 0 {
		cfg.MaxIdleInterval = 30 * time.Second
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 10 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		cfg:       cfg,
		q:         q,
		runner:    runner,
		refresher: refresher,
		logger:    logger,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Run polls until the context is cancelled or a drain is requested.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("starting pull consumer",
		zap.String("jobs_queue", l.cfg.JobsQueueID),
		zap.String("results_queue", l.cfg.ResultsQueueID),
		zap.Duration("poll_interval", l.cfg.PollInterval),
		zap.Duration("visibility", l.cfg.Visibility))

	stopHeartbeat := l.startHeartbeat(ctx)
	defer stopHeartbeat()

	idleStreak := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if l.drainRequested() {
			l.logger.Info("drain requested; exiting for supervisor restart")
			_ = os.Remove(l.cfg.DrainFile)
			return nil
		}

		active, err := l.pollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("poll cycle failed", zap.Error(err))
		}

		if active {
			idleStreak = 0
			continue
		}
		if idleStreak < 8 {
			idleStreak++
		}
		delay := l.cfg.PollInterval << (idleStreak - 1)
		if delay > l.cfg.MaxIdleInterval {
			delay = l.cfg.MaxIdleInterval
		}
		if err := l.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// pollOnce pulls at most one message and runs it to a terminal state.
// It reports whether the cycle did any work.
func (l *Loop) pollOnce(ctx context.Context) (bool, error) {
	msgs, err := l.q.Pull(ctx, l.cfg.JobsQueueID, 1, l.cfg.Visibility)
	if err != nil {
		return false, err
	}
	if len(msgs) == 0 {
		return false, nil
	}
	msg := msgs[0]

	if msg.DecodeErr != nil {
		// Poison: nothing identifies the job; ack to drain it.
		l.logger.Warn("acking undecodable message",
			zap.String("lease_id", msg.LeaseID), zap.Error(msg.DecodeErr))
		return true, l.q.Ack(ctx, l.cfg.JobsQueueID, []string{msg.LeaseID})
	}

	job, err := parseJob(msg.Body)
	if err != nil || job.JobID == "" {
		l.logger.Warn("acking malformed job message",
			zap.String("lease_id", msg.LeaseID), zap.Error(err))
		if job.JobID != "" {
			l.emitPoison(ctx, job.JobID, err)
		}
		return true, l.q.Ack(ctx, l.cfg.JobsQueueID, []string{msg.LeaseID})
	}

	if l.refresher != nil && job.Input.ExecMode() == "container" {
		if err := l.refresher.Ensure(ctx, imagesync.BestEffort); err != nil {
			// No usable image: leave the lease to lapse and stay alive.
			l.logger.Error("image unavailable; job will redeliver",
				zap.String("job_id", job.JobID), zap.Error(err))
			return true, nil
		}
	}

	l.inflight.Store(true)
	result, execErr := l.runner.Execute(ctx, job)
	l.inflight.Store(false)

	if execErr != nil {
		// No terminal event made it out; the message must redeliver.
		l.logger.Warn("job finished without enqueued terminal event",
			zap.String("job_id", job.JobID), zap.Error(execErr))
		return true, nil
	}

	if err := l.q.Ack(ctx, l.cfg.JobsQueueID, []string{msg.LeaseID}); err != nil {
		// Redelivery lands on the idempotence path.
		l.logger.Warn("ack failed after terminal event",
			zap.String("job_id", job.JobID), zap.Error(err))
		return true, nil
	}
	l.logger.Info("job acknowledged",
		zap.String("job_id", job.JobID),
		zap.String("status", string(result.Status)))
	return true, nil
}

func (l *Loop) drainRequested() bool {
	if l.cfg.DrainFile == "" {
		return false
	}
	_, err := os.Stat(l.cfg.DrainFile)
	return err == nil
}

func (l *Loop) emitPoison(ctx context.Context, jobID string, cause error) {
	detail := "undecodable job message"
	if cause != nil {
		detail = cause.Error()
	}
	ev := event.ResultEvent{
		JobID:       jobID,
		Status:      event.StatusFailed,
		ErrorKind:   event.KindPoison,
		ErrorDetail: detail,
		Timestamp:   time.Now().UTC(),
	}
	if err := l.q.Send(ctx, l.cfg.ResultsQueueID, ev); err != nil {
		l.logger.Warn("drop poison event", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (l *Loop) startHeartbeat(ctx context.Context) func() {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopped:
				return
			case <-ticker.C:
				running := l.inflight.Load()
				ev := event.ResultEvent{
					Status:           event.StatusHeartbeat,
					HPCRunningRemote: &running,
					Hostname:         l.cfg.Hostname,
					WorkerVersion:    l.cfg.WorkerVersion,
					Timestamp:        time.Now().UTC(),
				}
				// Heartbeats never produce terminal state; failures are
				// logged and dropped.
				if err := l.q.Send(ctx, l.cfg.ResultsQueueID, ev); err != nil {
					l.logger.Warn("drop heartbeat", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(stopped)
		<-done
	}
}

// parseJob converts a decoded message body into a JobMessage.
func parseJob(body map[string]any) (event.JobMessage, error) {
	var job event.JobMessage
	b, err := json.Marshal(body)
	if err != nil {
		return job, err
	}
	if err := json.Unmarshal(b, &job); err != nil {
		return job, err
	}
	return job, nil
}
