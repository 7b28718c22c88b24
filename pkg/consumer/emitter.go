package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SauersML/hpc-queue/pkg/event"
)

// terminalSendAttempts bounds retries when a terminal event cannot reach
// the results queue. Exhaustion bubbles up so the job message is not acked
// and the idempotence path re-emits on redelivery.
const terminalSendAttempts = 5

// ResultEmitter publishes result events to the results queue. Terminal
// events are retried; heartbeat and running events are fire-and-forget from
// the caller's perspective.
type ResultEmitter struct {
	q       Queue
	queueID string
	logger  *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewResultEmitter(q Queue, resultsQueueID string, logger *zap.Logger) *ResultEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultEmitter{
		q:       q,
		queueID: resultsQueueID,
		logger:  logger,
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

func (e *ResultEmitter) Emit(ctx context.Context, ev event.ResultEvent) error {
	if !ev.Status.Terminal() {
		return e.q.Send(ctx, e.queueID, ev)
	}

	var lastErr error
	backoff := time.Second
	for attempt := 1; attempt <= terminalSendAttempts; attempt++ {
		lastErr = e.q.Send(ctx, e.queueID, ev)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if attempt == terminalSendAttempts {
			break
		}
		e.logger.Warn("terminal event send failed",
			zap.String("job_id", ev.JobID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if err := e.sleep(ctx, backoff); err != nil {
			return err
		}
		if backoff < 8*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("send terminal event for %s: %w", ev.JobID, lastErr)
}
