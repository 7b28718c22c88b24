package consumer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SauersML/hpc-queue/pkg/event"
	"github.com/SauersML/hpc-queue/pkg/imagesync"
	"github.com/SauersML/hpc-queue/pkg/queue"
)

type fakeBroker struct {
	mu      sync.Mutex
	backlog []queue.Message
	acked   []string
	sent    []event.ResultEvent
	sendErr error
	pullErr error
}

func (f *fakeBroker) Pull(_ context.Context, _ string, batch int, _ time.Duration) ([]queue.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	if len(f.backlog) == 0 {
		return nil, nil
	}
	if batch > len(f.backlog) {
		batch = len(f.backlog)
	}
	out := f.backlog[:batch]
	f.backlog = f.backlog[batch:]
	return out, nil
}

func (f *fakeBroker) Ack(_ context.Context, _ string, leaseIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, leaseIDs...)
	return nil
}

func (f *fakeBroker) Send(_ context.Context, _ string, body any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if ev, ok := body.(event.ResultEvent); ok {
		f.sent = append(f.sent, ev)
	}
	return nil
}

func (f *fakeBroker) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.acked...)
}

func (f *fakeBroker) sentEvents() []event.ResultEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.ResultEvent{}, f.sent...)
}

type fakeRunner struct {
	mu   sync.Mutex
	jobs []event.JobMessage
	err  error
}

func (f *fakeRunner) Execute(_ context.Context, job event.JobMessage) (*event.ResultEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	if f.err != nil {
		return nil, f.err
	}
	zero := 0
	return &event.ResultEvent{
		JobID:     job.JobID,
		Status:    event.StatusCompleted,
		ExitCode:  &zero,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (f *fakeRunner) executed() []event.JobMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.JobMessage{}, f.jobs...)
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeRefresher) Ensure(_ context.Context, _ imagesync.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func jobMessage(leaseID, jobID string, input map[string]any) queue.Message {
	return queue.Message{
		LeaseID:  leaseID,
		Body:     map[string]any{"job_id": jobID, "input": input},
		Attempts: 1,
	}
}

func TestVisibilityFor(t *testing.T) {
	tests := []struct {
		timeout int
		want    time.Duration
	}{
		{timeout: 120, want: 600 * time.Second},
		{timeout: 3600, want: 3660 * time.Second},
		{timeout: 86_400, want: 43_200 * time.Second},
		{timeout: 0, want: 600 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, VisibilityFor(tt.timeout))
	}
}

func TestPollOnceAcksOnlyAfterTerminalEvent(t *testing.T) {
	broker := &fakeBroker{backlog: []queue.Message{
		jobMessage("l1", "calm-otter-0a1b2c", map[string]any{"command": "true", "exec_mode": "host"}),
	}}
	runner := &fakeRunner{}
	loop := New(Config{JobsQueueID: "jobs", ResultsQueueID: "results"}, broker, runner, nil)

	active, err := loop.pollOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, active)
	require.Len(t, runner.executed(), 1)
	assert.Equal(t, "calm-otter-0a1b2c", runner.executed()[0].JobID)
	assert.Equal(t, []string{"l1"}, broker.ackedIDs())
}

func TestPollOnceDoesNotAckWhenTerminalSendFails(t *testing.T) {
	broker := &fakeBroker{backlog: []queue.Message{
		jobMessage("l1", "dusky-finch-111111", map[string]any{"command": "true"}),
	}}
	runner := &fakeRunner{err: errors.New("emit terminal event: queue down")}
	loop := New(Config{JobsQueueID: "jobs", ResultsQueueID: "results"}, broker, runner, nil)

	active, err := loop.pollOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, active)
	assert.Empty(t, broker.ackedIDs())
}

func TestPollOnceAcksPoisonImmediately(t *testing.T) {
	broker := &fakeBroker{backlog: []queue.Message{
		{LeaseID: "l-poison", DecodeErr: errors.New("bad base64")},
	}}
	runner := &fakeRunner{}
	loop := New(Config{JobsQueueID: "jobs", ResultsQueueID: "results"}, broker, runner, nil)

	active, err := loop.pollOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, active)
	assert.Empty(t, runner.executed())
	assert.Equal(t, []string{"l-poison"}, broker.ackedIDs())
}

func TestPollOnceEmitsPoisonEventWhenJobIDRecoverable(t *testing.T) {
	broker := &fakeBroker{backlog: []queue.Message{
		{
			LeaseID: "l1",
			Body:    map[string]any{"job_id": "polar-krill-222222", "input": "not-a-map"},
		},
	}}
	loop := New(Config{JobsQueueID: "jobs", ResultsQueueID: "results"}, broker, &fakeRunner{}, nil)

	active, err := loop.pollOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, []string{"l1"}, broker.ackedIDs())

	events := broker.sentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, event.StatusFailed, events[0].Status)
	assert.Equal(t, event.KindPoison, events[0].ErrorKind)
	assert.Equal(t, "polar-krill-222222", events[0].JobID)
}

func TestPollOnceSkipsAckWhenImageUnavailable(t *testing.T) {
	broker := &fakeBroker{backlog: []queue.Message{
		jobMessage("l1", "vivid-lynx-333333", map[string]any{"command": "true"}),
	}}
	runner := &fakeRunner{}
	refresher := &fakeRefresher{err: errors.New("registry unreachable, no local image")}
	loop := New(Config{JobsQueueID: "jobs", ResultsQueueID: "results"}, broker, runner, refresher)

	active, err := loop.pollOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, active)
	assert.Empty(t, runner.executed())
	assert.Empty(t, broker.ackedIDs())
}

func TestPollOnceHostJobSkipsImageRefresh(t *testing.T) {
	broker := &fakeBroker{backlog: []queue.Message{
		jobMessage("l1", "basal-node-444444", map[string]any{"command": "true", "exec_mode": "host"}),
	}}
	refresher := &fakeRefresher{err: errors.New("must not be called")}
	loop := New(Config{JobsQueueID: "jobs", ResultsQueueID: "results"}, broker, &fakeRunner{}, refresher)

	_, err := loop.pollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, refresher.calls)
	assert.Equal(t, []string{"l1"}, broker.ackedIDs())
}

func TestRunEmitsHeartbeats(t *testing.T) {
	broker := &fakeBroker{}
	loop := New(Config{
		JobsQueueID:       "jobs",
		ResultsQueueID:    "results",
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 30 * time.Millisecond,
		Hostname:          "node-7",
		WorkerVersion:     "test",
	}, broker, &fakeRunner{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := loop.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var beats int
	for _, ev := range broker.sentEvents() {
		if ev.Status == event.StatusHeartbeat {
			beats++
			assert.Equal(t, "node-7", ev.Hostname)
			assert.Equal(t, "test", ev.WorkerVersion)
			require.NotNil(t, ev.HPCRunningRemote)
			assert.False(t, *ev.HPCRunningRemote)
			assert.Empty(t, ev.JobID)
		}
	}
	// 200 ms window at a 30 ms cadence: at least one beat per 2x interval.
	assert.GreaterOrEqual(t, beats, 2)
}

func TestRunDrainFileStopsLoop(t *testing.T) {
	drain := filepath.Join(t.TempDir(), "reload_requested")
	require.NoError(t, os.WriteFile(drain, nil, 0o644))

	loop := New(Config{
		JobsQueueID:    "jobs",
		ResultsQueueID: "results",
		PollInterval:   10 * time.Millisecond,
		DrainFile:      drain,
	}, &fakeBroker{}, &fakeRunner{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, loop.Run(ctx))
	assert.NoFileExists(t, drain)
}

func TestRunIdleBackoffDoublesUpToCap(t *testing.T) {
	broker := &fakeBroker{}
	loop := New(Config{
		JobsQueueID:     "jobs",
		ResultsQueueID:  "results",
		PollInterval:    time.Second,
		MaxIdleInterval: 8 * time.Second,
	}, broker, &fakeRunner{}, nil)

	var delays []time.Duration
	loop.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) >= 6 {
			return context.Canceled
		}
		return nil
	}

	err := loop.Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 8 * time.Second, 8 * time.Second,
	}, delays)
}

func TestResultEmitterRetriesTerminalSends(t *testing.T) {
	attempts := 0
	q := &countingQueue{fail: 2, inner: &fakeBroker{}, attempts: &attempts}
	em := NewResultEmitter(q, "results", nil)
	em.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	zero := 0
	err := em.Emit(context.Background(), event.ResultEvent{
		JobID: "j", Status: event.StatusCompleted, ExitCode: &zero,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestResultEmitterDoesNotRetryRunningEvents(t *testing.T) {
	attempts := 0
	q := &countingQueue{fail: 10, inner: &fakeBroker{}, attempts: &attempts}
	em := NewResultEmitter(q, "results", nil)
	em.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	err := em.Emit(context.Background(), event.ResultEvent{JobID: "j", Status: event.StatusRunning})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestResultEmitterGivesUpAfterFiveAttempts(t *testing.T) {
	attempts := 0
	q := &countingQueue{fail: 100, inner: &fakeBroker{}, attempts: &attempts}
	em := NewResultEmitter(q, "results", nil)
	em.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	err := em.Emit(context.Background(), event.ResultEvent{JobID: "j", Status: event.StatusFailed})
	require.Error(t, err)
	assert.Equal(t, terminalSendAttempts, attempts)
}

type countingQueue struct {
	fail     int
	inner    Queue
	attempts *int
}

func (c *countingQueue) Pull(ctx context.Context, q string, b int, v time.Duration) ([]queue.Message, error) {
	return c.inner.Pull(ctx, q, b, v)
}

func (c *countingQueue) Ack(ctx context.Context, q string, ids []string) error {
	return c.inner.Ack(ctx, q, ids)
}

func (c *countingQueue) Send(ctx context.Context, q string, body any) error {
	*c.attempts++
	if c.fail > 0 {
		c.fail--
		return errors.New("send failed")
	}
	return c.inner.Send(ctx, q, body)
}
