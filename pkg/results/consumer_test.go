package results

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SauersML/hpc-queue/pkg/queue"
)

type fakeResultsQueue struct {
	batches [][]queue.Message
	acked   [][]string
}

func (f *fakeResultsQueue) Pull(_ context.Context, _ string, _ int, _ time.Duration) ([]queue.Message, error) {
	if len(f.batches) == 0 {
		return nil, nil
	}
	out := f.batches[0]
	f.batches = f.batches[1:]
	return out, nil
}

func (f *fakeResultsQueue) Ack(_ context.Context, _ string, leaseIDs []string) error {
	f.acked = append(f.acked, leaseIDs)
	return nil
}

func resultMsg(leaseID string, body map[string]any) queue.Message {
	return queue.Message{LeaseID: leaseID, Body: body}
}

func newTestConsumer(t *testing.T, q Queue) (*Consumer, string, string) {
	local := filepath.Join(t.TempDir(), "local-results")
	cache := filepath.Join(t.TempDir(), "local-consumer")
	c := New(Config{
		ResultsQueueID:  "results",
		LocalResultsDir: local,
		CacheDir:        cache,
	}, q)
	return c, local, cache
}

func TestProcessOnceLandsTerminalRecord(t *testing.T) {
	body := map[string]any{
		"job_id":            "calm-otter-0a1b2c",
		"status":            "completed",
		"exit_code":         float64(0),
		"stdout_tail":       "endpoint-ok\n",
		"stderr_tail":       "",
		"bytes_read_stdout": float64(12),
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	}
	q := &fakeResultsQueue{batches: [][]queue.Message{{resultMsg("l1", body)}}}
	c, local, cache := newTestConsumer(t, q)

	had, err := c.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, had)
	require.Equal(t, [][]string{{"l1"}}, q.acked)

	recordPath := filepath.Join(local, "calm-otter-0a1b2c.json")
	b, err := os.ReadFile(recordPath)
	require.NoError(t, err)
	var record map[string]any
	require.NoError(t, json.Unmarshal(b, &record))
	assert.Equal(t, "completed", record["status"])
	assert.Equal(t, float64(0), record["exit_code"])
	assert.Equal(t, "endpoint-ok\n", record["stdout_tail"])

	stdout, err := os.ReadFile(filepath.Join(local, "calm-otter-0a1b2c.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "endpoint-ok\n", string(stdout))

	// Every event also lands in the cache.
	cacheBytes, err := os.ReadFile(filepath.Join(cache, "results_cache.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(cacheBytes), `"calm-otter-0a1b2c"`)
}

func TestTailAppendsDedupeByByteOffset(t *testing.T) {
	running := func(lease string, tail string, abs int64) queue.Message {
		return resultMsg(lease, map[string]any{
			"job_id":            "dusky-finch-111111",
			"status":            "running",
			"stdout_tail":       tail,
			"bytes_read_stdout": float64(abs),
		})
	}
	q := &fakeResultsQueue{batches: [][]queue.Message{
		{running("l1", "aaa", 3)},
		{running("l2", "aaabbb", 6)}, // overlap: only bbb is new
		{running("l3", "aaabbb", 6)}, // duplicate delivery
		{running("l4", "ccc", 9)},
	}}
	c, local, _ := newTestConsumer(t, q)

	for i := 0; i < 4; i++ {
		_, err := c.ProcessOnce(context.Background())
		require.NoError(t, err)
	}

	b, err := os.ReadFile(filepath.Join(local, "dusky-finch-111111.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "aaabbbccc", string(b))
}

func TestTerminalRecordIsIdempotentAcrossRedelivery(t *testing.T) {
	body := map[string]any{
		"job_id":            "polar-krill-222222",
		"status":            "completed",
		"exit_code":         float64(0),
		"stdout_tail":       "done\n",
		"bytes_read_stdout": float64(5),
	}
	q := &fakeResultsQueue{batches: [][]queue.Message{
		{resultMsg("l1", body)},
		{resultMsg("l2", body)},
	}}
	c, local, _ := newTestConsumer(t, q)

	for i := 0; i < 2; i++ {
		_, err := c.ProcessOnce(context.Background())
		require.NoError(t, err)
	}

	first, err := os.ReadFile(filepath.Join(local, "polar-krill-222222.json"))
	require.NoError(t, err)
	stdout, err := os.ReadFile(filepath.Join(local, "polar-krill-222222.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "done\n", string(stdout))
	assert.NotEmpty(t, first)
}

func TestHeartbeatUpdatesStatusSnapshot(t *testing.T) {
	now := time.Now().UTC().Format(time.RFC3339)
	q := &fakeResultsQueue{batches: [][]queue.Message{{
		resultMsg("l1", map[string]any{
			"status":             "heartbeat",
			"hostname":           "node-7",
			"hpc_running_remote": false,
			"worker_version":     "test",
			"timestamp":          now,
		}),
	}}}
	c, _, cache := newTestConsumer(t, q)

	_, err := c.ProcessOnce(context.Background())
	require.NoError(t, err)

	snap := LoadStatus(cache, DefaultHeartbeatMaxAge)
	require.NotNil(t, snap.HPCRunningRemote)
	assert.True(t, *snap.HPCRunningRemote)
	require.NotNil(t, snap.AgeSeconds)
	assert.Less(t, *snap.AgeSeconds, 10.0)
	assert.Equal(t, "node-7", snap.LastHeartbeat["hostname"])
}

func TestLoadStatusStaleHeartbeat(t *testing.T) {
	cache := t.TempDir()
	old := time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339)
	b, err := json.Marshal(map[string]any{"status": "heartbeat", "timestamp": old})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cache, "hpc_status.json"), b, 0o644))

	snap := LoadStatus(cache, DefaultHeartbeatMaxAge)
	require.NotNil(t, snap.HPCRunningRemote)
	assert.False(t, *snap.HPCRunningRemote)
}

func TestLoadStatusMissingFile(t *testing.T) {
	snap := LoadStatus(t.TempDir(), 0)
	assert.Nil(t, snap.HPCRunningRemote)
	assert.Nil(t, snap.AgeSeconds)
	assert.Nil(t, snap.LastHeartbeat)
}

func TestLookupCachedReturnsLastMatch(t *testing.T) {
	q := &fakeResultsQueue{batches: [][]queue.Message{{
		resultMsg("l1", map[string]any{"job_id": "vivid-lynx-333333", "status": "running"}),
		resultMsg("l2", map[string]any{"job_id": "other-job-444444", "status": "completed"}),
		resultMsg("l3", map[string]any{"job_id": "vivid-lynx-333333", "status": "completed"}),
	}}}
	c, _, cache := newTestConsumer(t, q)
	_, err := c.ProcessOnce(context.Background())
	require.NoError(t, err)

	ev, ok := LookupCached(cache, "vivid-lynx-333333")
	require.True(t, ok)
	assert.Equal(t, "completed", ev["status"])

	_, ok = LookupCached(cache, "missing-job-ffffff")
	assert.False(t, ok)
}

func TestProcessOnceAcksUndecodableMessages(t *testing.T) {
	q := &fakeResultsQueue{batches: [][]queue.Message{{
		{LeaseID: "l-bad", DecodeErr: assert.AnError},
	}}}
	c, _, _ := newTestConsumer(t, q)

	had, err := c.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, had)
	require.Equal(t, [][]string{{"l-bad"}}, q.acked)
}

func TestRunIdleExit(t *testing.T) {
	c, _, _ := newTestConsumer(t, &fakeResultsQueue{})
	c.cfg.PollInterval = 5 * time.Millisecond
	c.cfg.IdleExit = 30 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))
}
