package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextBackoffLadder(t *testing.T) {
	cfg := Config{BackoffMin: time.Second, BackoffMax: 30 * time.Second, ResetAfter: 5 * time.Minute}

	// Fast crashes keep the current rung.
	assert.Equal(t, time.Second, NextBackoff(time.Second, time.Second, cfg))
	assert.Equal(t, 8*time.Second, NextBackoff(8*time.Second, 2*time.Second, cfg))

	// Long uptime resets to the bottom rung.
	assert.Equal(t, time.Second, NextBackoff(30*time.Second, 6*time.Minute, cfg))

	// Out-of-range values clamp.
	assert.Equal(t, time.Second, NextBackoff(0, time.Second, cfg))
	assert.Equal(t, 30*time.Second, NextBackoff(time.Minute, time.Second, cfg))
}

func TestNextDelayDoublesToCap(t *testing.T) {
	assert.Equal(t, 2*time.Second, nextDelay(time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, nextDelay(16*time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, nextDelay(30*time.Second, 30*time.Second))
}

func TestRunRestartsCrashingChild(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "starts")

	s := New(Config{
		Command:      []string{"/bin/sh", "-c", "echo x >> " + counter + "; exit 1"},
		PIDFile:      filepath.Join(dir, "sup.pid"),
		ChildPIDFile: filepath.Join(dir, "worker.pid"),
		BackoffMin:   10 * time.Millisecond,
		BackoffMax:   20 * time.Millisecond,
		KillGrace:    time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	b, err := os.ReadFile(counter)
	require.NoError(t, err)
	starts := len(b) / 2 // "x\n" per start
	assert.GreaterOrEqual(t, starts, 2)

	// PID files are cleaned up on exit.
	assert.NoFileExists(t, filepath.Join(dir, "sup.pid"))
	assert.NoFileExists(t, filepath.Join(dir, "worker.pid"))
}

func TestRunForwardsTermToChild(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "got-term")

	// The child traps TERM, records it, and exits.
	script := "trap 'echo term > " + marker + "; exit 0' TERM; sleep 30 & wait"
	s := New(Config{
		Command:    []string{"/bin/sh", "-c", script},
		PIDFile:    filepath.Join(dir, "sup.pid"),
		BackoffMin: 10 * time.Millisecond,
		KillGrace:  2 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop after cancellation")
	}
	assert.FileExists(t, marker)
}

func TestRunWritesAndReadsPIDFiles(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "sup.pid")

	s := New(Config{
		Command:    []string{"/bin/sh", "-c", "sleep 30"},
		PIDFile:    pidFile,
		BackoffMin: 10 * time.Millisecond,
		KillGrace:  time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return ReadPIDFile(pidFile) == os.Getpid()
	}, 2*time.Second, 20*time.Millisecond)
	assert.True(t, ProcessAlive(os.Getpid()))

	cancel()
	<-done
	assert.Equal(t, 0, ReadPIDFile(pidFile))
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-1))
}

func TestReadPIDFileMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o644))
	assert.Equal(t, 0, ReadPIDFile(path))
	assert.Equal(t, 0, ReadPIDFile(filepath.Join(dir, "missing")))
}
