// Package supervisor keeps the pull consumer alive: it (re)launches the
// worker as a child process, restarts it on failure with exponential
// backoff, records its own PID, and forwards shutdown signals to the child.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config wires a Supervisor.
type Config struct {
	// Command is the child invocation, argv style.
	Command []string

	PIDFile      string
	ChildPIDFile string
	// LogFile receives the child's combined output. Empty inherits the
	// supervisor's streams.
	LogFile string

	// Restart backoff: BackoffMin doubling to BackoffMax, reset once the
	// child has stayed up for ResetAfter.
	BackoffMin time.Duration
	BackoffMax time.Duration
	ResetAfter time.Duration

	// KillGrace is how long a signalled child gets before the hard kill.
	KillGrace time.Duration

	Logger *zap.Logger
}

// Supervisor restarts its child until the context is cancelled.
type Supervisor struct {
	cfg    Config
	logger *zap.Logger
	runID  string
}

func New(cfg Config) *Supervisor {
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = 5 * time.Minute
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{cfg: cfg, logger: logger, runID: uuid.New().String()}
}

// Run supervises until ctx is cancelled. The final child exit is awaited
// before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.cfg.Command) == 0 {
		return fmt.Errorf("supervisor: no command configured")
	}

	if err := writePIDFile(s.cfg.PIDFile, os.Getpid()); err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(s.cfg.PIDFile)
		if s.cfg.ChildPIDFile != "" {
			_ = os.Remove(s.cfg.ChildPIDFile)
		}
	}()

	backoff := s.cfg.BackoffMin
	for {
		if ctx.Err() != nil {
			return nil
		}

		started := time.Now()
		rc, err := s.runChild(ctx)
		uptime := time.Since(started)
		if err != nil {
			s.logger.Error("launch worker", zap.Error(err))
		} else {
			s.logger.Info("worker exited",
				zap.Int("rc", rc),
				zap.Duration("uptime", uptime),
				zap.String("run_id", s.runID))
		}

		if ctx.Err() != nil {
			return nil
		}
		if rc == 0 && err == nil {
			// Clean exits (drain-and-reload) restart without backoff.
			backoff = s.cfg.BackoffMin
			continue
		}

		backoff = NextBackoff(backoff, uptime, s.cfg)
		s.logger.Info("restarting worker", zap.Duration("backoff", backoff))
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff = nextDelay(backoff, s.cfg.BackoffMax)
	}
}

// NextBackoff picks the delay before the next restart. An uptime past
// ResetAfter starts the ladder over.
func NextBackoff(current time.Duration, uptime time.Duration, cfg Config) time.Duration {
	if uptime >= cfg.ResetAfter {
		return cfg.BackoffMin
	}
	if current < cfg.BackoffMin {
		return cfg.BackoffMin
	}
	if current > cfg.BackoffMax {
		return cfg.BackoffMax
	}
	return current
}

func nextDelay(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// runChild launches one child and waits it out, forwarding cancellation as
// SIGTERM then SIGKILL after the grace period.
func (s *Supervisor) runChild(ctx context.Context) (int, error) {
	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Env = os.Environ()

	var logFile *os.File
	if s.cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(s.cfg.LogFile), 0o755); err != nil {
			return -1, fmt.Errorf("supervisor: create log dir: %w", err)
		}
		f, err := os.OpenFile(s.cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return -1, fmt.Errorf("supervisor: open log file: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	defer func() {
		if logFile != nil {
			_ = logFile.Close()
		}
	}()

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("supervisor: start worker: %w", err)
	}
	if s.cfg.ChildPIDFile != "" {
		_ = writePIDFile(s.cfg.ChildPIDFile, cmd.Process.Pid)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case err := <-waitCh:
		return exitCode(err), nil
	case <-ctx.Done():
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	grace := time.NewTimer(s.cfg.KillGrace)
	defer grace.Stop()
	select {
	case err := <-waitCh:
		return exitCode(err), nil
	case <-grace.C:
	}
	_ = cmd.Process.Kill()
	err := <-waitCh
	return exitCode(err), nil
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if ee, ok := waitErr.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}

func writePIDFile(path string, pid int) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("supervisor: create pid dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("supervisor: write pid file: %w", err)
	}
	return nil
}

// ReadPIDFile returns the recorded PID, or 0 when absent or malformed.
func ReadPIDFile(path string) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// ProcessAlive reports whether pid exists, via the null signal.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
