// Package executor runs one job message to completion: it materialises a
// workspace, launches the command (inside the container runtime or on the
// host shell), tees output to disk while publishing periodic tail events,
// enforces the wall-clock timeout, and produces exactly one terminal event
// per attempt. A done.json marker makes redelivered attempts re-emit the
// recorded terminal event instead of re-running.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/SauersML/hpc-queue/pkg/event"
)

// Emitter publishes result events to the results queue.
type Emitter interface {
	Emit(ctx context.Context, ev event.ResultEvent) error
}

// Config wires an Executor.
type Config struct {
	// ResultsDir is the workspace root; each job owns ResultsDir/<job_id>.
	ResultsDir string

	// Container runtime invocation.
	ApptainerBin string
	ImagePath    string
	ExtraBinds   []string

	// RunningInterval is the cadence of running-tail events. Default 10 s.
	RunningInterval time.Duration
	// GraceTimeout is how long a terminated process gets before the hard
	// kill. Default 5 s.
	GraceTimeout time.Duration

	Logger *zap.Logger
}

// Executor runs jobs one at a time.
type Executor struct {
	cfg    Config
	emit   Emitter
	logger *zap.Logger
}

func New(cfg Config, emitter Emitter) *Executor {
	if cfg.RunningInterval <= 0 {
		cfg.RunningInterval = 10 * time.Second
	}
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = 5 * time.Second
	}
	if cfg.ApptainerBin == "" {
		cfg.ApptainerBin = "apptainer"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{cfg: cfg, emit: emitter, logger: logger}
}

// Execute runs one job and returns the terminal event after it has been
// successfully enqueued. A non-nil error means no terminal event reached
// the results queue and the job message must not be acked.
func (e *Executor) Execute(ctx context.Context, job event.JobMessage) (*event.ResultEvent, error) {
	ws, err := newWorkspace(e.cfg.ResultsDir, job.JobID)
	if err != nil {
		return e.finish(ctx, nil, failure(job.JobID, event.KindLaunchFailed, err.Error(), nil, 0, "", ""))
	}

	// At-least-once redelivery: a finished workspace re-emits its recorded
	// terminal event verbatim.
	if done, ok := ws.readDone(); ok {
		e.logger.Info("re-emitting recorded terminal event",
			zap.String("job_id", job.JobID), zap.String("status", string(done.Status)))
		if err := e.emit.Emit(ctx, *done); err != nil {
			return nil, fmt.Errorf("re-emit terminal event: %w", err)
		}
		return done, nil
	}

	if err := ws.writeInput(job); err != nil {
		return e.finish(ctx, ws, failure(job.JobID, event.KindLaunchFailed, err.Error(), nil, 0, "", ""))
	}
	staged, err := ws.stageFiles(job.Input)
	if err != nil {
		return e.finish(ctx, ws, failure(job.JobID, event.KindInvalidInput, err.Error(), nil, 0, "", ""))
	}

	command, err := e.assembleCommand(job.Input, staged)
	if err != nil {
		return e.finish(ctx, ws, failure(job.JobID, event.KindInvalidInput, err.Error(), nil, 0, "", ""))
	}

	res := e.run(ctx, ws, job, command)
	return e.finish(ctx, ws, res)
}

// finish records the terminal event (idempotence marker first) and then
// enqueues it. Emission failure leaves the marker in place so the
// redelivered attempt re-emits without re-running.
func (e *Executor) finish(ctx context.Context, ws *workspace, ev event.ResultEvent) (*event.ResultEvent, error) {
	// A shutdown outcome is not recorded: the redelivered attempt must
	// re-run the job, not replay the interruption.
	if ws != nil && ev.ErrorKind != event.KindWorkerShutdown {
		if err := ws.writeDone(ev); err != nil {
			e.logger.Error("write terminal marker", zap.String("job_id", ev.JobID), zap.Error(err))
		}
	}
	// The shutdown path emits on a detached context: the loop's context is
	// already cancelled when the final event goes out.
	emitCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		emitCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := e.emit.Emit(emitCtx, ev); err != nil {
		return nil, fmt.Errorf("emit terminal event: %w", err)
	}
	if ctx.Err() != nil && ev.ErrorKind == event.KindWorkerShutdown {
		return nil, ctx.Err()
	}
	return &ev, nil
}

// assembleCommand builds the shell command string. run-file inputs with no
// explicit command execute the first staged file, optionally through the
// runner.
func (e *Executor) assembleCommand(in event.Input, staged []string) (string, error) {
	command := in.Command()
	if command != "" {
		return command, nil
	}
	if len(staged) == 0 {
		return "", errors.New("job input has no command and no staged file")
	}

	filePath := staged[0]
	if in.ExecMode() == "container" {
		filePath = "/work/" + filePath
	} else {
		filePath = "./" + filePath
	}
	if runner := in.Runner(); runner != "" {
		return shellQuote(runner) + " " + shellQuote(filePath), nil
	}
	return shellQuote(filePath), nil
}

func (e *Executor) buildCmd(ctx context.Context, ws *workspace, in event.Input, command string) *exec.Cmd {
	if in.ExecMode() == "host" {
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
		cmd.Dir = ws.dir
		return cmd
	}

	args := []string{"exec", "--bind", ws.dir + ":/work"}
	for _, bind := range e.cfg.ExtraBinds {
		args = append(args, "--bind", bind)
	}
	args = append(args, "--pwd", "/work", e.cfg.ImagePath, "/bin/sh", "-c", command)
	return exec.CommandContext(ctx, e.cfg.ApptainerBin, args...)
}

// run launches the child and supervises it: one reader per stream tees to
// disk and the in-memory tail, a ticker emits running events, and a timer
// enforces the timeout.
func (e *Executor) run(ctx context.Context, ws *workspace, job event.JobMessage, command string) event.ResultEvent {
	stdoutFile, err := os.Create(ws.path("stdout.log"))
	if err != nil {
		return failure(job.JobID, event.KindLaunchFailed, err.Error(), nil, 0, "", "")
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(ws.path("stderr.log"))
	if err != nil {
		return failure(job.JobID, event.KindLaunchFailed, err.Error(), nil, 0, "", "")
	}
	defer func() { _ = stderrFile.Close() }()

	// The child gets its own context so a worker shutdown is observed here
	// (for the graceful term/kill sequence) instead of killing it outright.
	childCtx, cancelChild := context.WithCancel(context.Background())
	defer cancelChild()

	cmd := e.buildCmd(childCtx, ws, job.Input, command)
	// A process group of its own lets terminate reach the shell's children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return failure(job.JobID, event.KindLaunchFailed, err.Error(), nil, 0, "", "")
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return failure(job.JobID, event.KindLaunchFailed, err.Error(), nil, 0, "", "")
	}

	stdoutTail := newTailBuffer()
	stderrTail := newTailBuffer()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return failure(job.JobID, event.KindLaunchFailed, err.Error(), nil, 0, "", "")
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go tee(&readers, stdoutPipe, stdoutFile, stdoutTail)
	go tee(&readers, stderrPipe, stderrFile, stderrTail)

	stopTicker := e.startRunningTicker(ctx, job.JobID, stdoutTail, stderrTail)

	timeout := time.Duration(job.Input.TimeoutSeconds()) * time.Second
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	waitCh := make(chan error, 1)
	go func() {
		readers.Wait()
		waitCh <- cmd.Wait()
	}()

	var (
		waitErr  error
		kind     event.Kind
		detail   string
		timedOut bool
	)
	select {
	case waitErr = <-waitCh:
	case <-timer.C:
		timedOut = true
		kind = event.KindTimeout
		detail = fmt.Sprintf("wall clock exceeded %s", timeout)
		e.terminate(cmd, waitCh, &waitErr)
	case <-ctx.Done():
		kind = event.KindWorkerShutdown
		detail = "worker received shutdown signal"
		e.terminate(cmd, waitCh, &waitErr)
	}
	stopTicker()

	duration := time.Since(start).Seconds()
	outTail, outBytes := stdoutTail.Snapshot()
	errTail, errBytes := stderrTail.Snapshot()

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	_ = ws.writeMeta(map[string]any{
		"job_id":      job.JobID,
		"exec_mode":   job.Input.ExecMode(),
		"command":     command,
		"workdir":     ws.dir,
		"exit_code":   exitCode,
		"started_at":  start.UTC().Format(time.RFC3339),
		"finished_at": time.Now().UTC().Format(time.RFC3339),
	})

	var pointer *string
	if _, err := os.Stat(ws.path("output.json")); err == nil {
		p := ws.path("output.json")
		pointer = &p
	}

	switch {
	case timedOut:
		return withBytes(
			failure(job.JobID, event.KindTimeout, detail, intPtr(exitCode), duration, outTail, errTail),
			outBytes, errBytes)
	case kind == event.KindWorkerShutdown:
		return withBytes(
			failure(job.JobID, event.KindWorkerShutdown, detail, intPtr(exitCode), duration, outTail, errTail),
			outBytes, errBytes)
	case exitCode != 0:
		detail = ""
		if waitErr != nil {
			detail = waitErr.Error()
		}
		return withBytes(
			failure(job.JobID, event.KindNonzeroExit, detail, intPtr(exitCode), duration, outTail, errTail),
			outBytes, errBytes)
	default:
		zero := 0
		return event.ResultEvent{
			JobID:           job.JobID,
			Status:          event.StatusCompleted,
			ExitCode:        &zero,
			DurationSeconds: duration,
			StdoutTail:      outTail,
			StderrTail:      errTail,
			BytesReadStdout: outBytes,
			BytesReadStderr: errBytes,
			ResultPointer:   pointer,
			Timestamp:       time.Now().UTC(),
		}
	}
}

// terminate sends the graceful signal to the child's process group, waits
// out the grace period, then hard-kills the group. It returns once the
// child has been reaped.
func (e *Executor) terminate(cmd *exec.Cmd, waitCh <-chan error, waitErr *error) {
	if cmd.Process != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	grace := time.NewTimer(e.cfg.GraceTimeout)
	defer grace.Stop()
	select {
	case *waitErr = <-waitCh:
		return
	case <-grace.C:
	}
	if cmd.Process != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	*waitErr = <-waitCh
}

func (e *Executor) startRunningTicker(ctx context.Context, jobID string, stdoutTail, stderrTail *tailBuffer) func() {
	ticker := time.NewTicker(e.cfg.RunningInterval)
	stopped := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-stopped:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				outTail, outBytes := stdoutTail.Snapshot()
				errTail, errBytes := stderrTail.Snapshot()
				ev := event.ResultEvent{
					JobID:           jobID,
					Status:          event.StatusRunning,
					StdoutTail:      outTail,
					StderrTail:      errTail,
					BytesReadStdout: outBytes,
					BytesReadStderr: errBytes,
					Timestamp:       time.Now().UTC(),
				}
				// Tail events are advisory; send failures never fail the job.
				if err := e.emit.Emit(ctx, ev); err != nil {
					e.logger.Warn("drop running event", zap.String("job_id", jobID), zap.Error(err))
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

// tee copies every byte from the pipe to the log file and the rolling tail.
func tee(wg *sync.WaitGroup, src io.Reader, file *os.File, tail *tailBuffer) {
	defer wg.Done()
	_, _ = io.Copy(io.MultiWriter(file, tail), src)
}

func failure(jobID string, kind event.Kind, detail string, exitCode *int, duration float64, stdoutTail, stderrTail string) event.ResultEvent {
	return event.ResultEvent{
		JobID:           jobID,
		Status:          event.StatusFailed,
		ErrorKind:       kind,
		ErrorDetail:     detail,
		ExitCode:        exitCode,
		DurationSeconds: duration,
		StdoutTail:      stdoutTail,
		StderrTail:      stderrTail,
		Timestamp:       time.Now().UTC(),
	}
}

func withBytes(ev event.ResultEvent, stdout, stderr int64) event.ResultEvent {
	ev.BytesReadStdout = stdout
	ev.BytesReadStderr = stderr
	return ev
}

func intPtr(v int) *int { return &v }

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r == '.' || r == '/' || r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + replaceSingleQuotes(s) + "'"
}

func replaceSingleQuotes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, `'\''`...)
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
