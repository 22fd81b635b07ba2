package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rigworks/rigci/internal/config"
	"github.com/rigworks/rigci/internal/run"
)

const (
	// maxStderrBytes caps the amount of stderr captured from step execution.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before
	// sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	// pipeWaitDelay bounds cmd.Wait once the step process has exited, so an
	// orphaned child holding the stderr pipe cannot stall the run.
	pipeWaitDelay = 2 * time.Second
)

// execResult is the raw outcome of one executed command.
type execResult struct {
	started     bool
	exitCode    int
	stderr      string
	timedOut    bool
	cancelled   bool
	spawnErr    error
	startedAt   time.Time
	completedAt time.Time
}

// stepStatus maps the raw outcome to a recorded step status.
func (r execResult) stepStatus() run.StepStatus {
	switch {
	case r.cancelled:
		return run.StepSkipped
	case r.timedOut:
		return run.StepTimedOut
	case r.spawnErr != nil, r.exitCode != 0:
		return run.StepFailed
	default:
		return run.StepSucceeded
	}
}

// outcome maps the raw outcome to a run status plus a failure message. The
// zero message means the command succeeded.
func (r execResult) outcome() (run.Status, string) {
	switch {
	case r.cancelled:
		return run.StatusCancelled, "superseded"
	case r.timedOut:
		return run.StatusTimedOut, "wall-clock budget exceeded"
	case r.spawnErr != nil:
		return run.StatusFailed, r.spawnErr.Error()
	case r.exitCode != 0:
		return run.StatusFailed, fmt.Sprintf("exit code %d", r.exitCode)
	default:
		return run.StatusSucceeded, ""
	}
}

// terminated reports whether the command was stopped by the dispatcher
// rather than exiting on its own. Terminated steps have no meaningful exit
// code.
func (r execResult) terminated() bool {
	return r.timedOut || r.cancelled
}

// boundedBuffer caps captured output at max bytes. Writes are serialized so
// the buffer stays safe to read even if an abandoned pipe copier writes
// late.
type boundedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		b.buf.Write(p)
	}
	return n, nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// runCommand executes a step command via the shell in the runner's workdir,
// bounded by the step's wall-clock budget. The shell runs in its own process
// group so termination reaches everything it spawned: on timeout or
// cancellation the group receives SIGTERM, then SIGKILL after a grace
// period. Exit code 0 is success; anything else is failure. No retries.
func (d *Dispatcher) runCommand(
	ctx context.Context,
	runner config.RunnerConfig,
	command string,
	stepEnv map[string]string,
	timeout time.Duration,
	logger *slog.Logger,
) execResult {
	res := execResult{startedAt: time.Now().UTC()}

	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	// Don't use CommandContext: termination is managed below so the grace
	// period applies on both timeout and cancellation.
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = runner.Workdir
	cmd.Env = buildEnv(runner.Env, stepEnv)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = pipeWaitDelay

	stderr := &boundedBuffer{max: maxStderrBytes}
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr

	logger.Debug("spawning step command", "workdir", runner.Workdir, "timeout", timeout)

	if err := cmd.Start(); err != nil {
		res.spawnErr = err
		res.completedAt = time.Now().UTC()
		return res
	}
	res.started = true

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	signalGroup := func(sig syscall.Signal) error {
		// Negative pid addresses the whole process group; fall back to
		// the direct child if the group is already gone.
		if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
			return cmd.Process.Signal(sig)
		}
		return nil
	}

	terminate := func(why string) {
		logger.Warn("terminating step process group", "reason", why)
		if err := signalGroup(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}

		grace := time.NewTimer(terminationGracePeriod)
		defer grace.Stop()
		select {
		case err := <-waitErr:
			logger.Info("step process exited after SIGTERM", "wait", err)
			return
		case <-grace.C:
		}

		logger.Warn("step process did not exit after SIGTERM, sending SIGKILL")
		if err := signalGroup(syscall.SIGKILL); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}

		// WaitDelay bounds Wait once the process dies; the timer here is
		// a backstop so a wedged wait cannot hold the run slot forever.
		kill := time.NewTimer(terminationGracePeriod + pipeWaitDelay)
		defer kill.Stop()
		select {
		case err := <-waitErr:
			logger.Info("step process exited after SIGKILL", "wait", err)
		case <-kill.C:
			logger.Error("step process not reaped after SIGKILL, abandoning wait")
		}
	}

	select {
	case <-timeoutTimer.C:
		terminate("timeout")
		res.timedOut = true

	case <-ctx.Done():
		terminate("cancelled")
		res.cancelled = true

	case err := <-waitErr:
		switch {
		case err == nil:
		case errors.Is(err, exec.ErrWaitDelay):
			// The step itself exited; an orphaned child kept the pipe
			// open past WaitDelay.
			res.exitCode = cmd.ProcessState.ExitCode()
			logger.Warn("step left children holding its output pipe", "exit_code", res.exitCode)
		default:
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				res.exitCode = exitErr.ExitCode()
				logger.Warn("step exited with non-zero status", "exit_code", res.exitCode)
			} else {
				res.spawnErr = err
			}
		}
	}

	res.stderr = stderr.String()
	res.completedAt = time.Now().UTC()
	return res
}

// buildEnv layers runner env and step env over the process environment. Step
// env values may reference host variables as ${VAR}; this is how opaque
// secrets like AUTH_DOWNLOAD_TOKEN reach the invoked script.
func buildEnv(runnerEnv, stepEnv map[string]string) []string {
	env := os.Environ()
	env = appendEnv(env, runnerEnv)
	env = appendEnv(env, stepEnv)
	return env
}

func appendEnv(env []string, extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+os.Expand(extra[k], os.Getenv))
	}
	return env
}
