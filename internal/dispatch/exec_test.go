package dispatch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rigworks/rigci/internal/config"
	"github.com/rigworks/rigci/internal/events"
	"github.com/rigworks/rigci/internal/run"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRunCommandExitCodes(t *testing.T) {
	t.Parallel()

	d := New(newTestStore(t), compileTestSet(t), testConfig(t), events.NewHub(16))
	runner := config.RunnerConfig{Workdir: t.TempDir()}
	ctx := t.Context()

	res := d.runCommand(ctx, runner, "true", nil, 10*time.Second, quietLogger())
	if !res.started || res.exitCode != 0 || res.spawnErr != nil {
		t.Errorf("true: %+v", res)
	}
	if res.stepStatus() != run.StepSucceeded {
		t.Errorf("status = %s", res.stepStatus())
	}

	res = d.runCommand(ctx, runner, "exit 42", nil, 10*time.Second, quietLogger())
	if res.exitCode != 42 {
		t.Errorf("exit code = %d, want 42", res.exitCode)
	}
	status, msg := res.outcome()
	if status != run.StatusFailed || msg != "exit code 42" {
		t.Errorf("outcome = %s %q", status, msg)
	}
}

func TestRunCommandTimeout(t *testing.T) {
	t.Parallel()

	d := New(newTestStore(t), compileTestSet(t), testConfig(t), events.NewHub(16))
	runner := config.RunnerConfig{Workdir: t.TempDir()}

	start := time.Now()
	res := d.runCommand(t.Context(), runner, "sleep 30", nil, 200*time.Millisecond, quietLogger())
	if !res.timedOut {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("timeout took %v, process not terminated promptly", elapsed)
	}
	if res.stepStatus() != run.StepTimedOut {
		t.Errorf("status = %s", res.stepStatus())
	}
	status, msg := res.outcome()
	if status != run.StatusTimedOut || msg != "wall-clock budget exceeded" {
		t.Errorf("outcome = %s %q", status, msg)
	}
}

func TestRunCommandTimeoutKillsBackgroundChildren(t *testing.T) {
	t.Parallel()

	d := New(newTestStore(t), compileTestSet(t), testConfig(t), events.NewHub(16))
	runner := config.RunnerConfig{Workdir: t.TempDir()}

	// The background sleep inherits the step's stderr pipe. Killing only the
	// shell would leave the pipe open and hold the reap until the child dies.
	start := time.Now()
	res := d.runCommand(t.Context(), runner, "sleep 30 & wait", nil, 200*time.Millisecond, quietLogger())
	if !res.timedOut {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("timeout took %v with a background child", elapsed)
	}
}

func TestRunCommandExitsPromptlyWithOrphanedChild(t *testing.T) {
	t.Parallel()

	d := New(newTestStore(t), compileTestSet(t), testConfig(t), events.NewHub(16))
	runner := config.RunnerConfig{Workdir: t.TempDir()}

	// The shell exits immediately but its orphan keeps the stderr pipe open;
	// the wait delay bounds how long that can stall the result.
	start := time.Now()
	res := d.runCommand(t.Context(), runner, "sleep 30 & exit 0", nil, 20*time.Second, quietLogger())
	if res.stepStatus() != run.StepSucceeded {
		t.Fatalf("status = %s (%+v)", res.stepStatus(), res)
	}
	if res.exitCode != 0 {
		t.Errorf("exit code = %d", res.exitCode)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("step took %v with an orphan holding its pipe", elapsed)
	}
}

func TestRunCommandCancellation(t *testing.T) {
	t.Parallel()

	d := New(newTestStore(t), compileTestSet(t), testConfig(t), events.NewHub(16))
	runner := config.RunnerConfig{Workdir: t.TempDir()}

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	res := d.runCommand(ctx, runner, "sleep 30", nil, time.Minute, quietLogger())
	if !res.cancelled {
		t.Fatalf("expected cancellation, got %+v", res)
	}
	if res.stepStatus() != run.StepSkipped {
		t.Errorf("status = %s", res.stepStatus())
	}
	status, _ := res.outcome()
	if status != run.StatusCancelled {
		t.Errorf("outcome = %s", status)
	}
}

func TestRunCommandSpawnError(t *testing.T) {
	t.Parallel()

	d := New(newTestStore(t), compileTestSet(t), testConfig(t), events.NewHub(16))
	runner := config.RunnerConfig{Workdir: filepath.Join(t.TempDir(), "does-not-exist")}

	res := d.runCommand(t.Context(), runner, "true", nil, 10*time.Second, quietLogger())
	if res.spawnErr == nil {
		t.Fatalf("expected spawn error, got %+v", res)
	}
	if res.started {
		t.Error("started = true on spawn failure")
	}
	if res.stepStatus() != run.StepFailed {
		t.Errorf("status = %s", res.stepStatus())
	}
}

func TestRunCommandEnvExpansion(t *testing.T) {
	// t.Setenv forbids t.Parallel.
	t.Setenv("AUTH_DOWNLOAD_TOKEN", "s3cret")

	d := New(newTestStore(t), compileTestSet(t), testConfig(t), events.NewHub(16))
	dir := t.TempDir()
	runner := config.RunnerConfig{
		Workdir: dir,
		Env:     map[string]string{"RUST_BACKTRACE": "1"},
	}
	stepEnv := map[string]string{"AUTH_DOWNLOAD_TOKEN": "${AUTH_DOWNLOAD_TOKEN}"}

	res := d.runCommand(t.Context(), runner,
		`printf '%s:%s' "$AUTH_DOWNLOAD_TOKEN" "$RUST_BACKTRACE" > env.out`,
		stepEnv, 10*time.Second, quietLogger())
	if status := res.stepStatus(); status != run.StepSucceeded {
		t.Fatalf("status = %s (%+v)", status, res)
	}

	out, err := os.ReadFile(filepath.Join(dir, "env.out"))
	if err != nil {
		t.Fatalf("read env.out: %v", err)
	}
	if got := string(out); got != "s3cret:1" {
		t.Errorf("step env = %q, want %q", got, "s3cret:1")
	}
}

func TestRunCommandTruncatesStderr(t *testing.T) {
	t.Parallel()

	d := New(newTestStore(t), compileTestSet(t), testConfig(t), events.NewHub(16))
	runner := config.RunnerConfig{Workdir: t.TempDir()}

	res := d.runCommand(t.Context(), runner,
		"head -c 70000 /dev/zero | tr '\\0' 'x' >&2", nil, 30*time.Second, quietLogger())
	if got := len(res.stderr); got != maxStderrBytes {
		t.Errorf("stderr length = %d, want %d", got, maxStderrBytes)
	}
}
