package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rigworks/rigci/internal/event"
)

const vfioYAML = `
workflows:
  - name: vfio
    on: [pull_request, merge_group]
    concurrency:
      group: ${workflow}-${ref}
      cancel_in_progress: true
    runs_on:
      default: vfio-nvidia
      pull_request: ubuntu-latest
    steps:
      - id: checkout
        if: event != pull_request
        run: git checkout FETCH_HEAD
      - id: vfio-integration-tests
        if: event != pull_request
        run: scripts/dev_cli.sh tests --integration-vfio
        timeout: 15m
        env:
          AUTH_DOWNLOAD_TOKEN: ${AUTH_DOWNLOAD_TOKEN}
      - id: skip-notice
        if: event == pull_request
        run: echo skipped
`

func writeWorkflowFile(t *testing.T, dir, name, content string) {
	t.Helper()
	workflowsDir := filepath.Join(dir, "workflows")
	if err := os.MkdirAll(workflowsDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(workflowsDir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestLoadAndCompileDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeWorkflowFile(t, dir, "vfio.yaml", vfioYAML)

	set, err := LoadAndCompileDir(dir)
	if err != nil {
		t.Fatalf("LoadAndCompileDir: %v", err)
	}
	if set.Len() != 1 {
		t.Fatalf("Len = %d, want 1", set.Len())
	}

	w, ok := set.Get("vfio")
	if !ok {
		t.Fatal("workflow vfio not loaded")
	}
	if got := w.Steps[1].Timeout; got != 15*time.Minute {
		t.Errorf("timeout = %v, want 15m", got)
	}
	if got := w.Steps[1].Env["AUTH_DOWNLOAD_TOKEN"]; got != "${AUTH_DOWNLOAD_TOKEN}" {
		t.Errorf("env passthrough = %q", got)
	}
	if got := w.Target(event.KindMergeGroup); got != "vfio-nvidia" {
		t.Errorf("merge_group target = %q", got)
	}
}

func TestLoadAndCompileDirMissing(t *testing.T) {
	t.Parallel()

	set, err := LoadAndCompileDir(t.TempDir())
	if err != nil {
		t.Fatalf("LoadAndCompileDir: %v", err)
	}
	if set.Len() != 0 {
		t.Errorf("Len = %d, want 0", set.Len())
	}
}

func TestLoadAndCompileDirIgnoresNonYAML(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeWorkflowFile(t, dir, "vfio.yaml", vfioYAML)
	writeWorkflowFile(t, dir, "README.md", "not a workflow")

	set, err := LoadAndCompileDir(dir)
	if err != nil {
		t.Fatalf("LoadAndCompileDir: %v", err)
	}
	if set.Len() != 1 {
		t.Errorf("Len = %d, want 1", set.Len())
	}
}

func TestLoadAndCompileDirDuplicateAcrossFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeWorkflowFile(t, dir, "a.yaml", vfioYAML)
	writeWorkflowFile(t, dir, "b.yaml", vfioYAML)

	if _, err := LoadAndCompileDir(dir); err == nil {
		t.Fatal("expected duplicate workflow name error")
	}
}

func TestLoadFileBadYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("workflows: [::"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}
