package workflow

import (
	"strings"
	"testing"
	"time"
)

func validSpec() Spec {
	return Spec{
		Name: "vfio",
		On:   []string{"pull_request", "merge_group"},
		Concurrency: &ConcurrencySpec{
			Group:            "${workflow}-${ref}",
			CancelInProgress: true,
		},
		RunsOn: RunsOnSpec{
			Default:     "vfio-nvidia",
			PullRequest: "ubuntu-latest",
		},
		Steps: []StepSpec{
			{ID: "checkout", If: "event != pull_request", Run: "git checkout FETCH_HEAD"},
			{
				ID:      "integration",
				If:      "event != pull_request",
				Run:     "scripts/dev_cli.sh tests --integration-vfio",
				Timeout: 15 * time.Minute,
				Env:     map[string]string{"AUTH_DOWNLOAD_TOKEN": "${AUTH_DOWNLOAD_TOKEN}"},
			},
			{ID: "skip-notice", If: "event == pull_request", Run: "echo skipped"},
		},
	}
}

func TestCompileValid(t *testing.T) {
	t.Parallel()

	w, err := Compile(validSpec())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if w.Name != "vfio" {
		t.Errorf("Name = %q", w.Name)
	}
	if len(w.Triggers) != 2 {
		t.Fatalf("Triggers = %v", w.Triggers)
	}
	if w.GroupTemplate != "${workflow}-${ref}" {
		t.Errorf("GroupTemplate = %q", w.GroupTemplate)
	}
	if !w.CancelInProgress {
		t.Error("CancelInProgress = false")
	}
	if len(w.Steps) != 3 {
		t.Fatalf("Steps = %d", len(w.Steps))
	}
	if !strings.HasPrefix(w.Fingerprint, "blake3:") {
		t.Errorf("Fingerprint = %q, want blake3: prefix", w.Fingerprint)
	}
	// Name falls back to the id when unset.
	if w.Steps[0].Name != "checkout" {
		t.Errorf("Steps[0].Name = %q", w.Steps[0].Name)
	}
}

func TestCompileDefaultGroupTemplate(t *testing.T) {
	t.Parallel()

	spec := validSpec()
	spec.Concurrency = nil
	w, err := Compile(spec)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if w.GroupTemplate != DefaultGroupTemplate {
		t.Errorf("GroupTemplate = %q, want %q", w.GroupTemplate, DefaultGroupTemplate)
	}
	if w.CancelInProgress {
		t.Error("CancelInProgress should default to false")
	}
}

func TestCompileRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Spec)
	}{
		{"missing name", func(s *Spec) { s.Name = " " }},
		{"no triggers", func(s *Spec) { s.On = nil }},
		{"unknown trigger", func(s *Spec) { s.On = []string{"push"} }},
		{"duplicate trigger", func(s *Spec) { s.On = []string{"merge_group", "merge_group"} }},
		{"no steps", func(s *Spec) { s.Steps = nil }},
		{"step without id", func(s *Spec) { s.Steps[0].ID = "" }},
		{"duplicate step id", func(s *Spec) { s.Steps[1].ID = s.Steps[0].ID }},
		{"step without run", func(s *Spec) { s.Steps[0].Run = "" }},
		{"negative timeout", func(s *Spec) { s.Steps[0].Timeout = -time.Second }},
		{"bad guard", func(s *Spec) { s.Steps[0].If = "event ~= pull_request" }},
		{"empty concurrency group", func(s *Spec) { s.Concurrency.Group = "" }},
		{"no target for trigger", func(s *Spec) {
			s.RunsOn = RunsOnSpec{PullRequest: "ubuntu-latest"}
		}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			spec := validSpec()
			tt.mutate(&spec)
			if _, err := Compile(spec); err == nil {
				t.Fatalf("Compile accepted invalid spec (%s)", tt.name)
			}
		})
	}
}

func TestCompileTimeoutBounds(t *testing.T) {
	t.Parallel()

	// Zero means "use the service default" and must compile.
	spec := validSpec()
	spec.Steps[0].Timeout = 0
	if _, err := Compile(spec); err != nil {
		t.Fatalf("Compile rejected zero timeout: %v", err)
	}

	spec = validSpec()
	spec.Steps[0].Timeout = -time.Second
	_, err := Compile(spec)
	if err == nil || !strings.Contains(err.Error(), "must not be negative") {
		t.Errorf("negative timeout error = %v", err)
	}
}

func TestFingerprintStable(t *testing.T) {
	t.Parallel()

	a, err := Compile(validSpec())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	b, err := Compile(validSpec())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if a.Fingerprint != b.Fingerprint {
		t.Errorf("fingerprint not stable: %q vs %q", a.Fingerprint, b.Fingerprint)
	}
}

func TestFingerprintDiverges(t *testing.T) {
	t.Parallel()

	base, err := Compile(validSpec())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	changed := validSpec()
	changed.Steps[1].Timeout = 30 * time.Minute
	other, err := Compile(changed)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if base.Fingerprint == other.Fingerprint {
		t.Error("fingerprint unchanged after step timeout edit")
	}
}

func TestCompileSpecsDuplicateName(t *testing.T) {
	t.Parallel()

	if _, err := CompileSpecs([]Spec{validSpec(), validSpec()}); err == nil {
		t.Fatal("expected duplicate workflow name error")
	}
}
