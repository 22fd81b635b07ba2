package workflow

import (
	"time"

	"github.com/rigworks/rigci/internal/event"
)

// FileSpec is one YAML file containing one or more workflows.
type FileSpec struct {
	Workflows []Spec `yaml:"workflows"`
}

// Spec defines a single workflow entry in YAML.
type Spec struct {
	Name        string           `yaml:"name"`
	On          []string         `yaml:"on"`
	Concurrency *ConcurrencySpec `yaml:"concurrency,omitempty"`
	RunsOn      RunsOnSpec       `yaml:"runs_on"`
	Steps       []StepSpec       `yaml:"steps"`
}

// ConcurrencySpec deduplicates in-flight runs. Group is a template expanded
// per event (see event.ExpandKey); with CancelInProgress set, a newer run on
// the same expanded key cancels the older one.
type ConcurrencySpec struct {
	Group            string `yaml:"group"`
	CancelInProgress bool   `yaml:"cancel_in_progress"`
}

// RunsOnSpec selects the execution target. Default applies unless an
// event-kind override is present; the chosen target is a pure function of the
// triggering event kind.
type RunsOnSpec struct {
	Default     string `yaml:"default"`
	PullRequest string `yaml:"pull_request,omitempty"`
	MergeGroup  string `yaml:"merge_group,omitempty"`
}

// StepSpec is one workflow step in YAML. A step with Disabled set is dead
// configuration: it is never executed and its result is recorded as skipped.
type StepSpec struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name,omitempty"`
	If       string            `yaml:"if,omitempty"`
	Run      string            `yaml:"run"`
	Env      map[string]string `yaml:"env,omitempty"`
	Timeout  time.Duration     `yaml:"timeout,omitempty"`
	Disabled bool              `yaml:"disabled,omitempty"`
	Note     string            `yaml:"note,omitempty"`
}

// Workflow is a compiled, validated workflow.
type Workflow struct {
	Name             string
	Triggers         []event.Kind
	GroupTemplate    string
	CancelInProgress bool
	Steps            []Step
	Fingerprint      string // blake3:<hex> of the normalized compiled form.

	runsOn RunsOnSpec
}

// Step is one compiled step.
type Step struct {
	ID       string
	Name     string
	Guard    Guard
	Run      string
	Env      map[string]string
	Timeout  time.Duration
	Disabled bool
	Note     string
}

// Set is a compiled collection of workflows keyed by name.
type Set struct {
	Workflows map[string]*Workflow
}

// Get returns a workflow by name.
func (s *Set) Get(name string) (*Workflow, bool) {
	w, ok := s.Workflows[name]
	return w, ok
}

// List returns all workflows in name order.
func (s *Set) List() []*Workflow {
	out := make([]*Workflow, 0, len(s.Workflows))
	for _, w := range s.Workflows {
		out = append(out, w)
	}
	sortByName(out)
	return out
}

// Len returns the number of loaded workflows.
func (s *Set) Len() int {
	return len(s.Workflows)
}

// ByTrigger returns all workflows triggered by the given event kind, in
// name order.
func (s *Set) ByTrigger(kind event.Kind) []*Workflow {
	var out []*Workflow
	for _, w := range s.Workflows {
		if w.Triggered(kind) {
			out = append(out, w)
		}
	}
	sortByName(out)
	return out
}

// Triggered reports whether kind is in the workflow's trigger list.
func (w *Workflow) Triggered(kind event.Kind) bool {
	for _, t := range w.Triggers {
		if t == kind {
			return true
		}
	}
	return false
}

// Target returns the execution target for an event kind. Exactly one target
// is produced per kind; the empty string means no target is configured.
func (w *Workflow) Target(kind event.Kind) string {
	switch kind {
	case event.KindPullRequest:
		if w.runsOn.PullRequest != "" {
			return w.runsOn.PullRequest
		}
	case event.KindMergeGroup:
		if w.runsOn.MergeGroup != "" {
			return w.runsOn.MergeGroup
		}
	}
	return w.runsOn.Default
}
