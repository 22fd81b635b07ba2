package workflow

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
	"github.com/rigworks/rigci/internal/event"
)

// DefaultGroupTemplate is used when a workflow declares no concurrency block.
// One active run per workflow and ref.
const DefaultGroupTemplate = "${workflow}-${ref}"

// Compile validates a Spec and produces an executable Workflow.
func Compile(spec Spec) (*Workflow, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("workflow name is required")
	}
	if len(spec.On) == 0 {
		return nil, fmt.Errorf("workflow %q: at least one trigger is required", spec.Name)
	}
	if len(spec.Steps) == 0 {
		return nil, fmt.Errorf("workflow %q: at least one step is required", spec.Name)
	}

	w := &Workflow{
		Name:          spec.Name,
		GroupTemplate: DefaultGroupTemplate,
		runsOn:        spec.RunsOn,
	}

	seenTriggers := make(map[event.Kind]bool)
	for i, raw := range spec.On {
		kind, err := event.ParseKind(raw)
		if err != nil {
			return nil, fmt.Errorf("workflow %q: on[%d]: %w", spec.Name, i, err)
		}
		if seenTriggers[kind] {
			return nil, fmt.Errorf("workflow %q: duplicate trigger %q", spec.Name, kind)
		}
		seenTriggers[kind] = true
		w.Triggers = append(w.Triggers, kind)
	}

	if spec.Concurrency != nil {
		if strings.TrimSpace(spec.Concurrency.Group) == "" {
			return nil, fmt.Errorf("workflow %q: concurrency.group is required when concurrency is set", spec.Name)
		}
		w.GroupTemplate = spec.Concurrency.Group
		w.CancelInProgress = spec.Concurrency.CancelInProgress
	}

	// Every trigger must resolve to exactly one target.
	for _, kind := range w.Triggers {
		if w.Target(kind) == "" {
			return nil, fmt.Errorf("workflow %q: no execution target for trigger %q (set runs_on.default)", spec.Name, kind)
		}
	}

	seenSteps := make(map[string]bool)
	for i, ss := range spec.Steps {
		if strings.TrimSpace(ss.ID) == "" {
			return nil, fmt.Errorf("workflow %q: steps[%d]: id is required", spec.Name, i)
		}
		if seenSteps[ss.ID] {
			return nil, fmt.Errorf("workflow %q: duplicate step id %q", spec.Name, ss.ID)
		}
		seenSteps[ss.ID] = true

		if strings.TrimSpace(ss.Run) == "" {
			return nil, fmt.Errorf("workflow %q: step %q: run is required", spec.Name, ss.ID)
		}
		if ss.Timeout < 0 {
			return nil, fmt.Errorf("workflow %q: step %q: timeout must not be negative", spec.Name, ss.ID)
		}

		guard, err := ParseGuard(ss.If)
		if err != nil {
			return nil, fmt.Errorf("workflow %q: step %q: %w", spec.Name, ss.ID, err)
		}

		name := ss.Name
		if name == "" {
			name = ss.ID
		}

		w.Steps = append(w.Steps, Step{
			ID:       ss.ID,
			Name:     name,
			Guard:    guard,
			Run:      ss.Run,
			Env:      ss.Env,
			Timeout:  ss.Timeout,
			Disabled: ss.Disabled,
			Note:     ss.Note,
		})
	}

	w.Fingerprint = fingerprint(w)
	return w, nil
}

// fingerprint hashes the normalized compiled form so workflow identity is
// stable across cosmetic YAML edits.
func fingerprint(w *Workflow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "workflow:%s\n", w.Name)
	for _, t := range w.Triggers {
		fmt.Fprintf(&b, "on:%s\n", t)
	}
	fmt.Fprintf(&b, "group:%s cancel:%t\n", w.GroupTemplate, w.CancelInProgress)
	fmt.Fprintf(&b, "runs_on:%s|%s|%s\n", w.runsOn.Default, w.runsOn.PullRequest, w.runsOn.MergeGroup)
	for _, s := range w.Steps {
		fmt.Fprintf(&b, "step:%s if:%s run:%s timeout:%s disabled:%t\n",
			s.ID, s.Guard.String(), s.Run, s.Timeout, s.Disabled)
		keys := make([]string, 0, len(s.Env))
		for k := range s.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "env:%s=%s\n", k, s.Env[k])
		}
	}

	sum := blake3.Sum256([]byte(b.String()))
	return "blake3:" + hex.EncodeToString(sum[:])
}

func sortByName(ws []*Workflow) {
	sort.Slice(ws, func(i, j int) bool { return ws[i].Name < ws[j].Name })
}
