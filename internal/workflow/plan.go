package workflow

import (
	"fmt"

	"github.com/rigworks/rigci/internal/event"
)

// Skip reasons recorded on planned steps that will not execute.
const (
	SkipReasonGuard    = "guard not satisfied"
	SkipReasonDisabled = "step disabled"
)

// Plan is the dispatch decision for one event: the execution target, the
// expanded concurrency key, and the execute/skip verdict for every step.
// Building a plan has no side effects; the same workflow and event always
// produce the same plan.
type Plan struct {
	Workflow         string
	Fingerprint      string
	Event            event.Event
	Target           string
	GroupKey         string
	CancelInProgress bool
	Steps            []PlannedStep
}

// PlannedStep pairs a step with its dispatch verdict.
type PlannedStep struct {
	Step       Step
	Execute    bool
	SkipReason string
}

// Plan evaluates the workflow against an event.
func (w *Workflow) Plan(ev event.Event) (*Plan, error) {
	if !w.Triggered(ev.Kind) {
		return nil, fmt.Errorf("workflow %q is not triggered by %q", w.Name, ev.Kind)
	}

	target := w.Target(ev.Kind)
	if target == "" {
		return nil, fmt.Errorf("workflow %q has no execution target for %q", w.Name, ev.Kind)
	}

	p := &Plan{
		Workflow:         w.Name,
		Fingerprint:      w.Fingerprint,
		Event:            ev,
		Target:           target,
		GroupKey:         event.ExpandKey(w.GroupTemplate, w.Name, ev),
		CancelInProgress: w.CancelInProgress,
		Steps:            make([]PlannedStep, 0, len(w.Steps)),
	}

	for _, s := range w.Steps {
		ps := PlannedStep{Step: s}
		switch {
		case s.Disabled:
			ps.SkipReason = SkipReasonDisabled
		case !s.Guard.Eval(ev.Kind):
			ps.SkipReason = SkipReasonGuard
		default:
			ps.Execute = true
		}
		p.Steps = append(p.Steps, ps)
	}
	return p, nil
}

// ExecutedStepIDs returns the ids of steps the plan will actually run,
// in order.
func (p *Plan) ExecutedStepIDs() []string {
	var ids []string
	for _, ps := range p.Steps {
		if ps.Execute {
			ids = append(ids, ps.Step.ID)
		}
	}
	return ids
}
