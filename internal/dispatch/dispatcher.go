// Package dispatch claims queued runs and executes their plans: one execution
// target per run, guarded steps in order, a wall-clock budget per step, and
// cancel-in-progress semantics per concurrency group.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rigworks/rigci/internal/config"
	"github.com/rigworks/rigci/internal/event"
	"github.com/rigworks/rigci/internal/events"
	"github.com/rigworks/rigci/internal/log"
	"github.com/rigworks/rigci/internal/run"
	"github.com/rigworks/rigci/internal/workflow"
)

// RunStore is the persistence surface the dispatcher needs.
type RunStore interface {
	Create(ctx context.Context, req run.CreateRequest) (string, error)
	Claim(ctx context.Context, busyGroups []string) (*run.Run, error)
	Requeue(ctx context.Context, runID string) error
	Complete(ctx context.Context, runID string, status run.Status, lastError, supersededBy *string) error
	CancelQueued(ctx context.Context, groupKey, exceptID, supersededBy string) ([]string, error)
	MarkInterrupted(ctx context.Context, reason string) (int64, error)
	RecordStep(ctx context.Context, sr run.StepResult) error
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// supersededError is the cancellation cause attached when a newer run on the
// same concurrency group displaces an in-flight one.
type supersededError struct {
	by string
}

func (e *supersededError) Error() string {
	return fmt.Sprintf("superseded by run %s", e.by)
}

// inflight tracks one running run so a newer run on the same group can
// cancel it.
type inflight struct {
	runID  string
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Dispatcher turns inbound events into runs and executes claimed runs.
type Dispatcher struct {
	store     RunStore
	workflows *workflow.Set
	cfg       *config.Config
	hub       *events.Hub
	logger    *slog.Logger

	wake chan struct{}

	mu       sync.Mutex
	inflight map[string]*inflight // keyed by expanded group key
	wg       sync.WaitGroup
}

// New creates a Dispatcher.
func New(store RunStore, workflows *workflow.Set, cfg *config.Config, hub *events.Hub) *Dispatcher {
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Dispatcher{
		store:     store,
		workflows: workflows,
		cfg:       cfg,
		hub:       hub,
		logger:    log.WithComponent("dispatch"),
		wake:      make(chan struct{}, 1),
		inflight:  make(map[string]*inflight),
	}
}

// Submit plans an event against every triggered workflow and queues one run
// per plan. Returns the created run ids.
func (d *Dispatcher) Submit(ctx context.Context, ev event.Event, workflowName, submittedBy string) ([]string, error) {
	var targets []*workflow.Workflow
	if workflowName != "" {
		w, ok := d.workflows.Get(workflowName)
		if !ok {
			return nil, fmt.Errorf("workflow %q not found", workflowName)
		}
		targets = append(targets, w)
	} else {
		targets = d.workflows.ByTrigger(ev.Kind)
	}

	var ids []string
	for _, w := range targets {
		if !w.Triggered(ev.Kind) {
			continue
		}
		plan, err := w.Plan(ev)
		if err != nil {
			return ids, fmt.Errorf("plan workflow %q: %w", w.Name, err)
		}

		id, err := d.store.Create(ctx, run.CreateRequest{
			Workflow:         plan.Workflow,
			Fingerprint:      plan.Fingerprint,
			Event:            ev,
			Target:           plan.Target,
			GroupKey:         plan.GroupKey,
			CancelInProgress: plan.CancelInProgress,
			SubmittedBy:      submittedBy,
		})
		if err != nil {
			return ids, fmt.Errorf("create run for workflow %q: %w", w.Name, err)
		}
		ids = append(ids, id)

		d.hub.Publish(events.TypeRunQueued, events.Payload{
			RunID:    id,
			Workflow: plan.Workflow,
			Event:    string(ev.Kind),
			Ref:      ev.Ref,
			Target:   plan.Target,
		})
		d.logger.Info("run queued",
			"run_id", id, "workflow", plan.Workflow, "event", ev.Kind,
			"ref", ev.Ref, "target", plan.Target, "group", plan.GroupKey)
	}

	d.notify()
	return ids, nil
}

// Start runs the claim loop until ctx is cancelled. Runs in distinct
// concurrency groups execute in parallel up to max_concurrent_runs; steps
// within a run are strictly sequential.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("dispatch loop started")
	defer d.logger.Info("dispatch loop stopped")

	// A failed recovery sweep is not fatal: the claim loop keeps going and
	// the stale rows surface through the API until a later restart.
	if n, err := d.store.MarkInterrupted(ctx, "interrupted by restart"); err != nil {
		d.logger.Error("crash recovery failed", "error", err)
	} else if n > 0 {
		d.logger.Warn("failed runs left over from previous instance", "count", n)
	}

	slots := make(chan struct{}, d.cfg.Service.MaxConcurrentRuns)

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		case <-d.wake:
		}
		d.drain(ctx, slots)
	}
}

// drain claims and launches queued runs until the queue is empty or all
// worker slots are busy. Deferred claims (a group that turned busy between
// the snapshot and the claim) do not stop the pass: runs queued behind them
// in other groups still get their slots.
func (d *Dispatcher) drain(ctx context.Context, slots chan struct{}) {
	for {
		select {
		case slots <- struct{}{}:
		default:
			// All slots busy; wait for the next wake-up.
			return
		}

		launched, deferred, err := d.claimNext(ctx, slots)
		if err != nil {
			d.logger.Error("failed to claim run", "error", err)
			<-slots
			return
		}
		if launched {
			continue
		}
		<-slots
		if !deferred {
			return
		}
	}
}

// claimNext claims one queued run and starts executing it in the given slot.
// Runs whose concurrency group is busy are skipped at the store level unless
// they cancel in progress. Returns launched=false when nothing was claimed;
// deferred=true when a claim raced a newly busy group and was put back.
func (d *Dispatcher) claimNext(ctx context.Context, slots chan struct{}) (launched, deferred bool, err error) {
	r, err := d.store.Claim(ctx, d.busyGroupKeys())
	if err != nil {
		return false, false, err
	}
	if r == nil {
		return false, false, nil
	}

	runLogger := log.WithRun(r.ID).With("workflow", r.Workflow, "group", r.GroupKey)

	// A group without cancel-in-progress admits at most one active run.
	// Claim already skips busy groups; this catches a group that turned
	// busy after the snapshot was taken.
	if !r.CancelInProgress && d.groupBusy(r.GroupKey) {
		if err := d.store.Requeue(ctx, r.ID); err != nil {
			return false, false, fmt.Errorf("requeue run %s: %w", r.ID, err)
		}
		runLogger.Debug("run deferred, concurrency group busy")
		return false, true, nil
	}

	var displaced *inflight
	if r.CancelInProgress {
		displaced = d.supersede(ctx, r, runLogger)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	fl := &inflight{runID: r.ID, cancel: cancel, done: make(chan struct{})}
	d.mu.Lock()
	d.inflight[r.GroupKey] = fl
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			if cur, ok := d.inflight[r.GroupKey]; ok && cur.runID == r.ID {
				delete(d.inflight, r.GroupKey)
			}
			d.mu.Unlock()
			close(fl.done)
			cancel(nil)
			<-slots
			d.notify()
		}()
		// One active run per group: let the displaced run finish
		// recording its cancelled outcome before this one starts.
		if displaced != nil {
			select {
			case <-displaced.done:
			case <-runCtx.Done():
			}
		}
		d.executeRun(runCtx, r, runLogger)
	}()
	return true, false, nil
}

// supersede cancels the in-flight run and any still-queued runs sharing the
// new run's concurrency group. The displaced in-flight run terminates with
// status cancelled, never failed. Returns the displaced in-flight run, if
// any; the caller must not block the claim loop waiting on it.
func (d *Dispatcher) supersede(ctx context.Context, r *run.Run, logger *slog.Logger) *inflight {
	cancelled, err := d.store.CancelQueued(ctx, r.GroupKey, r.ID, r.ID)
	if err != nil {
		logger.Error("failed to cancel queued runs in group", "error", err)
	}
	for _, id := range cancelled {
		d.hub.Publish(events.TypeRunCancelled, events.Payload{
			RunID:        id,
			SupersededBy: r.ID,
		})
		logger.Info("queued run superseded", "cancelled_run_id", id)
	}

	d.mu.Lock()
	fl := d.inflight[r.GroupKey]
	d.mu.Unlock()
	if fl == nil {
		return nil
	}

	logger.Info("cancelling in-flight run", "cancelled_run_id", fl.runID)
	fl.cancel(&supersededError{by: r.ID})
	return fl
}

func (d *Dispatcher) groupBusy(groupKey string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight[groupKey] != nil
}

// busyGroupKeys snapshots the group keys with an in-flight run.
func (d *Dispatcher) busyGroupKeys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.inflight))
	for k := range d.inflight {
		keys = append(keys, k)
	}
	return keys
}

func (d *Dispatcher) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// executeRun resolves the run's plan and executes it step by step.
func (d *Dispatcher) executeRun(ctx context.Context, r *run.Run, logger *slog.Logger) {
	w, ok := d.workflows.Get(r.Workflow)
	if !ok {
		d.failRun(r, fmt.Sprintf("workflow %q is not loaded", r.Workflow), logger)
		return
	}

	plan, err := w.Plan(r.Event)
	if err != nil {
		d.failRun(r, fmt.Sprintf("plan run: %v", err), logger)
		return
	}

	runner, ok := d.cfg.Runners[plan.Target]
	if !ok {
		d.failRun(r, fmt.Sprintf("execution target %q is not configured", plan.Target), logger)
		return
	}

	logger.Info("run started", "target", plan.Target, "event", r.Event.Kind)
	d.hub.Publish(events.TypeRunStarted, events.Payload{
		RunID:    r.ID,
		Workflow: r.Workflow,
		Target:   plan.Target,
	})

	if runner.SetupCommand != "" {
		res := d.runCommand(ctx, runner, runner.SetupCommand, nil, d.cfg.Service.DefaultStepTimeout, logger)
		d.recordCommandStep(r, "runner-setup", "runner setup", 0, res)
		if outcome, msg := res.outcome(); outcome != run.StatusSucceeded {
			d.finishRun(ctx, r, outcome, msg, logger)
			return
		}
	}

	aborted := ""
	finalStatus := run.StatusSucceeded
	var finalErr string

	for i, ps := range plan.Steps {
		seq := i + 1
		stepLogger := logger.With("step", ps.Step.ID)

		if aborted != "" {
			d.recordSkip(r, ps.Step, seq, aborted)
			continue
		}

		if !ps.Execute {
			reason := ps.SkipReason
			if ps.Step.Note != "" {
				reason = fmt.Sprintf("%s (%s)", reason, ps.Step.Note)
			}
			stepLogger.Info("step skipped", "reason", reason)
			d.recordSkip(r, ps.Step, seq, reason)
			d.hub.Publish(events.TypeRunStep, events.Payload{
				RunID: r.ID, Step: ps.Step.ID, Status: string(run.StepSkipped),
			})
			continue
		}

		timeout := ps.Step.Timeout
		if timeout <= 0 {
			timeout = d.cfg.Service.DefaultStepTimeout
		}

		stepLogger.Info("step started", "timeout", timeout)
		res := d.runCommand(ctx, runner, ps.Step.Run, ps.Step.Env, timeout, stepLogger)
		d.recordCommandStep(r, ps.Step.ID, ps.Step.Name, seq, res)
		d.hub.Publish(events.TypeRunStep, events.Payload{
			RunID: r.ID, Step: ps.Step.ID, Status: string(res.stepStatus()),
		})

		if outcome, msg := res.outcome(); outcome != run.StatusSucceeded {
			if outcome == run.StatusCancelled {
				d.finishRun(ctx, r, outcome, msg, logger)
				return
			}
			// Remaining steps are recorded as skipped, then the run
			// terminates with the failure outcome.
			finalStatus = outcome
			finalErr = fmt.Sprintf("step %q: %s", ps.Step.ID, msg)
			aborted = fmt.Sprintf("earlier step %q %s", ps.Step.ID, res.stepStatus())
		}
	}

	d.finishRun(ctx, r, finalStatus, finalErr, logger)
}

// recordCommandStep persists the outcome of an executed command.
func (d *Dispatcher) recordCommandStep(r *run.Run, stepID, name string, seq int, res execResult) {
	sr := run.StepResult{
		RunID:       r.ID,
		StepID:      stepID,
		Name:        name,
		Seq:         seq,
		Status:      res.stepStatus(),
		Stderr:      res.stderr,
		StartedAt:   &res.startedAt,
		CompletedAt: &res.completedAt,
	}
	// A terminated step never exited on its own, so it has no exit code.
	if res.started && !res.terminated() {
		code := res.exitCode
		sr.ExitCode = &code
	}
	if res.cancelled {
		sr.SkipReason = "run cancelled"
	}
	if err := d.store.RecordStep(context.Background(), sr); err != nil {
		d.logger.Error("failed to record step result", "run_id", r.ID, "step", stepID, "error", err)
	}
}

func (d *Dispatcher) recordSkip(r *run.Run, step workflow.Step, seq int, reason string) {
	err := d.store.RecordStep(context.Background(), run.StepResult{
		RunID:      r.ID,
		StepID:     step.ID,
		Name:       step.Name,
		Seq:        seq,
		Status:     run.StepSkipped,
		SkipReason: reason,
	})
	if err != nil {
		d.logger.Error("failed to record skipped step", "run_id", r.ID, "step", step.ID, "error", err)
	}
}

// finishRun marks the run terminal and publishes the matching event.
func (d *Dispatcher) finishRun(ctx context.Context, r *run.Run, status run.Status, errMsg string, logger *slog.Logger) {
	var lastError, supersededBy *string
	if errMsg != "" {
		lastError = &errMsg
	}

	if status == run.StatusCancelled {
		var sup *supersededError
		if errors.As(context.Cause(ctx), &sup) {
			supersededBy = &sup.by
		} else {
			// Cancelled without a superseding run means service
			// shutdown; that is a failure outcome, not supersession.
			status = run.StatusFailed
			msg := "interrupted by shutdown"
			lastError = &msg
		}
	}

	// Completion must outlive the run's own (possibly cancelled) context.
	if err := d.store.Complete(context.Background(), r.ID, status, lastError, supersededBy); err != nil {
		logger.Error("failed to complete run", "status", status, "error", err)
	}

	if status == run.StatusCancelled {
		logger.Info("run cancelled", "superseded_by", deref(supersededBy))
		d.hub.Publish(events.TypeRunCancelled, events.Payload{
			RunID:        r.ID,
			SupersededBy: deref(supersededBy),
		})
		return
	}

	logger.Info("run finished", "status", status, "error", errMsg)
	d.hub.Publish(events.TypeRunFinished, events.Payload{
		RunID:    r.ID,
		Workflow: r.Workflow,
		Status:   string(status),
	})
}

// failRun terminates a run that never reached step execution.
func (d *Dispatcher) failRun(r *run.Run, msg string, logger *slog.Logger) {
	logger.Error("run failed before execution", "error", msg)
	if err := d.store.Complete(context.Background(), r.ID, run.StatusFailed, &msg, nil); err != nil {
		logger.Error("failed to complete run", "error", err)
	}
	d.hub.Publish(events.TypeRunFinished, events.Payload{
		RunID:    r.ID,
		Workflow: r.Workflow,
		Status:   string(run.StatusFailed),
	})
}

// StartJanitor prunes terminal runs past the retention window once an hour.
// Blocking; runs until ctx is cancelled.
func (d *Dispatcher) StartJanitor(ctx context.Context) error {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := d.store.Prune(ctx, d.cfg.Service.RunRetention)
			if err != nil {
				d.logger.Error("failed to prune runs", "error", err)
				continue
			}
			if n > 0 {
				d.logger.Info("pruned old runs", "count", n)
			}
		}
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
