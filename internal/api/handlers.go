package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rigworks/rigci/internal/event"
	"github.com/rigworks/rigci/internal/run"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.store.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:          "ok",
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:      depth,
		WorkflowsLoaded: s.workflows.Len(),
	})
}

// handleListRuns handles GET /runs?limit=N.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	runs, err := s.store.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	out := make([]RunSummary, 0, len(runs))
	for _, rn := range runs {
		out = append(out, summarize(rn))
	}
	respondJSON(w, http.StatusOK, out)
}

// handleGetRun handles GET /runs/{runID}, including recorded step results.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	rn, err := s.store.Get(r.Context(), runID)
	if errors.Is(err, run.ErrRunNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get run", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	steps, err := s.store.Steps(r.Context(), runID)
	if err != nil {
		s.logger.Error("failed to get step results", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get step results")
		return
	}

	detail := RunDetail{
		RunSummary:   summarize(rn),
		Fingerprint:  rn.Fingerprint,
		HeadSHA:      rn.Event.HeadSHA,
		Repository:   rn.Event.Repository,
		DeliveryID:   rn.Event.DeliveryID,
		SubmittedBy:  rn.SubmittedBy,
		LastError:    rn.LastError,
		SupersededBy: rn.SupersededBy,
		Steps:        make([]StepView, 0, len(steps)),
	}
	for _, sr := range steps {
		detail.Steps = append(detail.Steps, StepView{
			StepID:      sr.StepID,
			Name:        sr.Name,
			Seq:         sr.Seq,
			Status:      string(sr.Status),
			ExitCode:    sr.ExitCode,
			SkipReason:  sr.SkipReason,
			Stderr:      sr.Stderr,
			StartedAt:   sr.StartedAt,
			CompletedAt: sr.CompletedAt,
		})
	}
	respondJSON(w, http.StatusOK, detail)
}

// handleTrigger handles POST /trigger/{workflow}. It simulates an event
// delivery for the named workflow and queues the resulting run.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	workflowName := chi.URLParam(r, "workflow")

	if _, ok := s.workflows.Get(workflowName); !ok {
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	}

	var req TriggerRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	var ev event.Event
	if len(req.Payload) > 0 {
		var err error
		ev, err = event.FromDelivery(req.Event, "", req.Payload)
		if err != nil {
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	} else {
		kind, err := event.ParseKind(req.Event)
		if err != nil {
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		if strings.TrimSpace(req.Ref) == "" {
			s.writeError(w, http.StatusBadRequest, "ref is required")
			return
		}
		ev = event.Event{
			Kind:       kind,
			Ref:        req.Ref,
			HeadSHA:    req.HeadSHA,
			ReceivedAt: time.Now().UTC(),
		}
	}

	ids, err := s.submitter.Submit(r.Context(), ev, workflowName, "api")
	if err != nil {
		s.logger.Error("failed to submit trigger", "workflow", workflowName, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to queue run")
		return
	}
	if len(ids) == 0 {
		s.writeError(w, http.StatusUnprocessableEntity, "workflow is not triggered by this event")
		return
	}

	respondJSON(w, http.StatusAccepted, TriggerResponse{RunIDs: ids})
}

// handleListWorkflows handles GET /workflows.
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	list := s.workflows.List()
	out := make([]WorkflowSummary, 0, len(list))
	for _, wf := range list {
		triggers := make([]string, 0, len(wf.Triggers))
		for _, t := range wf.Triggers {
			triggers = append(triggers, string(t))
		}
		out = append(out, WorkflowSummary{
			Name:             wf.Name,
			Triggers:         triggers,
			GroupTemplate:    wf.GroupTemplate,
			CancelInProgress: wf.CancelInProgress,
			Fingerprint:      wf.Fingerprint,
			Steps:            len(wf.Steps),
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func summarize(rn *run.Run) RunSummary {
	return RunSummary{
		ID:          rn.ID,
		Workflow:    rn.Workflow,
		Event:       string(rn.Event.Kind),
		Ref:         rn.Event.Ref,
		Target:      rn.Target,
		GroupKey:    rn.GroupKey,
		Status:      string(rn.Status),
		CreatedAt:   rn.CreatedAt,
		StartedAt:   rn.StartedAt,
		CompletedAt: rn.CompletedAt,
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
