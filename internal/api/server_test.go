package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/rigworks/rigci/internal/auth"
	"github.com/rigworks/rigci/internal/event"
	"github.com/rigworks/rigci/internal/events"
	"github.com/rigworks/rigci/internal/run"
	"github.com/rigworks/rigci/internal/workflow"
)

type mockReader struct {
	getFn   func(ctx context.Context, runID string) (*run.Run, error)
	stepsFn func(ctx context.Context, runID string) ([]run.StepResult, error)
	listFn  func(ctx context.Context, limit int) ([]*run.Run, error)
	depthFn func(ctx context.Context) (int, error)
}

func (m *mockReader) Get(ctx context.Context, runID string) (*run.Run, error) {
	if m.getFn != nil {
		return m.getFn(ctx, runID)
	}
	return nil, run.ErrRunNotFound
}

func (m *mockReader) Steps(ctx context.Context, runID string) ([]run.StepResult, error) {
	if m.stepsFn != nil {
		return m.stepsFn(ctx, runID)
	}
	return nil, nil
}

func (m *mockReader) List(ctx context.Context, limit int) ([]*run.Run, error) {
	if m.listFn != nil {
		return m.listFn(ctx, limit)
	}
	return nil, nil
}

func (m *mockReader) Depth(ctx context.Context) (int, error) {
	if m.depthFn != nil {
		return m.depthFn(ctx)
	}
	return 0, nil
}

type mockSubmitter struct {
	submitFn func(ctx context.Context, ev event.Event, workflowName, submittedBy string) ([]string, error)
}

func (m *mockSubmitter) Submit(ctx context.Context, ev event.Event, workflowName, submittedBy string) ([]string, error) {
	if m.submitFn != nil {
		return m.submitFn(ctx, ev, workflowName, submittedBy)
	}
	return []string{"run-1"}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testWorkflows(t *testing.T) *workflow.Set {
	t.Helper()
	set, err := workflow.CompileSpecs([]workflow.Spec{{
		Name:   "vfio",
		On:     []string{"pull_request", "merge_group"},
		RunsOn: workflow.RunsOnSpec{Default: "vfio-nvidia"},
		Steps:  []workflow.StepSpec{{ID: "tests", Run: "true"}},
	}})
	if err != nil {
		t.Fatalf("compile workflows: %v", err)
	}
	return set
}

func newTestServer(t *testing.T, store RunReader, submitter RunSubmitter) *Server {
	t.Helper()
	cfg := Config{
		Listen: "127.0.0.1:0",
		APIKey: "admin-key",
		Tokens: []auth.TokenConfig{
			{Token: "reader", Scopes: []string{"runs:ro", "workflows:ro", "events:ro"}},
		},
	}
	if store == nil {
		store = &mockReader{}
	}
	if submitter == nil {
		submitter = &mockSubmitter{}
	}
	return New(cfg, store, submitter, testWorkflows(t), events.NewHub(16), testLogger())
}

func doRequest(s *Server, method, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(w, req)
	return w
}

func TestHealthzUnauthenticated(t *testing.T) {
	t.Parallel()

	store := &mockReader{depthFn: func(context.Context) (int, error) { return 3, nil }}
	s := newTestServer(t, store, nil)

	w := doRequest(s, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp HealthzResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.QueueDepth != 3 || resp.WorkflowsLoaded != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil, nil)

	if w := doRequest(s, http.MethodGet, "/runs", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", w.Code)
	}
	if w := doRequest(s, http.MethodGet, "/runs", "wrong", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", w.Code)
	}
	if w := doRequest(s, http.MethodGet, "/runs", "admin-key", nil); w.Code != http.StatusOK {
		t.Errorf("admin key: status = %d, want 200", w.Code)
	}
	if w := doRequest(s, http.MethodGet, "/runs", "reader", nil); w.Code != http.StatusOK {
		t.Errorf("scoped token: status = %d, want 200", w.Code)
	}
}

func TestScopeEnforcement(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil, nil)

	// The reader token has no runs:rw, so trigger is forbidden.
	body := []byte(`{"event":"merge_group","ref":"main"}`)
	w := doRequest(s, http.MethodPost, "/trigger/vfio", "reader", body)
	if w.Code != http.StatusForbidden {
		t.Fatalf("reader trigger: status = %d, want 403", w.Code)
	}

	// The admin wildcard passes everything.
	w = doRequest(s, http.MethodPost, "/trigger/vfio", "admin-key", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("admin trigger: status = %d, want 202 (%s)", w.Code, w.Body.String())
	}
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	store := &mockReader{
		listFn: func(_ context.Context, limit int) ([]*run.Run, error) {
			if limit != 5 {
				t.Errorf("limit = %d, want 5", limit)
			}
			return []*run.Run{{
				ID:        "run-1",
				Workflow:  "vfio",
				Event:     event.Event{Kind: event.KindMergeGroup, Ref: "main"},
				Target:    "vfio-nvidia",
				GroupKey:  "vfio-main",
				Status:    run.StatusSucceeded,
				CreatedAt: now,
			}}, nil
		},
	}
	s := newTestServer(t, store, nil)

	w := doRequest(s, http.MethodGet, "/runs?limit=5", "reader", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var out []RunSummary
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].ID != "run-1" || out[0].Status != "succeeded" {
		t.Errorf("out = %+v", out)
	}
}

func TestListRunsInvalidLimit(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil, nil)
	if w := doRequest(s, http.MethodGet, "/runs?limit=bogus", "reader", nil); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGetRunWithSteps(t *testing.T) {
	t.Parallel()

	superseded := "run-2"
	code := 1
	store := &mockReader{
		getFn: func(_ context.Context, runID string) (*run.Run, error) {
			if runID != "run-1" {
				return nil, run.ErrRunNotFound
			}
			return &run.Run{
				ID:           "run-1",
				Workflow:     "vfio",
				Event:        event.Event{Kind: event.KindMergeGroup, Ref: "main", HeadSHA: "abc"},
				Target:       "vfio-nvidia",
				GroupKey:     "vfio-main",
				Status:       run.StatusCancelled,
				SubmittedBy:  "webhook",
				SupersededBy: &superseded,
			}, nil
		},
		stepsFn: func(context.Context, string) ([]run.StepResult, error) {
			return []run.StepResult{
				{StepID: "tests", Seq: 1, Status: run.StepFailed, ExitCode: &code},
			}, nil
		},
	}
	s := newTestServer(t, store, nil)

	w := doRequest(s, http.MethodGet, "/runs/run-1", "reader", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var detail RunDetail
	if err := json.Unmarshal(w.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.SupersededBy == nil || *detail.SupersededBy != "run-2" {
		t.Errorf("superseded_by = %v", detail.SupersededBy)
	}
	if len(detail.Steps) != 1 || detail.Steps[0].StepID != "tests" {
		t.Errorf("steps = %+v", detail.Steps)
	}
	if detail.Steps[0].ExitCode == nil || *detail.Steps[0].ExitCode != 1 {
		t.Errorf("exit code = %v", detail.Steps[0].ExitCode)
	}
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil, nil)
	if w := doRequest(s, http.MethodGet, "/runs/nope", "reader", nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestTrigger(t *testing.T) {
	t.Parallel()

	var got event.Event
	submitter := &mockSubmitter{
		submitFn: func(_ context.Context, ev event.Event, workflowName, submittedBy string) ([]string, error) {
			got = ev
			if workflowName != "vfio" {
				t.Errorf("workflow = %q", workflowName)
			}
			if submittedBy != "api" {
				t.Errorf("submitted_by = %q", submittedBy)
			}
			return []string{"run-9"}, nil
		},
	}
	s := newTestServer(t, nil, submitter)

	body := []byte(`{"event":"merge_group","ref":"main","head_sha":"abc123"}`)
	w := doRequest(s, http.MethodPost, "/trigger/vfio", "admin-key", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}

	var resp TriggerResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.RunIDs) != 1 || resp.RunIDs[0] != "run-9" {
		t.Errorf("run_ids = %v", resp.RunIDs)
	}
	if got.Kind != event.KindMergeGroup || got.Ref != "main" || got.HeadSHA != "abc123" {
		t.Errorf("submitted event = %+v", got)
	}
}

func TestTriggerValidation(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil, nil)

	if w := doRequest(s, http.MethodPost, "/trigger/missing", "admin-key",
		[]byte(`{"event":"merge_group","ref":"main"}`)); w.Code != http.StatusNotFound {
		t.Errorf("unknown workflow: status = %d, want 404", w.Code)
	}
	if w := doRequest(s, http.MethodPost, "/trigger/vfio", "admin-key",
		[]byte(`{"event":"push","ref":"main"}`)); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown kind: status = %d, want 422", w.Code)
	}
	if w := doRequest(s, http.MethodPost, "/trigger/vfio", "admin-key",
		[]byte(`{"event":"merge_group"}`)); w.Code != http.StatusBadRequest {
		t.Errorf("missing ref: status = %d, want 400", w.Code)
	}
}

func TestTriggerUntriggeredEvent(t *testing.T) {
	t.Parallel()

	submitter := &mockSubmitter{
		submitFn: func(context.Context, event.Event, string, string) ([]string, error) {
			return nil, nil
		},
	}
	s := newTestServer(t, nil, submitter)

	w := doRequest(s, http.MethodPost, "/trigger/vfio", "admin-key",
		[]byte(`{"event":"merge_group","ref":"main"}`))
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestListWorkflows(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil, nil)
	w := doRequest(s, http.MethodGet, "/workflows", "reader", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var out []WorkflowSummary
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].Name != "vfio" || out[0].Steps != 1 {
		t.Errorf("out = %+v", out)
	}
	if len(out[0].Triggers) != 2 {
		t.Errorf("triggers = %v", out[0].Triggers)
	}
}
