package api

import (
	"encoding/json"
	"time"
)

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	QueueDepth      int    `json:"queue_depth"`
	WorkflowsLoaded int    `json:"workflows_loaded"`
}

// TriggerRequest is the body of POST /trigger/{workflow}.
type TriggerRequest struct {
	// Event is the event kind to simulate (e.g. "merge_group").
	Event string `json:"event"`

	// Ref is the branch or merge-queue ref the run is for.
	Ref string `json:"ref"`

	// HeadSHA optionally pins the commit under test.
	HeadSHA string `json:"head_sha,omitempty"`

	// Payload optionally carries a full delivery body; when set it is
	// decoded the same way a webhook delivery would be and Event/Ref
	// above are ignored.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TriggerResponse is returned by POST /trigger/{workflow} (202).
type TriggerResponse struct {
	RunIDs []string `json:"run_ids"`
}

// RunSummary is one run in GET /runs.
type RunSummary struct {
	ID          string     `json:"id"`
	Workflow    string     `json:"workflow"`
	Event       string     `json:"event"`
	Ref         string     `json:"ref"`
	Target      string     `json:"target"`
	GroupKey    string     `json:"group_key"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StepView is one step result in RunDetail.
type StepView struct {
	StepID      string     `json:"step_id"`
	Name        string     `json:"name,omitempty"`
	Seq         int        `json:"seq"`
	Status      string     `json:"status"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	SkipReason  string     `json:"skip_reason,omitempty"`
	Stderr      string     `json:"stderr,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunDetail is returned by GET /runs/{runID}.
type RunDetail struct {
	RunSummary
	Fingerprint  string     `json:"fingerprint,omitempty"`
	HeadSHA      string     `json:"head_sha,omitempty"`
	Repository   string     `json:"repository,omitempty"`
	DeliveryID   string     `json:"delivery_id,omitempty"`
	SubmittedBy  string     `json:"submitted_by"`
	LastError    *string    `json:"last_error,omitempty"`
	SupersededBy *string    `json:"superseded_by,omitempty"`
	Steps        []StepView `json:"steps"`
}

// WorkflowSummary is one workflow in GET /workflows.
type WorkflowSummary struct {
	Name             string   `json:"name"`
	Triggers         []string `json:"triggers"`
	GroupTemplate    string   `json:"group_template"`
	CancelInProgress bool     `json:"cancel_in_progress"`
	Fingerprint      string   `json:"fingerprint"`
	Steps            int      `json:"steps"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
