package run

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rigworks/rigci/internal/event"
)

const maxStderrBytes = 64 * 1024

// Store persists runs and step results in SQLite.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new queued run and returns its id.
func (s *Store) Create(ctx context.Context, req CreateRequest) (string, error) {
	if req.Workflow == "" {
		return "", fmt.Errorf("workflow is empty")
	}
	if req.Target == "" {
		return "", fmt.Errorf("target is empty")
	}
	if req.GroupKey == "" {
		return "", fmt.Errorf("group key is empty")
	}
	if req.SubmittedBy == "" {
		return "", fmt.Errorf("submitted_by is empty")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs(
  id, workflow, fingerprint, event_kind, ref, head_sha, repository, delivery_id,
  target, group_key, cancel_in_progress, status, submitted_by, created_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, req.Workflow, req.Fingerprint, string(req.Event.Kind), req.Event.Ref,
		req.Event.HeadSHA, req.Event.Repository, req.Event.DeliveryID,
		req.Target, req.GroupKey, boolToInt(req.CancelInProgress),
		StatusQueued, req.SubmittedBy, now)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return id, nil
}

// Claim takes the oldest claimable queued run and marks it running. Queued
// runs whose group key is in busyGroups are passed over unless they cancel
// in progress (those supersede the busy run instead of waiting behind it),
// so one busy group never starves runs queued in idle groups. Returns
// (nil, nil) if nothing is claimable.
func (s *Store) Claim(ctx context.Context, busyGroups []string) (*Run, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	query := `
WITH next AS (
  SELECT id
  FROM runs
  WHERE status = ?`
	args := []any{StatusQueued}
	if len(busyGroups) > 0 {
		query += `
    AND NOT (cancel_in_progress = 0 AND group_key IN (` + placeholders(len(busyGroups)) + `))`
		for _, g := range busyGroups {
			args = append(args, g)
		}
	}
	query += `
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE runs
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING ` + runColumns + `;`
	args = append(args, StatusRunning, now)

	row := s.db.QueryRowContext(ctx, query, args...)

	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}
	return r, nil
}

// Requeue puts a claimed run back in the queue, used when its concurrency
// group is busy and the group does not cancel in progress.
func (s *Store) Requeue(ctx context.Context, runID string) error {
	if runID == "" {
		return fmt.Errorf("runID is empty")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE runs
SET status = ?, started_at = NULL
WHERE id = ? AND status = ?;
`, StatusQueued, runID, StatusRunning)
	if err != nil {
		return fmt.Errorf("requeue run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// Complete marks a run terminal. supersededBy is only meaningful for
// cancelled runs.
func (s *Store) Complete(ctx context.Context, runID string, status Status, lastError, supersededBy *string) error {
	if runID == "" {
		return fmt.Errorf("runID is empty")
	}
	if !status.Terminal() {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	completedAt := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE runs
SET status = ?, completed_at = ?, last_error = ?, superseded_by = ?
WHERE id = ?;
`, status, completedAt, lastError, supersededBy, runID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// CancelQueued cancels queued runs in a concurrency group, excluding exceptID
// (the newer run that supersedes them). Returns the ids cancelled.
func (s *Store) CancelQueued(ctx context.Context, groupKey, exceptID, supersededBy string) ([]string, error) {
	completedAt := time.Now().UTC().Format(time.RFC3339Nano)

	rows, err := s.db.QueryContext(ctx, `
UPDATE runs
SET status = ?, completed_at = ?, superseded_by = ?
WHERE group_key = ? AND status = ? AND id != ?
RETURNING id;
`, StatusCancelled, completedAt, supersededBy, groupKey, StatusQueued, exceptID)
	if err != nil {
		return nil, fmt.Errorf("cancel queued runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan cancelled run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkInterrupted fails any run left in running state, used for crash
// recovery at startup. Returns the number of runs touched.
func (s *Store) MarkInterrupted(ctx context.Context, reason string) (int64, error) {
	completedAt := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE runs
SET status = ?, completed_at = ?, last_error = ?
WHERE status = ?;
`, StatusFailed, completedAt, reason, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}
	return res.RowsAffected()
}

// RecordStep inserts one step result row.
func (s *Store) RecordStep(ctx context.Context, sr StepResult) error {
	if sr.RunID == "" || sr.StepID == "" {
		return fmt.Errorf("run id and step id are required")
	}

	stderr := sr.Stderr
	if len(stderr) > maxStderrBytes {
		stderr = stderr[:maxStderrBytes]
	}

	id := fmt.Sprintf("%s-%s", sr.RunID, sr.StepID)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO step_results(
  id, run_id, step_id, name, seq, status, exit_code, skip_reason, started_at, completed_at, stderr
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, sr.RunID, sr.StepID, sr.Name, sr.Seq, sr.Status, sr.ExitCode,
		nullableString(sr.SkipReason), formatTimePtr(sr.StartedAt), formatTimePtr(sr.CompletedAt),
		nullableString(stderr))
	if err != nil {
		return fmt.Errorf("record step result: %w", err)
	}
	return nil
}

// Get returns a run by id.
func (s *Store) Get(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?;`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// Steps returns the recorded step results for a run, in execution order.
func (s *Store) Steps(ctx context.Context, runID string) ([]StepResult, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, step_id, name, seq, status, exit_code, skip_reason, started_at, completed_at, stderr
FROM step_results
WHERE run_id = ?
ORDER BY seq ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("list step results: %w", err)
	}
	defer rows.Close()

	var out []StepResult
	for rows.Next() {
		var (
			sr          StepResult
			statusS     string
			exitCode    sql.NullInt64
			skipReason  sql.NullString
			startedAt   sql.NullString
			completedAt sql.NullString
			stderr      sql.NullString
		)
		if err := rows.Scan(&sr.RunID, &sr.StepID, &sr.Name, &sr.Seq, &statusS,
			&exitCode, &skipReason, &startedAt, &completedAt, &stderr); err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		sr.Status = StepStatus(statusS)
		if exitCode.Valid {
			code := int(exitCode.Int64)
			sr.ExitCode = &code
		}
		if skipReason.Valid {
			sr.SkipReason = skipReason.String
		}
		if stderr.Valid {
			sr.Stderr = stderr.String
		}
		sr.StartedAt = parseTimePtr(startedAt)
		sr.CompletedAt = parseTimePtr(completedAt)
		out = append(out, sr)
	}
	return out, rows.Err()
}

// List returns the most recent runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+runColumns+`
FROM runs
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Depth returns the number of queued runs.
func (s *Store) Depth(ctx context.Context) (int, error) {
	var depth int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE status = ?;`, StatusQueued).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

// Prune deletes terminal runs (and their step results) older than retention.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
DELETE FROM step_results
WHERE run_id IN (
  SELECT id FROM runs
  WHERE completed_at IS NOT NULL AND completed_at < ?
);
`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune step results: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
DELETE FROM runs
WHERE completed_at IS NOT NULL AND completed_at < ?;
`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return res.RowsAffected()
}

const runColumns = `id, workflow, fingerprint, event_kind, ref, head_sha, repository, delivery_id,
  target, group_key, cancel_in_progress, status, submitted_by,
  created_at, started_at, completed_at, last_error, superseded_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r            Run
		fingerprint  sql.NullString
		headSHA      sql.NullString
		repository   sql.NullString
		deliveryID   sql.NullString
		cancelInProg int
		statusS      string
		kindS        string
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		lastError    sql.NullString
		supersededBy sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.Workflow, &fingerprint, &kindS, &r.Event.Ref, &headSHA, &repository, &deliveryID,
		&r.Target, &r.GroupKey, &cancelInProg, &statusS, &r.SubmittedBy,
		&createdAtS, &startedAtS, &completedAtS, &lastError, &supersededBy,
	)
	if err != nil {
		return nil, err
	}

	r.Event.Kind = event.Kind(kindS)
	if fingerprint.Valid {
		r.Fingerprint = fingerprint.String
	}
	if headSHA.Valid {
		r.Event.HeadSHA = headSHA.String
	}
	if repository.Valid {
		r.Event.Repository = repository.String
	}
	if deliveryID.Valid {
		r.Event.DeliveryID = deliveryID.String
	}
	r.CancelInProgress = cancelInProg != 0
	r.Status = Status(statusS)
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		r.CreatedAt = t
		r.Event.ReceivedAt = t
	}
	r.StartedAt = parseTimePtr(startedAtS)
	r.CompletedAt = parseTimePtr(completedAtS)
	if lastError.Valid {
		r.LastError = &lastError.String
	}
	if supersededBy.Valid {
		r.SupersededBy = &supersededBy.String
	}
	return &r, nil
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	out := make([]byte, 0, 2*n)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
