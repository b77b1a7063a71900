package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zigroninc/loom/internal/model"
	"github.com/zigroninc/loom/internal/registry"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
    id          TEXT PRIMARY KEY,
    workflow_id TEXT NOT NULL,
    status      TEXT NOT NULL,
    mode        TEXT NOT NULL,
    finished    INTEGER NOT NULL DEFAULT 0,
    retry_of    TEXT,
    data        BLOB,
    error       TEXT,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    stopped_at  DATETIME,
    wait_until  DATETIME
);
CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions (workflow_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions (status);

CREATE TABLE IF NOT EXISTS workflows (
    id         TEXT PRIMARY KEY,
    project_id TEXT,
    name       TEXT NOT NULL,
    kind       TEXT NOT NULL,
    active     INTEGER NOT NULL DEFAULT 0,
    definition BLOB,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    type       TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);`

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("row not found")

// Compile-time interface satisfaction checks.
var (
	_ Store               = (*SQLiteStore)(nil)
	_ registry.Repository = (*SQLiteStore)(nil)
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const executionColumns = `id, workflow_id, status, mode, finished, retry_of,
	data, error, created_at, started_at, stopped_at, wait_until`

func scanExecution(row interface{ Scan(...any) error }) (*model.Execution, error) {
	e := &model.Execution{}
	var data []byte
	err := row.Scan(
		&e.ID, &e.WorkflowID, &e.Status, &e.Mode, &e.Finished, &e.RetryOf,
		&data, &e.Error, &e.CreatedAt, &e.StartedAt, &e.StoppedAt, &e.WaitUntil,
	)
	if err != nil {
		return nil, err
	}
	e.Data = data
	return e, nil
}

// CreateNewExecution inserts a new execution row, assigning an id when the
// caller left it empty, and returns the id.
func (s *SQLiteStore) CreateNewExecution(ctx context.Context, e *model.Execution) (string, error) {
	if e.ID == "" {
		e.ID = model.NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WorkflowID, e.Status, e.Mode, e.Finished, e.RetryOf,
		e.Data, e.Error, e.CreatedAt, e.StartedAt, e.StoppedAt, e.WaitUntil,
	)
	if err != nil {
		return "", fmt.Errorf("insert execution: %w", err)
	}
	return e.ID, nil
}

// UpdateExistingExecution applies the non-nil fields of upd to the row for id.
func (s *SQLiteStore) UpdateExistingExecution(ctx context.Context, id string, upd model.ExecutionUpdate) error {
	sets := make([]string, 0, 7)
	args := make([]any, 0, 8)
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.Finished != nil {
		sets = append(sets, "finished = ?")
		args = append(args, *upd.Finished)
	}
	if upd.Data != nil {
		sets = append(sets, "data = ?")
		args = append(args, upd.Data)
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *upd.Error)
	}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *upd.StartedAt)
	}
	if upd.StoppedAt != nil {
		sets = append(sets, "stopped_at = ?")
		args = append(args, *upd.StoppedAt)
	}
	switch {
	case upd.WaitUntil != nil:
		sets = append(sets, "wait_until = ?")
		args = append(args, *upd.WaitUntil)
	case upd.ClearWait:
		sets = append(sets, "wait_until = NULL")
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	result, err := s.db.ExecContext(ctx,
		"UPDATE executions SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns a filtered, paginated list ordered by created_at
// DESC, along with the total count matching the filter.
func (s *SQLiteStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*model.Execution, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	var where []string
	var args []any
	if f.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions`+clause+
			` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate executions: %w", err)
	}

	return execs, total, nil
}

// DeleteExecution removes a single execution row.
func (s *SQLiteStore) DeleteExecution(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM executions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFinishedExecutions removes finished rows stopped before the cutoff
// and reports how many were deleted.
func (s *SQLiteStore) DeleteFinishedExecutions(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM executions WHERE finished = 1 AND stopped_at IS NOT NULL AND stopped_at < ?",
		before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete finished executions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}

// ListDueWaiting returns waiting executions whose wake-up time has passed,
// soonest first. The cutoff comparison happens in Go: the driver's text
// timestamp encoding is not lexicographically ordered at sub-second
// precision.
func (s *SQLiteStore) ListDueWaiting(ctx context.Context, now time.Time, limit int) ([]*model.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions
		WHERE status = ? AND wait_until IS NOT NULL`, model.StatusWaiting)
	if err != nil {
		return nil, fmt.Errorf("list waiting executions: %w", err)
	}
	defer rows.Close()

	var due []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if e.WaitUntil != nil && !e.WaitUntil.After(now) {
			due = append(due, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate waiting executions: %w", err)
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].WaitUntil.Before(*due[j].WaitUntil)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// GetExecutionStats returns aggregate counts and the average duration of
// finished executions.
func (s *SQLiteStore) GetExecutionStats(ctx context.Context) (*ExecutionStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &ExecutionStats{
		CountByStatus: make(map[string]int),
		CountByMode:   make(map[string]int),
	}

	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count executions: %w", err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM executions GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	modeRows, err := tx.QueryContext(ctx, "SELECT mode, COUNT(*) FROM executions GROUP BY mode")
	if err != nil {
		return nil, fmt.Errorf("count by mode: %w", err)
	}
	defer modeRows.Close()
	for modeRows.Next() {
		var mode string
		var n int
		if err := modeRows.Scan(&mode, &n); err != nil {
			return nil, fmt.Errorf("scan mode count: %w", err)
		}
		stats.CountByMode[mode] = n
	}
	if err := modeRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mode counts: %w", err)
	}

	durRows, err := tx.QueryContext(ctx,
		`SELECT started_at, stopped_at FROM executions
		WHERE finished = 1 AND started_at IS NOT NULL AND stopped_at IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("query durations: %w", err)
	}
	defer durRows.Close()
	var sum time.Duration
	var finished int
	for durRows.Next() {
		var started, stopped time.Time
		if err := durRows.Scan(&started, &stopped); err != nil {
			return nil, fmt.Errorf("scan duration: %w", err)
		}
		sum += stopped.Sub(started)
		finished++
	}
	if err := durRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate durations: %w", err)
	}
	if finished > 0 {
		stats.AvgDurationMS = float64(sum.Milliseconds()) / float64(finished)
	}

	return stats, nil
}

// CreateWorkflow inserts a new workflow.
func (s *SQLiteStore) CreateWorkflow(ctx context.Context, wf *model.Workflow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, project_id, name, kind, active, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.ProjectID, wf.Name, wf.Kind, wf.Active, wf.Definition, wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

func scanWorkflow(row interface{ Scan(...any) error }) (*model.Workflow, error) {
	wf := &model.Workflow{}
	var def []byte
	err := row.Scan(&wf.ID, &wf.ProjectID, &wf.Name, &wf.Kind, &wf.Active, &def, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wf.Definition = def
	return wf, nil
}

// GetWorkflow retrieves a workflow by ID.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, kind, active, definition, created_at, updated_at
		FROM workflows WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns a paginated list of workflows ordered by created_at
// DESC, along with the total count.
func (s *SQLiteStore) ListWorkflows(ctx context.Context, limit, offset int) ([]*model.Workflow, int, error) {
	if limit <= 0 {
		limit = 50
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflows").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workflows: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, project_id, name, kind, active, definition, created_at, updated_at
		FROM workflows ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var wfs []*model.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan workflow: %w", err)
		}
		wfs = append(wfs, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate workflows: %w", err)
	}

	return wfs, total, nil
}

// UpdateWorkflow rewrites the mutable fields of a workflow.
func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, wf *model.Workflow) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET project_id = ?, name = ?, kind = ?, active = ?, definition = ?, updated_at = ?
		WHERE id = ?`,
		wf.ProjectID, wf.Name, wf.Kind, wf.Active, wf.Definition, wf.UpdatedAt, wf.ID,
	)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWorkflow removes a workflow.
func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM workflows WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateProject inserts a new project.
func (s *SQLiteStore) CreateProject(ctx context.Context, p *model.Project) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO projects (id, name, type, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		p.ID, p.Name, p.Type, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	p := &model.Project{}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, type, created_at, updated_at FROM projects WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &p.Type, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// ListProjects returns all projects ordered by creation time.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*model.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, type, created_at, updated_at FROM projects ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*model.Project
	for rows.Next() {
		p := &model.Project{}
		if err := rows.Scan(&p.ID, &p.Name, &p.Type, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}

	return projects, nil
}

// UpdateProject rewrites the mutable fields of a project.
func (s *SQLiteStore) UpdateProject(ctx context.Context, p *model.Project) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE projects SET name = ?, type = ?, updated_at = ? WHERE id = ?",
		p.Name, p.Type, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProject removes a project.
func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSetting returns the value stored under key.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// PutSetting stores value under key, replacing any previous value.
func (s *SQLiteStore) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("put setting: %w", err)
	}
	return nil
}
