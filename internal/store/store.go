package store

import (
	"context"
	"time"

	"github.com/zigroninc/loom/internal/model"
)

// ExecutionFilter narrows and pages execution listings.
type ExecutionFilter struct {
	WorkflowID string
	Status     model.ExecutionStatus
	Limit      int
	Offset     int
}

// ExecutionStats holds aggregate execution statistics.
type ExecutionStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByMode   map[string]int `json:"count_by_mode"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for the platform.
type Store interface {
	// Executions
	CreateNewExecution(ctx context.Context, exec *model.Execution) (string, error)
	UpdateExistingExecution(ctx context.Context, id string, upd model.ExecutionUpdate) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*model.Execution, int, error)
	DeleteExecution(ctx context.Context, id string) error
	DeleteFinishedExecutions(ctx context.Context, before time.Time) (int64, error)
	ListDueWaiting(ctx context.Context, now time.Time, limit int) ([]*model.Execution, error)
	GetExecutionStats(ctx context.Context) (*ExecutionStats, error)

	// Workflows
	CreateWorkflow(ctx context.Context, wf *model.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*model.Workflow, error)
	ListWorkflows(ctx context.Context, limit, offset int) ([]*model.Workflow, int, error)
	UpdateWorkflow(ctx context.Context, wf *model.Workflow) error
	DeleteWorkflow(ctx context.Context, id string) error

	// Projects
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjects(ctx context.Context) ([]*model.Project, error)
	UpdateProject(ctx context.Context, p *model.Project) error
	DeleteProject(ctx context.Context, id string) error

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error

	Close() error
}
