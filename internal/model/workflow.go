package model

import (
	"encoding/json"
	"time"
)

// Workflow kind constants name the runner that interprets a workflow's
// definition.
const (
	KindSteps = "steps"
	KindNoop  = "noop"
)

// Workflow is a stored automation definition.
type Workflow struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"project_id,omitempty"`
	Name       string          `json:"name"`
	Kind       string          `json:"kind"`
	Active     bool            `json:"active"`
	Definition json.RawMessage `json:"definition,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
