package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/zigroninc/loom/internal/model"
)

// Step types understood by the steps runner.
const (
	stepDelay   = "delay"
	stepOutput  = "output"
	stepRespond = "respond"
	stepWait    = "wait"
	stepFail    = "fail"
)

type stepsDefinition struct {
	Steps []stepSpec `json:"steps"`
}

type stepSpec struct {
	Type     string            `json:"type"`
	Duration string            `json:"duration,omitempty"`
	Value    json.RawMessage   `json:"value,omitempty"`
	Status   int               `json:"status,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     json.RawMessage   `json:"body,omitempty"`
	Message  string            `json:"message,omitempty"`
}

// stepsState is the execution data persisted between a wait and its resume.
// Cursor points at the next step to run.
type stepsState struct {
	Cursor    int               `json:"cursor"`
	Outputs   []json.RawMessage `json:"outputs,omitempty"`
	Responded bool              `json:"responded,omitempty"`
}

// StepsRunner interprets a workflow definition as an ordered list of steps.
// Supported steps: delay (in-process pause), output (append a value),
// respond (reply to the triggering caller), wait (park the execution until a
// wake-up time), fail (terminate with an error).
type StepsRunner struct{}

func NewStepsRunner() *StepsRunner {
	return &StepsRunner{}
}

func (r *StepsRunner) Run(ctx context.Context, job Job) (*model.RunResult, error) {
	if job.Workflow == nil || len(job.Workflow.Definition) == 0 {
		return nil, errors.New("workflow has no definition")
	}
	var def stepsDefinition
	if err := json.Unmarshal(job.Workflow.Definition, &def); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}

	var state stepsState
	if len(job.State) > 0 {
		if err := json.Unmarshal(job.State, &state); err != nil {
			return nil, fmt.Errorf("parse resume state: %w", err)
		}
	}
	if state.Cursor == 0 && len(job.Payload) > 0 {
		state.Outputs = append(state.Outputs, job.Payload)
	}

	for ; state.Cursor < len(def.Steps); state.Cursor++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st := def.Steps[state.Cursor]
		switch st.Type {
		case stepDelay:
			d, err := time.ParseDuration(st.Duration)
			if err != nil {
				return nil, fmt.Errorf("step %d: bad delay duration: %w", state.Cursor, err)
			}
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}

		case stepOutput:
			state.Outputs = append(state.Outputs, st.Value)

		case stepRespond:
			if !state.Responded && job.Respond != nil {
				state.Responded = true
				status := st.Status
				if status == 0 {
					status = http.StatusOK
				}
				job.Respond(&model.WebhookResponse{
					StatusCode: status,
					Headers:    st.Headers,
					Body:       st.Body,
				})
			}

		case stepWait:
			d, err := time.ParseDuration(st.Duration)
			if err != nil {
				return nil, fmt.Errorf("step %d: bad wait duration: %w", state.Cursor, err)
			}
			state.Cursor++
			data, err := json.Marshal(state)
			if err != nil {
				return nil, fmt.Errorf("marshal state: %w", err)
			}
			wake := time.Now().UTC().Add(d)
			return &model.RunResult{
				Status:    model.StatusWaiting,
				Data:      data,
				WaitUntil: &wake,
			}, nil

		case stepFail:
			msg := st.Message
			if msg == "" {
				msg = "workflow failed"
			}
			data, err := json.Marshal(state)
			if err != nil {
				return nil, fmt.Errorf("marshal state: %w", err)
			}
			return &model.RunResult{
				Status: model.StatusError,
				Data:   data,
				Error:  msg,
			}, nil

		default:
			return nil, fmt.Errorf("step %d: unknown step type %q", state.Cursor, st.Type)
		}
	}

	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return &model.RunResult{
		Status: model.StatusSuccess,
		Data:   data,
	}, nil
}
