package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zigroninc/loom/internal/metrics"
	"github.com/zigroninc/loom/internal/model"
)

// ErrNotFound is returned when no live record matches a requested execution id.
var ErrNotFound = errors.New("active execution not found")

// ErrNoResponsePromise is returned by ResolveResponsePromise when the target
// execution has no response promise attached.
var ErrNoResponsePromise = errors.New("no response promise attached")

// CanceledError reports that an execution was stopped before it completed.
// It is distinct from lookup and run failures so callers can branch on it,
// e.g. to avoid reporting cancellations as crashes.
type CanceledError struct {
	ExecutionID string
}

func (e *CanceledError) Error() string {
	return fmt.Sprintf("execution %s was canceled", e.ExecutionID)
}

// IsCanceled reports whether err is, or wraps, an execution cancellation.
func IsCanceled(err error) bool {
	var ce *CanceledError
	return errors.As(err, &ce)
}

// Repository persists execution rows on behalf of the registry.
type Repository interface {
	// CreateNewExecution inserts a row for exec and returns the assigned id.
	CreateNewExecution(ctx context.Context, exec *model.Execution) (string, error)
	// UpdateExistingExecution applies a partial update to the row for id.
	UpdateExistingExecution(ctx context.Context, id string, upd model.ExecutionUpdate) error
}

// CancelableRun is a handle to an in-progress unit of work. Cancel requests
// teardown; it does not block until the work actually stops.
type CancelableRun interface {
	Cancel()
}

// CancelFunc adapts a plain function to CancelableRun.
type CancelFunc func()

func (f CancelFunc) Cancel() { f() }

// StartData is the registration payload for one execution.
type StartData struct {
	WorkflowID string
	Mode       model.ExecutionMode
	RetryOf    string
	Payload    json.RawMessage
}

// Summary is a point-in-time view of one live execution.
type Summary struct {
	ID         string                `json:"id"`
	WorkflowID string                `json:"workflow_id"`
	Mode       model.ExecutionMode   `json:"mode"`
	Status     model.ExecutionStatus `json:"status"`
	RetryOf    string                `json:"retry_of,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
}

// record is the live entry for one in-flight execution.
type record struct {
	workflowID  string
	mode        model.ExecutionMode
	status      model.ExecutionStatus
	retryOf     string
	startedAt   time.Time
	run         CancelableRun
	postExecute *RunPromise
	response    *ResponsePromise
	// stoppedAt is zero until Stop is first called; ReapOrphans uses it to
	// find records whose cancellation never produced a completion event.
	stoppedAt time.Time
}

func (rec *record) summary(id string) Summary {
	return Summary{
		ID:         id,
		WorkflowID: rec.workflowID,
		Mode:       rec.mode,
		Status:     rec.status,
		RetryOf:    rec.retryOf,
		StartedAt:  rec.startedAt,
	}
}

// Registry tracks every in-flight execution and owns its completion and
// response promises. All access to the live map goes through one mutex; no
// method suspends while holding it.
type Registry struct {
	repo   Repository
	sink   metrics.Sink
	logger *slog.Logger

	mu      sync.Mutex
	records map[string]*record
}

// New creates a Registry. sink may be nil, in which case no metrics are recorded.
func New(repo Repository, sink metrics.Sink, logger *slog.Logger) *Registry {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Registry{
		repo:    repo,
		sink:    sink,
		logger:  logger,
		records: make(map[string]*record),
	}
}

func notFoundErr(id string) error {
	return fmt.Errorf("execution %s: %w", id, ErrNotFound)
}

// Add persists and registers an execution, returning its id. With an empty
// existingID a new row is created and the repository assigns the id. With a
// non-empty existingID the persisted row is updated and the registration is
// merged onto any live record for that id: a resumed execution keeps its
// original start time and any response promise attached while it was
// waiting. Nothing is registered when persistence fails.
func (r *Registry) Add(ctx context.Context, data StartData, existingID string) (string, error) {
	id := existingID
	if id == "" {
		exec := &model.Execution{
			WorkflowID: data.WorkflowID,
			Status:     model.StatusNew,
			Mode:       data.Mode,
			RetryOf:    data.RetryOf,
			Data:       data.Payload,
			CreatedAt:  time.Now().UTC(),
		}
		created, err := r.repo.CreateNewExecution(ctx, exec)
		if err != nil {
			return "", fmt.Errorf("create execution: %w", err)
		}
		id = created
	} else {
		status := model.StatusRunning
		upd := model.ExecutionUpdate{
			Status:    &status,
			Data:      data.Payload,
			ClearWait: true,
		}
		if err := r.repo.UpdateExistingExecution(ctx, id, upd); err != nil {
			return "", fmt.Errorf("update execution %s: %w", id, err)
		}
	}

	r.mu.Lock()
	rec, ok := r.records[id]
	if ok {
		// Merge: the latest registration's fields win, but the original
		// start time and any attached response promise survive the
		// waiting-to-running transition.
		rec.workflowID = data.WorkflowID
		rec.mode = data.Mode
		rec.retryOf = data.RetryOf
		rec.status = model.StatusRunning
		rec.postExecute = NewPromise[*model.RunResult]()
		rec.run = nil
		rec.stoppedAt = time.Time{}
	} else {
		r.records[id] = &record{
			workflowID:  data.WorkflowID,
			mode:        data.Mode,
			retryOf:     data.RetryOf,
			status:      model.StatusRunning,
			startedAt:   time.Now().UTC(),
			postExecute: NewPromise[*model.RunResult](),
		}
	}
	counts := r.countsLocked()
	r.mu.Unlock()

	r.logger.Debug("execution registered", "execution_id", id, "mode", data.Mode, "resumed", existingID != "")
	r.sink.ExecutionRegistered(string(data.Mode))
	r.sink.ActiveExecutionsUpdate(counts)
	return id, nil
}

// AttachWorkflowExecution stores the cancelable handle for a live execution.
// Calling it again overwrites the previous handle.
func (r *Registry) AttachWorkflowExecution(id string, run CancelableRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return notFoundErr(id)
	}
	rec.run = run
	return nil
}

// AttachResponsePromise stores the promise a caller is awaiting an external
// response on. A later ResolveResponsePromise or cancellation targets
// exactly this promise.
func (r *Registry) AttachResponsePromise(id string, p *ResponsePromise) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return notFoundErr(id)
	}
	rec.response = p
	return nil
}

// ResolveResponsePromise resolves the attached response promise with resp.
// It fails when the execution is unknown or has no response promise
// attached, since either indicates a protocol violation by the caller.
func (r *Registry) ResolveResponsePromise(id string, resp *model.WebhookResponse) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return notFoundErr(id)
	}
	p := rec.response
	r.mu.Unlock()

	if p == nil {
		return fmt.Errorf("execution %s: %w", id, ErrNoResponsePromise)
	}
	p.Resolve(resp)
	return nil
}

// SetStatus records the caller-provided status on the live record.
func (r *Registry) SetStatus(id string, status model.ExecutionStatus) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return notFoundErr(id)
	}
	rec.status = status
	counts := r.countsLocked()
	r.mu.Unlock()

	r.sink.ActiveExecutionsUpdate(counts)
	return nil
}

// GetStatus returns the status of a live execution, or StatusUnknown when
// the id is not registered. Absence is not an error.
func (r *Registry) GetStatus(id string) model.ExecutionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return model.StatusUnknown
	}
	return rec.status
}

// Get returns a snapshot of the live record for id, or ErrNotFound.
func (r *Registry) Get(id string) (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Summary{}, notFoundErr(id)
	}
	return rec.summary(id), nil
}

// PostExecutePromise returns the completion promise for a live execution.
// Any number of callers may wait on it; all observe the same settlement.
func (r *Registry) PostExecutePromise(id string) (*RunPromise, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, notFoundErr(id)
	}
	return rec.postExecute, nil
}

// Finalize settles an execution with its final result. Unknown ids are
// ignored so late or duplicate completion events from cancellation races are
// harmless. A waiting record is left untouched: the execution is parked and
// a future run will finalize it for real. Otherwise the record is removed
// and its post-execute promise resolved with result (nil meaning a clean
// completion with no data); removal and resolution happen under the lock so
// List reflects the reduced set by the time any waiter wakes.
func (r *Registry) Finalize(id string, result *model.RunResult) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if rec.status.ExemptFromRemoval() {
		r.mu.Unlock()
		r.logger.Debug("execution parked, finalize deferred", "execution_id", id)
		return
	}
	delete(r.records, id)
	rec.postExecute.Resolve(result)
	status := rec.status
	if result != nil {
		status = result.Status
	}
	duration := time.Since(rec.startedAt)
	counts := r.countsLocked()
	r.mu.Unlock()

	r.logger.Debug("execution finalized", "execution_id", id, "status", status, "duration_ms", duration.Milliseconds())
	r.sink.ExecutionFinalized(string(status), duration)
	r.sink.ActiveExecutionsUpdate(counts)
}

// Stop requests cooperative cancellation of a live execution. Unknown ids
// are treated as already stopped. An attached response promise is rejected
// with a CanceledError. Unless the execution is waiting (no active unit of
// work to abort), the cancelable handle is invoked and the post-execute
// promise is rejected as well. The record itself stays in the map until the
// canceled run unwinds into a Finalize call; ReapOrphans collects it if that
// call never arrives.
func (r *Registry) Stop(id string) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if rec.stoppedAt.IsZero() {
		rec.stoppedAt = time.Now().UTC()
	}
	response := rec.response
	run := rec.run
	post := rec.postExecute
	waiting := rec.status == model.StatusWaiting
	r.mu.Unlock()

	cancelErr := &CanceledError{ExecutionID: id}
	if response != nil {
		response.Reject(cancelErr)
	}
	if !waiting {
		if run != nil {
			run.Cancel()
		}
		post.Reject(cancelErr)
	}

	r.logger.Debug("stop requested", "execution_id", id, "waiting", waiting)
	r.sink.StopRequested()
}

// List returns a snapshot of every live execution, regardless of status,
// ordered by start time.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	out := make([]Summary, 0, len(r.records))
	for id, rec := range r.records {
		out = append(out, rec.summary(id))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Counts returns how many live executions are in each status. The admission
// controller and the stats endpoint read it; the returned map is a copy.
func (r *Registry) Counts() map[model.ExecutionStatus]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[model.ExecutionStatus]int, len(r.records))
	for _, rec := range r.records {
		out[rec.status]++
	}
	return out
}

// countsLocked builds the string-keyed counts map for the metrics sink.
// Callers must hold r.mu.
func (r *Registry) countsLocked() map[string]int {
	out := make(map[string]int, len(r.records))
	for _, rec := range r.records {
		out[string(rec.status)]++
	}
	return out
}

// remove drops a record outside the normal finalize path, rejecting its post
// promise so no waiter is left hanging.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.records, id)
	counts := r.countsLocked()
	r.mu.Unlock()

	rec.postExecute.Reject(&CanceledError{ExecutionID: id})
	r.sink.ActiveExecutionsUpdate(counts)
}

// ReapOrphans removes records whose cancellation was requested at least
// olderThan ago and that never produced a completion event. Returns the
// removed ids.
func (r *Registry) ReapOrphans(olderThan time.Duration) []string {
	cutoff := time.Now().UTC().Add(-olderThan)

	r.mu.Lock()
	var stale []string
	for id, rec := range r.records {
		if !rec.stoppedAt.IsZero() && !rec.stoppedAt.After(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.remove(id)
	}
	if len(stale) > 0 {
		r.logger.Warn("reaped orphaned executions", "count", len(stale), "execution_ids", stale)
		r.sink.OrphansReaped(len(stale))
	}
	return stale
}

// Shutdown unwinds the registry for process exit. Executions awaiting an
// external response are stopped (all of them when cancelAll is set), and
// new or waiting records are dropped immediately since nothing will finish
// them while shutting down. It then blocks until every remaining execution
// finalizes or ctx ends.
func (r *Registry) Shutdown(ctx context.Context, cancelAll bool) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.mu.Lock()
		rec, ok := r.records[id]
		if !ok {
			r.mu.Unlock()
			continue
		}
		hasResponse := rec.response != nil
		status := rec.status
		r.mu.Unlock()

		if cancelAll || hasResponse {
			r.Stop(id)
		}
		if status == model.StatusNew || status == model.StatusWaiting {
			r.remove(id)
		}
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		r.mu.Lock()
		n := len(r.records)
		r.mu.Unlock()
		if n == 0 {
			return nil
		}
		r.logger.Info("waiting for executions to finish", "count", n)
		select {
		case <-ctx.Done():
			return fmt.Errorf("shutdown interrupted with %d executions still active", n)
		case <-ticker.C:
		}
	}
}
