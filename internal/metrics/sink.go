package metrics

import "time"

// Sink records execution-platform metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Registry metrics
	ExecutionRegistered(mode string)
	ExecutionFinalized(status string, duration time.Duration)
	StopRequested()
	ActiveExecutionsUpdate(counts map[string]int)
	OrphansReaped(count int)

	// Admission metrics
	AdmissionWaited(mode string, wait time.Duration)

	// Retention metrics
	ExecutionsPruned(count int64)
}
