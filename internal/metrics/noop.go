package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) ExecutionRegistered(mode string)                          {}
func (n *NoopSink) ExecutionFinalized(status string, duration time.Duration) {}
func (n *NoopSink) StopRequested()                                           {}
func (n *NoopSink) ActiveExecutionsUpdate(counts map[string]int)             {}
func (n *NoopSink) OrphansReaped(count int)                                  {}
func (n *NoopSink) AdmissionWaited(mode string, wait time.Duration)          {}
func (n *NoopSink) ExecutionsPruned(count int64)                             {}
