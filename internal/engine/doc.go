// Package engine provides the asynchronous workflow execution engine.
// It owns the execution lifecycle end to end: admission through the
// concurrency controller, registration in the active registry, running the
// workflow's runner, parking and resuming waiting executions, cooperative
// cancellation, and persisting every transition to the store.
package engine
