// Package registry tracks every in-flight workflow execution in memory. It
// owns the map from execution id to live record, multiplexes completion back
// to callers through one-shot promises, and implements cooperative
// cancellation. Persisting execution rows is delegated to a Repository
// collaborator; admission control stays outside, reading Counts before
// registering new work.
package registry
