package registry

import (
	"context"
	"sync"

	"github.com/zigroninc/loom/internal/model"
)

// Promise is a one-shot broadcast cell. The first Resolve or Reject settles
// it and wakes every waiter, current and future; later settlement calls are
// no-ops. Construct with NewPromise; the zero value has no done channel.
type Promise[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// RunPromise carries the final result of one execution. A nil result is a
// valid clean-but-dataless completion.
type RunPromise = Promise[*model.RunResult]

// ResponsePromise carries the HTTP reply an execution produces for the
// external caller that triggered it.
type ResponsePromise = Promise[*model.WebhookResponse]

// NewPromise creates an unsettled promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// NewResponsePromise creates an unsettled response promise.
func NewResponsePromise() *ResponsePromise {
	return NewPromise[*model.WebhookResponse]()
}

// Resolve settles the promise with v. It is a no-op if already settled.
func (p *Promise[T]) Resolve(v T) {
	p.once.Do(func() {
		p.value = v
		close(p.done)
	})
}

// Reject settles the promise with err. It is a no-op if already settled.
func (p *Promise[T]) Reject(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Wait blocks until the promise settles or ctx ends. Every waiter observes
// the same value or error.
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done returns a channel that is closed once the promise settles.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}
