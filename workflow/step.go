package workflow

import (
	"context"
	"reflect"
	"runtime"
	"sync"
)

// StepFunc is the signature of a step body: a unit of work whose result is
// recorded once and replayed on every later resumption of the run.
type StepFunc[P any, R any] func(ctx context.Context, input P) (R, error)

// Step wraps a step body as a named, replay-tracked operation. The name,
// together with the serialized input, is the replay-matching key, so it must
// stay stable across deployments of the same workflow code.
type Step[P any, R any] struct {
	name string
	fn   StepFunc[P, R]
}

// StepOption configures a step at declaration time.
type StepOption func(*stepOptions)

type stepOptions struct {
	name string
}

// WithStepName overrides the step's name. By default the fully qualified
// function name of the body is used.
func WithStepName(name string) StepOption {
	return func(o *stepOptions) {
		if o.name == "" {
			o.name = name
		}
	}
}

// NewStep declares a step. The body is not invoked here.
func NewStep[P any, R any](fn StepFunc[P, R], opts ...StepOption) *Step[P, R] {
	if fn == nil {
		panic("step function cannot be nil")
	}
	options := stepOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.name == "" {
		options.name = runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()
	}
	return &Step[P, R]{name: options.name, fn: fn}
}

// Name returns the step's replay identity.
func (s *Step[P, R]) Name() string {
	return s.name
}

// Invoke runs the step and blocks until its result is available.
//
// Outside a workflow the wrapper is a plain passthrough: the body runs
// inline and its result or error is returned as-is. Inside a workflow the
// body is never run by the caller; the call registers a suspension with the
// run's execution context and awaits its future, which is resolved either
// from the event log or by a fresh execution.
func (s *Step[P, R]) Invoke(ctx context.Context, input P) (R, error) {
	c, ok := executionContextFrom(ctx)
	if !ok {
		return s.fn(ctx, input)
	}
	f, err := s.issue(c, input)
	if err != nil {
		var zero R
		return zero, err
	}
	return f.Get(ctx)
}

// Start issues the step without waiting for it. Several steps started
// back-to-back form one batch: none of them is dispatched until the caller
// awaits one of the returned futures, and the whole batch is then processed
// by a single resumption pass.
//
// Outside a workflow the body runs inline and the returned future is
// already settled.
func (s *Step[P, R]) Start(ctx context.Context, input P) (*Future[R], error) {
	c, ok := executionContextFrom(ctx)
	if !ok {
		result, err := s.fn(ctx, input)
		return settledFuture(result, err), nil
	}
	return s.issue(c, input)
}

func (s *Step[P, R]) issue(c *executionContext, input P) (*Future[R], error) {
	argsJSON, err := newJSONSerializer[P]().Encode(input)
	if err != nil {
		return nil, newStepExecutionError(c.runID, s.name, err)
	}
	run := func(ctx context.Context) (string, error) {
		result, err := s.fn(ctx, input)
		if err != nil {
			return "", err
		}
		return newJSONSerializer[R]().Encode(result)
	}
	susp, err := c.runStep(s.name, argsJSON, run)
	if err != nil {
		return nil, err
	}
	return &Future[R]{ec: c, susp: susp}, nil
}

// Future is the caller-facing handle to a pending step result.
type Future[R any] struct {
	ec   *executionContext
	susp *suspension

	mu     sync.Mutex
	done   bool
	result R
	err    error
}

func settledFuture[R any](result R, err error) *Future[R] {
	return &Future[R]{done: true, result: result, err: err}
}

// Get blocks until the step settles and returns its decoded result. The
// first Get after a burst of step calls is the batch's suspension point: it
// triggers the resumption pass that replays or dispatches every step issued
// in that burst. Get may be called more than once; later calls return the
// cached outcome.
func (f *Future[R]) Get(ctx context.Context) (R, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return f.result, f.err
	}

	f.ec.resume()

	select {
	case outcome := <-f.susp.outcome:
		if outcome.err != nil {
			f.err = outcome.err
		} else {
			f.result, f.err = newJSONSerializer[R]().Decode(outcome.resultJSON)
		}
		f.done = true
		return f.result, f.err
	case <-ctx.Done():
		var zero R
		return zero, context.Cause(ctx)
	}
}
