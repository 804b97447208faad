package workflow

import (
	"context"
	"log/slog"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// WorkflowFunc is the signature of a workflow entrypoint. The body must be
// deterministic: the same input must issue the same steps, with the same
// serialized arguments, in the same order, on every resumption. Wall-clock
// reads, random values, and goroutine-ordered step issuance all break
// replay and are detected only as far as the mismatch they eventually cause.
type WorkflowFunc[P any, R any] func(ctx context.Context, input P) (R, error)

// Workflow wraps an entrypoint function as a named workflow definition. It
// holds no execution state; many runs may reference the same workflow.
type Workflow[P any, R any] struct {
	name string
	fn   WorkflowFunc[P, R]
}

// WorkflowOption configures a workflow at declaration time.
type WorkflowOption func(*workflowOptions)

type workflowOptions struct {
	name string
}

// WithWorkflowName overrides the workflow's name. By default the fully
// qualified function name of the entrypoint is used.
func WithWorkflowName(name string) WorkflowOption {
	return func(o *workflowOptions) {
		if o.name == "" {
			o.name = name
		}
	}
}

// New declares a workflow from an entrypoint function.
func New[P any, R any](fn WorkflowFunc[P, R], opts ...WorkflowOption) *Workflow[P, R] {
	if fn == nil {
		panic("workflow function cannot be nil")
	}
	options := workflowOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.name == "" {
		options.name = runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()
	}
	return &Workflow[P, R]{name: options.name, fn: fn}
}

// Name returns the workflow's stable identity.
func (w *Workflow[P, R]) Name() string {
	return w.name
}

// RunStatus is the observable state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

type runOutcome[R any] struct {
	result R
	err    error
}

// Run represents one in-process execution attempt of a workflow.
type Run[R any] struct {
	runID        string
	workflowName string
	ec           *executionContext
	cancel       context.CancelCauseFunc
	outcomeChan  chan runOutcome[R]
	status       atomic.Value // RunStatus

	mu     sync.Mutex
	done   bool
	result R
	err    error
}

// RunID returns the run's unique identifier.
func (r *Run[R]) RunID() string {
	return r.runID
}

// WorkflowName returns the name of the workflow this run executes.
func (r *Run[R]) WorkflowName() string {
	return r.workflowName
}

// Status reports the run's current state without waiting.
func (r *Run[R]) Status() RunStatus {
	return r.status.Load().(RunStatus)
}

// GetResult blocks until the run settles, then returns the workflow's
// return value or propagates its error.
func (r *Run[R]) GetResult(ctx context.Context) (R, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return r.result, r.err
	}
	select {
	case outcome := <-r.outcomeChan:
		r.result, r.err = outcome.result, outcome.err
		r.done = true
		return r.result, r.err
	case <-ctx.Done():
		var zero R
		return zero, context.Cause(ctx)
	}
}

// EventLog returns a copy of the events the run has recorded so far. A
// later resumption seeded with this log replays every completed step
// instead of re-executing it.
func (r *Run[R]) EventLog() []WorkflowEvent {
	return r.ec.eventLog()
}

// Cancel cancels the run's underlying computation and fails all of its
// outstanding step futures. Cancelled steps never append events.
func (r *Run[R]) Cancel() {
	r.cancel(newRunCancelledError(r.runID, nil))
}

// RunOption configures a single run.
type RunOption func(*runOptions)

type runOptions struct {
	runID   string
	events  []WorkflowEvent
	logger  *slog.Logger
	onEvent func(ctx context.Context, ev WorkflowEvent, outstanding int)
	wg      *sync.WaitGroup
}

// WithRunID sets the run identifier instead of generating one.
func WithRunID(id string) RunOption {
	return func(o *runOptions) {
		o.runID = id
	}
}

// WithEventLog seeds the run with a previously captured event log, turning
// this execution into a resumption: recorded steps are replayed, not re-run.
func WithEventLog(events []WorkflowEvent) RunOption {
	return func(o *runOptions) {
		o.events = events
	}
}

// WithRunLogger sets the logger for this run.
func WithRunLogger(logger *slog.Logger) RunOption {
	return func(o *runOptions) {
		o.logger = logger
	}
}

// withEventSink registers an observer for freshly appended events. The
// runtime uses it to persist events and to enqueue follow-up deliveries.
func withEventSink(fn func(ctx context.Context, ev WorkflowEvent, outstanding int)) RunOption {
	return func(o *runOptions) {
		o.onEvent = fn
	}
}

// withWaitGroup tracks the run's goroutine in the runtime's wait group.
func withWaitGroup(wg *sync.WaitGroup) RunOption {
	return func(o *runOptions) {
		o.wg = wg
	}
}

// StartRun starts one execution attempt of a workflow. It establishes a
// fresh execution context for the run, begins executing the body on its own
// goroutine, and returns immediately with a handle.
func StartRun[P any, R any](ctx context.Context, wf *Workflow[P, R], input P, opts ...RunOption) (*Run[R], error) {
	if wf == nil {
		return nil, newInitializationError("workflow cannot be nil")
	}
	options := runOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	runID := options.runID
	if runID == "" {
		runID = uuid.NewString()
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	ec := newExecutionContext(wf.name, runID, options.events, options.logger)
	ec.runCtx = runCtx
	ec.onEvent = options.onEvent
	ec.wg = options.wg
	bodyCtx := withExecutionContext(runCtx, ec)

	// Cancelling the run must cancel every outstanding suspension rather
	// than leave them dangling.
	stop := context.AfterFunc(runCtx, func() {
		ec.cancelAll(context.Cause(runCtx))
	})

	r := &Run[R]{
		runID:        runID,
		workflowName: wf.name,
		ec:           ec,
		cancel:       cancel,
		outcomeChan:  make(chan runOutcome[R], 1),
	}
	r.status.Store(RunStatusRunning)

	if options.wg != nil {
		options.wg.Add(1)
	}
	go func() {
		if options.wg != nil {
			defer options.wg.Done()
		}
		result, err := wf.fn(bodyCtx, input)
		stop()
		if err != nil {
			r.status.Store(RunStatusFailed)
		} else {
			r.status.Store(RunStatusCompleted)
		}
		r.outcomeChan <- runOutcome[R]{result: result, err: err}
	}()

	return r, nil
}
