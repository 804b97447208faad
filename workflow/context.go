package workflow

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
)

// WorkflowEvent is an immutable record of one successfully completed step.
// Events are appended in the order steps were first issued during the
// original execution; replay consumes them in that same order.
//
// ULID is, despite the name inherited from the wire format, a per-run
// strictly increasing sequence number formatted as a string. It is the join
// key between the event log and live suspensions, nothing more.
type WorkflowEvent struct {
	ULID       string `json:"ulid"`
	Name       string `json:"name"`
	ArgsJSON   string `json:"args_json"`
	ResultJSON string `json:"result_json"`
}

// stepOutcome is what a suspension's future eventually carries: the encoded
// step result, or the error the step body (or the engine) failed with.
type stepOutcome struct {
	resultJSON string
	err        error
}

// suspension is the in-memory placeholder for one outstanding step
// invocation during the current resumption. It is never persisted; its
// lifetime ends with the resumption that created it.
type suspension struct {
	seq      string
	stepName string
	argsJSON string

	// run executes the step body and returns the encoded result.
	run func(ctx context.Context) (string, error)

	mu      sync.Mutex
	settled bool
	outcome chan stepOutcome // buffered, written exactly once
}

// trySettle marks the suspension resolved. It returns false if the
// suspension was already settled; the caller then owns nothing and must not
// deliver an outcome or log an event.
func (s *suspension) trySettle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settled {
		return false
	}
	s.settled = true
	return true
}

func (s *suspension) deliver(o stepOutcome) {
	s.outcome <- o
}

// resolve settles the suspension with the given outcome. Resolving twice is
// a logic error in the engine and is reported rather than tolerated.
func (s *suspension) resolve(runID string, o stepOutcome) error {
	if !s.trySettle() {
		return newSuspensionConflictError(runID, s.stepName, s.seq)
	}
	s.deliver(o)
	return nil
}

// executionContext orchestrates one resumption of one workflow run. It owns
// the event log, the replay cursor, and the registry of outstanding
// suspensions. Step executions run on their own goroutines, so unlike the
// single-threaded model this design descends from, all internal state is
// guarded by a mutex.
type executionContext struct {
	workflowName string
	runID        string
	logger       *slog.Logger

	// runCtx is the run's context; step executions inherit from it and
	// cancellation fans out through it.
	runCtx context.Context

	// onEvent, when set, observes every appended event after the append. The
	// runtime uses it to persist events and enqueue follow-up work.
	onEvent func(ctx context.Context, ev WorkflowEvent, outstanding int)

	// wg, when set, tracks step-execution goroutines in addition to the run's
	// own goroutine, so shutdown waits for steps the body never awaited.
	wg *sync.WaitGroup

	mu            sync.Mutex
	nextSeq       int
	suspensions   map[string]*suspension
	inflight      map[string]*suspension
	resumePending bool
	log           []WorkflowEvent
	cursor        int
	fatal         error
}

func newExecutionContext(workflowName, runID string, seed []WorkflowEvent, logger *slog.Logger) *executionContext {
	log := make([]WorkflowEvent, len(seed))
	copy(log, seed)
	return &executionContext{
		workflowName: workflowName,
		runID:        runID,
		logger:       logger,
		suspensions:  make(map[string]*suspension),
		inflight:     make(map[string]*suspension),
		log:          log,
	}
}

type executionContextKeyType struct{}

var executionContextKey executionContextKeyType

// executionContextFrom reports whether ctx carries a live execution context.
// Absence means the caller is outside any workflow and steps run inline.
func executionContextFrom(ctx context.Context) (*executionContext, bool) {
	c, ok := ctx.Value(executionContextKey).(*executionContext)
	return c, ok && c != nil
}

func withExecutionContext(ctx context.Context, c *executionContext) context.Context {
	return context.WithValue(ctx, executionContextKey, c)
}

// runStep registers a new suspension for a step call: it assigns the next
// sequence id atomically with registration and marks a resume pending for
// the current batch. The step body is not run here; the caller gets the
// suspension back and awaits its future.
func (c *executionContext) runStep(stepName, argsJSON string, run func(ctx context.Context) (string, error)) (*suspension, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal != nil {
		return nil, c.fatal
	}
	c.nextSeq++
	s := &suspension{
		seq:      strconv.Itoa(c.nextSeq),
		stepName: stepName,
		argsJSON: argsJSON,
		run:      run,
		outcome:  make(chan stepOutcome, 1),
	}
	c.suspensions[s.seq] = s
	c.resumePending = true
	return s, nil
}

// resume drives one batch: it replays historical events against outstanding
// suspensions in log order, then dispatches whatever is left as genuinely
// new work. It is a no-op unless a batch is pending, so the first awaiter
// after a burst of step calls processes the whole burst and later awaiters
// find nothing to do.
func (c *executionContext) resume() {
	c.mu.Lock()
	if !c.resumePending || c.fatal != nil {
		c.mu.Unlock()
		return
	}
	c.resumePending = false

	type replayed struct {
		s       *suspension
		outcome stepOutcome
	}
	var fromHistory []replayed

	// Replay loop: consume events strictly in log order, matching each
	// against the live suspension with the same sequence id.
	for c.cursor < len(c.log) && len(c.suspensions) > 0 {
		ev := c.log[c.cursor]
		s, ok := c.suspensions[ev.ULID]
		if !ok {
			c.fatal = newNondeterminismError(c.runID, ev.ULID, ev.Name, "<no step issued>")
			break
		}
		if s.stepName != ev.Name || s.argsJSON != ev.ArgsJSON {
			c.fatal = newNondeterminismError(c.runID, ev.ULID, ev.Name, s.stepName)
			break
		}
		c.cursor++
		delete(c.suspensions, ev.ULID)
		fromHistory = append(fromHistory, replayed{s: s, outcome: stepOutcome{resultJSON: ev.ResultJSON}})
	}

	if c.fatal != nil {
		// The resumption is unrecoverable: fail every outstanding future,
		// including any that were about to be replayed, with the fatal error.
		fatal := c.fatal
		failing := make([]*suspension, 0, len(c.suspensions)+len(fromHistory))
		for _, s := range c.suspensions {
			failing = append(failing, s)
		}
		for _, r := range fromHistory {
			failing = append(failing, r.s)
		}
		c.suspensions = make(map[string]*suspension)
		c.mu.Unlock()
		c.logger.Error("resumption aborted", "run_id", c.runID, "error", fatal)
		for _, s := range failing {
			if s.trySettle() {
				s.deliver(stepOutcome{err: fatal})
			}
		}
		return
	}

	// Whatever survived replay has no historical counterpart: run it for
	// real. Ownership moves from the replay loop to the per-step goroutines,
	// which stay visible to cancellation through the inflight set.
	fresh := make([]*suspension, 0, len(c.suspensions))
	for _, s := range c.suspensions {
		fresh = append(fresh, s)
	}
	sort.Slice(fresh, func(i, j int) bool {
		if len(fresh[i].seq) != len(fresh[j].seq) {
			return len(fresh[i].seq) < len(fresh[j].seq)
		}
		return fresh[i].seq < fresh[j].seq
	})
	c.suspensions = make(map[string]*suspension)
	for _, s := range fresh {
		c.inflight[s.seq] = s
	}
	runCtx := c.runCtx
	c.mu.Unlock()

	for _, r := range fromHistory {
		if err := r.s.resolve(c.runID, r.outcome); err != nil {
			c.logger.Error("replayed suspension already settled", "run_id", c.runID, "step", r.s.stepName, "error", err)
		}
	}
	for _, s := range fresh {
		if c.wg != nil {
			c.wg.Add(1)
		}
		go func(s *suspension) {
			if c.wg != nil {
				defer c.wg.Done()
			}
			c.executeStep(runCtx, s)
		}(s)
	}
}

// executeStep is one self-contained execution attempt of a newly issued
// step. On success it appends exactly one event and resolves the future
// with the result; on failure it resolves the future with the error and
// appends nothing.
func (c *executionContext) executeStep(ctx context.Context, s *suspension) {
	resultJSON, err := s.run(ctx)

	c.mu.Lock()
	delete(c.inflight, s.seq)
	c.mu.Unlock()

	if err != nil {
		if s.trySettle() {
			s.deliver(stepOutcome{err: newStepExecutionError(c.runID, s.stepName, err)})
		}
		return
	}
	// Settling first keeps a cancelled suspension from ever reaching the
	// log: if cancellation won the race, the event must not be appended.
	if !s.trySettle() {
		return
	}
	ev := WorkflowEvent{
		ULID:       s.seq,
		Name:       s.stepName,
		ArgsJSON:   s.argsJSON,
		ResultJSON: resultJSON,
	}
	outstanding := c.appendEvent(ev)
	if c.onEvent != nil {
		c.onEvent(ctx, ev, outstanding)
	}
	s.deliver(stepOutcome{resultJSON: resultJSON})
}

// appendEvent appends a freshly produced event and advances the cursor past
// it, so a later batch's replay loop never mistakes it for history. It
// returns the number of suspensions still outstanding.
func (c *executionContext) appendEvent(ev WorkflowEvent) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, ev)
	if c.cursor == len(c.log)-1 {
		c.cursor = len(c.log)
	}
	return len(c.suspensions) + len(c.inflight)
}

// cancelAll fails every outstanding suspension with a cancellation error.
// Cancellation is deliberately distinguishable from a step failure so it is
// never logged as a completed event.
func (c *executionContext) cancelAll(cause error) {
	c.mu.Lock()
	cancelled := make([]*suspension, 0, len(c.suspensions)+len(c.inflight))
	for _, s := range c.suspensions {
		cancelled = append(cancelled, s)
	}
	for _, s := range c.inflight {
		cancelled = append(cancelled, s)
	}
	c.suspensions = make(map[string]*suspension)
	c.resumePending = false
	c.mu.Unlock()

	err := newRunCancelledError(c.runID, cause)
	for _, s := range cancelled {
		if s.trySettle() {
			s.deliver(stepOutcome{err: err})
		}
	}
}

// eventLog returns a copy of the events recorded so far.
func (c *executionContext) eventLog() []WorkflowEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WorkflowEvent, len(c.log))
	copy(out, c.log)
	return out
}

func (c *executionContext) outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.suspensions) + len(c.inflight)
}
