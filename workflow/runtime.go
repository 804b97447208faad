package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultQueueSuffix = "default"

	// retryLaterDelay is advertised when a delivery arrives while another
	// resumption of the same run is still in flight.
	retryLaterDelay = 1 * time.Second
)

// Config holds configuration for a Runtime. All fields are optional.
type Config struct {
	// World is the external-integration boundary. Defaults to a LocalWorld.
	World World
	// Logger is the runtime's logger. Defaults to a text slog logger.
	Logger *slog.Logger
}

// Runtime binds registered workflows to a World's queue semantics and
// exposes the two HTTP entrypoints. It replaces the source design's
// process-wide mutable singleton: construct one at startup and inject it
// wherever handlers are mounted. It is safe for concurrent use by many runs.
type Runtime struct {
	world  World
	logger *slog.Logger

	registry sync.Map // workflow name -> registryEntry
	store    runStore

	// activeRuns guards against two resumptions of the same run racing in
	// this process; a second delivery is told to come back later.
	activeRuns sync.Map // run ID -> struct{}

	runsWg sync.WaitGroup
}

type registryEntry struct {
	name  string
	start func(ctx context.Context, rt *Runtime, rec RunRecord) (string, error)
}

// NewRuntime constructs a Runtime from the given configuration.
func NewRuntime(config Config) (*Runtime, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	world := config.World
	if world == nil {
		world = NewLocalWorld(WithLocalWorldLogger(logger))
	}
	return &Runtime{
		world:  world,
		logger: logger,
		store:  newMemoryRunStore(),
	}, nil
}

// World returns the runtime's World.
func (rt *Runtime) World() World {
	return rt.world
}

// Shutdown waits for in-flight runs to finish, up to the timeout.
func (rt *Runtime) Shutdown(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		rt.runsWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		rt.logger.Debug("all runs completed")
	case <-time.After(timeout):
		rt.logger.Warn("timeout waiting for runs to complete", "timeout", timeout)
	}
}

// Register makes a workflow startable through the runtime's queue
// entrypoints. Registration belongs in startup code; registering two
// workflows under the same name panics.
func Register[P any, R any](rt *Runtime, wf *Workflow[P, R]) {
	if rt == nil {
		panic("runtime cannot be nil")
	}
	if wf == nil {
		panic("workflow cannot be nil")
	}
	entry := registryEntry{
		name: wf.name,
		start: func(ctx context.Context, rt *Runtime, rec RunRecord) (string, error) {
			input, err := newJSONSerializer[P]().Decode(rec.InputJSON)
			if err != nil {
				return "", fmt.Errorf("decoding input for run %s: %w", rec.RunID, err)
			}
			run, err := StartRun(ctx, wf, input,
				WithRunID(rec.RunID),
				WithEventLog(rec.Events),
				WithRunLogger(rt.logger),
				withEventSink(rt.eventSink(rec)),
				withWaitGroup(&rt.runsWg),
			)
			if err != nil {
				return "", err
			}
			result, err := run.GetResult(ctx)
			if err != nil {
				return "", err
			}
			return newJSONSerializer[R]().Encode(result)
		},
	}
	if _, exists := rt.registry.LoadOrStore(wf.name, entry); exists {
		rt.logger.Error("workflow already registered", "name", wf.name)
		panic(newConflictingRegistrationError(wf.name))
	}
}

// Enqueue records a new run of a registered workflow and enqueues a
// workflow-invoke message for it through the World. It returns the run ID;
// execution happens when the delivery reaches the workflow entrypoint.
func Enqueue[P any, R any](ctx context.Context, rt *Runtime, wf *Workflow[P, R], input P, opts ...QueueOption) (string, error) {
	if _, ok := rt.registry.Load(wf.name); !ok {
		return "", newWorkflowNotRegisteredError(wf.name)
	}
	inputJSON, err := newJSONSerializer[P]().Encode(input)
	if err != nil {
		return "", fmt.Errorf("encoding workflow input: %w", err)
	}
	runID := uuid.NewString()
	now := time.Now()
	rec := RunRecord{
		RunID:        runID,
		WorkflowName: wf.name,
		InputJSON:    inputJSON,
		StartedAt:    now,
		Status:       RunStatusRunning,
	}
	if err := rt.store.createRun(ctx, rec); err != nil {
		return "", err
	}
	payload := WorkflowInvokePayload{
		RunID:        runID,
		TraceCarrier: injectTraceCarrier(ctx),
		RequestedAt:  &now,
	}
	if _, err := rt.world.Queue(ctx, string(QueuePrefixWorkflow)+defaultQueueSuffix, payload, opts...); err != nil {
		return "", err
	}
	rt.logger.Debug("run enqueued", "run_id", runID, "workflow", wf.name)
	return runID, nil
}

// WorkflowEntrypoint returns the HTTP handler for POST {PathPrefix}/flow.
func (rt *Runtime) WorkflowEntrypoint() HTTPHandler {
	return rt.world.CreateQueueHandler(QueuePrefixWorkflow, rt.handleWorkflowMessage)
}

// StepEntrypoint returns the HTTP handler for POST {PathPrefix}/step.
func (rt *Runtime) StepEntrypoint() HTTPHandler {
	return rt.world.CreateQueueHandler(QueuePrefixStep, rt.handleStepMessage)
}

// healthCheckProbe sniffs the one payload field that marks a health check.
type healthCheckProbe struct {
	HealthCheck bool `json:"_health_check"`
}

func (rt *Runtime) handleWorkflowMessage(ctx context.Context, message json.RawMessage, delivery Delivery) (time.Duration, error) {
	var probe healthCheckProbe
	if err := json.Unmarshal(message, &probe); err == nil && probe.HealthCheck {
		return rt.handleHealthCheck(message, delivery)
	}

	var payload WorkflowInvokePayload
	if err := json.Unmarshal(message, &payload); err != nil {
		return 0, newInvalidPayloadError(fmt.Sprintf("decoding workflow-invoke payload: %v", err))
	}
	if payload.RunID == "" {
		return 0, newInvalidPayloadError("workflow-invoke payload is missing run_id")
	}
	ctx = extractTraceCarrier(ctx, payload.TraceCarrier)
	rt.logger.Debug("workflow-invoke delivery", "run_id", payload.RunID, "attempt", delivery.Attempt)
	return rt.driveResumption(ctx, payload.RunID)
}

func (rt *Runtime) handleStepMessage(ctx context.Context, message json.RawMessage, delivery Delivery) (time.Duration, error) {
	var probe healthCheckProbe
	if err := json.Unmarshal(message, &probe); err == nil && probe.HealthCheck {
		return rt.handleHealthCheck(message, delivery)
	}

	var payload StepInvokePayload
	if err := json.Unmarshal(message, &payload); err != nil {
		return 0, newInvalidPayloadError(fmt.Sprintf("decoding step-invoke payload: %v", err))
	}
	if payload.WorkflowRunID == "" || payload.WorkflowName == "" {
		return 0, newInvalidPayloadError("step-invoke payload is missing workflow_run_id or workflow_name")
	}
	rec, err := rt.store.getRun(ctx, payload.WorkflowRunID)
	if err != nil {
		return 0, err
	}
	if rec.WorkflowName != payload.WorkflowName {
		return 0, newInvalidPayloadError(fmt.Sprintf("step-invoke payload names workflow %q but run %s belongs to %q", payload.WorkflowName, rec.RunID, rec.WorkflowName))
	}
	ctx = extractTraceCarrier(ctx, payload.TraceCarrier)
	rt.logger.Debug("step-invoke delivery", "run_id", payload.WorkflowRunID, "step_id", payload.StepID, "attempt", delivery.Attempt)
	return rt.driveResumption(ctx, payload.WorkflowRunID)
}

func (rt *Runtime) handleHealthCheck(message json.RawMessage, delivery Delivery) (time.Duration, error) {
	var payload HealthCheckPayload
	if err := json.Unmarshal(message, &payload); err != nil {
		return 0, newInvalidPayloadError(fmt.Sprintf("decoding health-check payload: %v", err))
	}
	rt.logger.Info("health check delivered", "correlation_id", payload.CorrelationID, "queue_name", delivery.QueueName)
	return 0, nil
}

// driveResumption performs one resumption of the run: the workflow body
// re-executes from the start, completed steps are replayed from the event
// log, and genuinely new steps run and extend the log. A delivery that
// catches the run mid-resumption is asked to come back later.
func (rt *Runtime) driveResumption(ctx context.Context, runID string) (time.Duration, error) {
	rec, err := rt.store.getRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	if rec.Status != RunStatusRunning {
		// Terminal runs make redeliveries a no-op.
		return 0, nil
	}

	entryAny, ok := rt.registry.Load(rec.WorkflowName)
	if !ok {
		return 0, newWorkflowNotRegisteredError(rec.WorkflowName)
	}
	entry := entryAny.(registryEntry)

	if _, inFlight := rt.activeRuns.LoadOrStore(runID, struct{}{}); inFlight {
		return retryLaterDelay, nil
	}
	defer rt.activeRuns.Delete(runID)

	resultJSON, runErr := entry.start(ctx, rt, rec)
	if runErr != nil {
		// A cancelled delivery context is a transport interruption, not a
		// verdict on the run: the record stays running and the next delivery
		// resumes from the persisted event log.
		if ctx.Err() != nil || errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			rt.logger.Warn("resumption interrupted, awaiting redelivery", "run_id", runID, "workflow", rec.WorkflowName, "error", runErr)
			return retryLaterDelay, nil
		}
		rt.logger.Error("run failed", "run_id", runID, "workflow", rec.WorkflowName, "error", runErr)
		if err := rt.store.completeRun(ctx, runID, RunStatusFailed, "", runErr.Error()); err != nil {
			return 0, err
		}
		// The failure is recorded; the delivery itself succeeded, so the
		// outer queue must not redeliver it.
		return 0, nil
	}
	if err := rt.store.completeRun(ctx, runID, RunStatusCompleted, resultJSON, ""); err != nil {
		return 0, err
	}
	rt.logger.Debug("run completed", "run_id", runID, "workflow", rec.WorkflowName)
	return 0, nil
}

// eventSink persists each freshly appended event and, while more steps
// remain outstanding, enqueues a step-invoke message so the outer delivery
// system keeps driving the run.
func (rt *Runtime) eventSink(rec RunRecord) func(ctx context.Context, ev WorkflowEvent, outstanding int) {
	return func(ctx context.Context, ev WorkflowEvent, outstanding int) {
		if err := rt.store.appendEvent(ctx, rec.RunID, ev); err != nil {
			rt.logger.Error("failed to persist event", "run_id", rec.RunID, "ulid", ev.ULID, "error", err)
			return
		}
		if outstanding == 0 {
			return
		}
		now := time.Now()
		payload := StepInvokePayload{
			WorkflowName:      rec.WorkflowName,
			WorkflowRunID:     rec.RunID,
			WorkflowStartedAt: float64(rec.StartedAt.UnixMilli()) / 1000.0,
			StepID:            ev.ULID,
			TraceCarrier:      injectTraceCarrier(ctx),
			RequestedAt:       &now,
		}
		if _, err := rt.world.Queue(ctx, string(QueuePrefixStep)+defaultQueueSuffix, payload); err != nil {
			rt.logger.Error("failed to enqueue step-invoke", "run_id", rec.RunID, "ulid", ev.ULID, "error", err)
		}
	}
}

// DescribeRun returns a snapshot of a run's record.
func (rt *Runtime) DescribeRun(ctx context.Context, runID string) (RunRecord, error) {
	return rt.store.getRun(ctx, runID)
}

// GetRunResult returns the decoded return value of a completed run. It
// does not wait: a run that is still in progress is reported as an error.
func GetRunResult[R any](ctx context.Context, rt *Runtime, runID string) (R, error) {
	var zero R
	rec, err := rt.store.getRun(ctx, runID)
	if err != nil {
		return zero, err
	}
	switch rec.Status {
	case RunStatusCompleted:
		return newJSONSerializer[R]().Decode(rec.ResultJSON)
	case RunStatusFailed:
		return zero, fmt.Errorf("run %s failed: %s", runID, rec.Error)
	default:
		return zero, fmt.Errorf("run %s is still %s", runID, rec.Status)
	}
}
