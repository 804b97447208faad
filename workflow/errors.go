package workflow

import (
	"fmt"
)

// ErrorCode classifies the errors produced by the workflow engine.
type ErrorCode int

const (
	// InitializationError indicates a failure to construct or configure the runtime.
	InitializationError ErrorCode = iota + 1
	// WorkflowNotRegisteredError indicates a run referenced a workflow name the runtime does not know.
	WorkflowNotRegisteredError
	// ConflictingRegistrationError indicates two workflows were registered under the same name.
	ConflictingRegistrationError
	// NonExistentRunError indicates an operation referenced a run ID with no record.
	NonExistentRunError
	// NondeterminismError indicates the live step sequence diverged from the recorded event log.
	// It is fatal to the resumption that detects it.
	NondeterminismError
	// SuspensionConflictError indicates a suspension's future was resolved more than once.
	SuspensionConflictError
	// StepExecutionError indicates a step body failed.
	StepExecutionError
	// RunCancelledError indicates the owning run was cancelled while steps were outstanding.
	RunCancelledError
	// InvalidPayloadError indicates a queue message could not be decoded into a known payload shape.
	InvalidPayloadError
)

func (c ErrorCode) String() string {
	switch c {
	case InitializationError:
		return "InitializationError"
	case WorkflowNotRegisteredError:
		return "WorkflowNotRegisteredError"
	case ConflictingRegistrationError:
		return "ConflictingRegistrationError"
	case NonExistentRunError:
		return "NonExistentRunError"
	case NondeterminismError:
		return "NondeterminismError"
	case SuspensionConflictError:
		return "SuspensionConflictError"
	case StepExecutionError:
		return "StepExecutionError"
	case RunCancelledError:
		return "RunCancelledError"
	case InvalidPayloadError:
		return "InvalidPayloadError"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// WorkflowError is the error type returned by all engine operations.
// Use errors.Is with a &WorkflowError{Code: ...} target to match on the code:
//
//	if errors.Is(err, &WorkflowError{Code: workflow.NondeterminismError}) {
//	    // the event log and the live execution have diverged
//	}
type WorkflowError struct {
	Code     ErrorCode
	Message  string
	RunID    string
	StepName string

	wrapped error
}

func (e *WorkflowError) Error() string {
	msg := e.Message
	if e.StepName != "" {
		msg = fmt.Sprintf("step %s: %s", e.StepName, msg)
	}
	if e.RunID != "" {
		msg = fmt.Sprintf("run %s: %s", e.RunID, msg)
	}
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", msg, e.wrapped)
	}
	return msg
}

func (e *WorkflowError) Unwrap() error {
	return e.wrapped
}

// Is matches on the error code only, so callers can test categories without
// caring about the specific run or step.
func (e *WorkflowError) Is(target error) bool {
	t, ok := target.(*WorkflowError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func newInitializationError(msg string) *WorkflowError {
	return &WorkflowError{Code: InitializationError, Message: msg}
}

func newWorkflowNotRegisteredError(name string) *WorkflowError {
	return &WorkflowError{Code: WorkflowNotRegisteredError, Message: fmt.Sprintf("workflow %q is not registered", name)}
}

func newConflictingRegistrationError(name string) *WorkflowError {
	return &WorkflowError{Code: ConflictingRegistrationError, Message: fmt.Sprintf("workflow %q is already registered", name)}
}

func newNonExistentRunError(runID string) *WorkflowError {
	return &WorkflowError{Code: NonExistentRunError, Message: "no record for run", RunID: runID}
}

func newNondeterminismError(runID, seq, recordedName, liveName string) *WorkflowError {
	return &WorkflowError{
		Code:    NondeterminismError,
		Message: fmt.Sprintf("event %s recorded step %q but the live execution issued %q; the workflow code path has diverged from its history", seq, recordedName, liveName),
		RunID:   runID,
	}
}

func newSuspensionConflictError(runID, stepName, seq string) *WorkflowError {
	return &WorkflowError{
		Code:     SuspensionConflictError,
		Message:  fmt.Sprintf("suspension %s resolved twice", seq),
		RunID:    runID,
		StepName: stepName,
	}
}

func newStepExecutionError(runID, stepName string, err error) *WorkflowError {
	return &WorkflowError{
		Code:     StepExecutionError,
		Message:  "step execution failed",
		RunID:    runID,
		StepName: stepName,
		wrapped:  err,
	}
}

func newRunCancelledError(runID string, cause error) *WorkflowError {
	return &WorkflowError{
		Code:    RunCancelledError,
		Message: "run cancelled",
		RunID:   runID,
		wrapped: cause,
	}
}

func newInvalidPayloadError(msg string) *WorkflowError {
	return &WorkflowError{Code: InvalidPayloadError, Message: msg}
}
