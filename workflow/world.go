package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// QueuePrefix identifies which of the two engine queues a name belongs to.
type QueuePrefix string

const (
	// QueuePrefixWorkflow prefixes queues carrying workflow-invoke messages.
	QueuePrefixWorkflow QueuePrefix = "__wkf_workflow_"
	// QueuePrefixStep prefixes queues carrying step-invoke messages.
	QueuePrefixStep QueuePrefix = "__wkf_step_"
)

// PathPrefix is the conventional mount point for the two HTTP entrypoints.
const PathPrefix = "/.well-known/workflow/v1"

// Required headers on queue-backed HTTP deliveries.
const (
	headerQueueName      = "x-vqs-queue-name"
	headerMessageID      = "x-vqs-message-id"
	headerMessageAttempt = "x-vqs-message-attempt"
)

// TraceCarrier holds propagated trace context for distributed tracing.
type TraceCarrier map[string]string

// injectTraceCarrier captures the current trace context from ctx, if any.
func injectTraceCarrier(ctx context.Context) TraceCarrier {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return TraceCarrier(carrier)
}

// extractTraceCarrier restores a propagated trace context onto ctx.
func extractTraceCarrier(ctx context.Context, carrier TraceCarrier) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
}

// WorkflowInvokePayload asks the workflow entrypoint to start or resume a run.
type WorkflowInvokePayload struct {
	RunID        string       `json:"run_id"`
	TraceCarrier TraceCarrier `json:"trace_carrier,omitempty"`
	RequestedAt  *time.Time   `json:"requested_at,omitempty"`
}

// StepInvokePayload asks the step entrypoint to drive a run whose step work
// is pending.
type StepInvokePayload struct {
	WorkflowName      string       `json:"workflow_name"`
	WorkflowRunID     string       `json:"workflow_run_id"`
	WorkflowStartedAt float64      `json:"workflow_started_at"`
	StepID            string       `json:"step_id"`
	TraceCarrier      TraceCarrier `json:"trace_carrier,omitempty"`
	RequestedAt       *time.Time   `json:"requested_at,omitempty"`
}

// HealthCheckPayload verifies that the queue pipeline can deliver messages
// to the workflow and step endpoints.
type HealthCheckPayload struct {
	HealthCheck   bool   `json:"_health_check"`
	CorrelationID string `json:"correlation_id"`
}

// HTTPRequest abstracts an inbound HTTP request so the engine stays
// host-framework-agnostic.
type HTTPRequest interface {
	Header(name string) string
	Body() ([]byte, error)
}

// HTTPResponse is the engine's framework-neutral response.
type HTTPResponse struct {
	Status  int
	Body    []byte
	Headers map[string]string
}

// JSONResponse builds an HTTPResponse with a JSON body.
func JSONResponse(data any, status int) HTTPResponse {
	body, err := json.Marshal(data)
	if err != nil {
		// Only reachable with non-serializable data, which the engine never passes.
		body = []byte(`{"error":"failed to encode response"}`)
		status = http.StatusInternalServerError
	}
	return HTTPResponse{
		Status:  status,
		Body:    body,
		Headers: map[string]string{"content-type": "application/json"},
	}
}

// Delivery describes one queue delivery of a message.
type Delivery struct {
	QueueName string
	MessageID string
	Attempt   int
}

// QueueHandler processes one decoded queue message. A positive returned
// duration requests redelivery after that delay instead of completing the
// message; zero means the message is done.
type QueueHandler func(ctx context.Context, message json.RawMessage, delivery Delivery) (time.Duration, error)

// HTTPHandler serves one framework-neutral HTTP exchange.
type HTTPHandler func(ctx context.Context, req HTTPRequest) HTTPResponse

// QueueOption configures a single enqueue call.
type QueueOption func(*QueueOptions)

// QueueOptions is the resolved form of a set of QueueOption values. World
// implementations read it via ApplyQueueOptions.
type QueueOptions struct {
	DeploymentID   string
	IdempotencyKey string
}

// ApplyQueueOptions resolves a slice of enqueue options.
func ApplyQueueOptions(opts []QueueOption) QueueOptions {
	var options QueueOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// WithDeploymentID targets the enqueue at a specific deployment.
func WithDeploymentID(id string) QueueOption {
	return func(o *QueueOptions) {
		o.DeploymentID = id
	}
}

// WithIdempotencyKey deduplicates enqueues carrying the same key.
func WithIdempotencyKey(key string) QueueOption {
	return func(o *QueueOptions) {
		o.IdempotencyKey = key
	}
}

// World is the external-collaborator boundary the workflow core runs
// against: message enqueueing plus construction of HTTP handlers bound to a
// queue-name prefix. Implementations must be safe for concurrent use by
// many runs.
type World interface {
	// Queue enqueues a payload and returns an opaque message ID.
	Queue(ctx context.Context, queueName string, message any, opts ...QueueOption) (string, error)

	// CreateQueueHandler returns an HTTP handler that validates queue
	// deliveries for queues under the given prefix and dispatches them to
	// the handler.
	CreateQueueHandler(prefix QueuePrefix, handler QueueHandler) HTTPHandler
}

// QueueHandlerOption configures NewQueueHTTPHandler.
type QueueHandlerOption func(*queueHandlerOptions)

type queueHandlerOptions struct {
	maxVisibilityTimeout time.Duration
	logger               *slog.Logger
}

// WithMaxVisibilityTimeout caps the redelivery delay a handler may request.
// Zero means uncapped.
func WithMaxVisibilityTimeout(d time.Duration) QueueHandlerOption {
	return func(o *queueHandlerOptions) {
		o.maxVisibilityTimeout = d
	}
}

// WithQueueHandlerLogger sets the logger for the handler.
func WithQueueHandlerLogger(logger *slog.Logger) QueueHandlerOption {
	return func(o *queueHandlerOptions) {
		o.logger = logger
	}
}

// NewQueueHTTPHandler builds the HTTP handler shared by World
// implementations. It enforces the queue delivery contract: required
// headers, prefix ownership, JSON body, and the success / retry-later /
// error response shapes.
func NewQueueHTTPHandler(prefix QueuePrefix, handler QueueHandler, opts ...QueueHandlerOption) HTTPHandler {
	options := queueHandlerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}

	return func(ctx context.Context, req HTTPRequest) HTTPResponse {
		body, err := req.Body()
		if err != nil {
			return JSONResponse(map[string]string{"error": fmt.Sprintf("reading request body: %v", err)}, http.StatusBadRequest)
		}
		if len(body) == 0 {
			return JSONResponse(map[string]string{"error": "Missing request body"}, http.StatusBadRequest)
		}

		queueName := req.Header(headerQueueName)
		messageID := req.Header(headerMessageID)
		attemptStr := req.Header(headerMessageAttempt)
		if queueName == "" || messageID == "" || attemptStr == "" {
			return JSONResponse(map[string]string{"error": "Missing required headers"}, http.StatusBadRequest)
		}

		if !strings.HasPrefix(queueName, string(prefix)) {
			return JSONResponse(map[string]string{"error": "Unhandled queue"}, http.StatusBadRequest)
		}

		attempt, err := strconv.Atoi(attemptStr)
		if err != nil {
			return JSONResponse(map[string]string{"error": "Invalid " + headerMessageAttempt + " header"}, http.StatusBadRequest)
		}

		var message json.RawMessage
		if err := json.Unmarshal(body, &message); err != nil {
			return JSONResponse(map[string]string{"error": fmt.Sprintf("Invalid JSON body: %v", err)}, http.StatusBadRequest)
		}

		delivery := Delivery{QueueName: queueName, MessageID: messageID, Attempt: attempt}
		retryAfter, err := handler(ctx, message, delivery)
		if err != nil {
			options.logger.Error("queue handler failed", "queue_name", queueName, "message_id", messageID, "error", err)
			return JSONResponse(map[string]string{"error": err.Error()}, http.StatusInternalServerError)
		}

		if retryAfter > 0 {
			if options.maxVisibilityTimeout > 0 && retryAfter > options.maxVisibilityTimeout {
				retryAfter = options.maxVisibilityTimeout
			}
			return JSONResponse(map[string]float64{"timeoutSeconds": retryAfter.Seconds()}, http.StatusServiceUnavailable)
		}

		return JSONResponse(map[string]bool{"ok": true}, http.StatusOK)
	}
}
