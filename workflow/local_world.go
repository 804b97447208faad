package workflow

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const envLocalQueueMaxVisibility = "WORKFLOW_LOCAL_QUEUE_MAX_VISIBILITY"

// LocalWorld is the default World: enqueueing is a no-op (execution happens
// in-process), and queue handlers enforce the standard delivery contract.
// It exists so the core can be exercised without any external delivery
// system attached.
type LocalWorld struct {
	maxVisibilityTimeout time.Duration
	logger               *slog.Logger
}

// LocalWorldOption configures a LocalWorld.
type LocalWorldOption func(*LocalWorld)

// WithLocalWorldLogger sets the world's logger.
func WithLocalWorldLogger(logger *slog.Logger) LocalWorldOption {
	return func(w *LocalWorld) {
		w.logger = logger
	}
}

// WithLocalMaxVisibilityTimeout caps requested redelivery delays. Zero
// means uncapped.
func WithLocalMaxVisibilityTimeout(d time.Duration) LocalWorldOption {
	return func(w *LocalWorld) {
		w.maxVisibilityTimeout = d
	}
}

// NewLocalWorld constructs the default local World. The visibility cap can
// also be set through WORKFLOW_LOCAL_QUEUE_MAX_VISIBILITY (seconds).
func NewLocalWorld(opts ...LocalWorldOption) *LocalWorld {
	w := &LocalWorld{logger: slog.Default()}
	if env := os.Getenv(envLocalQueueMaxVisibility); env != "" {
		if seconds, err := strconv.Atoi(env); err == nil && seconds > 0 {
			w.maxVisibilityTimeout = time.Duration(seconds) * time.Second
		}
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Queue is a no-op locally; it returns a fresh message ID so callers can
// treat the local and remote paths uniformly.
func (w *LocalWorld) Queue(_ context.Context, queueName string, _ any, _ ...QueueOption) (string, error) {
	w.logger.Debug("local enqueue dropped", "queue_name", queueName)
	return uuid.NewString(), nil
}

// CreateQueueHandler returns the standard validating HTTP handler for
// queues under the given prefix.
func (w *LocalWorld) CreateQueueHandler(prefix QueuePrefix, handler QueueHandler) HTTPHandler {
	return NewQueueHTTPHandler(prefix, handler,
		WithMaxVisibilityTimeout(w.maxVisibilityTimeout),
		WithQueueHandlerLogger(w.logger),
	)
}
