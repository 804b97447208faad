// Package redisworld implements the workflow World boundary on top of
// Redis lists, for deployments that bridge deliveries through their own
// Redis-backed dispatcher.
package redisworld

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vercel/workflow-go/workflow"
)

const (
	keyPrefix         = "wkf:queue:"
	idempotencyPrefix = "wkf:idem:"
	idempotencyWindow = 24 * time.Hour
)

// envelope is the wire form of one enqueued message.
type envelope struct {
	MessageID    string          `json:"message_id"`
	QueueName    string          `json:"queue_name"`
	DeploymentID string          `json:"deployment_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
}

// World enqueues messages onto Redis lists, one list per queue name. A
// separate consumer is expected to pop envelopes and POST them to the
// engine's HTTP entrypoints with the queue delivery headers set.
type World struct {
	client               *redis.Client
	logger               *slog.Logger
	maxVisibilityTimeout time.Duration
}

// Option configures a World.
type Option func(*World)

// WithLogger sets the World's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *World) {
		w.logger = logger
	}
}

// WithMaxVisibilityTimeout caps the redelivery delay handlers may request.
func WithMaxVisibilityTimeout(d time.Duration) Option {
	return func(w *World) {
		w.maxVisibilityTimeout = d
	}
}

// New constructs a World over the given Redis client.
func New(client *redis.Client, opts ...Option) *World {
	w := &World{
		client: client,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Queue pushes the payload onto the queue's Redis list and returns the
// message ID. An idempotency key, if given, suppresses duplicate pushes
// within a 24 hour window and returns the original message ID.
func (w *World) Queue(ctx context.Context, queueName string, message any, opts ...workflow.QueueOption) (string, error) {
	options := workflow.ApplyQueueOptions(opts)

	payload, err := json.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("encoding queue message: %w", err)
	}
	messageID := uuid.NewString()

	if key := options.IdempotencyKey; key != "" {
		set, err := w.client.SetNX(ctx, idempotencyPrefix+key, messageID, idempotencyWindow).Result()
		if err != nil {
			return "", fmt.Errorf("checking idempotency key: %w", err)
		}
		if !set {
			existing, err := w.client.Get(ctx, idempotencyPrefix+key).Result()
			if err != nil {
				return "", fmt.Errorf("reading idempotency key: %w", err)
			}
			w.logger.Debug("duplicate enqueue suppressed", "queue_name", queueName, "idempotency_key", key)
			return existing, nil
		}
	}

	env := envelope{
		MessageID:    messageID,
		QueueName:    queueName,
		DeploymentID: options.DeploymentID,
		Payload:      payload,
		EnqueuedAt:   time.Now(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encoding queue envelope: %w", err)
	}
	if err := w.client.LPush(ctx, keyPrefix+queueName, data).Err(); err != nil {
		return "", fmt.Errorf("pushing to queue %s: %w", queueName, err)
	}
	w.logger.Debug("message enqueued", "queue_name", queueName, "message_id", messageID)
	return messageID, nil
}

// CreateQueueHandler returns the standard queue-delivery HTTP handler for
// queues under the prefix.
func (w *World) CreateQueueHandler(prefix workflow.QueuePrefix, handler workflow.QueueHandler) workflow.HTTPHandler {
	return workflow.NewQueueHTTPHandler(prefix, handler,
		workflow.WithMaxVisibilityTimeout(w.maxVisibilityTimeout),
		workflow.WithQueueHandlerLogger(w.logger),
	)
}
