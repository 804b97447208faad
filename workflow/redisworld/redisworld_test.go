package redisworld

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vercel/workflow-go/workflow"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping redis integration test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func TestQueuePushesEnvelope(t *testing.T) {
	client := setupRedis(t)
	w := New(client)

	payload := workflow.WorkflowInvokePayload{RunID: "run-1"}
	messageID, err := w.Queue(context.Background(), "__wkf_workflow_default", payload)
	require.NoError(t, err)
	require.NotEmpty(t, messageID)

	raw, err := client.RPop(context.Background(), "wkf:queue:__wkf_workflow_default").Result()
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	assert.Equal(t, messageID, env.MessageID)
	assert.Equal(t, "__wkf_workflow_default", env.QueueName)

	var decoded workflow.WorkflowInvokePayload
	require.NoError(t, json.Unmarshal(env.Payload, &decoded))
	assert.Equal(t, "run-1", decoded.RunID)
}

func TestQueueIdempotencyKeySuppressesDuplicates(t *testing.T) {
	client := setupRedis(t)
	w := New(client)

	first, err := w.Queue(context.Background(), "__wkf_workflow_default", map[string]string{"a": "1"},
		workflow.WithIdempotencyKey("same-key"))
	require.NoError(t, err)

	second, err := w.Queue(context.Background(), "__wkf_workflow_default", map[string]string{"a": "1"},
		workflow.WithIdempotencyKey("same-key"))
	require.NoError(t, err)
	assert.Equal(t, first, second, "duplicate enqueue must return the original message id")

	// Only the first push reached the list.
	length, err := client.LLen(context.Background(), "wkf:queue:__wkf_workflow_default").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
}

func TestCreateQueueHandlerCapsRetry(t *testing.T) {
	// The handler path never touches Redis, so no live server is needed.
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()
	w := New(client, WithMaxVisibilityTimeout(5*time.Second))

	handler := w.CreateQueueHandler(workflow.QueuePrefixWorkflow, func(_ context.Context, _ json.RawMessage, _ workflow.Delivery) (time.Duration, error) {
		return time.Minute, nil
	})

	resp := handler(context.Background(), stubRequest{
		headers: map[string]string{
			"x-vqs-queue-name":      "__wkf_workflow_default",
			"x-vqs-message-id":      "m1",
			"x-vqs-message-attempt": "1",
		},
		body: []byte(`{}`),
	})
	assert.Equal(t, 503, resp.Status)
	assert.Contains(t, string(resp.Body), `"timeoutSeconds":5`)
}

type stubRequest struct {
	headers map[string]string
	body    []byte
}

func (r stubRequest) Header(name string) string {
	return r.headers[name]
}

func (r stubRequest) Body() ([]byte, error) {
	return r.body, nil
}
