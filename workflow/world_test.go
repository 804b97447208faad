package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func decodeBody(t *testing.T, resp HTTPResponse) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	return out
}

func TestQueueHTTPHandlerContract(t *testing.T) {
	okHandler := func(_ context.Context, _ json.RawMessage, _ Delivery) (time.Duration, error) {
		return 0, nil
	}
	handler := NewQueueHTTPHandler(QueuePrefixWorkflow, okHandler, WithQueueHandlerLogger(testLogger()))

	t.Run("missing body", func(t *testing.T) {
		resp := handler(context.Background(), stubRequest{
			headers: deliveryHeaders("__wkf_workflow_default", "m1", 1),
		})
		assert.Equal(t, http.StatusBadRequest, resp.Status)
		assert.Equal(t, "Missing request body", decodeBody(t, resp)["error"])
	})

	t.Run("missing headers", func(t *testing.T) {
		resp := handler(context.Background(), stubRequest{
			headers: map[string]string{"x-vqs-queue-name": "__wkf_workflow_default"},
			body:    []byte(`{}`),
		})
		assert.Equal(t, http.StatusBadRequest, resp.Status)
		assert.Equal(t, "Missing required headers", decodeBody(t, resp)["error"])
	})

	t.Run("unhandled queue prefix", func(t *testing.T) {
		resp := handler(context.Background(), stubRequest{
			headers: deliveryHeaders("__wkf_step_default", "m1", 1),
			body:    []byte(`{}`),
		})
		assert.Equal(t, http.StatusBadRequest, resp.Status)
		assert.Equal(t, "Unhandled queue", decodeBody(t, resp)["error"])
	})

	t.Run("non-numeric attempt header", func(t *testing.T) {
		headers := deliveryHeaders("__wkf_workflow_default", "m1", 1)
		headers["x-vqs-message-attempt"] = "not-a-number"
		resp := handler(context.Background(), stubRequest{headers: headers, body: []byte(`{}`)})
		assert.Equal(t, http.StatusBadRequest, resp.Status)
	})

	t.Run("invalid JSON body", func(t *testing.T) {
		resp := handler(context.Background(), stubRequest{
			headers: deliveryHeaders("__wkf_workflow_default", "m1", 1),
			body:    []byte(`{not json`),
		})
		assert.Equal(t, http.StatusBadRequest, resp.Status)
	})

	t.Run("success", func(t *testing.T) {
		resp := handler(context.Background(), stubRequest{
			headers: deliveryHeaders("__wkf_workflow_default", "m1", 1),
			body:    []byte(`{}`),
		})
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Equal(t, true, decodeBody(t, resp)["ok"])
		assert.Equal(t, "application/json", resp.Headers["content-type"])
	})
}

func TestQueueHTTPHandlerDeliveryMetadata(t *testing.T) {
	var got Delivery
	handler := NewQueueHTTPHandler(QueuePrefixStep, func(_ context.Context, _ json.RawMessage, d Delivery) (time.Duration, error) {
		got = d
		return 0, nil
	}, WithQueueHandlerLogger(testLogger()))

	resp := handler(context.Background(), stubRequest{
		headers: deliveryHeaders("__wkf_step_default", "msg-42", 3),
		body:    []byte(`{}`),
	})
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "__wkf_step_default", got.QueueName)
	assert.Equal(t, "msg-42", got.MessageID)
	assert.Equal(t, 3, got.Attempt)
}

func TestQueueHTTPHandlerHandlerError(t *testing.T) {
	handler := NewQueueHTTPHandler(QueuePrefixWorkflow, func(_ context.Context, _ json.RawMessage, _ Delivery) (time.Duration, error) {
		return 0, errors.New("downstream unavailable")
	}, WithQueueHandlerLogger(testLogger()))

	resp := handler(context.Background(), stubRequest{
		headers: deliveryHeaders("__wkf_workflow_default", "m1", 1),
		body:    []byte(`{}`),
	})
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, "downstream unavailable", decodeBody(t, resp)["error"])
}

func TestQueueHTTPHandlerRetryLater(t *testing.T) {
	retryHandler := func(_ context.Context, _ json.RawMessage, _ Delivery) (time.Duration, error) {
		return 30 * time.Second, nil
	}

	t.Run("uncapped", func(t *testing.T) {
		handler := NewQueueHTTPHandler(QueuePrefixWorkflow, retryHandler, WithQueueHandlerLogger(testLogger()))
		resp := handler(context.Background(), stubRequest{
			headers: deliveryHeaders("__wkf_workflow_default", "m1", 1),
			body:    []byte(`{}`),
		})
		assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
		assert.Equal(t, float64(30), decodeBody(t, resp)["timeoutSeconds"])
	})

	t.Run("capped by max visibility timeout", func(t *testing.T) {
		handler := NewQueueHTTPHandler(QueuePrefixWorkflow, retryHandler,
			WithQueueHandlerLogger(testLogger()),
			WithMaxVisibilityTimeout(10*time.Second),
		)
		resp := handler(context.Background(), stubRequest{
			headers: deliveryHeaders("__wkf_workflow_default", "m1", 1),
			body:    []byte(`{}`),
		})
		assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
		assert.Equal(t, float64(10), decodeBody(t, resp)["timeoutSeconds"])
	})
}

func TestTraceCarrierRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10},
		SpanID:     trace.SpanID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	carrier := injectTraceCarrier(ctx)
	require.NotEmpty(t, carrier)

	restored := extractTraceCarrier(context.Background(), carrier)
	got := trace.SpanContextFromContext(restored)
	assert.Equal(t, sc.TraceID(), got.TraceID())
	assert.Equal(t, sc.SpanID(), got.SpanID())

	// An absent carrier leaves the context untouched.
	untouched := extractTraceCarrier(context.Background(), nil)
	assert.False(t, trace.SpanContextFromContext(untouched).IsValid())
}
