package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type setupRuntimeOptions struct {
	world      World
	checkLeaks bool
}

// setupRuntime builds a Runtime for a test and registers cleanup that waits
// for in-flight runs before the leak check.
func setupRuntime(t *testing.T, opts setupRuntimeOptions) *Runtime {
	t.Helper()

	config := Config{
		World:  opts.world,
		Logger: testLogger(),
	}
	rt, err := NewRuntime(config)
	require.NoError(t, err)
	require.NotNil(t, rt)

	t.Cleanup(func() {
		rt.Shutdown(10 * time.Second)
		if opts.checkLeaks {
			goleak.VerifyNone(t)
		}
	})

	return rt
}

// recordingWorld captures every enqueued message so tests can inspect and
// replay deliveries by hand.
type recordedMessage struct {
	QueueName string
	MessageID string
	Payload   []byte
	Options   QueueOptions
}

type recordingWorld struct {
	mu       sync.Mutex
	messages []recordedMessage
	nextID   int
	enqueued chan recordedMessage
}

func newRecordingWorld() *recordingWorld {
	return &recordingWorld{enqueued: make(chan recordedMessage, 64)}
}

func (w *recordingWorld) Queue(_ context.Context, queueName string, message any, opts ...QueueOption) (string, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return "", err
	}
	w.mu.Lock()
	w.nextID++
	rec := recordedMessage{
		QueueName: queueName,
		MessageID: "msg-" + strconv.Itoa(w.nextID),
		Payload:   payload,
		Options:   ApplyQueueOptions(opts),
	}
	w.messages = append(w.messages, rec)
	w.mu.Unlock()
	w.enqueued <- rec
	return rec.MessageID, nil
}

func (w *recordingWorld) CreateQueueHandler(prefix QueuePrefix, handler QueueHandler) HTTPHandler {
	return NewQueueHTTPHandler(prefix, handler, WithQueueHandlerLogger(testLogger()))
}

func (w *recordingWorld) recorded() []recordedMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]recordedMessage, len(w.messages))
	copy(out, w.messages)
	return out
}

// stubRequest implements HTTPRequest for handler tests.
type stubRequest struct {
	headers map[string]string
	body    []byte
	bodyErr error
}

func (r stubRequest) Header(name string) string {
	return r.headers[name]
}

func (r stubRequest) Body() ([]byte, error) {
	return r.body, r.bodyErr
}

// deliveryHeaders builds the three required queue headers.
func deliveryHeaders(queueName, messageID string, attempt int) map[string]string {
	return map[string]string{
		"x-vqs-queue-name":      queueName,
		"x-vqs-message-id":      messageID,
		"x-vqs-message-attempt": strconv.Itoa(attempt),
	}
}

/* Event is a simple condition-variable signal between goroutines. */
type Event struct {
	mu    sync.Mutex
	cond  *sync.Cond
	IsSet bool
}

func NewEvent() *Event {
	e := &Event{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *Event) Wait() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for !e.IsSet {
		e.cond.Wait()
	}
}

func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.IsSet = true
	e.cond.Broadcast()
}
