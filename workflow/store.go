package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RunRecord is the durable state of one run: identity, input, the event
// log accumulated so far, and the terminal outcome once there is one.
type RunRecord struct {
	RunID        string
	WorkflowName string
	InputJSON    string
	StartedAt    time.Time
	Status       RunStatus
	ResultJSON   string
	Error        string
	Events       []WorkflowEvent
}

// runStore persists run records between resumptions. The context parameter
// exists so network-backed implementations can honor cancellation; the
// in-memory store ignores it.
type runStore interface {
	createRun(ctx context.Context, rec RunRecord) error
	getRun(ctx context.Context, runID string) (RunRecord, error)
	appendEvent(ctx context.Context, runID string, ev WorkflowEvent) error
	completeRun(ctx context.Context, runID string, status RunStatus, resultJSON, errMsg string) error
}

type memoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*RunRecord
}

func newMemoryRunStore() *memoryRunStore {
	return &memoryRunStore{runs: make(map[string]*RunRecord)}
}

func (s *memoryRunStore) createRun(_ context.Context, rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[rec.RunID]; exists {
		return fmt.Errorf("run %s already exists", rec.RunID)
	}
	stored := rec
	stored.Events = append([]WorkflowEvent(nil), rec.Events...)
	s.runs[rec.RunID] = &stored
	return nil
}

func (s *memoryRunStore) getRun(_ context.Context, runID string) (RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[runID]
	if !ok {
		return RunRecord{}, newNonExistentRunError(runID)
	}
	out := *rec
	out.Events = append([]WorkflowEvent(nil), rec.Events...)
	return out, nil
}

func (s *memoryRunStore) appendEvent(_ context.Context, runID string, ev WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return newNonExistentRunError(runID)
	}
	rec.Events = append(rec.Events, ev)
	return nil
}

func (s *memoryRunStore) completeRun(_ context.Context, runID string, status RunStatus, resultJSON, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return newNonExistentRunError(runID)
	}
	rec.Status = status
	rec.ResultJSON = resultJSON
	rec.Error = errMsg
	return nil
}
