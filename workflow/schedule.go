package workflow

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler enqueues runs of registered workflows on cron schedules.
// Schedules use the six-field format with a seconds column.
type Scheduler struct {
	runtime *Runtime
	cron    *cron.Cron
	logger  *slog.Logger
}

// NewScheduler constructs a Scheduler bound to a runtime.
func NewScheduler(rt *Runtime) *Scheduler {
	return &Scheduler{
		runtime: rt,
		cron:    cron.New(cron.WithSeconds()),
		logger:  rt.logger,
	}
}

// ScheduleWorkflow enqueues a run of the workflow with the given input each
// time the cron expression fires.
func ScheduleWorkflow[P any, R any](s *Scheduler, spec string, wf *Workflow[P, R], input P, opts ...QueueOption) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() {
		runID, err := Enqueue(context.Background(), s.runtime, wf, input, opts...)
		if err != nil {
			s.logger.Error("scheduled enqueue failed", "workflow", wf.name, "error", err)
			return
		}
		s.logger.Debug("scheduled run enqueued", "workflow", wf.name, "run_id", runID)
	})
}

// Start begins firing schedules in a background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops firing schedules and waits for in-flight scheduled jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
