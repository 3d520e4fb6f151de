package durably

import (
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

func init() {
	gob.Register(ScheduledInput{})
}

// defaultCatchupHorizon is not read by the scheduler: cron firings missed
// while no process was running are not replayed after a restart.
const defaultCatchupHorizon = 100

type scheduledEntry struct {
	fqn      string
	cronExpr string
	entry    *workflowRegistryEntry
}

// scheduler drives C6: it fires a deterministically-ided workflow launch for
// every cron occurrence that falls due while the process runs, routed
// through the internal queue. The id is built from the firing time at
// second precision, so two processes firing the same occurrence share it.
type scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	started bool
}

func newScheduler(logger *zap.Logger) *scheduler {
	return &scheduler{
		logger: logger,
		cron:   cron.New(cron.WithSeconds()),
	}
}

func (s *scheduler) addSchedule(dc *dbosContext, sched scheduledEntry) {
	name := sched.entry.name
	if name == "" {
		name = sched.fqn
	}

	_, err := s.cron.AddFunc(sched.cronExpr, func() {
		s.fire(dc, sched, name)
	})
	if err != nil {
		s.logger.Error("invalid cron expression", zap.String("workflow", name), zap.String("expr", sched.cronExpr), zap.Error(err))
	}
}

func (s *scheduler) fire(dc *dbosContext, sched scheduledEntry, name string) {
	firingTime := time.Now().UTC().Truncate(time.Second)
	workflowID := fmt.Sprintf("sched-%s-%s", name, firingTime.Format(time.RFC3339))

	_, err := sched.entry.wrappedFunction(dc, ScheduledInput{ScheduledTime: firingTime, ActualStartTime: time.Now().UTC()},
		WithWorkflowID(workflowID), WithQueue(internalQueueName))
	if err != nil {
		s.logger.Error("failed to launch scheduled workflow", zap.String("workflow", name), zap.String("workflow_id", workflowID), zap.Error(err))
	}
}

// ScheduledInput is the input type for workflows registered with
// WithSchedule: it carries both the nominal firing time and the time the
// firing was actually dispatched, which is slightly later.
type ScheduledInput struct {
	ScheduledTime   time.Time
	ActualStartTime time.Time
}

func (s *scheduler) start(dc *dbosContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

func (s *scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	<-s.cron.Stop().Done()
}
