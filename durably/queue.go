package durably

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	internalQueueName           = "_durably_internal_queue"
	defaultMaxTasksPerIteration = 100
	defaultBasePollingInterval  = time.Second
	defaultMaxPollingInterval   = 120 * time.Second
)

// RateLimiter describes a start-rate bound (Limit starts per Period) for a
// queue. It is stored on the queue; the queue runner does not apply it.
type RateLimiter struct {
	Limit  int
	Period time.Duration
}

// WorkflowQueue is a named lane that workflow starts can be routed through
// instead of running immediately (C7). Each poll dequeues at most
// MaxTasksPerIteration entries; WorkerConcurrency, GlobalConcurrency,
// PriorityEnabled, RateLimit and PartitionQueue are recorded but not
// enforced by the queue runner, and entries are always taken in priority
// order.
type WorkflowQueue struct {
	Name                 string
	WorkerConcurrency    *int
	GlobalConcurrency    *int
	PriorityEnabled      bool
	RateLimit            *RateLimiter
	MaxTasksPerIteration int
	PartitionQueue       bool

	basePollingInterval time.Duration
	maxPollingInterval  time.Duration
}

// QueueOption configures NewWorkflowQueue.
type QueueOption func(*WorkflowQueue)

func WithWorkerConcurrency(n int) QueueOption { return func(q *WorkflowQueue) { q.WorkerConcurrency = &n } }
func WithGlobalConcurrency(n int) QueueOption { return func(q *WorkflowQueue) { q.GlobalConcurrency = &n } }
func WithPriorityEnabled(enabled bool) QueueOption {
	return func(q *WorkflowQueue) { q.PriorityEnabled = enabled }
}
func WithRateLimiter(rl RateLimiter) QueueOption { return func(q *WorkflowQueue) { q.RateLimit = &rl } }
func WithMaxTasksPerIteration(n int) QueueOption {
	return func(q *WorkflowQueue) { q.MaxTasksPerIteration = n }
}
func WithPartitionQueue(enabled bool) QueueOption { return func(q *WorkflowQueue) { q.PartitionQueue = enabled } }
func WithQueueBasePollingInterval(d time.Duration) QueueOption {
	return func(q *WorkflowQueue) { q.basePollingInterval = d }
}
func WithQueueMaxPollingInterval(d time.Duration) QueueOption {
	return func(q *WorkflowQueue) { q.maxPollingInterval = d }
}

// NewWorkflowQueue registers a named queue. Must be called before Launch.
func NewWorkflowQueue(ctx DBOSContext, name string, opts ...QueueOption) WorkflowQueue {
	dc := ctx.(*dbosContext)
	q := WorkflowQueue{
		Name:                 name,
		MaxTasksPerIteration: defaultMaxTasksPerIteration,
		basePollingInterval:  defaultBasePollingInterval,
		maxPollingInterval:   defaultMaxPollingInterval,
	}
	for _, opt := range opts {
		opt(&q)
	}
	dc.queueRunner.register(q)
	return q
}

type queueRunner struct {
	logger *zap.Logger

	backoffFactor   float64
	scalebackFactor float64
	jitterMin       float64
	jitterMax       float64

	mu       sync.Mutex
	queues   map[string]WorkflowQueue
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newQueueRunner(logger *zap.Logger) *queueRunner {
	return &queueRunner{
		logger:          logger,
		backoffFactor:   2.0,
		scalebackFactor: 0.9,
		jitterMin:       0.95,
		jitterMax:       1.05,
		queues:          make(map[string]WorkflowQueue),
		stopCh:          make(chan struct{}),
	}
}

func (r *queueRunner) register(q WorkflowQueue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.queues[q.Name]; exists {
		panic(fmt.Sprintf("durably: queue %q already registered", q.Name))
	}
	r.queues[q.Name] = q
}

func (r *queueRunner) listQueues() []WorkflowQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WorkflowQueue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q)
	}
	return out
}

func (r *queueRunner) run(dc *dbosContext) {
	r.mu.Lock()
	queues := make([]WorkflowQueue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mu.Unlock()

	for _, q := range queues {
		r.wg.Add(1)
		go func(q WorkflowQueue) {
			defer r.wg.Done()
			r.runQueue(dc, q)
		}(q)
	}
}

func (r *queueRunner) stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *queueRunner) runQueue(dc *dbosContext, q WorkflowQueue) {
	interval := q.basePollingInterval
	if interval == 0 {
		interval = defaultBasePollingInterval
	}
	maxInterval := q.maxPollingInterval
	if maxInterval == 0 {
		maxInterval = defaultMaxPollingInterval
	}

	for {
		select {
		case <-r.stopCh:
			return
		case <-dc.goCtx.Done():
			return
		default:
		}

		maxTasks := q.MaxTasksPerIteration
		if maxTasks <= 0 {
			maxTasks = defaultMaxTasksPerIteration
		}

		dequeued, err := retryWithResult(dc.goCtx, r.logger, func() ([]workflowStatusRow, error) {
			return dc.systemDB.dequeue(dc.goCtx, q.Name, maxTasks)
		})

		if err != nil {
			r.logger.Warn("dequeue failed", zap.String("queue", q.Name), zap.Error(err))
			interval = minDuration(time.Duration(float64(interval)*r.backoffFactor), maxInterval)
		} else {
			for _, row := range dequeued {
				r.dispatch(dc, row)
			}
			if len(dequeued) > 0 {
				interval = maxDuration(time.Duration(float64(interval)*r.scalebackFactor), q.basePollingInterval)
			}
		}

		jitter := r.jitterMin + rand.Float64()*(r.jitterMax-r.jitterMin)
		sleepFor := time.Duration(float64(interval) * jitter)

		select {
		case <-dc.goCtx.Done():
			return
		case <-r.stopCh:
			return
		case <-time.After(sleepFor):
		}
	}
}

func (r *queueRunner) dispatch(dc *dbosContext, row workflowStatusRow) {
	entry, ok := dc.registry.resolve(row.Name)
	if !ok {
		r.logger.Error("dequeued workflow has no registered handler", zap.String("workflow_id", row.WorkflowUUID), zap.String("name", row.Name))
		_ = dc.systemDB.updateWorkflowOutcome(dc.goCtx, row.WorkflowUUID, WorkflowStatusError, nil, newNotRegisteredError(row.Name))
		return
	}
	input, err := deserialize(row.Input)
	if err != nil {
		r.logger.Error("failed to decode dequeued workflow input", zap.String("workflow_id", row.WorkflowUUID), zap.Error(err))
		return
	}
	if _, err := entry.wrappedFunction(dc, input, WithWorkflowID(row.WorkflowUUID)); err != nil {
		r.logger.Warn("dequeued workflow launch returned an error", zap.String("workflow_id", row.WorkflowUUID), zap.Error(err))
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
