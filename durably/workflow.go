package durably

import (
	"context"
	"encoding/gob"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WorkflowStatusType enumerates the lifecycle states a workflow instance can
// be in. Transitions are monotone except PENDING->PENDING.
type WorkflowStatusType string

const (
	WorkflowStatusPending         WorkflowStatusType = "PENDING"
	WorkflowStatusEnqueued        WorkflowStatusType = "ENQUEUED"
	WorkflowStatusSuccess         WorkflowStatusType = "SUCCESS"
	WorkflowStatusError           WorkflowStatusType = "ERROR"
	WorkflowStatusRetriesExceeded WorkflowStatusType = "RETRIES_EXCEEDED"
	WorkflowStatusCancelled       WorkflowStatusType = "CANCELLED"
)

// WorkflowStatus is the public, typed view of a workflow_status row.
type WorkflowStatus struct {
	WorkflowID         string
	Status             WorkflowStatusType
	Name               string
	AuthenticatedUser  string
	Input              any
	Output             any
	Error              error
	ExecutorID         string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ApplicationVersion string
	QueueName          string
	DeduplicationID    string
	Priority           int
	Deadline           time.Time
	Timeout            time.Duration
	QueuedAt           time.Time
	StartedAt          time.Time
	CompletedAt        time.Time
}

func statusFromRow(row workflowStatusRow) (WorkflowStatus, error) {
	ws := WorkflowStatus{
		WorkflowID:         row.WorkflowUUID,
		Status:             row.Status,
		Name:               row.Name,
		AuthenticatedUser:  row.AuthenticatedUser,
		ExecutorID:         row.ExecutorID,
		CreatedAt:          time.UnixMilli(row.CreatedAt),
		UpdatedAt:          time.UnixMilli(row.UpdatedAt),
		ApplicationVersion: row.ApplicationVersion,
		QueueName:          row.QueueName,
		DeduplicationID:    row.DeduplicationID,
		Priority:           row.Priority,
	}
	if row.Input != nil {
		v, err := deserialize(row.Input)
		if err != nil {
			return ws, err
		}
		ws.Input = v
	}
	if row.Output != nil {
		v, err := deserialize(row.Output)
		if err != nil {
			return ws, err
		}
		ws.Output = v
	}
	if row.Error != nil {
		v, err := deserialize(row.Error)
		if err != nil {
			return ws, err
		}
		if msg, ok := v.(string); ok && msg != "" {
			ws.Error = newError(KindUnknown, msg)
		}
	}
	if row.DeadlineEpochMs != nil {
		ws.Deadline = time.UnixMilli(*row.DeadlineEpochMs)
	}
	if row.TimeoutMs != nil {
		ws.Timeout = time.Duration(*row.TimeoutMs) * time.Millisecond
	}
	if row.QueuedAt != nil {
		ws.QueuedAt = time.UnixMilli(*row.QueuedAt)
	}
	if row.StartedAt != nil {
		ws.StartedAt = time.UnixMilli(*row.StartedAt)
	}
	if row.CompletedAt != nil {
		ws.CompletedAt = time.UnixMilli(*row.CompletedAt)
	}
	return ws, nil
}

// workflowState travels on the context of every running workflow. It tracks
// the monotonic step counter that makes replay deterministic (P2).
type workflowState struct {
	workflowID   string
	mu           sync.Mutex
	stepID       int
	isWithinStep bool
}

func (s *workflowState) nextStepID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.stepID
	s.stepID++
	return id
}

type workflowStateKeyType struct{}

var workflowStateKey = workflowStateKeyType{}

func workflowStateFromContext(ctx context.Context) (*workflowState, bool) {
	v, ok := ctx.Value(workflowStateKey).(*workflowState)
	return v, ok
}

// GetWorkflowID returns the id of the workflow currently executing on ctx,
// or "" if ctx is not within a workflow.
func GetWorkflowID(ctx context.Context) string {
	if st, ok := workflowStateFromContext(ctx); ok {
		return st.workflowID
	}
	return ""
}

// WorkflowHandle is a typed reference to a workflow's eventual result.
type WorkflowHandle[R any] interface {
	GetWorkflowID() string
	GetResult(ctx context.Context) (R, error)
	GetStatus(ctx context.Context) (WorkflowStatus, error)
}

// workflowPollingHandle polls the system database for the result; it is
// what every public entry point (Enqueue, RetrieveWorkflow, ForkWorkflow)
// hands back, since the workflow may be running in a different process.
type workflowPollingHandle[R any] struct {
	workflowID string
	ctx        *dbosContext
}

func (h *workflowPollingHandle[R]) GetWorkflowID() string { return h.workflowID }

func (h *workflowPollingHandle[R]) GetResult(ctx context.Context) (R, error) {
	var zero R
	out, err := h.ctx.systemDB.awaitWorkflowResult(ctx, h.workflowID)
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	if typed, ok := out.(R); ok {
		return typed, nil
	}
	return zero, wrapError(KindSerializationFailure, fmt.Sprintf("result for %q has unexpected type", h.workflowID), nil)
}

func (h *workflowPollingHandle[R]) GetStatus(ctx context.Context) (WorkflowStatus, error) {
	row, err := h.ctx.systemDB.getWorkflowStatus(ctx, h.workflowID)
	if err != nil {
		return WorkflowStatus{}, err
	}
	if row == nil {
		return WorkflowStatus{}, newNonExistentWorkflowError(h.workflowID)
	}
	return statusFromRow(*row)
}

// GenericWorkflowFunc is the user-supplied workflow body.
type GenericWorkflowFunc[P, R any] func(ctx DBOSContext, input P) (R, error)

// WorkflowFunc is the type-erased wrapper stored in the registry.
type WorkflowFunc func(ctx DBOSContext, input any, opts ...WorkflowOption) (WorkflowHandle[any], error)

type workflowRegistryEntry struct {
	name            string
	wrappedFunction WorkflowFunc
	maxRetries      int
	cronSchedule    string
}

type workflowRegistration struct {
	mu         sync.Mutex
	byFQN      map[string]*workflowRegistryEntry
	byName     map[string]string // custom name -> FQN
	launched   bool
}

func newWorkflowRegistration() *workflowRegistration {
	return &workflowRegistration{
		byFQN:  make(map[string]*workflowRegistryEntry),
		byName: make(map[string]string),
	}
}

func (r *workflowRegistration) register(fqn string, entry *workflowRegistryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.launched {
		panic("durably: cannot register a workflow after Launch")
	}
	if _, exists := r.byFQN[fqn]; exists {
		panic(fmt.Sprintf("durably: workflow %q already registered", fqn))
	}
	r.byFQN[fqn] = entry
	if entry.name != "" {
		r.byName[entry.name] = fqn
	}
}

func (r *workflowRegistration) resolve(name string) (*workflowRegistryEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.byFQN[name]; ok {
		return entry, true
	}
	if fqn, ok := r.byName[name]; ok {
		return r.byFQN[fqn], true
	}
	return nil, false
}

// registerOptions configure RegisterWorkflow.
type registerOptions struct {
	maxRetries   int
	name         string
	cronSchedule string
}

// RegisterOption configures a call to RegisterWorkflow.
type RegisterOption func(*registerOptions)

// WithMaxRetries records a retry limit on the workflow's registry entry
// (default 3). Launches, recoveries and child workflow starts do not read it
// and are not retried or limited by it.
func WithMaxRetries(n int) RegisterOption {
	return func(o *registerOptions) { o.maxRetries = n }
}

// WithWorkflowName gives the workflow a stable name distinct from its Go
// function name, so renaming the function does not break recovery of
// in-flight instances recorded under the old name.
func WithWorkflowName(name string) RegisterOption {
	return func(o *registerOptions) { o.name = name }
}

// WithSchedule registers the workflow to additionally run on a cron
// schedule, routed through the internal system queue (SPEC_FULL.md §4.6).
func WithSchedule(cronExpr string) RegisterOption {
	return func(o *registerOptions) { o.cronSchedule = cronExpr }
}

// RegisterWorkflow makes fn invocable by name through ctx. It must be called
// before Launch.
func RegisterWorkflow[P, R any](ctx DBOSContext, fn GenericWorkflowFunc[P, R], opts ...RegisterOption) {
	dc, ok := ctx.(*dbosContext)
	if !ok {
		panic("durably: RegisterWorkflow requires a context created by NewDBOSContext")
	}

	o := &registerOptions{maxRetries: 3}
	for _, opt := range opts {
		opt(o)
	}

	fqn := workflowFQN(fn)

	var p P
	var r R
	safeGobRegister(p, dc.logger)
	safeGobRegister(r, dc.logger)

	wrapped := func(ctx DBOSContext, input any, wfOpts ...WorkflowOption) (WorkflowHandle[any], error) {
		typedInput, _ := input.(P)
		if o.name != "" {
			wfOpts = append([]WorkflowOption{withWorkflowName(o.name)}, wfOpts...)
		}
		handle, err := runAsWorkflow(ctx.(*dbosContext), fqn, func(c DBOSContext) (any, error) {
			return fn(c, typedInput)
		}, typedInput, wfOpts...)
		return handle, err
	}

	entry := &workflowRegistryEntry{name: o.name, wrappedFunction: wrapped, maxRetries: o.maxRetries, cronSchedule: o.cronSchedule}
	dc.registry.register(fqn, entry)
	if o.cronSchedule != "" {
		dc.pendingSchedules = append(dc.pendingSchedules, scheduledEntry{fqn: fqn, cronExpr: o.cronSchedule, entry: entry})
	}
}

// workflowFQN names a workflow function by its Go symbol, so two functions
// with the same signature get distinct registry keys.
func workflowFQN(fn any) string {
	return runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()
}

// workflowParams configures a workflow launch.
type workflowParams struct {
	workflowID         string
	queueName          string
	applicationVersion string
	deduplicationID    string
	priority           int
	timeout            time.Duration
	workflowName       string
}

// WorkflowOption configures RunAsWorkflow/Enqueue.
type WorkflowOption func(*workflowParams)

// WithWorkflowID pins the workflow to a caller-chosen id. A second launch
// with the same id returns a handle to the existing instance; while that
// instance is still PENDING its body is run again, and the steps it already
// recorded return their recorded results instead of executing.
func WithWorkflowID(id string) WorkflowOption {
	return func(p *workflowParams) { p.workflowID = id }
}

// WithQueue routes the workflow through a named queue instead of running it
// immediately.
func WithQueue(name string) WorkflowOption {
	return func(p *workflowParams) { p.queueName = name }
}

// WithApplicationVersion overrides the recorded application version.
func WithApplicationVersion(version string) WorkflowOption {
	return func(p *workflowParams) { p.applicationVersion = version }
}

// WithDeduplicationID rejects a second enqueue onto the same queue with the
// same dedup id: the launch fails with a KindQueueDeduplicated error instead
// of starting a duplicate instance.
func WithDeduplicationID(id string) WorkflowOption {
	return func(p *workflowParams) { p.deduplicationID = id }
}

// WithPriority sets the queue ordering priority (lower runs first).
func WithPriority(priority int) WorkflowOption {
	return func(p *workflowParams) { p.priority = priority }
}

// WithTimeout bounds total workflow execution time from start.
func WithTimeout(d time.Duration) WorkflowOption {
	return func(p *workflowParams) { p.timeout = d }
}

func withWorkflowName(name string) WorkflowOption {
	return func(p *workflowParams) { p.workflowName = name }
}

// RunAsWorkflow launches fn as a durable workflow and returns its handle. If
// called from inside another workflow, the child's id is derived
// deterministically from the parent's (parent_id-parent_step_id), which
// makes the child launch itself idempotent under parent replay.
func RunAsWorkflow[P, R any](ctx DBOSContext, fn GenericWorkflowFunc[P, R], input P, opts ...WorkflowOption) (WorkflowHandle[R], error) {
	dc, ok := ctx.(*dbosContext)
	if !ok {
		return nil, newError(KindUserDataValidation, "ctx must be created by NewDBOSContext")
	}
	var r R
	safeGobRegister(r, dc.logger)

	fqn := workflowFQN(fn)
	if entry, ok := dc.registry.resolve(fqn); ok && entry.name != "" {
		opts = append([]WorkflowOption{withWorkflowName(entry.name)}, opts...)
	}
	handle, err := runAsWorkflow(dc, fqn, func(c DBOSContext) (any, error) {
		return fn(c, input)
	}, input, opts...)
	if err != nil {
		return nil, err
	}
	return &workflowPollingHandle[R]{workflowID: handle.GetWorkflowID(), ctx: dc}, nil
}

// runAsWorkflow implements the shared launch path for both RegisterWorkflow's
// wrapper and RunAsWorkflow: derive/validate the workflow id, insert the
// PENDING row (idempotently), then either enqueue or run the body on a
// goroutine that writes the terminal status on completion. An existing row is
// run again only while it is PENDING (resume, fork, queue dispatch,
// recovery); in any other status its handle is returned as is.
func runAsWorkflow(dc *dbosContext, fqn string, body func(DBOSContext) (any, error), input any, opts ...WorkflowOption) (WorkflowHandle[any], error) {
	params := &workflowParams{priority: 0}
	for _, opt := range opts {
		opt(params)
	}

	parentState, inWorkflow := workflowStateFromContext(dc.goCtx)
	workflowID := params.workflowID
	if workflowID == "" && inWorkflow {
		stepID := parentState.nextStepID()
		workflowID = fmt.Sprintf("%s-%d", parentState.workflowID, stepID)
	}
	if workflowID == "" {
		workflowID = uuid.New().String()
	}

	appVersion := params.applicationVersion
	if appVersion == "" {
		appVersion = dc.applicationVersion
	}

	encodedInput, err := serialize(input)
	if err != nil {
		return nil, err
	}

	name := params.workflowName
	if name == "" {
		name = fqn
	}

	row := workflowStatusRow{
		WorkflowUUID:       workflowID,
		Status:             WorkflowStatusPending,
		Name:               name,
		Input:              encodedInput,
		ExecutorID:         dc.executorID,
		CreatedAt:          nowMs(),
		UpdatedAt:          nowMs(),
		ApplicationVersion: appVersion,
		QueueName:          params.queueName,
		DeduplicationID:    params.deduplicationID,
		Priority:           params.priority,
	}
	if params.queueName != "" {
		row.Status = WorkflowStatusEnqueued
		queuedAt := nowMs()
		row.QueuedAt = &queuedAt
	}
	if params.timeout > 0 {
		deadline := time.Now().Add(params.timeout).UnixMilli()
		row.DeadlineEpochMs = &deadline
		timeoutMs := params.timeout.Milliseconds()
		row.TimeoutMs = &timeoutMs
	}

	inserted, isNew, err := dc.systemDB.insertWorkflowStatus(dc.goCtx, nil, insertWorkflowInput{row: row})
	if err != nil {
		return nil, err
	}

	handle := &workflowPollingHandle[any]{workflowID: inserted.WorkflowUUID, ctx: dc}

	if !isNew && inserted.Status != WorkflowStatusPending {
		return handle, nil
	}
	if params.queueName != "" {
		return handle, nil
	}
	dc.metrics.workflowStarted(name)

	dc.spawnWorkflow(workflowID, inserted.DeadlineEpochMs, body)
	return handle, nil
}

// spawnWorkflow runs body on a goroutine bound to a workflow-scoped context,
// writing the terminal outcome when it returns. It is also the resume path
// used by the recovery coordinator and the queue runner.
func (c *dbosContext) spawnWorkflow(workflowID string, deadlineEpochMs *int64, body func(DBOSContext) (any, error)) {
	c.inFlight.Add(1)
	var workflowCtx context.Context
	var cancel context.CancelFunc
	if deadlineEpochMs != nil {
		workflowCtx, cancel = context.WithDeadline(c.goCtx, time.UnixMilli(*deadlineEpochMs))
	} else {
		workflowCtx, cancel = context.WithCancel(c.goCtx)
	}
	state := &workflowState{workflowID: workflowID}
	workflowCtx = context.WithValue(workflowCtx, workflowStateKey, state)

	child := c.withGoContext(workflowCtx)

	stop := context.AfterFunc(workflowCtx, func() {
		_ = c.systemDB.updateWorkflowOutcome(context.Background(), workflowID, WorkflowStatusCancelled, nil, newWorkflowCancelledError(workflowID))
	})

	go func() {
		defer c.inFlight.Done()
		defer cancel()
		defer stop()

		output, err := body(child)

		if err != nil {
			if IsKind(err, KindCancelled) || workflowCtx.Err() == context.DeadlineExceeded {
				_ = c.systemDB.updateWorkflowOutcome(context.Background(), workflowID, WorkflowStatusCancelled, nil, err)
				c.metrics.workflowTerminated(state, WorkflowStatusCancelled)
				return
			}
			status := WorkflowStatusError
			if IsKind(err, KindRetriesExceeded) {
				status = WorkflowStatusRetriesExceeded
			}
			if uerr := c.systemDB.updateWorkflowOutcome(context.Background(), workflowID, status, nil, err); uerr != nil {
				c.logger.Error("failed to record workflow error outcome", zap.String("workflow_id", workflowID), zap.Error(uerr))
			}
			c.metrics.workflowTerminated(state, status)
			return
		}
		if uerr := c.systemDB.updateWorkflowOutcome(context.Background(), workflowID, WorkflowStatusSuccess, output, nil); uerr != nil {
			c.logger.Error("failed to record workflow success outcome", zap.String("workflow_id", workflowID), zap.Error(uerr))
		}
		c.metrics.workflowTerminated(state, WorkflowStatusSuccess)
	}()
}

func (c *dbosContext) withGoContext(ctx context.Context) *dbosContext {
	clone := *c
	clone.goCtx = ctx
	return &clone
}

// StepParams configures RunAsStep's retry behavior for non-transactional
// steps (SPEC_FULL/spec.md §4.3's "non-transactional step protocol").
type StepParams struct {
	MaxRetries    int
	BackoffFactor float64
	BaseInterval  time.Duration
	MaxInterval   time.Duration
	StepName      string
	RetriesAllowed bool
}

func defaultStepParams() StepParams {
	return StepParams{
		MaxRetries:     3,
		BackoffFactor:  2.0,
		BaseInterval:   100 * time.Millisecond,
		MaxInterval:    5 * time.Second,
		RetriesAllowed: true,
	}
}

// GenericStepFunc is a user-supplied step body.
type GenericStepFunc[R any] func(ctx context.Context) (R, error)

// RunAsStep executes fn at most once per (workflow, step) across all
// replays: on first run it executes (retrying up to MaxRetries on error) and
// records the outcome; on replay it returns the recorded outcome without
// invoking fn.
func RunAsStep[R any](ctx DBOSContext, fn GenericStepFunc[R], params ...StepParams) (R, error) {
	var zero R
	dc, ok := ctx.(*dbosContext)
	if !ok {
		return zero, newError(KindUserDataValidation, "ctx must be created by NewDBOSContext")
	}
	p := defaultStepParams()
	if len(params) > 0 {
		p = params[0]
	}

	state, inWorkflow := workflowStateFromContext(dc.goCtx)
	if !inWorkflow {
		return zero, newError(KindUserDataValidation, "RunAsStep must be called from within a workflow")
	}
	functionID := state.nextStepID()
	stepName := p.StepName
	if stepName == "" {
		stepName = fmt.Sprintf("step-%d", functionID)
	}

	recorded, err := dc.systemDB.checkOperationExecution(dc.goCtx, nil, checkOperationInput{
		workflowID: state.workflowID, functionID: functionID, stepName: stepName, table: "operation_outputs",
	})
	if err != nil {
		return zero, err
	}
	if recorded != nil {
		if recorded.err != nil {
			return zero, recorded.err
		}
		typed, _ := recorded.output.(R)
		return typed, nil
	}

	maxAttempts := 1
	if p.RetriesAllowed {
		maxAttempts = p.MaxRetries
		if maxAttempts < 1 {
			maxAttempts = 1
		}
	}

	var lastErr error
	var result R
	interval := p.BaseInterval
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-dc.goCtx.Done():
				return zero, newWorkflowCancelledError(state.workflowID)
			case <-time.After(interval):
			}
			interval = time.Duration(math_Min(float64(interval)*p.BackoffFactor, float64(p.MaxInterval)))
		}
		result, lastErr = fn(dc.goCtx)
		if lastErr == nil {
			break
		}
	}

	if lastErr != nil {
		var finalErr error = lastErr
		if p.RetriesAllowed && maxAttempts > 1 {
			finalErr = newRetriesExceededError(state.workflowID, stepName, maxAttempts)
		}
		if rerr := dc.systemDB.recordOperationResult(dc.goCtx, nil, recordOperationInput{
			workflowID: state.workflowID, functionID: functionID, stepName: stepName, err: finalErr, table: "operation_outputs",
		}); rerr != nil {
			return zero, rerr
		}
		return zero, finalErr
	}

	if err := dc.systemDB.recordOperationResult(dc.goCtx, nil, recordOperationInput{
		workflowID: state.workflowID, functionID: functionID, stepName: stepName, output: result, table: "operation_outputs",
	}); err != nil {
		return zero, err
	}
	return result, nil
}

func math_Min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Send delivers a message to destWorkflowID's topic queue, durably and
// idempotently with respect to the caller's step position.
func Send[M any](ctx DBOSContext, destWorkflowID, topic string, message M) error {
	dc, ok := ctx.(*dbosContext)
	if !ok {
		return newError(KindUserDataValidation, "ctx must be created by NewDBOSContext")
	}
	state, inWorkflow := workflowStateFromContext(dc.goCtx)
	functionID := -1
	workflowID := ""
	if inWorkflow {
		functionID = state.nextStepID()
		workflowID = state.workflowID
	}
	return dc.systemDB.send(dc.goCtx, workflowID, functionID, destWorkflowID, topic, message)
}

// Recv blocks for a message on topic addressed to the current workflow,
// returning early with a zero value if timeout elapses first.
func Recv[M any](ctx DBOSContext, topic string, timeout time.Duration) (M, error) {
	var zero M
	dc, ok := ctx.(*dbosContext)
	if !ok {
		return zero, newError(KindUserDataValidation, "ctx must be created by NewDBOSContext")
	}
	state, inWorkflow := workflowStateFromContext(dc.goCtx)
	if !inWorkflow {
		return zero, newError(KindUserDataValidation, "Recv must be called from within a workflow")
	}
	functionID := state.nextStepID()
	msg, err := dc.systemDB.recv(dc.goCtx, state.workflowID, functionID, topic, timeout)
	if err != nil || msg == nil {
		return zero, err
	}
	typed, _ := msg.(M)
	return typed, nil
}

// SetEvent publishes a (key, value) pair for the current workflow. A second
// call from the same workflow with the same key and a different value fails
// with a KindWorkflowConflict error; with the same value it is a no-op.
func SetEvent[V any](ctx DBOSContext, key string, value V) error {
	dc, ok := ctx.(*dbosContext)
	if !ok {
		return newError(KindUserDataValidation, "ctx must be created by NewDBOSContext")
	}
	state, inWorkflow := workflowStateFromContext(dc.goCtx)
	if !inWorkflow {
		return newError(KindUserDataValidation, "SetEvent must be called from within a workflow")
	}
	functionID := state.nextStepID()
	return dc.systemDB.setEvent(dc.goCtx, state.workflowID, functionID, key, value)
}

// GetEvent reads the (key) event published by targetWorkflowID, waiting up
// to timeout for it to appear.
func GetEvent[V any](ctx DBOSContext, targetWorkflowID, key string, timeout time.Duration) (V, error) {
	var zero V
	dc, ok := ctx.(*dbosContext)
	if !ok {
		return zero, newError(KindUserDataValidation, "ctx must be created by NewDBOSContext")
	}
	callerID := ""
	callerFunctionID := -1
	if state, inWorkflow := workflowStateFromContext(dc.goCtx); inWorkflow {
		callerID = state.workflowID
		callerFunctionID = state.nextStepID()
	}
	value, err := dc.systemDB.getEvent(dc.goCtx, targetWorkflowID, key, timeout, callerID, callerFunctionID)
	if err != nil || value == nil {
		return zero, err
	}
	typed, _ := value.(V)
	return typed, nil
}

// Sleep durably sleeps: the wake time is computed and recorded on first
// execution so that a replay after a crash sleeps only the remaining
// duration instead of the full amount again.
func Sleep(ctx DBOSContext, duration time.Duration) error {
	dc, ok := ctx.(*dbosContext)
	if !ok {
		return newError(KindUserDataValidation, "ctx must be created by NewDBOSContext")
	}
	state, inWorkflow := workflowStateFromContext(dc.goCtx)
	if !inWorkflow {
		return newError(KindUserDataValidation, "Sleep must be called from within a workflow")
	}
	functionID := state.nextStepID()
	remaining, err := dc.systemDB.sleep(dc.goCtx, state.workflowID, functionID, duration, false)
	if err != nil {
		return err
	}
	if remaining <= 0 {
		return nil
	}
	select {
	case <-time.After(remaining):
		return nil
	case <-dc.goCtx.Done():
		return newWorkflowCancelledError(state.workflowID)
	}
}

// RetrieveWorkflow returns a handle for an existing workflow id without
// starting anything.
func RetrieveWorkflow[R any](ctx DBOSContext, workflowID string) (WorkflowHandle[R], error) {
	dc, ok := ctx.(*dbosContext)
	if !ok {
		return nil, newError(KindUserDataValidation, "ctx must be created by NewDBOSContext")
	}
	row, err := dc.systemDB.getWorkflowStatus(dc.goCtx, workflowID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, newNonExistentWorkflowError(workflowID)
	}
	return &workflowPollingHandle[R]{workflowID: workflowID, ctx: dc}, nil
}

// CancelWorkflow marks workflowID CANCELLED; a subsequent step or wait
// inside it observes a Cancelled error.
func CancelWorkflow(ctx DBOSContext, workflowID string) error {
	dc, ok := ctx.(*dbosContext)
	if !ok {
		return newError(KindUserDataValidation, "ctx must be created by NewDBOSContext")
	}
	return dc.systemDB.cancelWorkflow(dc.goCtx, workflowID)
}

// ResumeWorkflow sets a PENDING, ENQUEUED, ERROR, RETRIES_EXCEEDED or
// CANCELLED workflow back to PENDING and runs its registered body again in
// this process with its originally recorded input.
func ResumeWorkflow[R any](ctx DBOSContext, workflowID string) (WorkflowHandle[R], error) {
	dc, ok := ctx.(*dbosContext)
	if !ok {
		return nil, newError(KindUserDataValidation, "ctx must be created by NewDBOSContext")
	}
	if err := dc.systemDB.resumeWorkflow(dc.goCtx, workflowID); err != nil {
		return nil, err
	}
	if err := dc.resumeRegisteredWorkflow(workflowID); err != nil {
		return nil, err
	}
	return &workflowPollingHandle[R]{workflowID: workflowID, ctx: dc}, nil
}

// forkWorkflowParams configures ForkWorkflow.
type forkWorkflowParams struct {
	forkedWorkflowID   string
	startStep          uint
	applicationVersion string
}

// ForkWorkflowOption configures ForkWorkflow.
type ForkWorkflowOption func(*forkWorkflowParams)

// WithForkWorkflowID sets a custom id for the forked workflow.
func WithForkWorkflowID(id string) ForkWorkflowOption {
	return func(p *forkWorkflowParams) { p.forkedWorkflowID = id }
}

// WithForkApplicationVersion overrides the application version recorded for
// the fork.
func WithForkApplicationVersion(version string) ForkWorkflowOption {
	return func(p *forkWorkflowParams) { p.applicationVersion = version }
}

// ForkWorkflow copies originalWorkflowID's operation log up to startStep and
// resumes execution from there under a fresh workflow id.
func ForkWorkflow[R any](ctx DBOSContext, originalWorkflowID string, startStep uint, opts ...ForkWorkflowOption) (WorkflowHandle[R], error) {
	dc, ok := ctx.(*dbosContext)
	if !ok {
		return nil, newError(KindUserDataValidation, "ctx must be created by NewDBOSContext")
	}
	params := &forkWorkflowParams{startStep: startStep}
	for _, opt := range opts {
		opt(params)
	}
	if params.forkedWorkflowID == "" {
		params.forkedWorkflowID = uuid.New().String()
	}

	if err := dc.systemDB.forkWorkflow(dc.goCtx, forkWorkflowDBInput{
		originalWorkflowID: originalWorkflowID,
		forkedWorkflowID:   params.forkedWorkflowID,
		startStep:          int(params.startStep),
		applicationVersion: params.applicationVersion,
	}); err != nil {
		return nil, err
	}
	if err := dc.resumeRegisteredWorkflow(params.forkedWorkflowID); err != nil {
		return nil, err
	}
	return &workflowPollingHandle[R]{workflowID: params.forkedWorkflowID, ctx: dc}, nil
}

// listWorkflowsParams configures ListWorkflows.
type listWorkflowsParams struct {
	workflowIDs      []string
	status           []WorkflowStatusType
	startTime        time.Time
	endTime          time.Time
	name             string
	appVersion       string
	user             string
	limit            *int
	offset           *int
	sortDesc         bool
	workflowIDPrefix string
	loadInput        bool
	loadOutput       bool
	queueName        string
	queuesOnly       bool
}

// ListWorkflowsOption configures ListWorkflows.
type ListWorkflowsOption func(*listWorkflowsParams)

func WithWorkflowIDs(ids []string) ListWorkflowsOption {
	return func(p *listWorkflowsParams) { p.workflowIDs = ids }
}
func WithStatus(status []WorkflowStatusType) ListWorkflowsOption {
	return func(p *listWorkflowsParams) { p.status = status }
}
func WithStartTime(t time.Time) ListWorkflowsOption { return func(p *listWorkflowsParams) { p.startTime = t } }
func WithEndTime(t time.Time) ListWorkflowsOption   { return func(p *listWorkflowsParams) { p.endTime = t } }
func WithName(name string) ListWorkflowsOption      { return func(p *listWorkflowsParams) { p.name = name } }
func WithAppVersion(v string) ListWorkflowsOption   { return func(p *listWorkflowsParams) { p.appVersion = v } }
func WithUser(u string) ListWorkflowsOption         { return func(p *listWorkflowsParams) { p.user = u } }
func WithLimit(n int) ListWorkflowsOption           { return func(p *listWorkflowsParams) { p.limit = &n } }
func WithOffset(n int) ListWorkflowsOption          { return func(p *listWorkflowsParams) { p.offset = &n } }
func WithSortDesc(desc bool) ListWorkflowsOption    { return func(p *listWorkflowsParams) { p.sortDesc = desc } }
func WithWorkflowIDPrefix(prefix string) ListWorkflowsOption {
	return func(p *listWorkflowsParams) { p.workflowIDPrefix = prefix }
}
func WithLoadInput(load bool) ListWorkflowsOption  { return func(p *listWorkflowsParams) { p.loadInput = load } }
func WithLoadOutput(load bool) ListWorkflowsOption { return func(p *listWorkflowsParams) { p.loadOutput = load } }

// WithQueueName restricts results to workflows enqueued on the named queue.
func WithQueueName(name string) ListWorkflowsOption {
	return func(p *listWorkflowsParams) { p.queueName = name }
}

// WithQueuesOnly restricts results to workflows that were launched through a
// queue, whatever their current status.
func WithQueuesOnly() ListWorkflowsOption {
	return func(p *listWorkflowsParams) { p.queuesOnly = true }
}

// ListWorkflows queries workflow instances with the given filters applied.
func ListWorkflows(ctx DBOSContext, opts ...ListWorkflowsOption) ([]WorkflowStatus, error) {
	dc, ok := ctx.(*dbosContext)
	if !ok {
		return nil, newError(KindUserDataValidation, "ctx must be created by NewDBOSContext")
	}
	params := &listWorkflowsParams{loadInput: true, loadOutput: true}
	for _, opt := range opts {
		opt(params)
	}
	rows, err := dc.systemDB.listWorkflows(dc.goCtx, listWorkflowsDBInput{
		workflowIDs:        params.workflowIDs,
		status:             params.status,
		startTime:          params.startTime,
		endTime:            params.endTime,
		workflowName:       params.name,
		applicationVersion: params.appVersion,
		authenticatedUser:  params.user,
		limit:              params.limit,
		offset:             params.offset,
		sortDesc:           params.sortDesc,
		workflowIDPrefix:   params.workflowIDPrefix,
		loadInput:          params.loadInput,
		loadOutput:         params.loadOutput,
		queueName:          params.queueName,
		queuesOnly:         params.queuesOnly,
	})
	if err != nil {
		return nil, err
	}
	out := make([]WorkflowStatus, 0, len(rows))
	for _, row := range rows {
		ws, err := statusFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, nil
}

// GetWorkflowSteps returns the recorded operation log for workflowID, for
// debugging and the admin surface.
func GetWorkflowSteps(ctx DBOSContext, workflowID string) ([]StepInfo, error) {
	dc, ok := ctx.(*dbosContext)
	if !ok {
		return nil, newError(KindUserDataValidation, "ctx must be created by NewDBOSContext")
	}
	return dc.systemDB.getWorkflowSteps(dc.goCtx, workflowID)
}

func init() {
	gob.Register(workflowStatusRow{})
}
