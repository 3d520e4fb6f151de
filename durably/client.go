package durably

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ClientConfig configures NewClient. It mirrors Config but omits the
// workflow-registry fields a client has no use for: a client only enqueues
// and inspects workflows owned by some other running application.
type ClientConfig struct {
	DatabaseURL string
	SchemaName  string
	Logger      *zap.Logger
	RedisURL    string
}

// Client lets code outside any workflow enqueue, inspect, and message
// workflows without itself being a registered workflow application.
type Client interface {
	Enqueue(queueName, workflowName string, input any, opts ...EnqueueOption) (WorkflowHandle[any], error)
	ListWorkflows(opts ...ListWorkflowsOption) ([]WorkflowStatus, error)
	Send(destinationID string, message any, topic string) error
	GetEvent(targetWorkflowID, key string, timeout time.Duration) (any, error)
	RetrieveWorkflow(workflowID string) (WorkflowHandle[any], error)
	CancelWorkflow(workflowID string) error
	ResumeWorkflow(workflowID string) (WorkflowHandle[any], error)
	ForkWorkflow(originalWorkflowID string, startStep uint, opts ...ForkWorkflowOption) (WorkflowHandle[any], error)
	GetWorkflowSteps(workflowID string) ([]StepInfo, error)
	Shutdown(timeout time.Duration)
}

type client struct {
	dc *dbosContext
}

// NewClient opens a connection to the system database without registering
// any workflows or starting the background loops Launch would start — a
// client only ever reaches the database through insertWorkflowStatus and
// the messaging/event primitives, never by executing workflow bodies.
func NewClient(ctx context.Context, config ClientConfig) (Client, error) {
	dbosCtx, err := NewDBOSContext(ctx, Config{
		DatabaseURL: config.DatabaseURL,
		SchemaName:  config.SchemaName,
		AppName:     "durably-client",
		Logger:      config.Logger,
		RedisURL:    config.RedisURL,
	})
	if err != nil {
		return nil, err
	}
	if err := dbosCtx.(*dbosContext).systemDB.launch(ctx); err != nil {
		return nil, err
	}
	return &client{dc: dbosCtx.(*dbosContext)}, nil
}

// EnqueueOption configures Client.Enqueue.
type EnqueueOption func(*enqueueOptions)

func WithEnqueueWorkflowID(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.workflowID = id }
}
func WithEnqueueApplicationVersion(version string) EnqueueOption {
	return func(o *enqueueOptions) { o.applicationVersion = version }
}
func WithEnqueueDeduplicationID(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.deduplicationID = id }
}
func WithEnqueuePriority(priority uint) EnqueueOption {
	return func(o *enqueueOptions) { o.priority = priority }
}
func WithEnqueueTimeout(timeout time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.timeout = timeout }
}

type enqueueOptions struct {
	workflowID         string
	applicationVersion string
	deduplicationID    string
	priority           uint
	timeout            time.Duration
}

// Enqueue inserts an ENQUEUED workflow row for pickup by whichever running
// application has workflowName registered; it never executes the workflow
// body itself.
func (c *client) Enqueue(queueName, workflowName string, input any, opts ...EnqueueOption) (WorkflowHandle[any], error) {
	o := &enqueueOptions{applicationVersion: c.dc.applicationVersion}
	for _, opt := range opts {
		opt(o)
	}
	if o.priority > math.MaxInt32 {
		return nil, newError(KindUserDataValidation, fmt.Sprintf("priority %d exceeds maximum allowed value", o.priority))
	}

	workflowID := o.workflowID
	if workflowID == "" {
		workflowID = uuid.New().String()
	}

	encodedInput, err := serialize(input)
	if err != nil {
		return nil, err
	}

	row := workflowStatusRow{
		WorkflowUUID:       workflowID,
		Status:             WorkflowStatusEnqueued,
		Name:               workflowName,
		Input:              encodedInput,
		CreatedAt:          nowMs(),
		UpdatedAt:          nowMs(),
		ApplicationVersion: o.applicationVersion,
		QueueName:          queueName,
		DeduplicationID:    o.deduplicationID,
		Priority:           int(o.priority),
	}
	queuedAt := nowMs()
	row.QueuedAt = &queuedAt
	if o.timeout > 0 {
		deadline := time.Now().Add(o.timeout).UnixMilli()
		row.DeadlineEpochMs = &deadline
		timeoutMs := o.timeout.Milliseconds()
		row.TimeoutMs = &timeoutMs
	}

	inserted, _, err := c.dc.systemDB.insertWorkflowStatus(c.dc.goCtx, nil, insertWorkflowInput{row: row})
	if err != nil {
		return nil, err
	}
	return &workflowPollingHandle[any]{workflowID: inserted.WorkflowUUID, ctx: c.dc}, nil
}

// Enqueue is the typed convenience wrapper over Client.Enqueue, giving
// external callers a result type without needing the workflow function
// itself linked into their binary.
func Enqueue[P, R any](c Client, queueName, workflowName string, input P, opts ...EnqueueOption) (WorkflowHandle[R], error) {
	handle, err := c.Enqueue(queueName, workflowName, input, opts...)
	if err != nil {
		return nil, err
	}
	cl, ok := c.(*client)
	if !ok {
		return nil, newError(KindUserDataValidation, "client must be created by NewClient")
	}
	return &workflowPollingHandle[R]{workflowID: handle.GetWorkflowID(), ctx: cl.dc}, nil
}

func (c *client) ListWorkflows(opts ...ListWorkflowsOption) ([]WorkflowStatus, error) {
	return ListWorkflows(c.dc, opts...)
}

func (c *client) Send(destinationID string, message any, topic string) error {
	return Send(c.dc, destinationID, topic, message)
}

func (c *client) GetEvent(targetWorkflowID, key string, timeout time.Duration) (any, error) {
	return GetEvent[any](c.dc, targetWorkflowID, key, timeout)
}

func (c *client) RetrieveWorkflow(workflowID string) (WorkflowHandle[any], error) {
	return RetrieveWorkflow[any](c.dc, workflowID)
}

func (c *client) CancelWorkflow(workflowID string) error {
	return CancelWorkflow(c.dc, workflowID)
}

func (c *client) ResumeWorkflow(workflowID string) (WorkflowHandle[any], error) {
	return ResumeWorkflow[any](c.dc, workflowID)
}

func (c *client) ForkWorkflow(originalWorkflowID string, startStep uint, opts ...ForkWorkflowOption) (WorkflowHandle[any], error) {
	return ForkWorkflow[any](c.dc, originalWorkflowID, startStep, opts...)
}

func (c *client) GetWorkflowSteps(workflowID string) ([]StepInfo, error) {
	return GetWorkflowSteps(c.dc, workflowID)
}

func (c *client) Shutdown(timeout time.Duration) {
	c.dc.systemDB.shutdown()
}
