package durably

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func queuedEchoWorkflow(ctx DBOSContext, msg string) (string, error) {
	return RunAsStep(ctx, func(context.Context) (string, error) {
		return msg, nil
	})
}

func TestWorkflowQueueRunsEnqueuedWorkflow(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	queue := NewWorkflowQueue(dc, "test-queue", WithQueueBasePollingInterval(50*time.Millisecond))
	RegisterWorkflow(dc, queuedEchoWorkflow)
	require.NoError(t, dc.Launch())

	handle, err := RunAsWorkflow(dc, queuedEchoWorkflow, "queued-hello", WithQueue(queue.Name), WithWorkflowID("queue-wf-1"))
	require.NoError(t, err)

	status, err := handle.GetStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, WorkflowStatusEnqueued, status.Status)

	result, err := handle.GetResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, "queued-hello", result)

	require.True(t, queueEntriesAreCleanedUp(dc))
}

func TestWorkflowQueueDeduplicationRejectsSecondEnqueue(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	queue := NewWorkflowQueue(dc, "dedup-queue", WithQueueBasePollingInterval(50*time.Millisecond))
	RegisterWorkflow(dc, queuedEchoWorkflow)
	require.NoError(t, dc.Launch())

	_, err := RunAsWorkflow(dc, queuedEchoWorkflow, "first", WithQueue(queue.Name), WithDeduplicationID("dedup-key"))
	require.NoError(t, err)

	_, err = RunAsWorkflow(dc, queuedEchoWorkflow, "second", WithQueue(queue.Name), WithDeduplicationID("dedup-key"))
	require.Error(t, err)
	require.True(t, IsKind(err, KindQueueDeduplicated))
}

func TestNewWorkflowQueueDuplicateNamePanics(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: false})
	NewWorkflowQueue(dc, "duplicate-queue")
	require.Panics(t, func() {
		NewWorkflowQueue(dc, "duplicate-queue")
	})
}
