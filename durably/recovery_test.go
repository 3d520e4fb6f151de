package durably

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func recoverableWorkflow(ctx DBOSContext, name string) (string, error) {
	return RunAsStep(ctx, func(context.Context) (string, error) {
		return "recovered-" + name, nil
	})
}

func TestRecoverPendingWorkflowsResumesCrashedInstance(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	RegisterWorkflow(dc, recoverableWorkflow)
	require.NoError(t, dc.Launch())

	handle, err := RunAsWorkflow(dc, recoverableWorkflow, "alice", WithWorkflowID("recovery-1"))
	require.NoError(t, err)
	_, err = handle.GetResult(context.Background())
	require.NoError(t, err)

	setWorkflowStatusPending(t, dc, "recovery-1")

	status, err := handle.GetStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, WorkflowStatusPending, status.Status)

	internal, ok := dc.(*dbosContext)
	require.True(t, ok)
	_, err = recoverPendingWorkflows(internal, []string{dc.ExecutorID()})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := handle.GetStatus(context.Background())
		return err == nil && status.Status == WorkflowStatusSuccess
	}, 5*time.Second, 100*time.Millisecond, "expected recovered workflow to reach SUCCESS")

	result, err := handle.GetResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, "recovered-alice", result)
}

func TestRecoverPendingWorkflowsSkipsUnrelatedExecutor(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	RegisterWorkflow(dc, recoverableWorkflow)
	require.NoError(t, dc.Launch())

	internal, ok := dc.(*dbosContext)
	require.True(t, ok)

	handles, err := recoverPendingWorkflows(internal, []string{"some-other-executor-id"})
	require.NoError(t, err)
	require.Empty(t, handles)
}
