package durably

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type clientGreetInput struct {
	Name string
}

func clientServerWorkflow(ctx DBOSContext, input clientGreetInput) (string, error) {
	return RunAsStep(ctx, func(context.Context) (string, error) {
		return "hello " + input.Name, nil
	})
}

func clientBlockingWorkflow(ctx DBOSContext, _ string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(10 * time.Second):
		return "should-never-complete", nil
	}
}

// TestClientEnqueue exercises the Client as a process distinct from the one
// that registers and executes workflows: the client only ever inserts rows
// and polls, never runs a workflow body itself.
func TestClientEnqueue(t *testing.T) {
	serverCtx := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	queue := NewWorkflowQueue(serverCtx, "client-enqueue-queue", WithQueueBasePollingInterval(50*time.Millisecond))

	RegisterWorkflow(serverCtx, clientServerWorkflow, WithWorkflowName("ClientServerWorkflow"))
	RegisterWorkflow(serverCtx, clientBlockingWorkflow, WithWorkflowName("ClientBlockingWorkflow"))
	require.NoError(t, serverCtx.Launch())

	databaseURL := getDatabaseURL()
	cl, err := NewClient(context.Background(), ClientConfig{DatabaseURL: databaseURL})
	require.NoError(t, err)
	t.Cleanup(func() { cl.Shutdown(30 * time.Second) })

	t.Run("EnqueueAndGetResult", func(t *testing.T) {
		handle, err := Enqueue[clientGreetInput, string](cl, queue.Name, "ClientServerWorkflow", clientGreetInput{Name: "ada"},
			WithEnqueueApplicationVersion(serverCtx.ApplicationVersion()))
		require.NoError(t, err)

		_, ok := handle.(*workflowPollingHandle[string])
		require.True(t, ok, "expected a polling handle for a client-enqueued workflow")

		result, err := handle.GetResult(context.Background())
		require.NoError(t, err)
		require.Equal(t, "hello ada", result)

		status, err := handle.GetStatus(context.Background())
		require.NoError(t, err)
		require.Equal(t, WorkflowStatusSuccess, status.Status)
		require.Equal(t, "ClientServerWorkflow", status.Name)
		require.Equal(t, queue.Name, status.QueueName)

		require.True(t, queueEntriesAreCleanedUp(serverCtx))
	})

	t.Run("EnqueueWithCustomWorkflowID", func(t *testing.T) {
		customID := "custom-client-workflow-id"
		_, err := Enqueue[clientGreetInput, string](cl, queue.Name, "ClientServerWorkflow", clientGreetInput{Name: "grace"},
			WithEnqueueWorkflowID(customID))
		require.NoError(t, err)

		retrieved, err := cl.RetrieveWorkflow(customID)
		require.NoError(t, err)

		result, err := retrieved.GetResult(context.Background())
		require.NoError(t, err)
		require.Equal(t, "hello grace", result)
	})

	t.Run("EnqueueWithTimeout", func(t *testing.T) {
		handle, err := Enqueue[string, string](cl, queue.Name, "ClientBlockingWorkflow", "blocking-input",
			WithEnqueueTimeout(500*time.Millisecond))
		require.NoError(t, err)

		_, err = handle.GetResult(context.Background())
		require.Error(t, err)

		status, err := handle.GetStatus(context.Background())
		require.NoError(t, err)
		require.Equal(t, WorkflowStatusCancelled, status.Status)
	})

	require.True(t, queueEntriesAreCleanedUp(serverCtx))
}

func TestClientCancelNonExistentWorkflow(t *testing.T) {
	databaseURL := getDatabaseURL()
	resetTestDatabase(t, databaseURL)

	cl, err := NewClient(context.Background(), ClientConfig{DatabaseURL: databaseURL})
	require.NoError(t, err)
	t.Cleanup(func() { cl.Shutdown(30 * time.Second) })

	err = cl.CancelWorkflow("non-existent-workflow-id")
	require.Error(t, err)
	require.True(t, IsKind(err, KindNonExistentWorkflow))
}

func TestClientResumeNonExistentWorkflow(t *testing.T) {
	databaseURL := getDatabaseURL()
	resetTestDatabase(t, databaseURL)

	cl, err := NewClient(context.Background(), ClientConfig{DatabaseURL: databaseURL})
	require.NoError(t, err)
	t.Cleanup(func() { cl.Shutdown(30 * time.Second) })

	_, err = cl.ResumeWorkflow("non-existent-resume-workflow-id")
	require.Error(t, err)
	require.True(t, IsKind(err, KindNonExistentWorkflow))
}

func TestClientSendAndGetEvent(t *testing.T) {
	serverCtx := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	queue := NewWorkflowQueue(serverCtx, "client-event-queue", WithQueueBasePollingInterval(50*time.Millisecond))

	receiver := func(ctx DBOSContext, _ string) (string, error) {
		msg, err := Recv[string](ctx, "client-topic", 5*time.Second)
		if err != nil {
			return "", err
		}
		if err := SetEvent(ctx, "client-key", "event-value"); err != nil {
			return "", err
		}
		return msg, nil
	}
	RegisterWorkflow(serverCtx, receiver, WithWorkflowName("ClientReceiverWorkflow"))
	require.NoError(t, serverCtx.Launch())

	databaseURL := getDatabaseURL()
	cl, err := NewClient(context.Background(), ClientConfig{DatabaseURL: databaseURL})
	require.NoError(t, err)
	t.Cleanup(func() { cl.Shutdown(30 * time.Second) })

	handle, err := Enqueue[string, string](cl, queue.Name, "ClientReceiverWorkflow", "start")
	require.NoError(t, err)

	require.NoError(t, cl.Send(handle.GetWorkflowID(), "sent-from-client", "client-topic"))

	result, err := handle.GetResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sent-from-client", result)

	value, err := cl.GetEvent(handle.GetWorkflowID(), "client-key", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "event-value", value)
}
