package durably

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func simpleGreetWorkflow(ctx DBOSContext, name string) (string, error) {
	return RunAsStep(ctx, func(context.Context) (string, error) {
		return "hello " + name, nil
	})
}

func failingWorkflow(ctx DBOSContext, _ string) (string, error) {
	return "", errors.New("intentional failure")
}

var greetCallCount int

func countingStepWorkflow(ctx DBOSContext, _ string) (int, error) {
	return RunAsStep(ctx, func(context.Context) (int, error) {
		greetCallCount++
		return greetCallCount, nil
	})
}

func TestRunAsWorkflowSuccess(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	RegisterWorkflow(dc, simpleGreetWorkflow)
	require.NoError(t, dc.Launch())

	handle, err := RunAsWorkflow(dc, simpleGreetWorkflow, "ada", WithWorkflowID("greet-1"))
	require.NoError(t, err)
	require.Equal(t, "greet-1", handle.GetWorkflowID())

	result, err := handle.GetResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hello ada", result)

	status, err := handle.GetStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, WorkflowStatusSuccess, status.Status)
}

func TestRunAsWorkflowIsIdempotentOnWorkflowID(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	greetCallCount = 0
	RegisterWorkflow(dc, countingStepWorkflow)
	require.NoError(t, dc.Launch())

	h1, err := RunAsWorkflow(dc, countingStepWorkflow, "x", WithWorkflowID("idempotent-1"))
	require.NoError(t, err)
	r1, err := h1.GetResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, r1)

	h2, err := RunAsWorkflow(dc, countingStepWorkflow, "x", WithWorkflowID("idempotent-1"))
	require.NoError(t, err)
	r2, err := h2.GetResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, r2, "second launch with the same workflow id must not re-run the step")
}

func TestRunAsWorkflowFailure(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	RegisterWorkflow(dc, failingWorkflow)
	require.NoError(t, dc.Launch())

	handle, err := RunAsWorkflow(dc, failingWorkflow, "x", WithWorkflowID("fail-1"))
	require.NoError(t, err)

	_, err = handle.GetResult(context.Background())
	require.Error(t, err)

	status, err := handle.GetStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, WorkflowStatusError, status.Status)
}

func TestRetrieveWorkflow(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	RegisterWorkflow(dc, simpleGreetWorkflow)
	require.NoError(t, dc.Launch())

	handle, err := RunAsWorkflow(dc, simpleGreetWorkflow, "grace", WithWorkflowID("retrieve-1"))
	require.NoError(t, err)
	_, err = handle.GetResult(context.Background())
	require.NoError(t, err)

	retrieved, err := RetrieveWorkflow[string](dc, "retrieve-1")
	require.NoError(t, err)
	result, err := retrieved.GetResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hello grace", result)

	_, err = RetrieveWorkflow[string](dc, "does-not-exist")
	require.Error(t, err)
	require.True(t, IsKind(err, KindNonExistentWorkflow))
}

func TestListWorkflows(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	RegisterWorkflow(dc, simpleGreetWorkflow)
	require.NoError(t, dc.Launch())

	handle, err := RunAsWorkflow(dc, simpleGreetWorkflow, "list-target", WithWorkflowID("list-1"))
	require.NoError(t, err)
	_, err = handle.GetResult(context.Background())
	require.NoError(t, err)

	workflows, err := ListWorkflows(dc, WithWorkflowIDs([]string{"list-1"}))
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	require.Equal(t, "list-1", workflows[0].WorkflowID)
	require.Equal(t, WorkflowStatusSuccess, workflows[0].Status)
}

func TestCancelWorkflow(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	RegisterWorkflow(dc, simpleGreetWorkflow)
	require.NoError(t, dc.Launch())

	handle, err := RunAsWorkflow(dc, simpleGreetWorkflow, "cancel-me", WithWorkflowID("cancel-1"))
	require.NoError(t, err)
	_, _ = handle.GetResult(context.Background())

	// A finished workflow keeps its terminal status; put it back to PENDING so
	// the cancel acts on a workflow that is still running.
	setWorkflowStatusPending(t, dc, "cancel-1")
	require.NoError(t, CancelWorkflow(dc, "cancel-1"))
	status, err := handle.GetStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, WorkflowStatusCancelled, status.Status)
}

func TestResumeWorkflow(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	RegisterWorkflow(dc, simpleGreetWorkflow)
	require.NoError(t, dc.Launch())

	handle, err := RunAsWorkflow(dc, simpleGreetWorkflow, "resumable", WithWorkflowID("resume-1"))
	require.NoError(t, err)
	_, err = handle.GetResult(context.Background())
	require.NoError(t, err)

	setWorkflowStatusPending(t, dc, "resume-1")

	resumed, err := ResumeWorkflow[string](dc, "resume-1")
	require.NoError(t, err)
	result, err := resumed.GetResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hello resumable", result)
}

func TestForkWorkflow(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	RegisterWorkflow(dc, simpleGreetWorkflow)
	require.NoError(t, dc.Launch())

	handle, err := RunAsWorkflow(dc, simpleGreetWorkflow, "forkable", WithWorkflowID("fork-original"))
	require.NoError(t, err)
	_, err = handle.GetResult(context.Background())
	require.NoError(t, err)

	forked, err := ForkWorkflow[string](dc, "fork-original", 0, WithForkWorkflowID("fork-copy"))
	require.NoError(t, err)
	require.Equal(t, "fork-copy", forked.GetWorkflowID())

	result, err := forked.GetResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hello forkable", result)
}

func sendRecvSender(ctx DBOSContext, dest string) (string, error) {
	if err := Send(ctx, dest, "greeting", "hi from sender"); err != nil {
		return "", err
	}
	return "sent", nil
}

func sendRecvReceiver(ctx DBOSContext, _ string) (string, error) {
	msg, err := Recv[string](ctx, "greeting", 10*time.Second)
	if err != nil {
		return "", err
	}
	return msg, nil
}

func TestSendRecv(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	RegisterWorkflow(dc, sendRecvSender)
	RegisterWorkflow(dc, sendRecvReceiver)
	require.NoError(t, dc.Launch())

	receiverHandle, err := RunAsWorkflow(dc, sendRecvReceiver, "", WithWorkflowID("recv-1"))
	require.NoError(t, err)

	_, err = RunAsWorkflow(dc, sendRecvSender, "recv-1", WithWorkflowID("send-1"))
	require.NoError(t, err)

	result, err := receiverHandle.GetResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hi from sender", result)
}

func setEventWorkflow(ctx DBOSContext, value string) (string, error) {
	if err := SetEvent(ctx, "progress", value); err != nil {
		return "", err
	}
	return value, nil
}

func TestSetGetEvent(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	RegisterWorkflow(dc, setEventWorkflow)
	require.NoError(t, dc.Launch())

	handle, err := RunAsWorkflow(dc, setEventWorkflow, "halfway", WithWorkflowID("event-1"))
	require.NoError(t, err)
	_, err = handle.GetResult(context.Background())
	require.NoError(t, err)

	value, err := GetEvent[string](dc, "event-1", "progress", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "halfway", value)
}

func sleepWorkflow(ctx DBOSContext, _ string) (string, error) {
	if err := Sleep(ctx, 50*time.Millisecond); err != nil {
		return "", err
	}
	return "awake", nil
}

func TestSleep(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	RegisterWorkflow(dc, sleepWorkflow)
	require.NoError(t, dc.Launch())

	start := time.Now()
	handle, err := RunAsWorkflow(dc, sleepWorkflow, "", WithWorkflowID("sleep-1"))
	require.NoError(t, err)
	result, err := handle.GetResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, "awake", result)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func childWorkflow(ctx DBOSContext, name string) (string, error) {
	return fmt.Sprintf("child-done-%s", name), nil
}

func parentWorkflow(ctx DBOSContext, name string) (string, error) {
	handle, err := RunAsWorkflow(ctx, childWorkflow, name)
	if err != nil {
		return "", err
	}
	return handle.GetResult(ctx)
}

func TestChildWorkflowDeterministicID(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	RegisterWorkflow(dc, parentWorkflow)
	RegisterWorkflow(dc, childWorkflow)
	require.NoError(t, dc.Launch())

	handle, err := RunAsWorkflow(dc, parentWorkflow, "p", WithWorkflowID("parent-1"))
	require.NoError(t, err)
	result, err := handle.GetResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, "child-done-p", result)

	workflows, err := ListWorkflows(dc, WithWorkflowIDPrefix("parent-1-"))
	require.NoError(t, err)
	require.Len(t, workflows, 1)
}

func TestGetWorkflowSteps(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	RegisterWorkflow(dc, simpleGreetWorkflow)
	require.NoError(t, dc.Launch())

	handle, err := RunAsWorkflow(dc, simpleGreetWorkflow, "steps", WithWorkflowID("steps-1"))
	require.NoError(t, err)
	_, err = handle.GetResult(context.Background())
	require.NoError(t, err)

	steps, err := GetWorkflowSteps(dc, "steps-1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, 0, steps[0].FunctionID)
}

func conflictWorkflowA(ctx DBOSContext, in string) (string, error) { return "a:" + in, nil }
func conflictWorkflowB(ctx DBOSContext, in string) (int, error)    { return 99, nil }

// TestRunAsWorkflowConflictingRestartFails exercises spec.md §4.1's
// insertWorkflowStatus conflict: restarting an existing workflow id under a
// different registered function must raise a conflict, not silently hand
// back the original run's handle.
func TestRunAsWorkflowConflictingRestartFails(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	RegisterWorkflow(dc, conflictWorkflowA)
	RegisterWorkflow(dc, conflictWorkflowB)
	require.NoError(t, dc.Launch())

	h1, err := RunAsWorkflow(dc, conflictWorkflowA, "x", WithWorkflowID("conflict-1"))
	require.NoError(t, err)
	_, err = h1.GetResult(context.Background())
	require.NoError(t, err)

	_, err = RunAsWorkflow(dc, conflictWorkflowB, "x", WithWorkflowID("conflict-1"))
	require.Error(t, err)
	require.True(t, IsKind(err, KindWorkflowConflict))
}
