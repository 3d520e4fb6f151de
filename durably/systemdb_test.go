package durably

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffWithJitter(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 20; i++ {
		got := backoffWithJitter(base)
		require.GreaterOrEqual(t, got, 50*time.Millisecond)
		require.LessOrEqual(t, got, 150*time.Millisecond)
	}
}

func insertTestWorkflow(t *testing.T, db *sysDB, workflowID string) {
	t.Helper()
	encodedInput, err := serialize("ignored")
	require.NoError(t, err)
	_, _, err = db.insertWorkflowStatus(context.Background(), nil, insertWorkflowInput{row: workflowStatusRow{
		WorkflowUUID: workflowID,
		Status:       WorkflowStatusPending,
		Name:         "systemdb-test-workflow",
		Input:        encodedInput,
		CreatedAt:    nowMs(),
		UpdatedAt:    nowMs(),
	}})
	require.NoError(t, err)
}

func TestCheckAndRecordOperationExecutionIsIdempotent(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	db := dc.(*dbosContext).systemDB.(*sysDB)
	ctx := context.Background()

	workflowID := "systemdb-op-idempotency"
	insertTestWorkflow(t, db, workflowID)

	existing, err := db.checkOperationExecution(ctx, nil, checkOperationInput{
		workflowID: workflowID, functionID: 0, stepName: "do-thing", table: "operation_outputs",
	})
	require.NoError(t, err)
	require.Nil(t, existing, "no recorded result should exist before the first execution")

	require.NoError(t, db.recordOperationResult(ctx, nil, recordOperationInput{
		workflowID: workflowID, functionID: 0, stepName: "do-thing", output: "first-result", table: "operation_outputs",
	}))

	recorded, err := db.checkOperationExecution(ctx, nil, checkOperationInput{
		workflowID: workflowID, functionID: 0, stepName: "do-thing", table: "operation_outputs",
	})
	require.NoError(t, err)
	require.NotNil(t, recorded)
	require.Equal(t, "first-result", recorded.output)
	require.NoError(t, recorded.err)

	// Reading the same (workflow, function) slot under a different step name
	// means the workflow's code changed between runs; that lookup must be
	// rejected as an unexpected step.
	_, err = db.checkOperationExecution(ctx, nil, checkOperationInput{
		workflowID: workflowID, functionID: 0, stepName: "wrong-step-name", table: "operation_outputs",
	})
	require.Error(t, err)
	require.True(t, IsKind(err, KindUnexpectedStep))
}

func TestCheckOperationExecutionRejectsCancelledWorkflow(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	db := dc.(*dbosContext).systemDB.(*sysDB)
	ctx := context.Background()

	workflowID := "systemdb-op-cancelled"
	insertTestWorkflow(t, db, workflowID)
	require.NoError(t, db.cancelWorkflow(ctx, workflowID))

	_, err := db.checkOperationExecution(ctx, nil, checkOperationInput{
		workflowID: workflowID, functionID: 0, stepName: "do-thing", table: "operation_outputs",
	})
	require.Error(t, err)
	require.True(t, IsKind(err, KindCancelled))
}

func TestSendRecvAtSystemDBLevel(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	db := dc.(*dbosContext).systemDB.(*sysDB)
	ctx := context.Background()

	srcID := "systemdb-send-src"
	destID := "systemdb-send-dest"
	insertTestWorkflow(t, db, srcID)
	insertTestWorkflow(t, db, destID)

	done := make(chan struct{})
	var received any
	var recvErr error
	go func() {
		received, recvErr = db.recv(ctx, destID, 0, "topic-a", 5*time.Second)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, db.send(ctx, srcID, 0, destID, "topic-a", "payload-value"))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("recv did not return after send")
	}
	require.NoError(t, recvErr)
	require.Equal(t, "payload-value", received)
}

func TestSetAndGetEventAtSystemDBLevel(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	db := dc.(*dbosContext).systemDB.(*sysDB)
	ctx := context.Background()

	workflowID := "systemdb-event-owner"
	insertTestWorkflow(t, db, workflowID)
	insertTestWorkflow(t, db, "systemdb-event-caller")

	require.NoError(t, db.setEvent(ctx, workflowID, 0, "event-key", "event-payload"))

	value, err := db.getEvent(ctx, workflowID, "event-key", 2*time.Second, "systemdb-event-caller", 0)
	require.NoError(t, err)
	require.Equal(t, "event-payload", value)
}

func TestGetEventTimesOutWhenUnset(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	db := dc.(*dbosContext).systemDB.(*sysDB)
	ctx := context.Background()

	workflowID := "systemdb-event-missing"
	insertTestWorkflow(t, db, workflowID)
	insertTestWorkflow(t, db, "systemdb-event-caller-2")

	value, err := db.getEvent(ctx, workflowID, "never-set-key", 200*time.Millisecond, "systemdb-event-caller-2", 0)
	require.NoError(t, err)
	require.Nil(t, value)
}

func TestSleepIsIdempotentAcrossReplay(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	db := dc.(*dbosContext).systemDB.(*sysDB)
	ctx := context.Background()

	workflowID := "systemdb-sleep"
	insertTestWorkflow(t, db, workflowID)

	// sleep only computes and records the end time; it never blocks itself,
	// leaving the actual waiting to the step wrapper.
	remaining, err := db.sleep(ctx, workflowID, 0, 150*time.Millisecond, false)
	require.NoError(t, err)
	require.Greater(t, remaining, time.Duration(0))
	require.LessOrEqual(t, remaining, 150*time.Millisecond)

	// Replaying after the recorded end time has passed must read back the
	// same end time rather than compute a fresh one, collapsing to ~0.
	time.Sleep(200 * time.Millisecond)
	remaining2, err := db.sleep(ctx, workflowID, 0, 150*time.Millisecond, false)
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), remaining2)
}

func TestDequeueRespectsMaxTasks(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	db := dc.(*dbosContext).systemDB.(*sysDB)
	ctx := context.Background()

	queueName := "systemdb-dequeue-queue"
	for i := 0; i < 3; i++ {
		workflowID := "systemdb-dequeue-wf-" + string(rune('a'+i))
		encodedInput, err := serialize("ignored")
		require.NoError(t, err)
		_, _, err = db.insertWorkflowStatus(ctx, nil, insertWorkflowInput{row: workflowStatusRow{
			WorkflowUUID: workflowID,
			Status:       WorkflowStatusEnqueued,
			Name:         "systemdb-dequeue-workflow",
			Input:        encodedInput,
			CreatedAt:    nowMs(),
			UpdatedAt:    nowMs(),
			QueueName:    queueName,
		}})
		require.NoError(t, err)
	}

	dequeued, err := db.dequeue(ctx, queueName, 2)
	require.NoError(t, err)
	require.Len(t, dequeued, 2)
	for _, row := range dequeued {
		require.Equal(t, WorkflowStatusPending, row.Status)
	}
}

func TestUpsertHeartbeatAndListDeadExecutors(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	db := dc.(*dbosContext).systemDB.(*sysDB)
	ctx := context.Background()

	require.NoError(t, db.upsertHeartbeat(ctx, "stale-executor"))
	time.Sleep(10 * time.Millisecond)

	dead, err := db.listDeadExecutors(ctx, 0)
	require.NoError(t, err)
	require.Contains(t, dead, "stale-executor")

	require.NoError(t, db.upsertHeartbeat(ctx, "fresh-executor"))
	alive, err := db.listDeadExecutors(ctx, time.Hour)
	require.NoError(t, err)
	require.NotContains(t, alive, "fresh-executor")
}
