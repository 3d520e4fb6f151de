package durably

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

func kvInsertWorkflow(ctx DBOSContext, id string) (string, error) {
	return RunAsTransaction(ctx, func(ctx context.Context, tx pgx.Tx) (string, error) {
		if _, err := tx.Exec(ctx, "INSERT INTO kv (id) VALUES ($1)", id); err != nil {
			return "", err
		}
		return id, nil
	})
}

func readOnlyCountWorkflow(ctx DBOSContext, id string) (int, error) {
	return RunAsTransaction(ctx, func(ctx context.Context, tx pgx.Tx) (int, error) {
		var count int
		err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM kv WHERE id = $1", id).Scan(&count)
		return count, err
	}, TransactionParams{ReadOnly: true})
}

// TestRunAsTransactionOAOO exercises the transactional step's
// once-and-only-once guarantee: replaying a workflow whose transactional
// step already committed must return the recorded result without
// re-invoking the callback or inserting the row a second time.
func TestRunAsTransactionOAOO(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	c, ok := dc.(*dbosContext)
	require.True(t, ok)
	db, ok := c.systemDB.(*sysDB)
	require.True(t, ok)
	_, err := db.pool.Exec(context.Background(), "CREATE TABLE IF NOT EXISTS kv (id TEXT PRIMARY KEY)")
	require.NoError(t, err)

	RegisterWorkflow(dc, kvInsertWorkflow)
	require.NoError(t, dc.Launch())

	h1, err := RunAsWorkflow(dc, kvInsertWorkflow, "row-1", WithWorkflowID("kv-1"))
	require.NoError(t, err)
	r1, err := h1.GetResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, "row-1", r1)

	h2, err := RunAsWorkflow(dc, kvInsertWorkflow, "row-1", WithWorkflowID("kv-1"))
	require.NoError(t, err)
	r2, err := h2.GetResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, "row-1", r2, "replay must return the recorded output without re-running the callback")

	var count int
	err = db.pool.QueryRow(context.Background(), "SELECT COUNT(*) FROM kv WHERE id = $1", "row-1").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count, "the transactional step must have inserted exactly once across both executions")

	steps, err := GetWorkflowSteps(dc, "kv-1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, "row-1", steps[0].Output)
}

// TestRunAsTransactionReadOnlyBuffersThenFlushes exercises the read-only
// buffering path: the result is queued via bufferReadOnlyResult instead of
// being written synchronously, and a subsequent flush durably persists it.
func TestRunAsTransactionReadOnlyBuffersThenFlushes(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	c, ok := dc.(*dbosContext)
	require.True(t, ok)
	db, ok := c.systemDB.(*sysDB)
	require.True(t, ok)
	_, err := db.pool.Exec(context.Background(), "CREATE TABLE IF NOT EXISTS kv (id TEXT PRIMARY KEY)")
	require.NoError(t, err)

	RegisterWorkflow(dc, readOnlyCountWorkflow)
	require.NoError(t, dc.Launch())

	handle, err := RunAsWorkflow(dc, readOnlyCountWorkflow, "row-missing", WithWorkflowID("kv-readonly-1"))
	require.NoError(t, err)
	result, err := handle.GetResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, result)

	// The read-only step's output is only buffered in memory until a flush
	// runs, so the row may briefly be absent from transaction_outputs.
	c.flush.flushOnce(context.Background())

	steps, err := GetWorkflowSteps(dc, "kv-readonly-1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, 0, steps[0].Output)
}
