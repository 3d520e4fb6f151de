package durably

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// TransactionParams configures RunAsTransaction: the isolation level and
// access mode a step's database transaction runs at, mirroring C2's
// transaction(callback, {isolation, readOnly}) contract.
type TransactionParams struct {
	Isolation pgx.TxIsoLevel
	ReadOnly  bool
	StepName  string
}

func defaultTransactionParams() TransactionParams {
	return TransactionParams{Isolation: pgx.Serializable}
}

// maxTransactionRetries bounds the adapter's automatic retry of a whole
// attempt (guard row and all) on a retriable serialization failure.
const maxTransactionRetries = 5

// GenericTransactionFunc is a user-supplied transactional step body. It runs
// inside a live database transaction at the isolation level RunAsTransaction
// was called with; any query issued against tx observes that transaction's
// snapshot and participates in its commit/rollback.
type GenericTransactionFunc[R any] func(ctx context.Context, tx pgx.Tx) (R, error)

// RunAsTransaction executes fn inside a database transaction exactly once
// per (workflow, step) across all replays, the transactional counterpart to
// RunAsStep for effects that must land atomically with the durable record
// of having run. On a retriable serialization failure (PostgreSQL 40001) the
// whole attempt is retried with a fresh transaction and the same function
// id, so the guard row stays the uniqueness anchor across retries.
func RunAsTransaction[R any](ctx DBOSContext, fn GenericTransactionFunc[R], params ...TransactionParams) (R, error) {
	var zero R
	dc, ok := ctx.(*dbosContext)
	if !ok {
		return zero, newError(KindUserDataValidation, "ctx must be created by NewDBOSContext")
	}
	p := defaultTransactionParams()
	if len(params) > 0 {
		p = params[0]
	}
	if p.Isolation == "" {
		p.Isolation = pgx.Serializable
	}

	state, inWorkflow := workflowStateFromContext(dc.goCtx)
	if !inWorkflow {
		return zero, newError(KindUserDataValidation, "RunAsTransaction must be called from within a workflow")
	}
	functionID := state.nextStepID()
	stepName := p.StepName
	if stepName == "" {
		stepName = fmt.Sprintf("transaction-%d", functionID)
	}

	var lastErr error
	for attempt := 0; attempt < maxTransactionRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-dc.goCtx.Done():
				return zero, newWorkflowCancelledError(state.workflowID)
			case <-time.After(backoffWithJitter(50 * time.Millisecond)):
			}
		}

		result, done, err := runTransactionAttempt(dc, state.workflowID, functionID, stepName, p, fn)
		if done {
			if err != nil {
				return zero, err
			}
			typed, _ := result.(R)
			return typed, nil
		}
		lastErr = err
	}
	return zero, lastErr
}

// runTransactionAttempt runs the guarded protocol once. done is true when
// the caller should stop retrying: a recorded result was replayed, the
// callback's outcome was durably recorded, or a non-retriable failure
// occurred; done is false when the whole attempt should be retried.
func runTransactionAttempt[R any](dc *dbosContext, workflowID string, functionID int, stepName string, p TransactionParams, fn GenericTransactionFunc[R]) (any, bool, error) {
	opts := pgx.TxOptions{IsoLevel: p.Isolation}
	if p.ReadOnly {
		opts.AccessMode = pgx.ReadOnly
	}

	tx, err := dc.systemDB.beginTx(dc.goCtx, opts)
	if err != nil {
		return nil, !isRetriableTransactionError(err), err
	}

	recorded, snapshot, err := dc.systemDB.checkTransactionExecution(dc.goCtx, tx, workflowID, functionID)
	if err != nil {
		_ = tx.Rollback(dc.goCtx)
		return nil, !isRetriableTransactionError(err), err
	}
	if recorded != nil {
		_ = tx.Rollback(dc.goCtx)
		return recorded.output, true, recorded.err
	}

	if !p.ReadOnly {
		if err := dc.systemDB.writeTransactionGuardRow(dc.goCtx, tx, workflowID, functionID, stepName, snapshot); err != nil {
			_ = tx.Rollback(dc.goCtx)
			retry := isKeyConflictError(err) || isRetriableTransactionError(err)
			return nil, !retry, err
		}

		for _, entry := range dc.flush.drainReadOnlyBuffer() {
			entry.table = "transaction_outputs"
			if err := dc.systemDB.recordOperationResult(dc.goCtx, tx, entry); err != nil {
				_ = tx.Rollback(dc.goCtx)
				return nil, !isRetriableTransactionError(err), err
			}
		}
	}

	result, callErr := fn(dc.goCtx, tx)
	if callErr != nil && isRetriableTransactionError(callErr) {
		_ = tx.Rollback(dc.goCtx)
		return nil, false, callErr
	}

	if p.ReadOnly {
		if err := tx.Commit(dc.goCtx); err != nil {
			return nil, !isRetriableTransactionError(err), wrapError(KindSystemDatabase, "commit read-only transaction", err)
		}
		dc.flush.bufferReadOnlyResult(recordOperationInput{
			workflowID: workflowID, functionID: functionID, stepName: stepName,
			output: result, err: callErr, table: "transaction_outputs",
		})
		return result, true, callErr
	}

	if err := dc.systemDB.finalizeTransactionResult(dc.goCtx, tx, workflowID, functionID, result, callErr); err != nil {
		_ = tx.Rollback(dc.goCtx)
		return nil, !isRetriableTransactionError(err), err
	}
	if err := tx.Commit(dc.goCtx); err != nil {
		return nil, !isRetriableTransactionError(err), wrapError(KindSystemDatabase, "commit transaction", err)
	}
	return result, true, callErr
}

// isRetriableTransactionError reports whether a transaction-layer failure
// should be retried with a fresh attempt, per C2's retry contract: true for
// PostgreSQL code 40001 (serialization_failure) and its lock-contention
// cousin.
func isRetriableTransactionError(err error) bool {
	return isRetriablePgError(err)
}

// isKeyConflictError reports a unique-violation (23505), the shape a
// concurrent guard-row write collides with.
func isKeyConflictError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// execer is the minimal surface queryWithClient needs from either a bare
// pool or an open transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// queryWithClient is C2's escape hatch for the operation log's own guard and
// record statements: run sql against tx if one is open, otherwise against
// the pool directly.
func queryWithClient(ctx context.Context, tx pgx.Tx, pool execer, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return pool.Exec(ctx, sql, args...)
}
