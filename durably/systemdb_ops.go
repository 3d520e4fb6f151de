package durably

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// withTx runs fn in tx if one was supplied, otherwise opens a fresh one on
// the pool and commits/rolls back around fn — the same "accept an optional
// caller transaction" shape the teacher's system database methods use so
// C3's guard-row protocol can share a transaction with the step's own
// effects.
func (db *sysDB) withTx(ctx context.Context, tx pgx.Tx, fn func(pgx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	newTx, err := db.pool.Begin(ctx)
	if err != nil {
		return wrapError(KindSystemDatabase, "begin transaction", err)
	}
	if err := fn(newTx); err != nil {
		_ = newTx.Rollback(ctx)
		return err
	}
	if err := newTx.Commit(ctx); err != nil {
		return wrapError(KindSystemDatabase, "commit transaction", err)
	}
	return nil
}

func (db *sysDB) insertWorkflowStatus(ctx context.Context, tx pgx.Tx, input insertWorkflowInput) (*workflowStatusRow, bool, error) {
	row := input.row
	var result workflowStatusRow
	var isNew bool

	err := db.withTx(ctx, tx, func(tx pgx.Tx) error {
		sql := fmt.Sprintf(`
			INSERT INTO %s.workflow_status
				(workflow_uuid, status, name, authenticated_user, request, input, executor_id,
				 created_at, updated_at, application_version, queue_name, dedup_id, priority,
				 deadline_epoch_ms, timeout_ms, queued_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			ON CONFLICT (workflow_uuid) DO UPDATE SET updated_at = %s.workflow_status.updated_at
			RETURNING workflow_uuid, status, name, authenticated_user, request, input, output, error,
				executor_id, created_at, updated_at, application_version, queue_name, dedup_id,
				priority, deadline_epoch_ms, timeout_ms, queued_at, started_at, completed_at,
				(xmax = 0) AS inserted
		`, db.schema, db.schema)

		dedup := nullableString(row.DeduplicationID)
		var r workflowStatusRow
		var inserted bool
		err := tx.QueryRow(ctx, sql,
			row.WorkflowUUID, string(row.Status), row.Name, row.AuthenticatedUser, row.Request, row.Input,
			row.ExecutorID, row.CreatedAt, row.UpdatedAt, row.ApplicationVersion, nullableString(row.QueueName),
			dedup, row.Priority, row.DeadlineEpochMs, row.TimeoutMs, row.QueuedAt,
		).Scan(
			&r.WorkflowUUID, &r.Status, &r.Name, &r.AuthenticatedUser, &r.Request, &r.Input, &r.Output, &r.Error,
			&r.ExecutorID, &r.CreatedAt, &r.UpdatedAt, &r.ApplicationVersion, &r.QueueName, &r.DeduplicationID,
			&r.Priority, &r.DeadlineEpochMs, &r.TimeoutMs, &r.QueuedAt, &r.StartedAt, &r.CompletedAt, &inserted,
		)
		if err != nil {
			if classifyPgError(err) == KindWorkflowConflict {
				if row.DeduplicationID != "" {
					return newQueueDeduplicatedError(row.WorkflowUUID, row.QueueName, row.DeduplicationID)
				}
				return newWorkflowConflictError(row.WorkflowUUID)
			}
			return wrapError(KindSystemDatabase, "insert workflow status", err)
		}
		if !inserted {
			if row.Name != "" && r.Name != row.Name {
				return newWorkflowConflictError(row.WorkflowUUID)
			}
			if row.QueueName != "" && r.QueueName != "" && r.QueueName != row.QueueName {
				return newWorkflowConflictError(row.WorkflowUUID)
			}
		}

		result = r
		isNew = inserted
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &result, isNew, nil
}

func (db *sysDB) updateWorkflowOutcome(ctx context.Context, workflowID string, status WorkflowStatusType, output any, workflowErr error) error {
	encodedOutput, err := serialize(output)
	if err != nil {
		return err
	}
	var encodedErr *string
	if workflowErr != nil {
		msg := workflowErr.Error()
		encodedErr, err = serialize(msg)
		if err != nil {
			return err
		}
	}

	sql := fmt.Sprintf(`
		UPDATE %s.workflow_status
		SET status = $2, output = COALESCE($3, output), error = COALESCE($4, error),
			updated_at = $5, completed_at = $5
		WHERE workflow_uuid = $1 AND status NOT IN ('SUCCESS', 'ERROR')
	`, db.schema)

	tag, err := db.pool.Exec(ctx, sql, workflowID, string(status), encodedOutput, encodedErr, nowMs())
	if err != nil {
		return wrapError(KindSystemDatabase, "update workflow outcome", err)
	}
	if tag.RowsAffected() == 0 {
		db.logger.Debug("update workflow outcome affected no rows (already terminal or missing)", zap.String("workflow_id", workflowID))
	}
	db.cache.invalidateStatus(ctx, workflowID)
	db.broadcast(statusChannelKey(workflowID))
	return nil
}

func statusChannelKey(workflowID string) string { return "status::" + workflowID }

func (db *sysDB) getWorkflowStatus(ctx context.Context, workflowID string) (*workflowStatusRow, error) {
	if cached, ok := db.cache.getStatus(ctx, workflowID); ok {
		return cached, nil
	}

	sql := fmt.Sprintf(`
		SELECT workflow_uuid, status, name, authenticated_user, request, input, output, error,
			executor_id, created_at, updated_at, application_version, queue_name, dedup_id,
			priority, deadline_epoch_ms, timeout_ms, queued_at, started_at, completed_at
		FROM %s.workflow_status WHERE workflow_uuid = $1
	`, db.schema)

	var r workflowStatusRow
	err := db.pool.QueryRow(ctx, sql, workflowID).Scan(
		&r.WorkflowUUID, &r.Status, &r.Name, &r.AuthenticatedUser, &r.Request, &r.Input, &r.Output, &r.Error,
		&r.ExecutorID, &r.CreatedAt, &r.UpdatedAt, &r.ApplicationVersion, &r.QueueName, &r.DeduplicationID,
		&r.Priority, &r.DeadlineEpochMs, &r.TimeoutMs, &r.QueuedAt, &r.StartedAt, &r.CompletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, wrapError(KindSystemDatabase, "get workflow status", err)
	}
	db.cache.setStatus(ctx, &r)
	return &r, nil
}

// awaitWorkflowResult blocks until workflowID reaches a terminal status,
// polling with a short interval since there is no dedicated NOTIFY channel
// for terminal status in this schema (send/setEvent cover the messaging
// primitives that do have one).
func (db *sysDB) awaitWorkflowResult(ctx context.Context, workflowID string) (any, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		row, err := db.getWorkflowStatus(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, newNonExistentWorkflowError(workflowID)
		}
		switch row.Status {
		case WorkflowStatusSuccess:
			return deserialize(row.Output)
		case WorkflowStatusError, WorkflowStatusRetriesExceeded:
			errVal, derr := deserialize(row.Error)
			if derr != nil {
				return nil, derr
			}
			msg, _ := errVal.(string)
			return nil, newError(KindUnknown, msg)
		case WorkflowStatusCancelled:
			return nil, newWorkflowCancelledError(workflowID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (db *sysDB) checkOperationExecution(ctx context.Context, tx pgx.Tx, input checkOperationInput) (*recordedResult, error) {
	// First, a cancellation check, mirroring the teacher's
	// checkOperationExecution reading workflow_status before the log.
	statusSQL := fmt.Sprintf(`SELECT status FROM %s.workflow_status WHERE workflow_uuid = $1`, db.schema)
	var status string
	q := db.pool
	err := queryRow(ctx, tx, q, statusSQL, input.workflowID).Scan(&status)
	if err != nil && err != pgx.ErrNoRows {
		return nil, wrapError(KindSystemDatabase, "check workflow cancellation", err)
	}
	if status == string(WorkflowStatusCancelled) {
		return nil, newWorkflowCancelledError(input.workflowID)
	}

	sql := fmt.Sprintf(`
		SELECT function_name, output, error FROM %s.%s WHERE workflow_uuid = $1 AND function_id = $2
	`, db.schema, input.table)

	var functionName string
	var output, errStr *string
	err = queryRow(ctx, tx, q, sql, input.workflowID, input.functionID).Scan(&functionName, &output, &errStr)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, wrapError(KindSystemDatabase, "check operation execution", err)
	}
	if functionName != "" && functionName != input.stepName {
		return nil, newUnexpectedStepError(input.workflowID, input.functionID, input.stepName, functionName)
	}

	if errStr != nil {
		decodedErr, derr := deserialize(errStr)
		if derr != nil {
			return nil, derr
		}
		msg, _ := decodedErr.(string)
		return &recordedResult{err: newError(KindUnknown, msg)}, nil
	}
	decodedOutput, derr := deserialize(output)
	if derr != nil {
		return nil, derr
	}
	return &recordedResult{output: decodedOutput}, nil
}

func (db *sysDB) recordOperationResult(ctx context.Context, tx pgx.Tx, input recordOperationInput) error {
	encodedOutput, err := serialize(input.output)
	if err != nil {
		return err
	}
	var encodedErr *string
	if input.err != nil {
		encodedErr, err = serialize(input.err.Error())
		if err != nil {
			return err
		}
	}

	sql := fmt.Sprintf(`
		INSERT INTO %s.%s (workflow_uuid, function_id, function_name, output, error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (workflow_uuid, function_id) DO UPDATE SET
			output = EXCLUDED.output, error = EXCLUDED.error
	`, db.schema, input.table)

	return db.withTx(ctx, tx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, sql, input.workflowID, input.functionID, input.stepName, encodedOutput, encodedErr, nowMs())
		if err != nil {
			return wrapError(KindSystemDatabase, "record operation result", err)
		}
		return nil
	})
}

// beginTx opens a transaction at the requested isolation/access mode, the
// entry point RunAsTransaction uses to run a step's callback inside C2's
// "User Database Adapter" transaction(callback, {isolation, readOnly})
// contract.
func (db *sysDB) beginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	tx, err := db.pool.BeginTx(ctx, opts)
	if err != nil {
		return nil, wrapError(KindSystemDatabase, "begin transaction", err)
	}
	return tx, nil
}

// checkTransactionExecution runs the guarded SELECT...UNION ALL...query that
// atomically returns any already-recorded (output, error) for this step
// alongside a fresh snapshot token, so the caller never needs a second round
// trip to capture pg_current_snapshot() before writing its own guard row.
func (db *sysDB) checkTransactionExecution(ctx context.Context, tx pgx.Tx, workflowID string, functionID int) (*recordedResult, string, error) {
	sql := fmt.Sprintf(`
		(SELECT output, error, pg_current_snapshot()::text AS snap, TRUE AS recorded
		   FROM %s.transaction_outputs
		   WHERE workflow_uuid = $1 AND function_id = $2 AND (output IS NOT NULL OR error IS NOT NULL))
		UNION ALL
		(SELECT NULL, NULL, pg_current_snapshot()::text, FALSE)
		ORDER BY recorded DESC
		LIMIT 1
	`, db.schema)

	var output, errStr *string
	var snapshot string
	var recordedFlag bool
	if err := tx.QueryRow(ctx, sql, workflowID, functionID).Scan(&output, &errStr, &snapshot, &recordedFlag); err != nil {
		return nil, "", wrapError(KindSystemDatabase, "check transaction execution", err)
	}
	if !recordedFlag {
		return nil, snapshot, nil
	}
	if errStr != nil {
		decodedErr, derr := deserialize(errStr)
		if derr != nil {
			return nil, snapshot, derr
		}
		msg, _ := decodedErr.(string)
		return &recordedResult{err: newError(KindUnknown, msg)}, snapshot, nil
	}
	decodedOutput, derr := deserialize(output)
	if derr != nil {
		return nil, snapshot, derr
	}
	return &recordedResult{output: decodedOutput}, snapshot, nil
}

// writeTransactionGuardRow inserts the pre-callback marker row that anchors
// this step's idempotency: a concurrent retry with the same (workflow,
// function_id) collides on the primary key here and is forced back to
// checkTransactionExecution's replay branch once the winner commits.
func (db *sysDB) writeTransactionGuardRow(ctx context.Context, tx pgx.Tx, workflowID string, functionID int, stepName, snapshot string) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s.transaction_outputs (workflow_uuid, function_id, function_name, txn_snapshot, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, db.schema)
	if _, err := queryWithClient(ctx, tx, db.pool, sql, workflowID, functionID, stepName, nullableString(snapshot), nowMs()); err != nil {
		return wrapError(KindSystemDatabase, "write transaction guard row", err)
	}
	return nil
}

// finalizeTransactionResult updates the guard row with the callback's real
// outcome and the committing transaction's id, completing the protocol
// before commit so both land atomically.
func (db *sysDB) finalizeTransactionResult(ctx context.Context, tx pgx.Tx, workflowID string, functionID int, output any, txErr error) error {
	encodedOutput, err := serialize(output)
	if err != nil {
		return err
	}
	var encodedErr *string
	if txErr != nil {
		encodedErr, err = serialize(txErr.Error())
		if err != nil {
			return err
		}
	}
	sql := fmt.Sprintf(`
		UPDATE %s.transaction_outputs
		SET output = $3, error = $4, txn_id = pg_current_xact_id_if_assigned()::text
		WHERE workflow_uuid = $1 AND function_id = $2
	`, db.schema)
	if _, err := queryWithClient(ctx, tx, db.pool, sql, workflowID, functionID, encodedOutput, encodedErr); err != nil {
		return wrapError(KindSystemDatabase, "finalize transaction result", err)
	}
	return nil
}

func (db *sysDB) getWorkflowSteps(ctx context.Context, workflowID string) ([]StepInfo, error) {
	sql := fmt.Sprintf(`
		SELECT function_id, function_name, output, error FROM %s.operation_outputs WHERE workflow_uuid = $1
		UNION ALL
		SELECT function_id, function_name, output, error FROM %s.transaction_outputs WHERE workflow_uuid = $1
		ORDER BY function_id
	`, db.schema, db.schema)

	rows, err := db.pool.Query(ctx, sql, workflowID)
	if err != nil {
		return nil, wrapError(KindSystemDatabase, "get workflow steps", err)
	}
	defer rows.Close()

	var steps []StepInfo
	for rows.Next() {
		var fid int
		var name string
		var output, errStr *string
		if err := rows.Scan(&fid, &name, &output, &errStr); err != nil {
			return nil, wrapError(KindSystemDatabase, "scan workflow step", err)
		}
		info := StepInfo{FunctionID: fid, FunctionName: name}
		if output != nil {
			info.Output, _ = deserialize(output)
		}
		if errStr != nil {
			msg, _ := deserialize(errStr)
			if s, ok := msg.(string); ok && s != "" {
				info.Error = newError(KindUnknown, s)
			}
		}
		steps = append(steps, info)
	}
	return steps, rows.Err()
}

const nullTopic = ""

func (db *sysDB) send(ctx context.Context, srcWorkflowID string, functionID int, destWorkflowID, topic string, message any) error {
	if topic == "" {
		topic = nullTopic
	}
	return db.withTx(ctx, nil, func(tx pgx.Tx) error {
		if srcWorkflowID != "" {
			recorded, err := db.checkOperationExecution(ctx, tx, checkOperationInput{
				workflowID: srcWorkflowID, functionID: functionID, stepName: "send", table: "operation_outputs",
			})
			if err != nil {
				return err
			}
			if recorded != nil {
				return recorded.err
			}
		}

		encoded, err := serialize(message)
		if err != nil {
			return err
		}

		insertSQL := fmt.Sprintf(`
			INSERT INTO %s.notifications (message_uuid, destination_uuid, topic, message, created_at_epoch_ms)
			VALUES ($1,$2,$3,$4,$5)
		`, db.schema)
		if _, err := tx.Exec(ctx, insertSQL, uuid.New().String(), destWorkflowID, topic, encoded, nowMs()); err != nil {
			if classifyPgError(err) == KindNonExistentWorkflow {
				return newNonExistentWorkflowError(destWorkflowID)
			}
			return wrapError(KindSystemDatabase, "insert notification", err)
		}
		if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", notificationsChannel, notificationPayload(destWorkflowID, topic)); err != nil {
			return wrapError(KindSystemDatabase, "notify notification", err)
		}

		if srcWorkflowID != "" {
			if err := db.recordOperationResult(ctx, tx, recordOperationInput{
				workflowID: srcWorkflowID, functionID: functionID, stepName: "send", table: "operation_outputs",
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func notificationPayload(destWorkflowID, topic string) string { return destWorkflowID + "::" + topic }

func (db *sysDB) recv(ctx context.Context, workflowID string, functionID int, topic string, timeout time.Duration) (any, error) {
	if topic == "" {
		topic = nullTopic
	}
	if recorded, err := db.checkOperationExecution(ctx, nil, checkOperationInput{
		workflowID: workflowID, functionID: functionID, stepName: "recv", table: "operation_outputs",
	}); err != nil {
		return nil, err
	} else if recorded != nil {
		return recorded.output, recorded.err
	}

	deadline := time.Now().Add(timeout)
	payloadKey := notificationPayload(workflowID, topic)

	for {
		message, err := db.popOldestNotification(ctx, workflowID, topic)
		if err != nil {
			return nil, err
		}
		if message != nil {
			if err := db.recordOperationResult(ctx, nil, recordOperationInput{
				workflowID: workflowID, functionID: functionID, stepName: "recv", output: message, table: "operation_outputs",
			}); err != nil {
				return nil, err
			}
			return message, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if err := db.recordOperationResult(ctx, nil, recordOperationInput{
				workflowID: workflowID, functionID: functionID, stepName: "recv", output: nil, table: "operation_outputs",
			}); err != nil {
				return nil, err
			}
			return nil, nil
		}

		if !db.waitForBroadcast(ctx, payloadKey, remaining) {
			continue
		}
	}
}

// waitForBroadcast blocks on the condition variable for key until either
// it is signalled or d elapses, returning false on timeout/ctx cancellation
// and true when a broadcast (or spurious wakeup) occurred, so the caller
// always re-checks the database rather than trusting the wakeup alone.
func (db *sysDB) waitForBroadcast(ctx context.Context, key string, d time.Duration) bool {
	cond := db.condFor(key)
	done := make(chan struct{})
	ready := make(chan struct{})
	go func() {
		cond.L.Lock()
		close(ready)
		cond.Wait()
		cond.L.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(d):
	case <-ctx.Done():
	}
	// Release the waiting goroutine so it does not outlive this call.
	<-ready
	cond.L.Lock()
	cond.Broadcast()
	cond.L.Unlock()
	<-done
	return false
}

func (db *sysDB) popOldestNotification(ctx context.Context, destWorkflowID, topic string) (any, error) {
	sql := fmt.Sprintf(`
		WITH oldest_entry AS (
			SELECT message_uuid FROM %s.notifications
			WHERE destination_uuid = $1 AND topic = $2
			ORDER BY created_at_epoch_ms ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		DELETE FROM %s.notifications
		WHERE message_uuid IN (SELECT message_uuid FROM oldest_entry)
		RETURNING message
	`, db.schema, db.schema)

	var raw *string
	err := db.pool.QueryRow(ctx, sql, destWorkflowID, topic).Scan(&raw)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, wrapError(KindSystemDatabase, "pop notification", err)
	}
	return deserialize(raw)
}

func (db *sysDB) setEvent(ctx context.Context, workflowID string, functionID int, key string, value any) error {
	return db.withTx(ctx, nil, func(tx pgx.Tx) error {
		recorded, err := db.checkOperationExecution(ctx, tx, checkOperationInput{
			workflowID: workflowID, functionID: functionID, stepName: "setEvent", table: "operation_outputs",
		})
		if err != nil {
			return err
		}
		if recorded != nil {
			return recorded.err
		}

		encoded, err := serialize(value)
		if err != nil {
			return err
		}

		sql := fmt.Sprintf(`
			INSERT INTO %s.workflow_events (workflow_uuid, key, value) VALUES ($1,$2,$3)
			ON CONFLICT (workflow_uuid, key) DO UPDATE SET value = EXCLUDED.value
			WHERE %s.workflow_events.value IS NOT DISTINCT FROM EXCLUDED.value
		`, db.schema, db.schema)
		tag, err := tx.Exec(ctx, sql, workflowID, key, encoded)
		if err != nil {
			return wrapError(KindSystemDatabase, "set event", err)
		}
		if tag.RowsAffected() == 0 {
			return newError(KindWorkflowConflict, fmt.Sprintf("event %q of workflow %s is already set to a different value", key, workflowID))
		}
		if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", workflowEventsChannel, eventChannelKey(workflowID, key)); err != nil {
			return wrapError(KindSystemDatabase, "notify event", err)
		}

		db.cache.invalidateEvent(ctx, workflowID, key)
		db.broadcast(eventChannelKey(workflowID, key))

		return db.recordOperationResult(ctx, tx, recordOperationInput{
			workflowID: workflowID, functionID: functionID, stepName: "setEvent", table: "operation_outputs",
		})
	})
}

func eventChannelKey(workflowID, key string) string { return "event::" + workflowID + "::" + key }

func (db *sysDB) getEvent(ctx context.Context, targetWorkflowID, key string, timeout time.Duration, callerWorkflowID string, callerFunctionID int) (any, error) {
	if callerWorkflowID != "" {
		if recorded, err := db.checkOperationExecution(ctx, nil, checkOperationInput{
			workflowID: callerWorkflowID, functionID: callerFunctionID, stepName: "getEvent", table: "operation_outputs",
		}); err != nil {
			return nil, err
		} else if recorded != nil {
			return recorded.output, recorded.err
		}
	}

	deadline := time.Now().Add(timeout)
	key2 := eventChannelKey(targetWorkflowID, key)

	for {
		value, found, err := db.readEvent(ctx, targetWorkflowID, key)
		if err != nil {
			return nil, err
		}
		if found {
			if callerWorkflowID != "" {
				if err := db.recordOperationResult(ctx, nil, recordOperationInput{
					workflowID: callerWorkflowID, functionID: callerFunctionID, stepName: "getEvent", output: value, table: "operation_outputs",
				}); err != nil {
					return nil, err
				}
			}
			return value, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if callerWorkflowID != "" {
				if err := db.recordOperationResult(ctx, nil, recordOperationInput{
					workflowID: callerWorkflowID, functionID: callerFunctionID, stepName: "getEvent", table: "operation_outputs",
				}); err != nil {
					return nil, err
				}
			}
			return nil, nil
		}

		db.waitForBroadcast(ctx, key2, remaining)
	}
}

func (db *sysDB) readEvent(ctx context.Context, workflowID, key string) (any, bool, error) {
	if cached, ok := db.cache.getEvent(ctx, workflowID, key); ok {
		v, err := deserialize(&cached)
		return v, true, err
	}
	sql := fmt.Sprintf(`SELECT value FROM %s.workflow_events WHERE workflow_uuid = $1 AND key = $2`, db.schema)
	var raw *string
	err := db.pool.QueryRow(ctx, sql, workflowID, key).Scan(&raw)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, wrapError(KindSystemDatabase, "read event", err)
	}
	if raw != nil {
		db.cache.setEventValue(ctx, workflowID, key, *raw)
	}
	v, err := deserialize(raw)
	return v, true, err
}

func (db *sysDB) sleep(ctx context.Context, workflowID string, functionID int, duration time.Duration, skipSleep bool) (time.Duration, error) {
	recorded, err := db.checkOperationExecution(ctx, nil, checkOperationInput{
		workflowID: workflowID, functionID: functionID, stepName: "sleep", table: "operation_outputs",
	})
	if err != nil {
		return 0, err
	}

	var endTime time.Time
	if recorded != nil {
		if recorded.err != nil {
			return 0, recorded.err
		}
		ms, _ := recorded.output.(int64)
		endTime = time.UnixMilli(ms)
	} else {
		endTime = time.Now().Add(duration)
		if err := db.recordOperationResult(ctx, nil, recordOperationInput{
			workflowID: workflowID, functionID: functionID, stepName: "sleep", output: endTime.UnixMilli(), table: "operation_outputs",
		}); err != nil {
			return 0, err
		}
	}

	if skipSleep {
		return 0, nil
	}
	remaining := time.Until(endTime)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (db *sysDB) enqueue(ctx context.Context, workflowID, queueName string, priority int, dedupID string) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s.workflow_queue (workflow_uuid, queue_name, created_at) VALUES ($1,$2,$3)
		ON CONFLICT (workflow_uuid) DO NOTHING
	`, db.schema)
	if _, err := db.pool.Exec(ctx, sql, workflowID, queueName, nowMs()); err != nil {
		return wrapError(KindSystemDatabase, "enqueue workflow", err)
	}
	return nil
}

func (db *sysDB) dequeue(ctx context.Context, queueName string, maxTasks int) ([]workflowStatusRow, error) {
	sql := fmt.Sprintf(`
		WITH ready AS (
			SELECT workflow_uuid FROM %s.workflow_status
			WHERE queue_name = $1 AND status = 'ENQUEUED'
			ORDER BY priority ASC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %s.workflow_status w
		SET status = 'PENDING', started_at = $3
		WHERE w.workflow_uuid IN (SELECT workflow_uuid FROM ready)
		RETURNING w.workflow_uuid, w.status, w.name, w.authenticated_user, w.request, w.input, w.output, w.error,
			w.executor_id, w.created_at, w.updated_at, w.application_version, w.queue_name, w.dedup_id,
			w.priority, w.deadline_epoch_ms, w.timeout_ms, w.queued_at, w.started_at, w.completed_at
	`, db.schema, db.schema)

	rows, err := db.pool.Query(ctx, sql, queueName, maxTasks, nowMs())
	if err != nil {
		return nil, wrapError(KindSystemDatabase, "dequeue workflows", err)
	}
	defer rows.Close()

	var out []workflowStatusRow
	for rows.Next() {
		var r workflowStatusRow
		if err := rows.Scan(
			&r.WorkflowUUID, &r.Status, &r.Name, &r.AuthenticatedUser, &r.Request, &r.Input, &r.Output, &r.Error,
			&r.ExecutorID, &r.CreatedAt, &r.UpdatedAt, &r.ApplicationVersion, &r.QueueName, &r.DeduplicationID,
			&r.Priority, &r.DeadlineEpochMs, &r.TimeoutMs, &r.QueuedAt, &r.StartedAt, &r.CompletedAt,
		); err != nil {
			return nil, wrapError(KindSystemDatabase, "scan dequeued workflow", err)
		}
		db.cache.invalidateStatus(ctx, r.WorkflowUUID)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *sysDB) clearQueueAssignment(ctx context.Context, workflowID string) (bool, error) {
	sql := fmt.Sprintf(`
		UPDATE %s.workflow_status SET status = 'ENQUEUED', started_at = NULL
		WHERE workflow_uuid = $1 AND queue_name IS NOT NULL AND status NOT IN ('SUCCESS','ERROR','CANCELLED')
	`, db.schema)
	tag, err := db.pool.Exec(ctx, sql, workflowID)
	if err != nil {
		return false, wrapError(KindSystemDatabase, "clear queue assignment", err)
	}
	db.cache.invalidateStatus(ctx, workflowID)
	return tag.RowsAffected() > 0, nil
}

func (db *sysDB) cancelWorkflow(ctx context.Context, workflowID string) error {
	return db.updateWorkflowOutcome(ctx, workflowID, WorkflowStatusCancelled, nil, newWorkflowCancelledError(workflowID))
}

func (db *sysDB) resumeWorkflow(ctx context.Context, workflowID string) error {
	sql := fmt.Sprintf(`
		UPDATE %s.workflow_status SET status = 'PENDING', completed_at = NULL
		WHERE workflow_uuid = $1 AND status IN ('ERROR','RETRIES_EXCEEDED','CANCELLED','PENDING','ENQUEUED')
	`, db.schema)
	tag, err := db.pool.Exec(ctx, sql, workflowID)
	if err != nil {
		return wrapError(KindSystemDatabase, "resume workflow", err)
	}
	if tag.RowsAffected() == 0 {
		return newNonExistentWorkflowError(workflowID)
	}
	db.cache.invalidateStatus(ctx, workflowID)
	return nil
}

func (db *sysDB) forkWorkflow(ctx context.Context, input forkWorkflowDBInput) error {
	return db.withTx(ctx, nil, func(tx pgx.Tx) error {
		origSQL := fmt.Sprintf(`
			SELECT name, input, application_version FROM %s.workflow_status WHERE workflow_uuid = $1
		`, db.schema)
		var name string
		var encodedInput *string
		var appVersion string
		if err := tx.QueryRow(ctx, origSQL, input.originalWorkflowID).Scan(&name, &encodedInput, &appVersion); err != nil {
			if err == pgx.ErrNoRows {
				return newNonExistentWorkflowError(input.originalWorkflowID)
			}
			return wrapError(KindSystemDatabase, "read original workflow for fork", err)
		}
		if input.applicationVersion != "" {
			appVersion = input.applicationVersion
		}

		insertSQL := fmt.Sprintf(`
			INSERT INTO %s.workflow_status (workflow_uuid, status, name, input, executor_id, created_at, updated_at, application_version)
			VALUES ($1,'PENDING',$2,$3,'',$4,$4,$5)
		`, db.schema)
		if _, err := tx.Exec(ctx, insertSQL, input.forkedWorkflowID, name, encodedInput, nowMs(), appVersion); err != nil {
			return wrapError(KindSystemDatabase, "insert forked workflow", err)
		}

		for _, table := range []string{"transaction_outputs", "operation_outputs"} {
			copySQL := fmt.Sprintf(`
				INSERT INTO %s.%s (workflow_uuid, function_id, function_name, output, error, created_at)
				SELECT $1, function_id, function_name, output, error, created_at
				FROM %s.%s WHERE workflow_uuid = $2 AND function_id < $3
			`, db.schema, table, db.schema, table)
			if _, err := tx.Exec(ctx, copySQL, input.forkedWorkflowID, input.originalWorkflowID, input.startStep); err != nil {
				return wrapError(KindSystemDatabase, "copy operation log for fork", err)
			}
		}
		return nil
	})
}

func (db *sysDB) recordChildWorkflow(ctx context.Context, tx pgx.Tx, parentID string, parentFunctionID int, childID string) error {
	return db.recordOperationResult(ctx, tx, recordOperationInput{
		workflowID: parentID, functionID: parentFunctionID, stepName: "childWorkflow", output: childID, table: "operation_outputs",
	})
}

func (db *sysDB) checkChildWorkflow(ctx context.Context, tx pgx.Tx, parentID string, parentFunctionID int) (string, bool, error) {
	recorded, err := db.checkOperationExecution(ctx, tx, checkOperationInput{
		workflowID: parentID, functionID: parentFunctionID, stepName: "childWorkflow", table: "operation_outputs",
	})
	if err != nil || recorded == nil {
		return "", false, err
	}
	childID, _ := recorded.output.(string)
	return childID, true, nil
}

func (db *sysDB) upsertHeartbeat(ctx context.Context, executorID string) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s.executor_heartbeats (executor_id, last_seen_at) VALUES ($1,$2)
		ON CONFLICT (executor_id) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at
	`, db.schema)
	if _, err := db.pool.Exec(ctx, sql, executorID, nowMs()); err != nil {
		return wrapError(KindSystemDatabase, "upsert heartbeat", err)
	}
	return nil
}

func (db *sysDB) listDeadExecutors(ctx context.Context, ttl time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-ttl).UnixMilli()
	sql := fmt.Sprintf(`SELECT executor_id FROM %s.executor_heartbeats WHERE last_seen_at < $1`, db.schema)
	rows, err := db.pool.Query(ctx, sql, cutoff)
	if err != nil {
		return nil, wrapError(KindSystemDatabase, "list dead executors", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapError(KindSystemDatabase, "scan dead executor", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (db *sysDB) listWorkflowsByExecutors(ctx context.Context, executorIDs []string, applicationVersion string, loadInput bool) ([]workflowStatusRow, error) {
	if len(executorIDs) == 0 {
		return nil, nil
	}
	sql := fmt.Sprintf(`
		SELECT workflow_uuid, status, name, authenticated_user, request, input, output, error,
			executor_id, created_at, updated_at, application_version, queue_name, dedup_id,
			priority, deadline_epoch_ms, timeout_ms, queued_at, started_at, completed_at
		FROM %s.workflow_status
		WHERE status IN ('PENDING','ENQUEUED') AND executor_id = ANY($1)
	`, db.schema)

	rows, err := db.pool.Query(ctx, sql, executorIDs)
	if err != nil {
		return nil, wrapError(KindSystemDatabase, "list workflows by executors", err)
	}
	defer rows.Close()

	var out []workflowStatusRow
	for rows.Next() {
		var r workflowStatusRow
		if err := rows.Scan(
			&r.WorkflowUUID, &r.Status, &r.Name, &r.AuthenticatedUser, &r.Request, &r.Input, &r.Output, &r.Error,
			&r.ExecutorID, &r.CreatedAt, &r.UpdatedAt, &r.ApplicationVersion, &r.QueueName, &r.DeduplicationID,
			&r.Priority, &r.DeadlineEpochMs, &r.TimeoutMs, &r.QueuedAt, &r.StartedAt, &r.CompletedAt,
		); err != nil {
			return nil, wrapError(KindSystemDatabase, "scan recovered workflow", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *sysDB) listWorkflows(ctx context.Context, input listWorkflowsDBInput) ([]workflowStatusRow, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(input.workflowIDs) > 0 {
		where = append(where, fmt.Sprintf("workflow_uuid = ANY(%s)", arg(input.workflowIDs)))
	}
	if len(input.status) > 0 {
		statuses := make([]string, len(input.status))
		for i, s := range input.status {
			statuses[i] = string(s)
		}
		where = append(where, fmt.Sprintf("status = ANY(%s)", arg(statuses)))
	}
	if !input.startTime.IsZero() {
		where = append(where, fmt.Sprintf("created_at >= %s", arg(input.startTime.UnixMilli())))
	}
	if !input.endTime.IsZero() {
		where = append(where, fmt.Sprintf("created_at <= %s", arg(input.endTime.UnixMilli())))
	}
	if input.workflowName != "" {
		where = append(where, fmt.Sprintf("name = %s", arg(input.workflowName)))
	}
	if input.applicationVersion != "" {
		where = append(where, fmt.Sprintf("application_version = %s", arg(input.applicationVersion)))
	}
	if input.authenticatedUser != "" {
		where = append(where, fmt.Sprintf("authenticated_user = %s", arg(input.authenticatedUser)))
	}
	if input.workflowIDPrefix != "" {
		where = append(where, fmt.Sprintf("workflow_uuid LIKE %s", arg(input.workflowIDPrefix+"%")))
	}
	if input.queueName != "" {
		where = append(where, fmt.Sprintf("queue_name = %s", arg(input.queueName)))
	}
	if input.queuesOnly {
		where = append(where, "queue_name IS NOT NULL")
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	order := "ASC"
	if input.sortDesc {
		order = "DESC"
	}

	limitClause := ""
	if input.limit != nil {
		limitClause += fmt.Sprintf(" LIMIT %s", arg(*input.limit))
	}
	if input.offset != nil {
		limitClause += fmt.Sprintf(" OFFSET %s", arg(*input.offset))
	}

	sql := fmt.Sprintf(`
		SELECT workflow_uuid, status, name, authenticated_user, request, input, output, error,
			executor_id, created_at, updated_at, application_version, queue_name, dedup_id,
			priority, deadline_epoch_ms, timeout_ms, queued_at, started_at, completed_at
		FROM %s.workflow_status %s ORDER BY created_at %s %s
	`, db.schema, whereClause, order, limitClause)

	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapError(KindSystemDatabase, "list workflows", err)
	}
	defer rows.Close()

	var out []workflowStatusRow
	for rows.Next() {
		var r workflowStatusRow
		if err := rows.Scan(
			&r.WorkflowUUID, &r.Status, &r.Name, &r.AuthenticatedUser, &r.Request, &r.Input, &r.Output, &r.Error,
			&r.ExecutorID, &r.CreatedAt, &r.UpdatedAt, &r.ApplicationVersion, &r.QueueName, &r.DeduplicationID,
			&r.Priority, &r.DeadlineEpochMs, &r.TimeoutMs, &r.QueuedAt, &r.StartedAt, &r.CompletedAt,
		); err != nil {
			return nil, wrapError(KindSystemDatabase, "scan listed workflow", err)
		}
		if !input.loadInput {
			r.Input = nil
		}
		if !input.loadOutput {
			r.Output = nil
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// rowQuerier abstracts over *pgxpool.Pool and pgx.Tx for the single-row
// helper queryRow below.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryRow(ctx context.Context, tx pgx.Tx, pool rowQuerier, sql string, args ...any) pgx.Row {
	if tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return pool.QueryRow(ctx, sql, args...)
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
