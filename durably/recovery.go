package durably

import (
	"go.uber.org/zap"
)

// recoverPendingWorkflows re-enumerates PENDING/ENQUEUED workflows owned by
// the given executor ids and resumes each one. The operation log ensures
// already-completed steps are not replayed; this is C9's entire job.
func recoverPendingWorkflows(dc *dbosContext, executorIDs []string) ([]WorkflowHandle[any], error) {
	rows, err := dc.systemDB.listWorkflowsByExecutors(dc.goCtx, executorIDs, dc.applicationVersion, true)
	if err != nil {
		return nil, err
	}

	handles := make([]WorkflowHandle[any], 0, len(rows))
	for _, row := range rows {
		input, err := deserialize(row.Input)
		if err != nil {
			dc.logger.Warn("skipping workflow with undecodable input during recovery", zap.String("workflow_id", row.WorkflowUUID), zap.Error(err))
			continue
		}

		if row.QueueName != "" {
			cleared, err := dc.systemDB.clearQueueAssignment(dc.goCtx, row.WorkflowUUID)
			if err != nil {
				dc.logger.Warn("failed to clear queue assignment during recovery", zap.String("workflow_id", row.WorkflowUUID), zap.Error(err))
				continue
			}
			if cleared {
				handles = append(handles, &workflowPollingHandle[any]{workflowID: row.WorkflowUUID, ctx: dc})
			}
			continue
		}

		entry, ok := dc.registry.resolve(row.Name)
		if !ok {
			dc.logger.Warn("no workflow registered for recovered instance; marking error",
				zap.String("workflow_id", row.WorkflowUUID), zap.String("name", row.Name))
			_ = dc.systemDB.updateWorkflowOutcome(dc.goCtx, row.WorkflowUUID, WorkflowStatusError, nil, newNotRegisteredError(row.Name))
			continue
		}

		handle, err := entry.wrappedFunction(dc, input, WithWorkflowID(row.WorkflowUUID))
		if err != nil {
			dc.logger.Warn("failed to resume recovered workflow", zap.String("workflow_id", row.WorkflowUUID), zap.Error(err))
			continue
		}
		handles = append(handles, handle)
	}

	return handles, nil
}
