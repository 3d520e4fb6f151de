package main

import (
	"context"
	"fmt"
	"time"

	"github.com/arborio/durably/durably"
	"github.com/spf13/cobra"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage durably workflows",
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows for your application",
	RunE:  runWorkflowList,
}

var workflowGetCmd = &cobra.Command{
	Use:   "get [workflow-id]",
	Short: "Retrieve the status of a workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowGet,
}

var workflowStepsCmd = &cobra.Command{
	Use:   "steps [workflow-id]",
	Short: "List the steps of a workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowSteps,
}

var workflowCancelCmd = &cobra.Command{
	Use:   "cancel [workflow-id]",
	Short: "Cancel a workflow so it is no longer automatically recovered",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowCancel,
}

var workflowResumeCmd = &cobra.Command{
	Use:   "resume [workflow-id]",
	Short: "Resume a workflow that has been cancelled",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowResume,
}

var workflowForkCmd = &cobra.Command{
	Use:   "fork [workflow-id]",
	Short: "Fork a workflow from the beginning or from a specific step",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowFork,
}

func init() {
	workflowCmd.AddCommand(workflowListCmd)
	workflowCmd.AddCommand(workflowGetCmd)
	workflowCmd.AddCommand(workflowStepsCmd)
	workflowCmd.AddCommand(workflowCancelCmd)
	workflowCmd.AddCommand(workflowResumeCmd)
	workflowCmd.AddCommand(workflowForkCmd)

	workflowListCmd.Flags().IntP("limit", "l", 10, "Limit the results returned")
	workflowListCmd.Flags().StringP("user", "u", "", "Retrieve workflows run by this user")
	workflowListCmd.Flags().StringP("start-time", "s", "", "Retrieve workflows starting after this timestamp (RFC 3339)")
	workflowListCmd.Flags().StringP("end-time", "e", "", "Retrieve workflows starting before this timestamp (RFC 3339)")
	workflowListCmd.Flags().StringP("status", "S", "", "Retrieve workflows with this status (PENDING, SUCCESS, ERROR, ENQUEUED, CANCELLED, or RETRIES_EXCEEDED)")
	workflowListCmd.Flags().StringP("application-version", "v", "", "Retrieve workflows with this application version")
	workflowListCmd.Flags().StringP("name", "n", "", "Retrieve workflows with this name")
	workflowListCmd.Flags().BoolP("sort-desc", "d", false, "Sort the results in descending order (newest first)")
	workflowListCmd.Flags().IntP("offset", "o", 0, "Offset for pagination")
	workflowListCmd.Flags().StringP("queue", "q", "", "Retrieve workflows on this queue")
	workflowListCmd.Flags().BoolP("queues-only", "Q", false, "Retrieve only queued workflows")

	workflowForkCmd.Flags().IntP("step", "s", 0, "Restart from this step")
	workflowForkCmd.Flags().StringP("forked-workflow-id", "f", "", "Custom workflow ID for the forked workflow")
}

func runWorkflowList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	dc, err := newContext(ctx)
	if err != nil {
		return err
	}
	defer dc.Shutdown(5 * time.Second)

	var opts []durably.ListWorkflowsOption

	if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
		opts = append(opts, durably.WithLimit(limit))
	}
	if offset, _ := cmd.Flags().GetInt("offset"); offset > 0 {
		opts = append(opts, durably.WithOffset(offset))
	}
	if user, _ := cmd.Flags().GetString("user"); user != "" {
		opts = append(opts, durably.WithUser(user))
	}
	if name, _ := cmd.Flags().GetString("name"); name != "" {
		opts = append(opts, durably.WithName(name))
	}
	if status, _ := cmd.Flags().GetString("status"); status != "" {
		var statusType durably.WorkflowStatusType
		switch status {
		case "PENDING":
			statusType = durably.WorkflowStatusPending
		case "SUCCESS":
			statusType = durably.WorkflowStatusSuccess
		case "ERROR":
			statusType = durably.WorkflowStatusError
		case "ENQUEUED":
			statusType = durably.WorkflowStatusEnqueued
		case "CANCELLED":
			statusType = durably.WorkflowStatusCancelled
		case "RETRIES_EXCEEDED":
			statusType = durably.WorkflowStatusRetriesExceeded
		default:
			return fmt.Errorf("invalid status: %s", status)
		}
		opts = append(opts, durably.WithStatus([]durably.WorkflowStatusType{statusType}))
	}
	if appVersion, _ := cmd.Flags().GetString("application-version"); appVersion != "" {
		opts = append(opts, durably.WithAppVersion(appVersion))
	}
	if queue, _ := cmd.Flags().GetString("queue"); queue != "" {
		opts = append(opts, durably.WithQueueName(queue))
	}
	if queuesOnly, _ := cmd.Flags().GetBool("queues-only"); queuesOnly {
		opts = append(opts, durably.WithQueuesOnly())
	}
	if sortDesc, _ := cmd.Flags().GetBool("sort-desc"); sortDesc {
		opts = append(opts, durably.WithSortDesc(true))
	}
	if startTime, _ := cmd.Flags().GetString("start-time"); startTime != "" {
		t, err := time.Parse(time.RFC3339, startTime)
		if err != nil {
			return fmt.Errorf("invalid start-time format: %w", err)
		}
		opts = append(opts, durably.WithStartTime(t))
	}
	if endTime, _ := cmd.Flags().GetString("end-time"); endTime != "" {
		t, err := time.Parse(time.RFC3339, endTime)
		if err != nil {
			return fmt.Errorf("invalid end-time format: %w", err)
		}
		opts = append(opts, durably.WithEndTime(t))
	}

	opts = append(opts, durably.WithLoadInput(false), durably.WithLoadOutput(false))

	workflows, err := durably.ListWorkflows(dc, opts...)
	if err != nil {
		return fmt.Errorf("list workflows: %w", err)
	}
	if workflows == nil {
		workflows = []durably.WorkflowStatus{}
	}
	return outputJSON(workflows)
}

func runWorkflowGet(cmd *cobra.Command, args []string) error {
	workflowID := args[0]
	ctx := context.Background()
	dc, err := newContext(ctx)
	if err != nil {
		return err
	}
	defer dc.Shutdown(5 * time.Second)

	workflows, err := durably.ListWorkflows(
		dc,
		durably.WithWorkflowIDs([]string{workflowID}),
		durably.WithLoadInput(false),
		durably.WithLoadOutput(false),
	)
	if err != nil {
		return fmt.Errorf("retrieve workflow: %w", err)
	}
	if len(workflows) == 0 {
		return fmt.Errorf("workflow not found: %s", workflowID)
	}
	return outputJSON(workflows[0])
}

func runWorkflowSteps(cmd *cobra.Command, args []string) error {
	workflowID := args[0]
	ctx := context.Background()
	dc, err := newContext(ctx)
	if err != nil {
		return err
	}
	defer dc.Shutdown(5 * time.Second)

	steps, err := durably.GetWorkflowSteps(dc, workflowID)
	if err != nil {
		return fmt.Errorf("get workflow steps: %w", err)
	}
	if steps == nil {
		steps = []durably.StepInfo{}
	}
	return outputJSON(steps)
}

func runWorkflowCancel(cmd *cobra.Command, args []string) error {
	workflowID := args[0]
	ctx := context.Background()
	dc, err := newContext(ctx)
	if err != nil {
		return err
	}
	defer dc.Shutdown(5 * time.Second)

	if err := durably.CancelWorkflow(dc, workflowID); err != nil {
		return err
	}
	logger.Sugar().Infow("cancelled workflow", "id", workflowID)
	return nil
}

func runWorkflowResume(cmd *cobra.Command, args []string) error {
	workflowID := args[0]
	ctx := context.Background()
	dc, err := newContext(ctx)
	if err != nil {
		return err
	}
	defer dc.Shutdown(5 * time.Second)

	handle, err := durably.ResumeWorkflow[any](dc, workflowID)
	if err != nil {
		return err
	}
	status, err := handle.GetStatus(ctx)
	if err != nil {
		return fmt.Errorf("get workflow status: %w", err)
	}
	return outputJSON(status)
}

func runWorkflowFork(cmd *cobra.Command, args []string) error {
	workflowID := args[0]
	ctx := context.Background()
	dc, err := newContext(ctx)
	if err != nil {
		return err
	}
	defer dc.Shutdown(5 * time.Second)

	step, _ := cmd.Flags().GetInt("step")
	if step < 0 {
		step = 0
	}

	var forkOpts []durably.ForkWorkflowOption
	if forkedID, _ := cmd.Flags().GetString("forked-workflow-id"); forkedID != "" {
		forkOpts = append(forkOpts, durably.WithForkWorkflowID(forkedID))
	}

	handle, err := durably.ForkWorkflow[any](dc, workflowID, uint(step), forkOpts...)
	if err != nil {
		return err
	}
	status, err := handle.GetStatus(ctx)
	if err != nil {
		return fmt.Errorf("get forked workflow status: %w", err)
	}
	return outputJSON(status)
}
