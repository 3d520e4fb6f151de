package durably

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	adminServerReadHeaderTimeout = 5 * time.Second
	adminServerShutdownTimeout   = 10 * time.Second
)

// listWorkflowsRequest is the admin API's JSON request body for the
// workflow-listing endpoints.
type listWorkflowsRequest struct {
	WorkflowUUIDs      []string             `json:"workflow_uuids"`
	AuthenticatedUser  *string              `json:"authenticated_user"`
	StartTime          *int64               `json:"start_time"`
	EndTime            *int64               `json:"end_time"`
	Status             []WorkflowStatusType `json:"status"`
	ApplicationVersion *string              `json:"application_version"`
	WorkflowName       *string              `json:"workflow_name"`
	Limit              *int                 `json:"limit"`
	Offset             *int                 `json:"offset"`
	SortDesc           *bool                `json:"sort_desc"`
	WorkflowIDPrefix   *string              `json:"workflow_id_prefix"`
	LoadInput          *bool                `json:"load_input"`
	LoadOutput         *bool                `json:"load_output"`
}

func (req *listWorkflowsRequest) toListWorkflowsOptions() []ListWorkflowsOption {
	var opts []ListWorkflowsOption
	if len(req.WorkflowUUIDs) > 0 {
		opts = append(opts, WithWorkflowIDs(req.WorkflowUUIDs))
	}
	if req.AuthenticatedUser != nil {
		opts = append(opts, WithUser(*req.AuthenticatedUser))
	}
	if req.StartTime != nil {
		opts = append(opts, WithStartTime(time.UnixMilli(*req.StartTime)))
	}
	if req.EndTime != nil {
		opts = append(opts, WithEndTime(time.UnixMilli(*req.EndTime)))
	}
	if len(req.Status) > 0 {
		opts = append(opts, WithStatus(req.Status))
	}
	if req.ApplicationVersion != nil {
		opts = append(opts, WithAppVersion(*req.ApplicationVersion))
	}
	if req.WorkflowName != nil {
		opts = append(opts, WithName(*req.WorkflowName))
	}
	if req.Limit != nil {
		opts = append(opts, WithLimit(*req.Limit))
	}
	if req.Offset != nil {
		opts = append(opts, WithOffset(*req.Offset))
	}
	if req.SortDesc != nil {
		opts = append(opts, WithSortDesc(*req.SortDesc))
	}
	if req.WorkflowIDPrefix != nil {
		opts = append(opts, WithWorkflowIDPrefix(*req.WorkflowIDPrefix))
	}
	if req.LoadInput != nil {
		opts = append(opts, WithLoadInput(*req.LoadInput))
	}
	if req.LoadOutput != nil {
		opts = append(opts, WithLoadOutput(*req.LoadOutput))
	}
	return opts
}

// adminServer is C12: the management HTTP surface, rehomed onto
// gorilla/mux so path parameters (/workflows/{id}/...) come from router
// variables instead of the Go 1.22 ServeMux pattern syntax the teacher uses.
type adminServer struct {
	server        *http.Server
	logger        *zap.Logger
	port          int
	isDeactivated atomic.Int32
}

func newAdminServer(dc *dbosContext, port int) *adminServer {
	as := &adminServer{logger: namedLogger(dc.logger, "admin"), port: port}

	r := mux.NewRouter()

	r.HandleFunc("/durably-healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	r.HandleFunc("/durably-workflow-recovery", func(w http.ResponseWriter, req *http.Request) {
		var executorIDs []string
		if err := json.NewDecoder(req.Body).Decode(&executorIDs); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		as.logger.Info("recovering workflows for executors", zap.Strings("executors", executorIDs))
		handles, err := recoverPendingWorkflows(dc, executorIDs)
		if err != nil {
			as.logger.Error("recovery failed", zap.Error(err))
			http.Error(w, fmt.Sprintf("recovery failed: %v", err), http.StatusInternalServerError)
			return
		}
		ids := make([]string, len(handles))
		for i, h := range handles {
			ids[i] = h.GetWorkflowID()
		}
		writeJSON(w, as.logger, ids)
	}).Methods(http.MethodPost)

	r.HandleFunc("/deactivate", func(w http.ResponseWriter, req *http.Request) {
		if as.isDeactivated.CompareAndSwap(0, 1) {
			as.logger.Info("deactivating executor", zap.String("executor_id", dc.executorID))
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("deactivated"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/durably-workflow-queues-metadata", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, as.logger, dc.queueRunner.listQueues())
	}).Methods(http.MethodGet)

	r.HandleFunc("/workflows", func(w http.ResponseWriter, req *http.Request) {
		var body listWorkflowsRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, fmt.Sprintf("invalid JSON input: %v", err), http.StatusBadRequest)
			return
		}
		workflows, err := ListWorkflows(dc, body.toListWorkflowsOptions()...)
		if err != nil {
			as.logger.Error("failed to list workflows", zap.Error(err))
			http.Error(w, fmt.Sprintf("failed to list workflows: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, as.logger, workflows)
	}).Methods(http.MethodPost)

	r.HandleFunc("/workflows/{id}/steps", func(w http.ResponseWriter, req *http.Request) {
		workflowID := mux.Vars(req)["id"]
		steps, err := GetWorkflowSteps(dc, workflowID)
		if err != nil {
			as.logger.Error("failed to list workflow steps", zap.String("workflow_id", workflowID), zap.Error(err))
			http.Error(w, fmt.Sprintf("failed to list steps: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, as.logger, steps)
	}).Methods(http.MethodGet)

	r.HandleFunc("/workflows/{id}/cancel", func(w http.ResponseWriter, req *http.Request) {
		workflowID := mux.Vars(req)["id"]
		as.logger.Info("cancelling workflow", zap.String("workflow_id", workflowID))
		if err := CancelWorkflow(dc, workflowID); err != nil {
			as.logger.Error("failed to cancel workflow", zap.String("workflow_id", workflowID), zap.Error(err))
			http.Error(w, fmt.Sprintf("failed to cancel workflow: %v", err), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	r.HandleFunc("/workflows/{id}/resume", func(w http.ResponseWriter, req *http.Request) {
		workflowID := mux.Vars(req)["id"]
		as.logger.Info("resuming workflow", zap.String("workflow_id", workflowID))
		if _, err := ResumeWorkflow[any](dc, workflowID); err != nil {
			as.logger.Error("failed to resume workflow", zap.String("workflow_id", workflowID), zap.Error(err))
			http.Error(w, fmt.Sprintf("failed to resume workflow: %v", err), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	r.HandleFunc("/workflows/{id}/restart", func(w http.ResponseWriter, req *http.Request) {
		workflowID := mux.Vars(req)["id"]
		as.logger.Info("restarting workflow", zap.String("workflow_id", workflowID))
		handle, err := ForkWorkflow[any](dc, workflowID, 0)
		if err != nil {
			as.logger.Error("failed to restart workflow", zap.String("workflow_id", workflowID), zap.Error(err))
			http.Error(w, fmt.Sprintf("failed to restart workflow: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, as.logger, map[string]string{"workflow_id": handle.GetWorkflowID()})
	}).Methods(http.MethodPost)

	r.HandleFunc("/workflows/{id}/fork", func(w http.ResponseWriter, req *http.Request) {
		workflowID := mux.Vars(req)["id"]
		var data struct {
			StartStep          *uint   `json:"start_step"`
			ForkedWorkflowID   *string `json:"new_workflow_id"`
			ApplicationVersion *string `json:"application_version"`
		}
		if err := json.NewDecoder(req.Body).Decode(&data); err != nil {
			http.Error(w, fmt.Sprintf("invalid JSON input: %v", err), http.StatusBadRequest)
			return
		}
		var forkOpts []ForkWorkflowOption
		var startStep uint
		if data.StartStep != nil {
			startStep = *data.StartStep
		}
		if data.ForkedWorkflowID != nil {
			forkOpts = append(forkOpts, WithForkWorkflowID(*data.ForkedWorkflowID))
		}
		if data.ApplicationVersion != nil {
			forkOpts = append(forkOpts, WithForkApplicationVersion(*data.ApplicationVersion))
		}

		as.logger.Info("forking workflow", zap.String("workflow_id", workflowID), zap.Uint("start_step", startStep))
		handle, err := ForkWorkflow[any](dc, workflowID, startStep, forkOpts...)
		if err != nil {
			as.logger.Error("failed to fork workflow", zap.String("workflow_id", workflowID), zap.Error(err))
			http.Error(w, fmt.Sprintf("failed to fork workflow: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, as.logger, map[string]string{"workflow_id": handle.GetWorkflowID()})
	}).Methods(http.MethodPost)

	r.Handle("/metrics", promhttp.HandlerFor(dc.metrics.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	as.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: adminServerReadHeaderTimeout,
	}
	return as
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("error encoding response", zap.Error(err))
		http.Error(w, fmt.Sprintf("failed to encode response: %v", err), http.StatusInternalServerError)
	}
}

func (as *adminServer) Start() error {
	as.logger.Info("starting admin server", zap.Int("port", as.port))
	go func() {
		if err := as.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			as.logger.Error("admin server error", zap.Error(err))
		}
	}()
	return nil
}

func (as *adminServer) Shutdown(ctx context.Context) error {
	as.logger.Info("shutting down admin server")
	ctx, cancel := context.WithTimeout(ctx, adminServerShutdownTimeout)
	defer cancel()
	if err := as.server.Shutdown(ctx); err != nil {
		as.logger.Error("admin server shutdown error", zap.Error(err))
		return wrapError(KindSystemDatabase, "shutdown admin server", err)
	}
	as.logger.Info("admin server shutdown complete")
	return nil
}
