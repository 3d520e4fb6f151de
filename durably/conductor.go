package durably

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	conductorPingInterval = 20 * time.Second
	conductorPingTimeout  = 30 * time.Second
)

// conductorMessageType mirrors the teacher's MessageType enum for the
// remote-control wire protocol (C15).
type conductorMessageType string

const (
	conductorMsgExecutorInfo    conductorMessageType = "executor_info"
	conductorMsgListWorkflows   conductorMessageType = "list_workflows"
	conductorMsgCancelWorkflow  conductorMessageType = "cancel_workflow"
	conductorMsgResumeWorkflow  conductorMessageType = "resume_workflow"
)

type conductorBaseMessage struct {
	Type      conductorMessageType `json:"type"`
	RequestID string               `json:"request_id"`
}

type conductorExecutorInfoResponse struct {
	conductorBaseMessage
	ExecutorID         string  `json:"executor_id"`
	ApplicationVersion string  `json:"application_version"`
	Hostname           *string `json:"hostname,omitempty"`
	ErrorMessage       *string `json:"error_message,omitempty"`
}

type conductorListWorkflowsRequestBody struct {
	WorkflowUUIDs []string `json:"workflow_uuids,omitempty"`
	WorkflowName  *string  `json:"workflow_name,omitempty"`
	Limit         *int     `json:"limit,omitempty"`
	SortDesc      bool     `json:"sort_desc"`
}

type conductorListWorkflowsRequest struct {
	conductorBaseMessage
	Body conductorListWorkflowsRequestBody `json:"body"`
}

type conductorWorkflowSummary struct {
	WorkflowUUID string  `json:"WorkflowUUID"`
	Status       *string `json:"Status,omitempty"`
	WorkflowName *string `json:"WorkflowName,omitempty"`
}

type conductorListWorkflowsResponse struct {
	conductorBaseMessage
	Output       []conductorWorkflowSummary `json:"output"`
	ErrorMessage *string                    `json:"error_message,omitempty"`
}

type conductorCancelWorkflowRequest struct {
	conductorBaseMessage
	Body struct {
		WorkflowID string `json:"workflow_id"`
	} `json:"body"`
}

type conductorAckResponse struct {
	conductorBaseMessage
	ErrorMessage *string `json:"error_message,omitempty"`
}

type conductorResumeWorkflowRequest struct {
	conductorBaseMessage
	Body struct {
		WorkflowID string `json:"workflow_id"`
	} `json:"body"`
}

func formatWorkflowSummary(ws WorkflowStatus) conductorWorkflowSummary {
	out := conductorWorkflowSummary{WorkflowUUID: ws.WorkflowID}
	if ws.Status != "" {
		status := string(ws.Status)
		out.Status = &status
	}
	if ws.Name != "" {
		out.WorkflowName = &ws.Name
	}
	return out
}

// conductor is C15: a websocket endpoint operators can attach to for live
// remote control (executor identification, workflow listing, cancel/resume)
// without going through the REST admin surface. The teacher's Conductor
// dials OUT to a hosted conductor service; here it listens, since this
// runtime has no SaaS counterpart to dial (see DESIGN.md).
type conductor struct {
	dc       *dbosContext
	addr     string
	logger   *zap.Logger
	upgrader websocket.Upgrader
	server   *http.Server

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newConductor(dc *dbosContext, addr string) *conductor {
	return &conductor{
		dc:     dc,
		addr:   addr,
		logger: namedLogger(dc.logger, "conductor"),
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

func (c *conductor) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/conductor", c.handleConnection)
	c.server = &http.Server{Addr: c.addr, Handler: mux}
	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("conductor server error", zap.Error(err))
		}
	}()
	c.logger.Info("conductor listening", zap.String("addr", c.addr))
}

func (c *conductor) Stop() {
	c.mu.Lock()
	for conn := range c.conns {
		_ = conn.Close()
	}
	c.mu.Unlock()
	if c.server != nil {
		_ = c.server.Close()
	}
}

func (c *conductor) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("conductor upgrade failed", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.conns[conn] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.conns, conn)
		c.mu.Unlock()
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(conductorPingTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(conductorPingTimeout))
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(conductorPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-c.dc.goCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			close(stop)
			wg.Wait()
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := c.handleMessage(conn, message); err != nil {
			c.logger.Warn("failed to handle conductor message", zap.Error(err))
		}
	}
}

func (c *conductor) handleMessage(conn *websocket.Conn, data []byte) error {
	var base conductorBaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return wrapError(KindUserDataValidation, "parse conductor message", err)
	}

	switch base.Type {
	case conductorMsgExecutorInfo:
		return c.handleExecutorInfo(conn, base.RequestID)
	case conductorMsgListWorkflows:
		return c.handleListWorkflows(conn, data, base.RequestID)
	case conductorMsgCancelWorkflow:
		return c.handleCancelWorkflow(conn, data, base.RequestID)
	case conductorMsgResumeWorkflow:
		return c.handleResumeWorkflow(conn, data, base.RequestID)
	default:
		return conn.WriteJSON(conductorAckResponse{
			conductorBaseMessage: conductorBaseMessage{Type: base.Type, RequestID: base.RequestID},
			ErrorMessage:         strPtr("unknown message type"),
		})
	}
}

func (c *conductor) handleExecutorInfo(conn *websocket.Conn, requestID string) error {
	hostname, _ := os.Hostname()
	resp := conductorExecutorInfoResponse{
		conductorBaseMessage: conductorBaseMessage{Type: conductorMsgExecutorInfo, RequestID: requestID},
		ExecutorID:           c.dc.ExecutorID(),
		ApplicationVersion:   c.dc.ApplicationVersion(),
	}
	if hostname != "" {
		resp.Hostname = &hostname
	}
	return conn.WriteJSON(resp)
}

func (c *conductor) handleListWorkflows(conn *websocket.Conn, data []byte, requestID string) error {
	var req conductorListWorkflowsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return wrapError(KindUserDataValidation, "parse list workflows request", err)
	}

	var opts []ListWorkflowsOption
	if len(req.Body.WorkflowUUIDs) > 0 {
		opts = append(opts, WithWorkflowIDs(req.Body.WorkflowUUIDs))
	}
	if req.Body.WorkflowName != nil {
		opts = append(opts, WithName(*req.Body.WorkflowName))
	}
	if req.Body.Limit != nil {
		opts = append(opts, WithLimit(*req.Body.Limit))
	}
	opts = append(opts, WithSortDesc(req.Body.SortDesc))

	workflows, err := ListWorkflows(c.dc, opts...)
	resp := conductorListWorkflowsResponse{conductorBaseMessage: conductorBaseMessage{Type: conductorMsgListWorkflows, RequestID: requestID}}
	if err != nil {
		msg := err.Error()
		resp.ErrorMessage = &msg
		return conn.WriteJSON(resp)
	}
	for _, wf := range workflows {
		resp.Output = append(resp.Output, formatWorkflowSummary(wf))
	}
	return conn.WriteJSON(resp)
}

func (c *conductor) handleCancelWorkflow(conn *websocket.Conn, data []byte, requestID string) error {
	var req conductorCancelWorkflowRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return wrapError(KindUserDataValidation, "parse cancel workflow request", err)
	}
	resp := conductorAckResponse{conductorBaseMessage: conductorBaseMessage{Type: conductorMsgCancelWorkflow, RequestID: requestID}}
	if err := CancelWorkflow(c.dc, req.Body.WorkflowID); err != nil {
		msg := err.Error()
		resp.ErrorMessage = &msg
	}
	return conn.WriteJSON(resp)
}

func (c *conductor) handleResumeWorkflow(conn *websocket.Conn, data []byte, requestID string) error {
	var req conductorResumeWorkflowRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return wrapError(KindUserDataValidation, "parse resume workflow request", err)
	}
	resp := conductorAckResponse{conductorBaseMessage: conductorBaseMessage{Type: conductorMsgResumeWorkflow, RequestID: requestID}}
	if _, err := ResumeWorkflow[any](c.dc, req.Body.WorkflowID); err != nil {
		msg := err.Error()
		resp.ErrorMessage = &msg
	}
	return conn.WriteJSON(resp)
}

func strPtr(s string) *string { return &s }
