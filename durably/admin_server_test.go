package durably

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func adminEchoWorkflow(ctx DBOSContext, msg string) (string, error) {
	return RunAsStep(ctx, func(context.Context) (string, error) {
		return msg, nil
	})
}

func TestAdminServerNotStartedByDefault(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	require.NoError(t, dc.Launch())

	internal := dc.(*dbosContext)
	require.Nil(t, internal.admin)

	client := &http.Client{Timeout: time.Second}
	_, err := client.Get("http://localhost:3001/durably-healthz")
	require.Error(t, err, "expected no admin server listening when AdminServerEnabled is false")
}

func TestAdminServerEndpoints(t *testing.T) {
	databaseURL := getDatabaseURL()
	resetTestDatabase(t, databaseURL)

	dc, err := NewDBOSContext(context.Background(), Config{
		DatabaseURL:        databaseURL,
		AppName:            "test-app",
		AdminServerEnabled: true,
		AdminServerPort:    3002,
	})
	require.NoError(t, err)
	t.Cleanup(func() { dc.Shutdown(30 * time.Second) })

	RegisterWorkflow(dc, adminEchoWorkflow)
	require.NoError(t, dc.Launch())

	time.Sleep(100 * time.Millisecond)

	handle, err := RunAsWorkflow(dc, adminEchoWorkflow, "admin-hello", WithWorkflowID("admin-1"))
	require.NoError(t, err)
	_, err = handle.GetResult(context.Background())
	require.NoError(t, err)

	client := &http.Client{Timeout: 5 * time.Second}
	base := "http://localhost:3002"

	t.Run("health", func(t *testing.T) {
		resp, err := client.Get(base + "/durably-healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("list workflows", func(t *testing.T) {
		body, _ := json.Marshal(map[string]any{"workflow_uuids": []string{"admin-1"}})
		resp, err := client.Post(base+"/workflows", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var workflows []WorkflowStatus
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&workflows))
		require.Len(t, workflows, 1)
		require.Equal(t, "admin-1", workflows[0].WorkflowID)
	})

	t.Run("get steps", func(t *testing.T) {
		resp, err := client.Get(base + "/workflows/admin-1/steps")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var steps []StepInfo
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&steps))
		require.Len(t, steps, 1)
	})

	t.Run("cancel workflow", func(t *testing.T) {
		resp, err := client.Post(base+"/workflows/admin-1/cancel", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	t.Run("queues metadata", func(t *testing.T) {
		resp, err := client.Get(base + "/durably-workflow-queues-metadata")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := client.Get(base + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("deactivate", func(t *testing.T) {
		resp, err := client.Get(base + "/deactivate")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
