// Package command implements command channels.
package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// UDSClient is a JSON-RPC client over Unix Domain Socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second // Default timeout
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// Call sends a command and waits for response.
func (c *UDSClient) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	// Create connection with timeout
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	// Set deadline
	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	// Marshal params
	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	// Create JSON-RPC request
	reqID := fmt.Sprintf("req-%d", time.Now().UnixNano()) // Use string ID
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}

	// Send request
	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	// Read response
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed without response")
	}

	// Parse JSON-RPC response
	var jsonrpcResp JSONRPCResponse
	if err := json.Unmarshal(scanner.Bytes(), &jsonrpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	// Verify response ID matches (convert both to string for comparison)
	respIDStr := fmt.Sprintf("%v", jsonrpcResp.ID)
	if respIDStr != reqID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, respIDStr)
	}

	// Convert to internal Response format
	resp := &Response{
		ID:     fmt.Sprintf("%v", jsonrpcResp.ID),
		Result: jsonrpcResp.Result,
		Error:  jsonrpcResp.Error,
	}

	return resp, nil
}

// TaskSchedule is a convenience method for task.schedule.
func (c *UDSClient) TaskSchedule(ctx context.Context, params TaskScheduleParams) (*Response, error) {
	return c.Call(ctx, "task.schedule", params)
}

// TaskList is a convenience method for task.list.
func (c *UDSClient) TaskList(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "task.list", nil)
}

// TaskGet is a convenience method for task.get.
func (c *UDSClient) TaskGet(ctx context.Context, taskID int) (*Response, error) {
	return c.Call(ctx, "task.get", TaskIDParams{TaskID: taskID})
}

// TaskDelete is a convenience method for task.delete.
func (c *UDSClient) TaskDelete(ctx context.Context, taskID int) (*Response, error) {
	return c.Call(ctx, "task.delete", TaskIDParams{TaskID: taskID})
}

// TaskTrigger is a convenience method for task.trigger.
func (c *UDSClient) TaskTrigger(ctx context.Context, taskID int) (*Response, error) {
	return c.Call(ctx, "task.trigger", TaskIDParams{TaskID: taskID})
}

// TaskPause is a convenience method for task.pause.
func (c *UDSClient) TaskPause(ctx context.Context, taskID int) (*Response, error) {
	return c.Call(ctx, "task.pause", TaskIDParams{TaskID: taskID})
}

// TaskResume is a convenience method for task.resume.
func (c *UDSClient) TaskResume(ctx context.Context, taskID int) (*Response, error) {
	return c.Call(ctx, "task.resume", TaskIDParams{TaskID: taskID})
}

// TaskStop is a convenience method for task.stop.
func (c *UDSClient) TaskStop(ctx context.Context, taskID int) (*Response, error) {
	return c.Call(ctx, "task.stop", TaskIDParams{TaskID: taskID})
}

// TaskLogs is a convenience method for task.logs.
func (c *UDSClient) TaskLogs(ctx context.Context, taskID int, executionID string) (*Response, error) {
	return c.Call(ctx, "task.logs", TaskLogsParams{TaskID: taskID, ExecutionID: executionID})
}

// TaskUpdate is a convenience method for task.update.
func (c *UDSClient) TaskUpdate(ctx context.Context, params TaskUpdateParams) (*Response, error) {
	return c.Call(ctx, "task.update", params)
}

// StatsGet is a convenience method for stats.get.
func (c *UDSClient) StatsGet(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "stats.get", nil)
}

// EnvList is a convenience method for env.list.
func (c *UDSClient) EnvList(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "env.list", nil)
}

// EnvCreate is a convenience method for env.create.
func (c *UDSClient) EnvCreate(ctx context.Context, params EnvCreateParams) (*Response, error) {
	return c.Call(ctx, "env.create", params)
}

// EnvDelete is a convenience method for env.delete.
func (c *UDSClient) EnvDelete(ctx context.Context, name string) (*Response, error) {
	return c.Call(ctx, "env.delete", EnvNameParams{Name: name})
}

// EnvInstall is a convenience method for env.install.
func (c *UDSClient) EnvInstall(ctx context.Context, params EnvPackagesParams) (*Response, error) {
	return c.Call(ctx, "env.install", params)
}

// EnvRemove is a convenience method for env.remove.
func (c *UDSClient) EnvRemove(ctx context.Context, params EnvPackagesParams) (*Response, error) {
	return c.Call(ctx, "env.remove", params)
}

// BackupCreate is a convenience method for backup.create.
func (c *UDSClient) BackupCreate(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "backup.create", nil)
}

// BackupList is a convenience method for backup.list.
func (c *UDSClient) BackupList(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "backup.list", nil)
}

// BackupRestore is a convenience method for backup.restore.
func (c *UDSClient) BackupRestore(ctx context.Context, name string) (*Response, error) {
	return c.Call(ctx, "backup.restore", EnvNameParams{Name: name})
}

// ConfigReload is a convenience method for config_reload.
func (c *UDSClient) ConfigReload(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "config_reload", nil)
}

// DaemonShutdown is a convenience method for daemon_shutdown.
func (c *UDSClient) DaemonShutdown(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "daemon_shutdown", nil)
}

// DaemonStatus is a convenience method for daemon_status.
func (c *UDSClient) DaemonStatus(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "daemon_status", nil)
}

// Ping sends a simple request to check whether the daemon is alive, as a
// convenience wrapper around task.list.
func (c *UDSClient) Ping(ctx context.Context) error {
	_, err := c.TaskList(ctx)
	return err
}
