// Package executorrt implements the Executor Runtime (C7): the short-lived
// child process the Orchestrator spawns to run exactly one Task. It hosts
// one side of the C4 JSON-RPC connection, fetches its tool's credential
// just-in-time, drives a ToolAdapter with uniform streaming callbacks, and
// answers the three-phase stop protocol (C9). Grounded on the teacher's
// internal/agentctl/client.Client connection-and-dispatch shape, adapted
// from a long-lived multiplexed client into a single-task, single-connection
// runtime.
package executorrt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/jsonrpc"
	"github.com/agor/agor/internal/model"
	"github.com/agor/agor/internal/permission"
)

// StreamCallbacks is the uniform set of hooks a ToolAdapter drives while it
// runs, mirroring spec.md §4.7's onStreamStart/Chunk/End/Error and
// onThinkingStart/Chunk/End.
type StreamCallbacks struct {
	OnStreamStart   func()
	OnStreamChunk   func(chunk string)
	OnStreamEnd     func()
	OnStreamError   func(err error)
	OnThinkingStart func()
	OnThinkingChunk func(chunk string)
	OnThinkingEnd   func()
}

// RequestPermissionFunc asks the human (via the daemon) whether a tool
// invocation may proceed. It blocks until a decision or the Permission
// Broker's own timeout fires.
type RequestPermissionFunc func(ctx context.Context, toolName string, toolParams json.RawMessage) (approved bool, reason string, err error)

// RunRequest is what the Runtime hands a ToolAdapter for one task.
type RunRequest struct {
	TaskID            string
	Prompt            string
	Cwd               string
	Tools             []string
	PermissionMode    string
	APIKey            string
	RequestPermission RequestPermissionFunc
}

// RunResult is a ToolAdapter's outcome for a completed (not stopped) run.
type RunResult struct {
	MessageCount int
	TokenUsage   *jsonrpc.TokenUsage
}

// ToolAdapter drives one agentic tool (Claude Code, Codex, Gemini,
// OpenCode). Run must return promptly once ctx is cancelled — the Runtime
// cancels ctx on a validated task_stop, the adapter's equivalent of an
// AbortController.
type ToolAdapter interface {
	Name() model.AgenticTool
	Run(ctx context.Context, req RunRequest, cb StreamCallbacks) (RunResult, error)
}

// taskRun tracks the single in-flight task this Executor process owns.
// Only one task ever runs per Executor instance (spec.md §4.7: "a short-lived
// child process... runs one task").
type taskRun struct {
	sessionID string
	taskID    string
	cancel    context.CancelFunc
	stopOnce  sync.Once
	stopped   chan struct{}
}

// Runtime is the executor-side half of C4: it owns the connection to the
// Orchestrator, resolves credentials, dispatches to a ToolAdapter, and
// answers task_stop.
type Runtime struct {
	conn         *jsonrpc.Conn
	log          *logger.Logger
	sessionToken string
	adapters     map[model.AgenticTool]ToolAdapter

	mu      sync.Mutex
	current *taskRun
}

// NewRuntime constructs a Runtime bound to conn; RegisterAdapter each
// ToolAdapter this build supports before Serve is driven by the caller.
func NewRuntime(conn *jsonrpc.Conn, log *logger.Logger, sessionToken string) *Runtime {
	return &Runtime{
		conn:         conn,
		log:          log.WithFields(zap.String("component", "executor-runtime")),
		sessionToken: sessionToken,
		adapters:     make(map[model.AgenticTool]ToolAdapter),
	}
}

// RegisterAdapter makes a ToolAdapter available for execute_prompt.
func (r *Runtime) RegisterAdapter(a ToolAdapter) {
	r.adapters[a.Name()] = a
}

// SetConn binds the Conn the Runtime issues get_api_key/request_permission
// calls and report_message/daemon_command notifications over. In IPC mode
// (spec.md §4.7) the Runtime owns the listening socket, so the Conn isn't
// known until the Orchestrator's one connection is accepted; callers wire
// this through jsonrpc.Server's OnConn hook.
func (r *Runtime) SetConn(conn *jsonrpc.Conn) {
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
}

// HandleRequest is the jsonrpc.Handler the Runtime's Conn is constructed
// with; the Orchestrator only ever issues execute_prompt and shutdown.
func (r *Runtime) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case jsonrpc.MethodExecutePrompt:
		return r.handleExecutePrompt(ctx, params)
	case jsonrpc.MethodPing:
		return jsonrpc.PingResult{Pong: true, Timestamp: time.Now().UnixMilli()}, nil
	default:
		return nil, fmt.Errorf("unsupported method %q", method)
	}
}

// HandleNotification is the jsonrpc.NotificationHandler; only task_stop is
// acted on. A permission decision reaches the Runtime as the response to its
// own request_permission call, so permission_resolved is ignored here.
func (r *Runtime) HandleNotification(ctx context.Context, method string, params json.RawMessage) {
	if method == jsonrpc.NotificationTaskStop {
		r.handleTaskStop(ctx, params)
	}
}

func (r *Runtime) handleExecutePrompt(ctx context.Context, raw json.RawMessage) (any, error) {
	var params jsonrpc.ExecutePromptParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode execute_prompt params: %w", err)
	}

	tool := model.AgenticTool(params.AgenticTool)
	adapter, ok := r.adapters[tool]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for agentic tool %q", tool)
	}

	apiKey, err := r.getAPIKey(ctx, tool.CredentialKey())
	if err != nil {
		return nil, fmt.Errorf("get_api_key: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if params.TimeoutMs > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, time.Duration(params.TimeoutMs)*time.Millisecond)
		defer timeoutCancel()
	}

	run := &taskRun{
		sessionID: params.SessionID,
		taskID:    params.TaskID,
		cancel:    cancel,
		stopped:   make(chan struct{}),
	}
	r.mu.Lock()
	r.current = run
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		if r.current == run {
			r.current = nil
		}
		r.mu.Unlock()
	}()

	cb := r.streamCallbacks(params.TaskID)
	result, runErr := adapter.Run(runCtx, RunRequest{
		TaskID:         params.TaskID,
		Prompt:         params.Prompt,
		Cwd:            params.Cwd,
		Tools:          params.Tools,
		PermissionMode: params.PermissionMode,
		APIKey:         apiKey,
		RequestPermission: func(ctx context.Context, toolName string, toolParams json.RawMessage) (bool, string, error) {
			return r.requestPermission(ctx, params.TaskID, toolName, toolParams)
		},
	}, cb)

	select {
	case <-run.stopped:
		return jsonrpc.ExecutePromptResult{Status: "cancelled", MessageCount: result.MessageCount}, nil
	default:
	}

	if runErr != nil {
		cb.OnStreamError(runErr)
		return jsonrpc.ExecutePromptResult{
			Status: "failed",
			Error:  &jsonrpc.ExecutePromptError{Message: runErr.Error(), Code: "adapter_error"},
		}, nil
	}

	return jsonrpc.ExecutePromptResult{
		Status:       "completed",
		MessageCount: result.MessageCount,
		TokenUsage:   result.TokenUsage,
	}, nil
}

// handleTaskStop implements spec.md §4.7's three acknowledged steps: a late
// stop for a task this Executor no longer owns is acked as already_stopped
// and otherwise ignored, never terminating a newly started successor.
func (r *Runtime) handleTaskStop(ctx context.Context, raw json.RawMessage) {
	var params jsonrpc.TaskStopParams
	if err := json.Unmarshal(raw, &params); err != nil {
		r.log.Error("decode task_stop", zap.Error(err))
		return
	}

	r.mu.Lock()
	run := r.current
	r.mu.Unlock()

	status := "stopping"
	matches := run != nil && run.sessionID == params.SessionID && run.taskID == params.TaskID
	if !matches {
		status = "already_stopped"
	}

	_ = r.conn.Notify(jsonrpc.NotificationTaskStopAck, jsonrpc.TaskStopAckParams{
		SessionID:  params.SessionID,
		TaskID:     params.TaskID,
		Sequence:   params.Sequence,
		ReceivedAt: time.Now().UnixMilli(),
		Status:     status,
	})

	if !matches {
		return
	}

	run.stopOnce.Do(func() {
		run.cancel()
		close(run.stopped)
	})

	_ = r.conn.Notify(jsonrpc.NotificationTaskStoppedComplete, jsonrpc.TaskStoppedCompleteParams{
		SessionID: params.SessionID,
		TaskID:    params.TaskID,
		StoppedAt: time.Now().UnixMilli(),
	})
}

// getAPIKey asks the daemon for the credential this run's tool needs.
// credentialKey "NONE" (opencode, spec.md §4.7) is resolved locally to an
// empty string without a round trip.
func (r *Runtime) getAPIKey(ctx context.Context, credentialKey string) (string, error) {
	if credentialKey == "NONE" {
		return "", nil
	}

	var result jsonrpc.GetAPIKeyResult
	err := r.conn.Call(ctx, uuid.NewString(), jsonrpc.MethodGetAPIKey, jsonrpc.GetAPIKeyParams{
		SessionToken:  r.sessionToken,
		CredentialKey: credentialKey,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.APIKey, nil
}

// requestPermission brokers one tool-use approval through the daemon. It
// first announces the pending decision via an emit_permission_event
// daemon_command, for the session channel to surface it live, then blocks
// on the request_permission call for the Permission Broker's own decision —
// up to its own 60 s timeout (spec.md §4.6).
func (r *Runtime) requestPermission(ctx context.Context, taskID, toolName string, toolParams json.RawMessage) (bool, string, error) {
	requestID := uuid.NewString()

	eventData, err := json.Marshal(jsonrpc.EmitPermissionEventParams{
		RequestID: requestID,
		TaskID:    taskID,
		ToolName:  toolName,
		ToolInput: toolParams,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return false, "", fmt.Errorf("marshal emit_permission_event: %w", err)
	}
	if err := r.conn.Notify(jsonrpc.NotificationDaemonCommand, jsonrpc.DaemonCommandParams{
		SessionToken: r.sessionToken,
		Command:      jsonrpc.DaemonCommandEmitPermissionEvent,
		Data:         eventData,
	}); err != nil {
		r.log.Error("send emit_permission_event", zap.Error(err), zap.String("request_id", requestID))
	}

	// Bound the call by the broker's decision timeout rather than the Conn's
	// shorter default, so the broker's own Timeout decision can arrive.
	callCtx, cancel := context.WithTimeout(ctx, permission.DefaultTimeout+5*time.Second)
	defer cancel()

	var result jsonrpc.RequestPermissionResult
	err = r.conn.Call(callCtx, requestID, jsonrpc.MethodRequestPermission, jsonrpc.RequestPermissionParams{
		SessionToken: r.sessionToken,
		RequestID:    requestID,
		TaskID:       taskID,
		ToolName:     toolName,
		ToolParams:   toolParams,
	}, &result)
	if err != nil {
		return false, "", err
	}
	return result.Approved, result.Reason, nil
}

// streamCallbacks wraps daemon_command notifications into the uniform
// StreamCallbacks shape a ToolAdapter drives (spec.md §4.7).
func (r *Runtime) streamCallbacks(taskID string) StreamCallbacks {
	notify := func(cmd jsonrpc.DaemonCommand, data any) {
		raw, err := json.Marshal(data)
		if err != nil {
			r.log.Error("marshal daemon_command data", zap.Error(err), zap.String("command", string(cmd)))
			return
		}
		if err := r.conn.Notify(jsonrpc.NotificationDaemonCommand, jsonrpc.DaemonCommandParams{
			SessionToken: r.sessionToken,
			Command:      cmd,
			Data:         raw,
		}); err != nil {
			r.log.Error("send daemon_command", zap.Error(err), zap.String("command", string(cmd)))
		}
	}

	return StreamCallbacks{
		OnStreamStart: func() {
			notify(jsonrpc.DaemonCommandStreamStart, map[string]string{"task_id": taskID})
		},
		OnStreamChunk: func(chunk string) {
			notify(jsonrpc.DaemonCommandStreamChunk, map[string]string{"task_id": taskID, "chunk": chunk})
		},
		// Neither end-of-stream nor a mid-stream error has a dedicated
		// daemon_command in spec.md §6's enum: the stream's conclusion is
		// carried by execute_prompt's own response (status completed/failed),
		// so these two hooks exist for the adapter's internal bookkeeping
		// only and have nothing to put on the wire here.
		OnStreamEnd:   func() {},
		OnStreamError: func(err error) {},
		OnThinkingStart: func() {
			notify(jsonrpc.DaemonCommandThinkingStart, map[string]string{"task_id": taskID})
		},
		OnThinkingChunk: func(chunk string) {
			notify(jsonrpc.DaemonCommandThinkingChunk, map[string]string{"task_id": taskID, "chunk": chunk})
		},
		OnThinkingEnd: func() {
			notify(jsonrpc.DaemonCommandThinkingEnd, map[string]string{"task_id": taskID})
		},
	}
}
