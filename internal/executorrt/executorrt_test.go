package executorrt

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/jsonrpc"
	"github.com/agor/agor/internal/model"
)

// fakeAdapter runs until its context is cancelled or returns immediately,
// recording what it was asked to do — the adapter side of the contract
// Runtime drives, standing in for claude-code/codex/gemini/opencode.
type fakeAdapter struct {
	tool        model.AgenticTool
	blockOnStop bool
	gotAPIKey   string
}

func (f *fakeAdapter) Name() model.AgenticTool { return f.tool }

func (f *fakeAdapter) Run(ctx context.Context, req RunRequest, cb StreamCallbacks) (RunResult, error) {
	f.gotAPIKey = req.APIKey
	cb.OnStreamStart()
	cb.OnStreamChunk("hello")
	cb.OnStreamEnd()

	if f.blockOnStop {
		<-ctx.Done()
		return RunResult{MessageCount: 1}, ctx.Err()
	}
	return RunResult{MessageCount: 1, TokenUsage: &jsonrpc.TokenUsage{InputTokens: 10, OutputTokens: 20}}, nil
}

// harness wires a Runtime as the executor-side Server and a plain client
// Conn as the daemon side, matching IPC mode's ownership (spec.md §4.7: the
// executor owns the socket, the Orchestrator connects in).
type harness struct {
	runtime  *Runtime
	daemon   *jsonrpc.Conn
	apiKeys  map[string]string
	recorded []jsonrpc.DaemonCommandParams
}

func newHarness(t *testing.T, apiKeys map[string]string) *harness {
	t.Helper()
	log := logger.NewNop()
	sockPath := filepath.Join(t.TempDir(), "executor.sock")

	h := &harness{apiKeys: apiKeys}

	rt := NewRuntime(nil, log, "tok-1")
	srv := &jsonrpc.Server{
		SocketPath:     sockPath,
		Log:            log,
		DefaultTimeout: 2 * time.Second,
		OnRequest:      rt.HandleRequest,
		OnNotification: rt.HandleNotification,
		OnConn: func(c *jsonrpc.Conn) {
			rt.conn = c
		},
	}
	require.NoError(t, srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)

	daemonConn, err := jsonrpc.Dial(context.Background(), sockPath, log, 2*time.Second, h.handleDaemonRequest, h.handleDaemonNotification)
	require.NoError(t, err)
	t.Cleanup(func() { daemonConn.Close() })
	go daemonConn.Serve(context.Background())

	h.runtime = rt
	h.daemon = daemonConn
	return h
}

func (h *harness) handleDaemonRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case jsonrpc.MethodGetAPIKey:
		var p jsonrpc.GetAPIKeyParams
		_ = json.Unmarshal(params, &p)
		return jsonrpc.GetAPIKeyResult{APIKey: h.apiKeys[p.CredentialKey]}, nil
	case jsonrpc.MethodRequestPermission:
		return jsonrpc.RequestPermissionResult{Approved: true}, nil
	default:
		return nil, nil
	}
}

func (h *harness) handleDaemonNotification(ctx context.Context, method string, params json.RawMessage) {
	if method == jsonrpc.NotificationDaemonCommand {
		var p jsonrpc.DaemonCommandParams
		_ = json.Unmarshal(params, &p)
		h.recorded = append(h.recorded, p)
	}
}

func TestExecutePromptCompletesAndResolvesCredential(t *testing.T) {
	h := newHarness(t, map[string]string{"ANTHROPIC_API_KEY": "sk-test"})
	adapter := &fakeAdapter{tool: model.ToolClaudeCode}
	h.runtime.RegisterAdapter(adapter)

	var result jsonrpc.ExecutePromptResult
	err := h.daemon.Call(context.Background(), "req-1", jsonrpc.MethodExecutePrompt, jsonrpc.ExecutePromptParams{
		SessionToken: "tok-1",
		SessionID:    "sess-1",
		TaskID:       "task-1",
		AgenticTool:  string(model.ToolClaudeCode),
		Prompt:       "do the thing",
	}, &result)

	require.NoError(t, err)
	require.Equal(t, "completed", result.Status)
	require.Equal(t, 1, result.MessageCount)
	require.Equal(t, "sk-test", adapter.gotAPIKey)
	require.NotNil(t, result.TokenUsage)
	require.Equal(t, 10, result.TokenUsage.InputTokens)
}

func TestExecutePromptOpenCodeNeedsNoCredential(t *testing.T) {
	h := newHarness(t, map[string]string{})
	adapter := &fakeAdapter{tool: model.ToolOpenCode}
	h.runtime.RegisterAdapter(adapter)

	var result jsonrpc.ExecutePromptResult
	err := h.daemon.Call(context.Background(), "req-1", jsonrpc.MethodExecutePrompt, jsonrpc.ExecutePromptParams{
		SessionToken: "tok-1",
		SessionID:    "sess-1",
		TaskID:       "task-1",
		AgenticTool:  string(model.ToolOpenCode),
		Prompt:       "do the thing",
	}, &result)

	require.NoError(t, err)
	require.Equal(t, "completed", result.Status)
	require.Equal(t, "", adapter.gotAPIKey)
}

func TestTaskStopValidatesSessionAndTaskMatch(t *testing.T) {
	h := newHarness(t, map[string]string{"ANTHROPIC_API_KEY": "sk-test"})
	adapter := &fakeAdapter{tool: model.ToolClaudeCode, blockOnStop: true}
	h.runtime.RegisterAdapter(adapter)

	done := make(chan jsonrpc.ExecutePromptResult, 1)
	go func() {
		var result jsonrpc.ExecutePromptResult
		_ = h.daemon.Call(context.Background(), "req-1", jsonrpc.MethodExecutePrompt, jsonrpc.ExecutePromptParams{
			SessionToken: "tok-1",
			SessionID:    "sess-1",
			TaskID:       "task-1",
			AgenticTool:  string(model.ToolClaudeCode),
			Prompt:       "do the thing",
		}, &result)
		done <- result
	}()

	// Give execute_prompt time to register as the current run.
	time.Sleep(50 * time.Millisecond)

	// A stop for a task that doesn't match the in-flight one is acked
	// already_stopped and must not cancel the real run.
	require.NoError(t, h.daemon.Notify(jsonrpc.NotificationTaskStop, jsonrpc.TaskStopParams{
		SessionID: "sess-1",
		TaskID:    "task-does-not-match",
		Sequence:  1,
	}))

	select {
	case <-done:
		t.Fatal("mismatched stop must not cancel the running task")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, h.daemon.Notify(jsonrpc.NotificationTaskStop, jsonrpc.TaskStopParams{
		SessionID: "sess-1",
		TaskID:    "task-1",
		Sequence:  1,
	}))

	select {
	case result := <-done:
		require.Equal(t, "cancelled", result.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("matching stop should have cancelled the run")
	}
}

func TestRequestPermissionEmitsEventThenBlocksOnDecision(t *testing.T) {
	h := newHarness(t, map[string]string{"ANTHROPIC_API_KEY": "sk-test"})
	adapter := &permissionSeekingAdapter{}
	h.runtime.RegisterAdapter(adapter)

	var result jsonrpc.ExecutePromptResult
	err := h.daemon.Call(context.Background(), "req-1", jsonrpc.MethodExecutePrompt, jsonrpc.ExecutePromptParams{
		SessionToken: "tok-1",
		SessionID:    "sess-1",
		TaskID:       "task-1",
		AgenticTool:  string(model.ToolClaudeCode),
		Prompt:       "run a shell command",
	}, &result)

	require.NoError(t, err)
	require.Equal(t, "completed", result.Status)
	require.True(t, adapter.approved)

	found := false
	for _, rec := range h.recorded {
		if rec.Command == jsonrpc.DaemonCommandEmitPermissionEvent {
			found = true
		}
	}
	require.True(t, found, "expected an emit_permission_event daemon_command")
}

// permissionSeekingAdapter exercises RequestPermission before completing.
type permissionSeekingAdapter struct {
	approved bool
}

func (p *permissionSeekingAdapter) Name() model.AgenticTool { return model.ToolClaudeCode }

func (p *permissionSeekingAdapter) Run(ctx context.Context, req RunRequest, cb StreamCallbacks) (RunResult, error) {
	approved, _, err := req.RequestPermission(ctx, "shell", json.RawMessage(`{"cmd":"ls"}`))
	if err != nil {
		return RunResult{}, err
	}
	p.approved = approved
	return RunResult{MessageCount: 1}, nil
}
