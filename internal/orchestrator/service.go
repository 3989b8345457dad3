// Package orchestrator wires the Authorization Kernel (C5), Permission
// Broker (C6), Executor Pool (C8), Stop Protocol (C9), and Streaming Fan-out
// (C11) into the single daemon Service that answers Session/Task requests
// and dispatches the Executor's get_api_key/request_permission calls and
// report_message/daemon_command notifications.
//
// Grounded on the teacher's internal/orchestrator.Service: the same
// component-holder shape (queue, executor pool, watcher-equivalent
// notification dispatch, reconcileSessionsOnStartup), generalized from
// container-executor lifecycle management to the spawn-one-Executor-
// per-Task model spec.md describes.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agor/agor/internal/authz"
	"github.com/agor/agor/internal/common/config"
	"github.com/agor/agor/internal/common/logger"
	bus "github.com/agor/agor/internal/eventbus"
	"github.com/agor/agor/internal/jsonrpc"
	"github.com/agor/agor/internal/model"
	"github.com/agor/agor/internal/permission"
	"github.com/agor/agor/internal/pool"
	"github.com/agor/agor/internal/queue"
	"github.com/agor/agor/internal/secrets"
	"github.com/agor/agor/internal/store"
	"github.com/agor/agor/internal/stopproto"
	"github.com/agor/agor/internal/streaming"
)

// ErrServiceAlreadyRunning and ErrServiceNotRunning mirror the teacher's
// start/stop guard errors.
var (
	ErrServiceAlreadyRunning = errors.New("orchestrator service is already running")
	ErrServiceNotRunning     = errors.New("orchestrator service is not running")
)

// taskContext is what a spawned Executor's request/notification handlers
// close over: just enough to validate its SessionToken and route its traffic
// without re-deriving the Session/Task on every call.
type taskContext struct {
	sessionID    string
	taskID       string
	userID       string
	sessionToken string
	executorID   string
}

// stopWaiter is the per-task correlation point between stopproto.Protocol's
// blocking AwaitAck/AwaitComplete and the task_stop_ack/task_stopped_complete
// notifications arriving asynchronously off the Executor's connection.
type stopWaiter struct {
	ack          chan jsonrpc.TaskStopAckParams
	complete     chan struct{}
	completeOnce sync.Once
}

// Service is the daemon's central coordinator.
type Service struct {
	cfg *config.Config
	log *logger.Logger

	store    Store
	messages store.MessageStore

	pool        *pool.Pool
	secretsMgr  *secrets.Manager
	permMgr     *permission.Manager
	queueSvc    *queue.Service
	hub         *streaming.Hub
	eventBus    bus.EventBus

	mu        sync.RWMutex
	running   bool
	startedAt time.Time

	tasksMu      sync.Mutex
	taskContexts map[string]*taskContext // taskID -> spawn context

	stopWaitersMu sync.Mutex
	stopWaiters   map[string]*stopWaiter // taskID -> waiter
}

// NewService wires every subsystem against a shared Store. secretsEnvFallback
// mirrors spec.md §3's "environment-variable fallback is permitted" clause;
// pass false to disable it for deployments that require every credential to
// come from the Store.
func NewService(cfg *config.Config, log *logger.Logger, st Store, messages store.MessageStore, eventBus bus.EventBus, secretsEnvFallback bool) *Service {
	svcLog := log.WithFields(zap.String("component", "orchestrator"))

	secretsMgr := secrets.NewManager(log)
	secretsMgr.AddProvider(secrets.StoreProvider{Store: st})
	if secretsEnvFallback {
		secretsMgr.AddProvider(secrets.EnvProvider{})
	}

	return &Service{
		cfg:      cfg,
		log:      svcLog,
		store:    st,
		messages: messages,
		pool: pool.NewPool(pool.Config{
			RunAsUnixUser:  cfg.Execution.RunAsUnixUser,
			ExecutorBinary: cfg.Execution.ExecutorBinary,
		}, log),
		secretsMgr:   secretsMgr,
		permMgr:      permission.NewManager(),
		queueSvc:     queue.NewService(log),
		hub:          streaming.NewHub(log),
		eventBus:     eventBus,
		taskContexts: make(map[string]*taskContext),
		stopWaiters:  make(map[string]*stopWaiter),
	}
}

// Hub returns the streaming fan-out, for the websocket/server layer to
// register and subscribe connections against.
func (s *Service) Hub() *streaming.Hub { return s.hub }

// Queue returns the prompt queue, for surfacing queued-prompt status to callers.
func (s *Service) Queue() *queue.Service { return s.queueSvc }

// PermissionManager returns the broker, for an admin/API surface resolving
// pending decisions.
func (s *Service) PermissionManager() *permission.Manager { return s.permMgr }

// IsRunning reports whether Start has completed without a matching Stop.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Start brings every subsystem up: the streaming hub's processing loop, the
// executor pool's one-time impersonation-mode probe, and the startup
// reconciliation sweep.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServiceAlreadyRunning
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.log.Info("starting orchestrator service")

	go s.hub.Run(ctx)
	s.pool.DetectMode(ctx)
	s.reconcileSessionsOnStartup(ctx)

	s.log.Info("orchestrator service started", zap.String("pool_mode", s.pool.CurrentMode().String()))
	return nil
}

// Stop gracefully shuts down every live Executor before returning.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServiceNotRunning
	}
	s.running = false
	s.mu.Unlock()

	s.log.Info("stopping orchestrator service")

	for _, id := range s.pool.ExecutorIDs() {
		if err := s.pool.Shutdown(ctx, id, s.cfg.Limits.StopAckTimeoutDuration()); err != nil {
			s.log.Warn("failed to shut down executor", zap.String("executor_id", id), zap.Error(err))
		}
	}
	return nil
}

// reconcileSessionsOnStartup implements the supplemented startup-recovery
// feature: a daemon restart loses every in-memory Executor, so any Session
// still marked RUNNING or STOPPING in the Store is stale. Rather than attempt
// to resume an orphaned Executor, every such Session is swept straight to
// IDLE — a fresh prompt starts a fresh Executor the normal way.
func (s *Service) reconcileSessionsOnStartup(ctx context.Context) {
	stale, err := s.store.ListSessionsByStatus(ctx, model.SessionRunning, model.SessionStopping)
	if err != nil {
		s.log.Warn("failed to list sessions for startup reconciliation", zap.Error(err))
		return
	}
	if len(stale) == 0 {
		s.log.Info("no stale sessions to reconcile on startup")
		return
	}

	s.log.Info("reconciling stale sessions on startup", zap.Int("count", len(stale)))
	for _, sess := range stale {
		if err := s.store.FinalizeSessionIdle(ctx, sess.ID); err != nil {
			s.log.Warn("failed to reconcile session on startup", zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		s.publishEvent(ctx, bus.SessionSubject(bus.SessionStatusChanged, sess.ID), map[string]any{
			"session_id": sess.ID,
			"status":     string(model.SessionIdle),
			"reason":     "daemon restart reconciliation",
		})
	}
}

// publishEvent is a best-effort fire-and-forget wrapper around eventBus.Publish.
func (s *Service) publishEvent(ctx context.Context, subject string, data map[string]any) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(ctx, subject, bus.NewEvent(subject, "orchestrator", data)); err != nil {
		s.log.Debug("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// CreateSessionRequest describes a new Session bound to an existing Worktree.
type CreateSessionRequest struct {
	WorktreeID  string
	UserID      string
	AgenticTool model.AgenticTool
}

// CreateSession authorizes req.UserID against the target Worktree directly
// (a to-be-created Session has no existing Worktree-scoped permission to
// resolve through authz.Chain) and persists the new Session IDLE and
// ready for its first prompt.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*model.Session, error) {
	if _, err := authz.CheckWorktreePermission(ctx, s.store, req.WorktreeID, req.UserID, model.PermissionAll); err != nil {
		return nil, err
	}

	user, err := s.store.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load creator: %w", err)
	}

	sess := &model.Session{
		ID:             uuid.New().String(),
		WorktreeID:     req.WorktreeID,
		CreatedBy:      req.UserID,
		UnixUsername:   user.UnixUsername,
		AgenticTool:    req.AgenticTool,
		Status:         model.SessionIdle,
		ReadyForPrompt: true,
		CreatedAt:      time.Now(),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// StartTaskRequest is a prompt submitted against an existing Session.
type StartTaskRequest struct {
	SessionID string
	UserID    string
	Prompt    string
}

// StartTask authorizes the prompt, and either starts it immediately (the
// Session is IDLE) or queues it (an earlier Task is still running or
// stopping) per the single-active-task-per-session invariant (spec.md §4.2).
// ready_for_prompt gates only the automatic start of a queued prompt, not a
// prompt submitted here.
func (s *Service) StartTask(ctx context.Context, req StartTaskRequest) (*model.Task, error) {
	resolved, err := authz.Chain(ctx, s.store, authz.RequestContext{UserID: req.UserID, SessionID: req.SessionID}, model.PermissionPrompt)
	if err != nil {
		return nil, err
	}
	if err := authz.ValidateSessionUnixUsername(ctx, s.store, resolved.Session); err != nil {
		return nil, err
	}

	session := resolved.Session
	if session.Status != model.SessionIdle {
		s.queueSvc.Enqueue(ctx, session.ID, req.Prompt, string(session.AgenticTool), req.UserID)
		return nil, nil
	}

	return s.startTaskNow(ctx, session, req.Prompt, req.UserID)
}

// startTaskNow transitions the Session to RUNNING, persists a fresh PENDING
// Task, and launches its Executor in the background; the caller (StartTask
// or the queue drain after a prior Task completes) does not block on the
// prompt's full run.
func (s *Service) startTaskNow(ctx context.Context, session *model.Session, prompt, userID string) (*model.Task, error) {
	if err := s.store.PatchSession(ctx, session.ID, map[string]any{
		"status":           model.SessionRunning,
		"ready_for_prompt": false,
	}); err != nil {
		return nil, fmt.Errorf("transition session to running: %w", err)
	}

	seq, err := s.store.NextTaskSequence(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("allocate task sequence: %w", err)
	}

	task := &model.Task{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		Sequence:  seq,
		Prompt:    prompt,
		Status:    model.TaskPending,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	s.publishEvent(ctx, bus.SessionSubject(bus.TaskStatusChanged, session.ID), map[string]any{
		"task_id": task.ID, "status": string(task.Status),
	})

	go s.runTask(context.Background(), session, task, userID)

	return task, nil
}

// runTask owns one Task's full Executor lifecycle: spawn, bootstrap,
// execute_prompt, and teardown. It runs detached from the request that
// created the Task.
func (s *Service) runTask(ctx context.Context, session *model.Session, task *model.Task, userID string) {
	log := s.log.WithFields(zap.String("session_id", session.ID), zap.String("task_id", task.ID))

	token := &model.SessionToken{
		Token:     uuid.New().String(),
		SessionID: session.ID,
		UserID:    userID,
		Role:      model.SessionTokenService,
		ExpiresAt: time.Now().Add(s.cfg.Auth.ServiceTokenTTLDuration()),
	}
	if err := s.store.IssueSessionToken(ctx, token); err != nil {
		log.Error("failed to issue session token", zap.Error(err))
		s.failTaskAndIdleSession(ctx, session.ID, task.ID, "InternalError", err.Error())
		return
	}
	defer func() { _ = s.store.RevokeSessionToken(ctx, token.Token) }()

	executorID := uuid.New().String()
	tc := &taskContext{sessionID: session.ID, taskID: task.ID, userID: userID, sessionToken: token.Token, executorID: executorID}
	s.registerTaskContext(task.ID, tc)
	defer s.removeTaskContext(task.ID)

	inst, err := s.pool.Spawn(ctx, pool.SpawnRequest{
		ExecutorID:   executorID,
		SessionID:    session.ID,
		TaskID:       task.ID,
		SessionToken: token.Token,
		UserID:       userID,
		UnixUsername: session.UnixUsername,
	}, s.executorRequestHandler(tc), s.executorNotificationHandler(tc))
	if err != nil {
		log.Error("failed to spawn executor", zap.Error(err))
		s.failTaskAndIdleSession(ctx, session.ID, task.ID, "SpawnFailed", err.Error())
		return
	}
	s.publishEvent(ctx, bus.ExecutorSpawned, map[string]any{"executor_id": executorID, "session_id": session.ID, "task_id": task.ID})
	defer func() {
		_ = s.pool.Shutdown(context.Background(), executorID, s.cfg.Limits.StopAckTimeoutDuration())
		s.publishEvent(ctx, bus.ExecutorExited, map[string]any{"executor_id": executorID, "session_id": session.ID, "task_id": task.ID})
	}()

	if err := s.store.UpdateTaskStatus(ctx, task.ID, model.TaskRunning); err != nil {
		log.Warn("failed to mark task running", zap.Error(err))
	}
	s.publishEvent(ctx, bus.SessionSubject(bus.TaskStatusChanged, session.ID), map[string]any{"task_id": task.ID, "status": string(model.TaskRunning)})

	var result jsonrpc.ExecutePromptResult
	callErr := inst.Client.Call(ctx, task.ID, jsonrpc.MethodExecutePrompt, jsonrpc.ExecutePromptParams{
		SessionToken: token.Token,
		SessionID:    session.ID,
		TaskID:       task.ID,
		AgenticTool:  string(session.AgenticTool),
		Prompt:       task.Prompt,
		Stream:       true,
	}, &result)

	if callErr != nil {
		log.Error("execute_prompt call failed", zap.Error(callErr))
		s.failTaskAndIdleSession(ctx, session.ID, task.ID, "ExecutorError", callErr.Error())
		return
	}

	switch result.Status {
	case "cancelled":
		// The Stop Protocol (C9) owns this Task's STOPPED transition and the
		// Session's return to IDLE; runTask only tears down the Executor.
		log.Info("task cancelled via stop protocol")
	case "failed":
		msg, code := "executor reported failure", "ExecutorError"
		if result.Error != nil {
			msg, code = result.Error.Message, result.Error.Code
		}
		s.failTaskAndIdleSession(ctx, session.ID, task.ID, code, msg)
	default:
		if err := s.store.CompleteTask(ctx, task.ID, time.Now()); err != nil {
			log.Warn("failed to mark task completed", zap.Error(err))
		}
		s.idleSessionAndDrainQueue(ctx, session.ID, userID)
	}

	s.publishEvent(ctx, bus.SessionSubject(bus.TaskStatusChanged, session.ID), map[string]any{"task_id": task.ID, "status": result.Status})
}

func (s *Service) failTaskAndIdleSession(ctx context.Context, sessionID, taskID, code, message string) {
	if err := s.store.FailTask(ctx, taskID, model.TaskError{Message: message, Code: code}, time.Now()); err != nil {
		s.log.Warn("failed to mark task failed", zap.String("task_id", taskID), zap.Error(err))
	}
	s.idleSessionAndDrainQueue(ctx, sessionID, "")
}

// idleSessionAndDrainQueue returns the session to IDLE/ready and, if a
// prompt was queued while it was busy, immediately starts it.
func (s *Service) idleSessionAndDrainQueue(ctx context.Context, sessionID, fallbackUserID string) {
	if err := s.store.PatchSession(ctx, sessionID, map[string]any{
		"status":           model.SessionIdle,
		"ready_for_prompt": true,
	}); err != nil {
		s.log.Warn("failed to idle session", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	queued, ok := s.queueSvc.Take(ctx, sessionID)
	if !ok {
		return
	}

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		s.log.Warn("failed to reload session to drain queue", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	userID := queued.QueuedBy
	if userID == "" {
		userID = fallbackUserID
	}
	if _, err := s.startTaskNow(ctx, session, queued.Content, userID); err != nil {
		s.log.Warn("failed to start queued prompt", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// StopTask drives the three-phase Stop Protocol (C9) against taskID's live
// Executor.
func (s *Service) StopTask(ctx context.Context, sessionID, taskID string) (stopproto.Result, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return stopproto.Result{}, fmt.Errorf("load task: %w", err)
	}
	if task.Status == model.TaskRunning {
		if err := s.store.UpdateTaskStatus(ctx, taskID, model.TaskStopping); err != nil {
			return stopproto.Result{}, fmt.Errorf("transition task to stopping: %w", err)
		}
		if err := s.store.PatchSession(ctx, sessionID, map[string]any{"status": model.SessionStopping}); err != nil {
			return stopproto.Result{}, fmt.Errorf("transition session to stopping: %w", err)
		}
	}

	tc, ok := s.lookupTaskContext(taskID)
	if !ok {
		// Nothing live to stop (already exited on its own). A Task already
		// past STOPPING gets the protocol's pre-check report of its status;
		// otherwise every task_stop send fails and the force-stop path
		// finalizes the Task and Session.
		proto := &stopproto.Protocol{Store: s.store, Log: s.log,
			SendStop:      func(context.Context, string, string, int64) error { return fmt.Errorf("no live executor") },
			AwaitAck:      func(context.Context, string, int64, time.Duration) bool { return false },
			AwaitComplete: func(context.Context, string, string, time.Duration) bool { return false },
		}
		return proto.Stop(ctx, sessionID, taskID), nil
	}

	waiter := s.registerStopWaiter(taskID)
	defer s.removeStopWaiter(taskID)

	proto := &stopproto.Protocol{
		Store: s.store,
		Log:   s.log,
		SendStop: func(ctx context.Context, sessID, tID string, sequence int64) error {
			inst, ok := s.pool.Get(tc.executorID)
			if !ok {
				return fmt.Errorf("executor %s no longer live", tc.executorID)
			}
			return inst.Client.Notify(jsonrpc.NotificationTaskStop, jsonrpc.TaskStopParams{
				SessionID: sessID, TaskID: tID, Sequence: sequence, Timestamp: time.Now().Unix(),
			})
		},
		AwaitAck: func(ctx context.Context, tID string, sequence int64, timeout time.Duration) bool {
			deadline := time.NewTimer(timeout)
			defer deadline.Stop()
			for {
				select {
				case ack := <-waiter.ack:
					if ack.Sequence == sequence {
						return true
					}
				case <-deadline.C:
					return false
				case <-ctx.Done():
					return false
				}
			}
		},
		AwaitComplete: func(ctx context.Context, sessID, tID string, timeout time.Duration) bool {
			select {
			case <-waiter.complete:
				return true
			case <-time.After(timeout):
				return false
			case <-ctx.Done():
				return false
			}
		},
	}

	result := proto.Stop(ctx, sessionID, taskID)
	s.publishEvent(ctx, bus.SessionSubject(bus.TaskStopCompleted, sessionID), map[string]any{"task_id": taskID, "success": result.Success, "reason": result.Reason})
	return result, nil
}

func (s *Service) registerTaskContext(taskID string, tc *taskContext) {
	s.tasksMu.Lock()
	s.taskContexts[taskID] = tc
	s.tasksMu.Unlock()
}

func (s *Service) removeTaskContext(taskID string) {
	s.tasksMu.Lock()
	delete(s.taskContexts, taskID)
	s.tasksMu.Unlock()
}

func (s *Service) lookupTaskContext(taskID string) (*taskContext, bool) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	tc, ok := s.taskContexts[taskID]
	return tc, ok
}

func (s *Service) registerStopWaiter(taskID string) *stopWaiter {
	w := &stopWaiter{ack: make(chan jsonrpc.TaskStopAckParams, 4), complete: make(chan struct{})}
	s.stopWaitersMu.Lock()
	s.stopWaiters[taskID] = w
	s.stopWaitersMu.Unlock()
	return w
}

func (s *Service) removeStopWaiter(taskID string) {
	s.stopWaitersMu.Lock()
	delete(s.stopWaiters, taskID)
	s.stopWaitersMu.Unlock()
}

func (s *Service) deliverStopAck(taskID string, ack jsonrpc.TaskStopAckParams) {
	s.stopWaitersMu.Lock()
	w, ok := s.stopWaiters[taskID]
	s.stopWaitersMu.Unlock()
	if !ok {
		return
	}
	select {
	case w.ack <- ack:
	default:
	}
}

func (s *Service) deliverStopComplete(taskID string) {
	s.stopWaitersMu.Lock()
	w, ok := s.stopWaiters[taskID]
	s.stopWaitersMu.Unlock()
	if !ok {
		return
	}
	w.completeOnce.Do(func() { close(w.complete) })
}

// executorRequestHandler answers the blocking get_api_key/request_permission
// calls an Executor makes over its JSON-RPC connection (spec.md §4.7, §4.6).
func (s *Service) executorRequestHandler(tc *taskContext) jsonrpc.Handler {
	return func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		switch method {
		case jsonrpc.MethodPing:
			return jsonrpc.PingResult{Pong: true, Timestamp: time.Now().Unix()}, nil

		case jsonrpc.MethodGetAPIKey:
			var p jsonrpc.GetAPIKeyParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			if p.SessionToken != tc.sessionToken {
				return nil, fmt.Errorf("session token mismatch")
			}
			key, err := s.secretsMgr.GetCredential(ctx, tc.userID, p.CredentialKey)
			if err != nil {
				return nil, err
			}
			return jsonrpc.GetAPIKeyResult{APIKey: key}, nil

		case jsonrpc.MethodRequestPermission:
			var p jsonrpc.RequestPermissionParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			if p.SessionToken != tc.sessionToken {
				return nil, fmt.Errorf("session token mismatch")
			}
			wait := s.permMgr.EmitRequest(ctx, permission.Request{
				RequestID: p.RequestID,
				SessionID: tc.sessionID,
				TaskID:    p.TaskID,
				ToolName:  p.ToolName,
				ToolInput: p.ToolParams,
				Timestamp: time.Now(),
			})
			decision := wait()
			return jsonrpc.RequestPermissionResult{Approved: decision.Allow, Reason: decision.Reason}, nil

		default:
			return nil, fmt.Errorf("unsupported method %s", method)
		}
	}
}

// executorNotificationHandler dispatches the Executor's one-way traffic:
// report_message, daemon_command, and the two stop-protocol acks.
func (s *Service) executorNotificationHandler(tc *taskContext) jsonrpc.NotificationHandler {
	return func(ctx context.Context, method string, params json.RawMessage) {
		switch method {
		case jsonrpc.NotificationReportMessage:
			s.handleReportMessage(ctx, tc, params)
		case jsonrpc.NotificationDaemonCommand:
			s.handleDaemonCommand(ctx, tc, params)
		case jsonrpc.NotificationTaskStopAck:
			var p jsonrpc.TaskStopAckParams
			if err := json.Unmarshal(params, &p); err == nil {
				s.deliverStopAck(tc.taskID, p)
			}
		case jsonrpc.NotificationTaskStoppedComplete:
			s.deliverStopComplete(tc.taskID)
		}
	}
}

// handleReportMessage persists or relays a single reported event, keyed by
// its EventType. Terminal events ("message") are appended to the durable
// Message log; everything else is ephemeral and only fanned out.
func (s *Service) handleReportMessage(ctx context.Context, tc *taskContext, raw json.RawMessage) {
	var p jsonrpc.ReportMessageParams
	if err := json.Unmarshal(raw, &p); err != nil {
		s.log.Warn("malformed report_message", zap.Error(err))
		return
	}
	if p.SessionToken != tc.sessionToken {
		s.log.Warn("report_message with mismatched session token", zap.String("task_id", tc.taskID))
		return
	}

	if p.EventType == "message" && s.messages != nil {
		var body struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(p.EventData, &body); err == nil {
			_ = s.messages.Append(ctx, &model.Message{
				TaskID:    tc.taskID,
				Sequence:  p.Sequence,
				Role:      model.MessageRole(body.Role),
				Content:   body.Content,
				CreatedAt: time.Now(),
			})
		}
	}

	s.hub.Publish(tc.sessionID, &streaming.Message{
		Family:    streaming.Family(p.EventType),
		SessionID: tc.sessionID,
		TaskID:    tc.taskID,
		Payload:   p.EventData,
	})
}

// handleDaemonCommand relays the Executor's streaming/thinking/permission
// announcements onto the session channel and, for emit_permission_event,
// onto the internal event bus so fan-out and broker state stay in sync
// (spec.md §4.6). create_message/update_session/update_task are persisted;
// get_messages/get_session carry no response channel over a notification and
// are logged only — they name read operations with nothing to deliver them
// to here.
func (s *Service) handleDaemonCommand(ctx context.Context, tc *taskContext, raw json.RawMessage) {
	var p jsonrpc.DaemonCommandParams
	if err := json.Unmarshal(raw, &p); err != nil {
		s.log.Warn("malformed daemon_command", zap.Error(err))
		return
	}
	if p.SessionToken != tc.sessionToken {
		s.log.Warn("daemon_command with mismatched session token", zap.String("task_id", tc.taskID))
		return
	}

	family, ok := daemonCommandFamily[p.Command]
	if ok {
		s.hub.Publish(tc.sessionID, &streaming.Message{
			Family:    family,
			SessionID: tc.sessionID,
			TaskID:    tc.taskID,
			Payload:   p.Data,
		})
	}

	switch p.Command {
	case jsonrpc.DaemonCommandEmitPermissionEvent:
		var evt jsonrpc.EmitPermissionEventParams
		if err := json.Unmarshal(p.Data, &evt); err == nil {
			s.publishEvent(ctx, bus.SessionSubject(bus.PermissionRequested, tc.sessionID), map[string]any{
				"request_id": evt.RequestID, "task_id": evt.TaskID, "tool_name": evt.ToolName,
			})
		}
	case jsonrpc.DaemonCommandCreateMessage:
		if s.messages == nil {
			return
		}
		var body struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(p.Data, &body); err == nil {
			_ = s.messages.Append(ctx, &model.Message{
				TaskID: tc.taskID, Role: model.MessageRole(body.Role), Content: body.Content, CreatedAt: time.Now(),
			})
		}
	case jsonrpc.DaemonCommandUpdateSession:
		var fields map[string]any
		if err := json.Unmarshal(p.Data, &fields); err == nil {
			_ = s.store.PatchSession(ctx, tc.sessionID, allowedSessionPatchFields(fields))
		}
	case jsonrpc.DaemonCommandUpdateTask:
		var body struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(p.Data, &body); err == nil && body.Status != "" {
			_ = s.store.UpdateTaskStatus(ctx, tc.taskID, model.TaskStatus(body.Status))
		}
	case jsonrpc.DaemonCommandGetMessages, jsonrpc.DaemonCommandGetSession:
		s.log.Debug("daemon_command read operation has no notification response channel", zap.String("command", string(p.Command)))
	}
}

// daemonCommandFamily maps the subset of DaemonCommand values that have a
// corresponding streaming.Family onto it.
var daemonCommandFamily = map[jsonrpc.DaemonCommand]streaming.Family{
	jsonrpc.DaemonCommandStreamStart:         streaming.FamilyStreamStart,
	jsonrpc.DaemonCommandStreamChunk:         streaming.FamilyStreamChunk,
	jsonrpc.DaemonCommandThinkingStart:       streaming.FamilyThinkingStart,
	jsonrpc.DaemonCommandThinkingChunk:       streaming.FamilyThinkingChunk,
	jsonrpc.DaemonCommandThinkingEnd:         streaming.FamilyThinkingEnd,
	jsonrpc.DaemonCommandEmitPermissionEvent: streaming.FamilyPermissionReq,
}

// sessionPatchAllowlist is the set of Session columns an executor's
// update_session daemon_command may touch. created_by and unix_username are
// immutable (S1) and never reach here; ready_for_prompt is excluded because
// only the stop protocol and the queue runner may set it (S2/RP2) — an
// executor setting it directly would let a buggy adapter race the stop
// protocol's own finalize step.
var sessionPatchAllowlist = map[string]bool{
	"status":   true,
	"archived": true,
}

// allowedSessionPatchFields filters an executor-supplied patch down to the
// columns it is allowed to touch, dropping everything else rather than
// trusting the daemon_command payload verbatim.
func allowedSessionPatchFields(fields map[string]any) map[string]any {
	filtered := make(map[string]any, len(fields))
	for k, v := range fields {
		if sessionPatchAllowlist[k] {
			filtered[k] = v
		}
	}
	return filtered
}
