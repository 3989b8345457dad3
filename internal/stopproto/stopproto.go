// Package stopproto implements the Stop Protocol (C9): a three-phase,
// acknowledged stop driven by the Orchestrator, implemented once for every
// agent adapter. It never talks to a transport directly — callers supply
// Sender/Waiter functions so the protocol's timing and safety-net logic can
// be unit tested without a real Executor.
package stopproto

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/model"
)

const (
	// AckAttempts is how many times Phase 1 resends task_stop before
	// falling through to the safety-net force-stop.
	AckAttempts = 3
	// AckTimeout bounds each individual attempt's wait for task_stop_ack.
	AckTimeout = 5 * time.Second
	// CompleteTimeout bounds Phase 2's wait for task_stopped_complete.
	CompleteTimeout = 30 * time.Second
)

// Store is the minimal read/write surface the protocol needs against the
// Session/Task state machine.
type Store interface {
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	GetTask(ctx context.Context, taskID string) (*model.Task, error)
	// PatchTaskStopped transitions task to STOPPED, stamping completedAt.
	// Per RP2, it must NOT touch ready_for_prompt.
	PatchTaskStopped(ctx context.Context, taskID string, completedAt time.Time) error
	// FinalizeSessionIdle transitions session to IDLE with
	// ready_for_prompt=false — the only call site allowed to do so for a
	// just-stopped task (S2).
	FinalizeSessionIdle(ctx context.Context, sessionID string) error
}

// SendStop emits task_stop{session_id, task_id, sequence, timestamp} on the
// session's channel.
type SendStop func(ctx context.Context, sessionID, taskID string, sequence int64) error

// AwaitAck blocks until a task_stop_ack matching (taskID, sequence) arrives
// or timeout elapses; ok is false on timeout.
type AwaitAck func(ctx context.Context, taskID string, sequence int64, timeout time.Duration) (ok bool)

// AwaitComplete blocks until task_stopped_complete matching (sessionID,
// taskID) arrives or timeout elapses; ok is false on timeout.
type AwaitComplete func(ctx context.Context, sessionID, taskID string, timeout time.Duration) (ok bool)

// Protocol drives a single task's stop sequence.
type Protocol struct {
	Store         Store
	SendStop      SendStop
	AwaitAck      AwaitAck
	AwaitComplete AwaitComplete
	Log           *logger.Logger
}

// Result is the outcome of Stop, matching spec.md §4.9's reporting shape.
type Result struct {
	Success bool
	Reason  string
}

// sequenceSource issues monotonically increasing sequence numbers per
// task, so retries are distinguishable from a stale ack (RP1, spec.md §5:
// "handlers MUST use (task_id, sequence) equality, never just task_id").
type sequenceSource struct {
	next int64
}

func (s *sequenceSource) nextSeq() int64 {
	s.next++
	return s.next
}

// Stop runs the full three-phase protocol for taskID within sessionID.
// Pre-check: if the Task has already left STOPPING (another caller finished
// it, or it already completed on its own), this is a no-op.
func (p *Protocol) Stop(ctx context.Context, sessionID, taskID string) Result {
	task, err := p.Store.GetTask(ctx, taskID)
	if err != nil {
		return Result{Success: false, Reason: fmt.Sprintf("task not found: %v", err)}
	}
	if task.Status != model.TaskStopping {
		return Result{Success: true, Reason: fmt.Sprintf("Task already %s", task.Status)}
	}

	seq := &sequenceSource{}

	for attempt := 1; attempt <= AckAttempts; attempt++ {
		sequence := seq.nextSeq()

		if err := p.SendStop(ctx, sessionID, taskID, sequence); err != nil {
			p.Log.Warn("failed to send task_stop", zap.String("task_id", taskID), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		if p.AwaitAck(ctx, taskID, sequence, AckTimeout) {
			return p.awaitCompletion(ctx, sessionID, taskID)
		}
	}

	return p.forceStop(ctx, sessionID, taskID, "executor did not acknowledge")
}

// awaitCompletion implements Phase 2: after a valid ACK, wait for
// task_stopped_complete.
func (p *Protocol) awaitCompletion(ctx context.Context, sessionID, taskID string) Result {
	if p.AwaitComplete(ctx, sessionID, taskID, CompleteTimeout) {
		return p.finalize(ctx, sessionID, taskID)
	}
	return p.forceStop(ctx, sessionID, taskID, "executor acknowledged but never completed")
}

// forceStop is the safety-net path shared by both timeout branches (Phase 1
// exhausting its attempts, and Phase 2 timing out). RP3: both branches
// re-check Session status and refuse to clobber a session that has already
// moved to a newer task.
func (p *Protocol) forceStop(ctx context.Context, sessionID, taskID, reason string) Result {
	session, err := p.Store.GetSession(ctx, sessionID)
	if err != nil {
		p.Log.Error("force-stop could not reload session; still patching task", zap.String("session_id", sessionID), zap.Error(err))
		p.patchTaskStoppedBestEffort(ctx, taskID)
		return Result{Success: true, Reason: reason}
	}

	// Always patch the stale task regardless of where the session moved.
	p.patchTaskStoppedBestEffort(ctx, taskID)

	if session.Status != model.SessionStopping {
		return Result{Success: true, Reason: "Task force-stopped but session already moved on to new task"}
	}

	if err := p.Store.FinalizeSessionIdle(ctx, sessionID); err != nil {
		p.Log.Error("force-stop failed to finalize session; swallowed per safety-net policy",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	return Result{Success: true, Reason: reason}
}

// finalize implements Phase 3: set the Session to IDLE with
// ready_for_prompt=false, after a clean ACK + complete. Still re-checks
// session status (RP3) before clobbering it.
func (p *Protocol) finalize(ctx context.Context, sessionID, taskID string) Result {
	if err := p.Store.PatchTaskStopped(ctx, taskID, time.Now()); err != nil {
		p.Log.Error("failed to patch task stopped", zap.String("task_id", taskID), zap.Error(err))
		return Result{Success: false, Reason: fmt.Sprintf("failed to finalize task: %v", err)}
	}

	session, err := p.Store.GetSession(ctx, sessionID)
	if err == nil && session.Status != model.SessionStopping {
		return Result{Success: true, Reason: "Task force-stopped but session already moved on to new task"}
	}

	if err := p.Store.FinalizeSessionIdle(ctx, sessionID); err != nil {
		return Result{Success: false, Reason: fmt.Sprintf("failed to finalize session: %v", err)}
	}
	return Result{Success: true, Reason: "stopped"}
}

func (p *Protocol) patchTaskStoppedBestEffort(ctx context.Context, taskID string) {
	if err := p.Store.PatchTaskStopped(ctx, taskID, time.Now()); err != nil {
		p.Log.Error("force-stop failed to patch task; swallowed per safety-net policy", zap.String("task_id", taskID), zap.Error(err))
	}
}
