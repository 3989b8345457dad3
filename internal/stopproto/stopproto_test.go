package stopproto

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/model"
)

type fakeStore struct {
	sessions map[string]*model.Session
	tasks    map[string]*model.Task
}

func (f *fakeStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	tk, ok := f.tasks[id]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	cp := *tk
	return &cp, nil
}

func (f *fakeStore) PatchTaskStopped(ctx context.Context, taskID string, completedAt time.Time) error {
	tk, ok := f.tasks[taskID]
	if !ok {
		return context.DeadlineExceeded
	}
	tk.Status = model.TaskStopped
	tk.CompletedAt = &completedAt
	return nil
}

func (f *fakeStore) FinalizeSessionIdle(ctx context.Context, sessionID string) error {
	s, ok := f.sessions[sessionID]
	if !ok {
		return context.DeadlineExceeded
	}
	s.Status = model.SessionIdle
	s.ReadyForPrompt = false
	return nil
}

func newFixture() *fakeStore {
	return &fakeStore{
		sessions: map[string]*model.Session{"s1": {ID: "s1", Status: model.SessionStopping}},
		tasks:    map[string]*model.Task{"t1": {ID: "t1", SessionID: "s1", Status: model.TaskStopping}},
	}
}

func TestPreCheckNoOpsWhenTaskAlreadyLeftStopping(t *testing.T) {
	store := newFixture()
	store.tasks["t1"].Status = model.TaskCompleted

	p := &Protocol{Store: store, Log: logger.NewNop()}
	result := p.Stop(context.Background(), "s1", "t1")
	require.True(t, result.Success)
	require.Contains(t, result.Reason, "already COMPLETED")
}

func TestCleanAckAndCompleteFinalizesSessionIdle(t *testing.T) {
	store := newFixture()
	p := &Protocol{
		Store: store,
		Log:   logger.NewNop(),
		SendStop: func(ctx context.Context, sessionID, taskID string, sequence int64) error {
			return nil
		},
		AwaitAck: func(ctx context.Context, taskID string, sequence int64, timeout time.Duration) bool {
			return true
		},
		AwaitComplete: func(ctx context.Context, sessionID, taskID string, timeout time.Duration) bool {
			return true
		},
	}

	result := p.Stop(context.Background(), "s1", "t1")
	require.True(t, result.Success)
	require.Equal(t, model.TaskStopped, store.tasks["t1"].Status)
	require.Equal(t, model.SessionIdle, store.sessions["s1"].Status)
	require.False(t, store.sessions["s1"].ReadyForPrompt)
}

func TestNoAckAfterThreeAttemptsForceStops(t *testing.T) {
	store := newFixture()
	attempts := 0
	p := &Protocol{
		Store: store,
		Log:   logger.NewNop(),
		SendStop: func(ctx context.Context, sessionID, taskID string, sequence int64) error {
			attempts++
			return nil
		},
		AwaitAck: func(ctx context.Context, taskID string, sequence int64, timeout time.Duration) bool {
			return false
		},
		AwaitComplete: func(ctx context.Context, sessionID, taskID string, timeout time.Duration) bool {
			t.Fatal("must not be called without an ack")
			return false
		},
	}

	result := p.Stop(context.Background(), "s1", "t1")
	require.True(t, result.Success)
	require.Equal(t, "executor did not acknowledge", result.Reason)
	require.Equal(t, AckAttempts, attempts)
	require.Equal(t, model.TaskStopped, store.tasks["t1"].Status)
	require.Equal(t, model.SessionIdle, store.sessions["s1"].Status)
}

func TestAckButNoCompleteForceStops(t *testing.T) {
	store := newFixture()
	p := &Protocol{
		Store:         store,
		Log:           logger.NewNop(),
		SendStop:      func(ctx context.Context, sessionID, taskID string, sequence int64) error { return nil },
		AwaitAck:      func(ctx context.Context, taskID string, sequence int64, timeout time.Duration) bool { return true },
		AwaitComplete: func(ctx context.Context, sessionID, taskID string, timeout time.Duration) bool { return false },
	}

	result := p.Stop(context.Background(), "s1", "t1")
	require.True(t, result.Success)
	require.Equal(t, model.TaskStopped, store.tasks["t1"].Status)
	require.Equal(t, model.SessionIdle, store.sessions["s1"].Status)
}

func TestForceStopDoesNotClobberSessionThatMovedOn(t *testing.T) {
	store := newFixture()
	store.sessions["s1"].Status = model.SessionRunning // a new task started meanwhile

	p := &Protocol{
		Store:    store,
		Log:      logger.NewNop(),
		SendStop: func(ctx context.Context, sessionID, taskID string, sequence int64) error { return nil },
		AwaitAck: func(ctx context.Context, taskID string, sequence int64, timeout time.Duration) bool { return false },
	}

	result := p.Stop(context.Background(), "s1", "t1")
	require.True(t, result.Success)
	require.Contains(t, result.Reason, "already moved on to new task")
	require.Equal(t, model.TaskStopped, store.tasks["t1"].Status)
	require.Equal(t, model.SessionRunning, store.sessions["s1"].Status, "must not clobber a session that moved on")
}
