package orchestrator

import (
	"context"
	"time"

	"github.com/agor/agor/internal/authz"
	"github.com/agor/agor/internal/model"
	"github.com/agor/agor/internal/secrets"
	"github.com/agor/agor/internal/stopproto"
)

// Store is the full persistence surface the daemon needs. It is a superset
// of authz.Store, stopproto.Store, and secrets.Store so the Service can hand
// the same concrete implementation to each subsystem without an adapter
// per call site.
type Store interface {
	authz.Store
	stopproto.Store
	secrets.Store

	CreateUser(ctx context.Context, u *model.User) error
	CreateRepo(ctx context.Context, r *model.Repo) error
	GetRepo(ctx context.Context, repoID string) (*model.Repo, error)
	CreateWorktree(ctx context.Context, w *model.Worktree) error
	ListWorktrees(ctx context.Context) ([]*model.Worktree, error)
	AddWorktreeOwner(ctx context.Context, worktreeID, userID string) error
	RemoveWorktreeOwner(ctx context.Context, worktreeID, userID string) error

	CreateSession(ctx context.Context, s *model.Session) error
	PatchSession(ctx context.Context, sessionID string, fields map[string]any) error
	ListSessionsByStatus(ctx context.Context, statuses ...model.SessionStatus) ([]*model.Session, error)

	CreateTask(ctx context.Context, t *model.Task) error
	UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) error
	FailTask(ctx context.Context, taskID string, taskErr model.TaskError, completedAt time.Time) error
	CompleteTask(ctx context.Context, taskID string, completedAt time.Time) error
	NextTaskSequence(ctx context.Context, sessionID string) (int64, error)
	ListTasksBySession(ctx context.Context, sessionID string) ([]*model.Task, error)

	SaveCredential(ctx context.Context, c *model.Credential) error

	IssueSessionToken(ctx context.Context, tok *model.SessionToken) error
	GetSessionToken(ctx context.Context, token string) (*model.SessionToken, error)
	RevokeSessionToken(ctx context.Context, token string) error
}
