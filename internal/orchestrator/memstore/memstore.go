// Package memstore is an in-memory orchestrator.Store, grounded on the same
// mutex-guarded-map idiom internal/queue and internal/permission use for
// their own in-process state. It backs tests and single-instance/dev
// deployments that don't need the sqlite/postgres-backed sqlstore.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agor/agor/internal/model"
)

// Store is a fully in-memory implementation of orchestrator.Store. All
// state is lost on process exit, same as the Pool's executor map.
type Store struct {
	mu sync.RWMutex

	users       map[string]*model.User
	repos       map[string]*model.Repo
	worktrees   map[string]*model.Worktree
	owners      map[string]map[string]bool // worktreeID -> userID -> true
	sessions    map[string]*model.Session
	tasks       map[string]*model.Task
	taskSeq     map[string]int64 // sessionID -> next sequence
	credentials map[string]map[string]string // userID -> key -> value
	tokens      map[string]*model.SessionToken
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		users:       make(map[string]*model.User),
		repos:       make(map[string]*model.Repo),
		worktrees:   make(map[string]*model.Worktree),
		owners:      make(map[string]map[string]bool),
		sessions:    make(map[string]*model.Session),
		tasks:       make(map[string]*model.Task),
		taskSeq:     make(map[string]int64),
		credentials: make(map[string]map[string]string),
		tokens:      make(map[string]*model.SessionToken),
	}
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

// --- authz.Store / general reads ---

func (s *Store) GetUser(ctx context.Context, userID string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s not found", userID)
	}
	return clone(u), nil
}

func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = clone(u)
	return nil
}

func (s *Store) CreateRepo(ctx context.Context, r *model.Repo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[r.ID] = clone(r)
	return nil
}

func (s *Store) GetRepo(ctx context.Context, repoID string) (*model.Repo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.repos[repoID]
	if !ok {
		return nil, fmt.Errorf("repo %s not found", repoID)
	}
	return clone(r), nil
}

func (s *Store) GetWorktree(ctx context.Context, worktreeID string) (*model.Worktree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.worktrees[worktreeID]
	if !ok {
		return nil, fmt.Errorf("worktree %s not found", worktreeID)
	}
	return clone(w), nil
}

func (s *Store) CreateWorktree(ctx context.Context, w *model.Worktree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.worktrees[w.ID] = clone(w)
	return nil
}

func (s *Store) ListWorktrees(ctx context.Context) ([]*model.Worktree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Worktree, 0, len(s.worktrees))
	for _, w := range s.worktrees {
		out = append(out, clone(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) IsWorktreeOwner(ctx context.Context, worktreeID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owners[worktreeID][userID], nil
}

func (s *Store) AddWorktreeOwner(ctx context.Context, worktreeID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owners[worktreeID] == nil {
		s.owners[worktreeID] = make(map[string]bool)
	}
	s.owners[worktreeID][userID] = true
	return nil
}

func (s *Store) RemoveWorktreeOwner(ctx context.Context, worktreeID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.owners[worktreeID], userID)
	return nil
}

// --- Sessions ---

func (s *Store) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	return clone(sess), nil
}

func (s *Store) CreateSession(ctx context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = clone(sess)
	return nil
}

// PatchSession applies fields by key (status, ready_for_prompt, archived);
// created_by/unix_username immutability is enforced upstream by authz (S1),
// not here.
func (s *Store) PatchSession(ctx context.Context, sessionID string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if v, ok := fields["status"]; ok {
		sess.Status = v.(model.SessionStatus)
	}
	if v, ok := fields["ready_for_prompt"]; ok {
		sess.ReadyForPrompt = v.(bool)
	}
	if v, ok := fields["archived"]; ok {
		sess.Archived = v.(bool)
	}
	return nil
}

func (s *Store) ListSessionsByStatus(ctx context.Context, statuses ...model.SessionStatus) ([]*model.Session, error) {
	want := make(map[model.SessionStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Session
	for _, sess := range s.sessions {
		if want[sess.Status] {
			out = append(out, clone(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- stopproto.Store ---

func (s *Store) PatchTaskStopped(ctx context.Context, taskID string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	t.Status = model.TaskStopped
	stamp := completedAt
	t.CompletedAt = &stamp
	return nil
}

func (s *Store) FinalizeSessionIdle(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	sess.Status = model.SessionIdle
	sess.ReadyForPrompt = false
	return nil
}

// --- Tasks ---

func (s *Store) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	return clone(t), nil
}

func (s *Store) CreateTask(ctx context.Context, t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = clone(t)
	return nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	t.Status = status
	if status == model.TaskRunning && t.StartedAt == nil {
		now := time.Now()
		t.StartedAt = &now
	}
	return nil
}

func (s *Store) FailTask(ctx context.Context, taskID string, taskErr model.TaskError, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	t.Status = model.TaskFailed
	errCopy := taskErr
	t.Error = &errCopy
	stamp := completedAt
	t.CompletedAt = &stamp
	return nil
}

func (s *Store) CompleteTask(ctx context.Context, taskID string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	t.Status = model.TaskCompleted
	stamp := completedAt
	t.CompletedAt = &stamp
	return nil
}

func (s *Store) NextTaskSequence(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskSeq[sessionID]++
	return s.taskSeq[sessionID], nil
}

func (s *Store) ListTasksBySession(ctx context.Context, sessionID string) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Task
	for _, t := range s.tasks {
		if t.SessionID == sessionID {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// --- secrets.Store ---

func (s *Store) GetCredential(ctx context.Context, userID, key string) (*model.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.credentials[userID][key]
	if !ok {
		return nil, fmt.Errorf("credential %s not found for user %s", key, userID)
	}
	return &model.Credential{UserID: userID, Key: key, Value: val}, nil
}

func (s *Store) SaveCredential(ctx context.Context, c *model.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credentials[c.UserID] == nil {
		s.credentials[c.UserID] = make(map[string]string)
	}
	s.credentials[c.UserID][c.Key] = c.Value
	return nil
}

// --- Session tokens ---

func (s *Store) IssueSessionToken(ctx context.Context, tok *model.SessionToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok.Token] = clone(tok)
	return nil
}

func (s *Store) GetSessionToken(ctx context.Context, token string) (*model.SessionToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[token]
	if !ok {
		return nil, fmt.Errorf("session token not found")
	}
	return clone(tok), nil
}

func (s *Store) RevokeSessionToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
	return nil
}
