// Package sqlstore is the orchestrator.Store implementation backing
// production deployments: sqlx over either mattn/go-sqlite3 (single-instance,
// database.dialect=sqlite) or jackc/pgx/v5's stdlib driver (database.dialect
// =postgres), the same dual-dialect split internal/store.MessageStore
// documents for the Message log. sqlx.Rebind absorbs the `?` vs `$1`
// placeholder difference between the two drivers so every query below is
// written once.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"  // postgres driver, registered as "pgx"
	_ "github.com/mattn/go-sqlite3"     // sqlite driver, registered as "sqlite3"

	"github.com/agor/agor/internal/model"
)

// Schema is the DDL this store expects; like store.MessageStore's Schema,
// it is applied here only so tests can spin up a throwaway database without
// depending on the (out-of-scope) migration tool.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	unix_username TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS repos (
	id TEXT PRIMARY KEY,
	slug TEXT NOT NULL,
	default_branch TEXT NOT NULL,
	local_path TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS worktrees (
	id TEXT PRIMARY KEY,
	repo_id TEXT NOT NULL,
	path TEXT NOT NULL,
	base_ref TEXT NOT NULL,
	ref TEXT NOT NULL,
	others_can INTEGER NOT NULL DEFAULT 0,
	archived BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS worktree_owners (
	worktree_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	PRIMARY KEY (worktree_id, user_id)
);
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	worktree_id TEXT NOT NULL,
	created_by TEXT NOT NULL,
	unix_username TEXT NOT NULL,
	agentic_tool TEXT NOT NULL,
	status TEXT NOT NULL,
	ready_for_prompt BOOLEAN NOT NULL DEFAULT 0,
	archived BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	prompt TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME,
	error_message TEXT,
	error_code TEXT,
	error_stack TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id, sequence);
CREATE TABLE IF NOT EXISTS credentials (
	user_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (user_id, key)
);
CREATE TABLE IF NOT EXISTS session_tokens (
	token TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	role TEXT NOT NULL,
	expires_at DATETIME NOT NULL
);
`

// Store implements orchestrator.Store on top of *sqlx.DB.
type Store struct {
	db *sqlx.DB
}

// Open connects using dialect ("sqlite" or "postgres") and dsn, applies
// Schema, and returns a ready Store.
func Open(dialect, dsn string) (*Store, error) {
	driver := "sqlite3"
	if dialect == "postgres" {
		driver = "pgx"
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	if _, err := db.Exec(db.Rebind(Schema)); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already-open *sqlx.DB, for callers (tests, cmd/orchestratord)
// that manage the connection lifecycle themselves.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) rebind(query string) string { return s.db.Rebind(query) }

func isNoRows(err error) bool { return err == sql.ErrNoRows }

// --- Users ---

func (s *Store) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var u model.User
	err := s.db.GetContext(ctx, &u, s.rebind(`SELECT id, email, unix_username, created_at FROM users WHERE id = ?`), userID)
	if isNoRows(err) {
		return nil, fmt.Errorf("user %s not found", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO users (id, email, unix_username, created_at) VALUES (?, ?, ?, ?)
	`), u.ID, u.Email, u.UnixUsername, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// --- Repos ---

func (s *Store) CreateRepo(ctx context.Context, r *model.Repo) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO repos (id, slug, default_branch, local_path, created_at) VALUES (?, ?, ?, ?, ?)
	`), r.ID, r.Slug, r.DefaultBranch, r.LocalPath, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create repo: %w", err)
	}
	return nil
}

func (s *Store) GetRepo(ctx context.Context, repoID string) (*model.Repo, error) {
	var r model.Repo
	err := s.db.GetContext(ctx, &r, s.rebind(`SELECT id, slug, default_branch, local_path, created_at FROM repos WHERE id = ?`), repoID)
	if isNoRows(err) {
		return nil, fmt.Errorf("repo %s not found", repoID)
	}
	if err != nil {
		return nil, fmt.Errorf("get repo: %w", err)
	}
	return &r, nil
}

// --- Worktrees ---

func (s *Store) GetWorktree(ctx context.Context, worktreeID string) (*model.Worktree, error) {
	var w model.Worktree
	err := s.db.GetContext(ctx, &w, s.rebind(`
		SELECT id, repo_id, path, base_ref, ref, others_can, archived, created_at FROM worktrees WHERE id = ?
	`), worktreeID)
	if isNoRows(err) {
		return nil, fmt.Errorf("worktree %s not found", worktreeID)
	}
	if err != nil {
		return nil, fmt.Errorf("get worktree: %w", err)
	}
	return &w, nil
}

func (s *Store) CreateWorktree(ctx context.Context, w *model.Worktree) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO worktrees (id, repo_id, path, base_ref, ref, others_can, archived, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), w.ID, w.RepoID, w.Path, w.BaseRef, w.Ref, w.OthersCan, w.Archived, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("create worktree: %w", err)
	}
	return nil
}

func (s *Store) ListWorktrees(ctx context.Context) ([]*model.Worktree, error) {
	var rows []*model.Worktree
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, repo_id, path, base_ref, ref, others_can, archived, created_at FROM worktrees ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	return rows, nil
}

func (s *Store) IsWorktreeOwner(ctx context.Context, worktreeID, userID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, s.rebind(`
		SELECT COUNT(*) FROM worktree_owners WHERE worktree_id = ? AND user_id = ?
	`), worktreeID, userID)
	if err != nil {
		return false, fmt.Errorf("check ownership: %w", err)
	}
	return count > 0, nil
}

func (s *Store) AddWorktreeOwner(ctx context.Context, worktreeID, userID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO worktree_owners (worktree_id, user_id) VALUES (?, ?)
	`), worktreeID, userID)
	if err != nil {
		return fmt.Errorf("add worktree owner: %w", err)
	}
	return nil
}

func (s *Store) RemoveWorktreeOwner(ctx context.Context, worktreeID, userID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM worktree_owners WHERE worktree_id = ? AND user_id = ?
	`), worktreeID, userID)
	if err != nil {
		return fmt.Errorf("remove worktree owner: %w", err)
	}
	return nil
}

// --- Sessions ---

func (s *Store) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	var sess model.Session
	err := s.db.GetContext(ctx, &sess, s.rebind(`
		SELECT id, worktree_id, created_by, unix_username, agentic_tool, status, ready_for_prompt, archived, created_at
		FROM sessions WHERE id = ?
	`), sessionID)
	if isNoRows(err) {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *Store) CreateSession(ctx context.Context, sess *model.Session) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sessions (id, worktree_id, created_by, unix_username, agentic_tool, status, ready_for_prompt, archived, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), sess.ID, sess.WorktreeID, sess.CreatedBy, sess.UnixUsername, string(sess.AgenticTool), string(sess.Status), sess.ReadyForPrompt, sess.Archived, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) PatchSession(ctx context.Context, sessionID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	setClauses := ""
	args := make([]any, 0, len(fields)+1)
	first := true
	for col, val := range fields {
		if !first {
			setClauses += ", "
		}
		first = false
		setClauses += col + " = ?"
		args = append(args, val)
	}
	args = append(args, sessionID)

	_, err := s.db.ExecContext(ctx, s.rebind(fmt.Sprintf(`UPDATE sessions SET %s WHERE id = ?`, setClauses)), args...)
	if err != nil {
		return fmt.Errorf("patch session: %w", err)
	}
	return nil
}

func (s *Store) ListSessionsByStatus(ctx context.Context, statuses ...model.SessionStatus) ([]*model.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT id, worktree_id, created_by, unix_username, agentic_tool, status, ready_for_prompt, archived, created_at
		FROM sessions WHERE status IN (?) ORDER BY id
	`, statuses)
	if err != nil {
		return nil, fmt.Errorf("build status filter: %w", err)
	}

	var rows []*model.Session
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list sessions by status: %w", err)
	}
	return rows, nil
}

// --- stopproto.Store ---

func (s *Store) PatchTaskStopped(ctx context.Context, taskID string, completedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE tasks SET status = ?, completed_at = ? WHERE id = ?
	`), string(model.TaskStopped), completedAt, taskID)
	if err != nil {
		return fmt.Errorf("patch task stopped: %w", err)
	}
	return nil
}

func (s *Store) FinalizeSessionIdle(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE sessions SET status = ?, ready_for_prompt = ? WHERE id = ?
	`), string(model.SessionIdle), false, sessionID)
	if err != nil {
		return fmt.Errorf("finalize session idle: %w", err)
	}
	return nil
}

// --- Tasks ---

func (s *Store) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	var t model.Task
	err := s.db.GetContext(ctx, &t, s.rebind(`
		SELECT id, session_id, sequence, prompt, status, created_at, started_at, completed_at
		FROM tasks WHERE id = ?
	`), taskID)
	if isNoRows(err) {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

func (s *Store) CreateTask(ctx context.Context, t *model.Task) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO tasks (id, session_id, sequence, prompt, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), t.ID, t.SessionID, t.Sequence, t.Prompt, string(t.Status), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) error {
	if status == model.TaskRunning {
		_, err := s.db.ExecContext(ctx, s.rebind(`
			UPDATE tasks SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?
		`), string(status), time.Now(), taskID)
		if err != nil {
			return fmt.Errorf("update task status: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE tasks SET status = ? WHERE id = ?`), string(status), taskID)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

func (s *Store) FailTask(ctx context.Context, taskID string, taskErr model.TaskError, completedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE tasks SET status = ?, completed_at = ?, error_message = ?, error_code = ?, error_stack = ? WHERE id = ?
	`), string(model.TaskFailed), completedAt, taskErr.Message, taskErr.Code, taskErr.Stack, taskID)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return nil
}

func (s *Store) CompleteTask(ctx context.Context, taskID string, completedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE tasks SET status = ?, completed_at = ? WHERE id = ?
	`), string(model.TaskCompleted), completedAt, taskID)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

func (s *Store) NextTaskSequence(ctx context.Context, sessionID string) (int64, error) {
	var maxSeq sql.NullInt64
	err := s.db.GetContext(ctx, &maxSeq, s.rebind(`SELECT MAX(sequence) FROM tasks WHERE session_id = ?`), sessionID)
	if err != nil {
		return 0, fmt.Errorf("read max sequence: %w", err)
	}
	return maxSeq.Int64 + 1, nil
}

func (s *Store) ListTasksBySession(ctx context.Context, sessionID string) ([]*model.Task, error) {
	var rows []*model.Task
	err := s.db.SelectContext(ctx, &rows, s.rebind(`
		SELECT id, session_id, sequence, prompt, status, created_at, started_at, completed_at
		FROM tasks WHERE session_id = ? ORDER BY sequence
	`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by session: %w", err)
	}
	return rows, nil
}

// --- secrets.Store ---

func (s *Store) GetCredential(ctx context.Context, userID, key string) (*model.Credential, error) {
	var c model.Credential
	err := s.db.GetContext(ctx, &c, s.rebind(`
		SELECT user_id, key, value FROM credentials WHERE user_id = ? AND key = ?
	`), userID, key)
	if isNoRows(err) {
		return nil, fmt.Errorf("credential %s not found for user %s", key, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &c, nil
}

func (s *Store) SaveCredential(ctx context.Context, c *model.Credential) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO credentials (user_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT (user_id, key) DO UPDATE SET value = excluded.value
	`), c.UserID, c.Key, c.Value)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// --- Session tokens ---

func (s *Store) IssueSessionToken(ctx context.Context, tok *model.SessionToken) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO session_tokens (token, session_id, user_id, role, expires_at) VALUES (?, ?, ?, ?, ?)
	`), tok.Token, tok.SessionID, tok.UserID, string(tok.Role), tok.ExpiresAt)
	if err != nil {
		return fmt.Errorf("issue session token: %w", err)
	}
	return nil
}

func (s *Store) GetSessionToken(ctx context.Context, token string) (*model.SessionToken, error) {
	var tok model.SessionToken
	err := s.db.GetContext(ctx, &tok, s.rebind(`
		SELECT token, session_id, user_id, role, expires_at FROM session_tokens WHERE token = ?
	`), token)
	if isNoRows(err) {
		return nil, fmt.Errorf("session token not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get session token: %w", err)
	}
	return &tok, nil
}

func (s *Store) RevokeSessionToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM session_tokens WHERE token = ?`), token)
	if err != nil {
		return fmt.Errorf("revoke session token: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB so callers (cmd/orchestratord) can hand
// the same connection to internal/store.SQLiteMessageStore rather than open
// a second pool against the same database file/DSN.
func (s *Store) DB() *sql.DB { return s.db.DB }
