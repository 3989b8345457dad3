// Package model defines Agor's core entities and the authoritative status
// transitions governing them (C10). Types here are pure data plus
// transition validation; persistence lives in the store packages, and
// authorization lives in internal/authz.
package model

import "time"

// PermissionLevel ranks access to a Worktree, from least to most capable.
type PermissionLevel int

const (
	PermissionNone   PermissionLevel = -1
	PermissionView   PermissionLevel = 0
	PermissionPrompt PermissionLevel = 1
	PermissionAll    PermissionLevel = 2
)

// ParsePermissionLevel maps the wire string form to a PermissionLevel.
func ParsePermissionLevel(s string) (PermissionLevel, bool) {
	switch s {
	case "none":
		return PermissionNone, true
	case "view":
		return PermissionView, true
	case "prompt":
		return PermissionPrompt, true
	case "all":
		return PermissionAll, true
	default:
		return PermissionNone, false
	}
}

func (p PermissionLevel) String() string {
	switch p {
	case PermissionNone:
		return "none"
	case PermissionView:
		return "view"
	case PermissionPrompt:
		return "prompt"
	case PermissionAll:
		return "all"
	default:
		return "unknown"
	}
}

// AgenticTool enumerates the coding agents Agor can drive.
type AgenticTool string

const (
	ToolClaudeCode AgenticTool = "claude-code"
	ToolCodex      AgenticTool = "codex"
	ToolGemini     AgenticTool = "gemini"
	ToolOpenCode   AgenticTool = "opencode"
)

// CredentialKey returns the env var an executor running this tool needs
// (spec.md §4.7): ANTHROPIC_API_KEY for claude-code, OPENAI_API_KEY for
// codex, GEMINI_API_KEY for gemini, NONE for opencode (no credential).
func (t AgenticTool) CredentialKey() string {
	switch t {
	case ToolClaudeCode:
		return "ANTHROPIC_API_KEY"
	case ToolCodex:
		return "OPENAI_API_KEY"
	case ToolGemini:
		return "GEMINI_API_KEY"
	default:
		return "NONE"
	}
}

// User is a human operator. UnixUsername is empty when isolation is
// disabled for this deployment.
type User struct {
	ID           string    `db:"id"`
	Email        string    `db:"email"`
	UnixUsername string    `db:"unix_username"`
	CreatedAt    time.Time `db:"created_at"`
}

// Repo is a bare clone shared across worktrees.
type Repo struct {
	ID            string    `db:"id"`
	Slug          string    `db:"slug"`
	DefaultBranch string    `db:"default_branch"`
	LocalPath     string    `db:"local_path"`
	CreatedAt     time.Time `db:"created_at"`
}

// Worktree is a checked-out branch of a Repo.
type Worktree struct {
	ID        string          `db:"id"`
	RepoID    string          `db:"repo_id"`
	Path      string          `db:"path"`
	BaseRef   string          `db:"base_ref"`
	Ref       string          `db:"ref"`
	OthersCan PermissionLevel `db:"others_can"`
	Archived  bool            `db:"archived"`
	CreatedAt time.Time       `db:"created_at"`
}

// WorktreeOwner is the many-to-many relation between Users and Worktrees;
// owners always resolve to PermissionAll regardless of OthersCan.
type WorktreeOwner struct {
	WorktreeID string
	UserID     string
}

// SessionStatus is the authoritative state of a Session (C10).
type SessionStatus string

const (
	SessionIdle     SessionStatus = "IDLE"
	SessionRunning  SessionStatus = "RUNNING"
	SessionStopping SessionStatus = "STOPPING"
)

// Session is an agent conversation bound to exactly one Worktree.
// CreatedBy and UnixUsername are immutable after creation (S1); ReadyForPrompt
// may only be set by the stop protocol or the queue runner (S2), never by a
// task writer transitioning a Task to STOPPED.
type Session struct {
	ID             string        `db:"id"`
	WorktreeID     string        `db:"worktree_id"`
	CreatedBy      string        `db:"created_by"`
	UnixUsername   string        `db:"unix_username"`
	AgenticTool    AgenticTool   `db:"agentic_tool"`
	Status         SessionStatus `db:"status"`
	ReadyForPrompt bool          `db:"ready_for_prompt"`
	CreatedAt      time.Time     `db:"created_at"`
	Archived       bool          `db:"archived"`
}

// sessionTransitions enumerates the legal SessionStatus edges.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionIdle:     {SessionRunning},
	SessionRunning:  {SessionStopping, SessionIdle},
	SessionStopping: {SessionIdle},
}

// CanTransitionSessionStatus reports whether moving from `from` to `to` is
// a legal Session state-machine edge.
func CanTransitionSessionStatus(from, to SessionStatus) bool {
	for _, allowed := range sessionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TaskStatus is the authoritative state of a Task (C10).
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskStopping  TaskStatus = "STOPPING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskStopped   TaskStatus = "STOPPED"
)

// TerminalTaskStatuses never transition further.
var TerminalTaskStatuses = map[TaskStatus]bool{
	TaskCompleted: true,
	TaskFailed:    true,
	TaskStopped:   true,
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:  {TaskRunning},
	TaskRunning:  {TaskCompleted, TaskFailed, TaskStopping},
	TaskStopping: {TaskStopped},
}

// CanTransitionTaskStatus reports whether moving from `from` to `to` is a
// legal Task state-machine edge. Terminal states never transition further.
func CanTransitionTaskStatus(from, to TaskStatus) bool {
	if TerminalTaskStatuses[from] {
		return false
	}
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Task is a single prompt-to-completion run inside a Session.
type Task struct {
	ID          string     `db:"id"`
	SessionID   string     `db:"session_id"`
	Sequence    int64      `db:"sequence"`
	Prompt      string     `db:"prompt"`
	Status      TaskStatus `db:"status"`
	CreatedAt   time.Time  `db:"created_at"`
	StartedAt   *time.Time `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
	Error       *TaskError `db:"-"`
}

// TaskError is the structured failure recorded on a FAILED task. Its fields
// are stored as separate columns on tasks (error_message/error_code/
// error_stack) rather than scanned as a nested struct.
type TaskError struct {
	Message string `db:"error_message"`
	Code    string `db:"error_code"`
	Stack   string `db:"error_stack"`
}

// MessageRole enumerates who produced a Message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// Message is an ordered, immutable-once-persisted record belonging to a
// Task. Streaming chunks are never persisted individually — only the final
// aggregated message is (spec.md §3).
type Message struct {
	ID        string
	TaskID    string
	Sequence  int64
	Role      MessageRole
	Content   string
	CreatedAt time.Time
}

// Credential is a per-User encrypted secret, released only through the
// Permission Broker / executor bootstrap with a valid SessionToken.
type Credential struct {
	UserID string `db:"user_id"`
	Key    string `db:"key"` // e.g. ANTHROPIC_API_KEY
	Value  string `db:"value"`
}

// SessionTokenRole distinguishes a human-facing token from the token an
// Executor uses to authenticate back to the Orchestrator.
type SessionTokenRole string

const (
	SessionTokenUser    SessionTokenRole = "user"
	SessionTokenService SessionTokenRole = "service"
)

// SessionToken is the short-lived bearer issued when the Orchestrator spawns
// an Executor; it is the Executor's sole authority to call back into C4.
type SessionToken struct {
	Token     string           `db:"token"`
	SessionID string           `db:"session_id"`
	UserID    string           `db:"user_id"`
	Role      SessionTokenRole `db:"role"`
	ExpiresAt time.Time        `db:"expires_at"`
}

// Expired reports whether the token is no longer valid at t.
func (s SessionToken) Expired(t time.Time) bool {
	return t.After(s.ExpiresAt)
}
