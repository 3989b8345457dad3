package authz

import (
	"context"

	"github.com/agor/agor/internal/model"
)

// Store is the minimal read surface the kernel needs to resolve
// permissions. The concrete persistence layer implements it.
type Store interface {
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	GetWorktree(ctx context.Context, worktreeID string) (*model.Worktree, error)
	GetUser(ctx context.Context, userID string) (*model.User, error)
	IsWorktreeOwner(ctx context.Context, worktreeID, userID string) (bool, error)
}

// RequestContext is the caller-supplied facts the chain resolves against:
// who is asking, and what they are asking to do.
type RequestContext struct {
	UserID    string
	SessionID string // may be empty for create operations
	// PatchFields are set only for session patch/update requests; used by
	// EnsureSessionImmutability to detect an attempt to change a protected
	// field.
	PatchFields map[string]any
}

// Resolved accumulates the records and decisions the chain produces, so a
// later hook never re-fetches what an earlier hook already loaded.
type Resolved struct {
	Session  *model.Session
	Worktree *model.Worktree
	IsOwner  bool
	Effective model.PermissionLevel
}

// Chain runs the Authorization Kernel's hooks in spec order against req,
// using store to resolve records. required is the permission rank the
// operation demands (view/prompt/all for reads/task-creation/session-creation
// respectively); pass model.PermissionAll with an empty req.SessionID for
// Session creation, since a to-be-created session has no existing Worktree
// permission to check against session ownership — callers creating a
// Session instead authorize directly against the target Worktree via
// CheckWorktreePermission.
func Chain(ctx context.Context, store Store, req RequestContext, required model.PermissionLevel) (*Resolved, error) {
	resolved := &Resolved{}

	if err := resolveSessionContext(ctx, store, req, resolved); err != nil {
		return nil, err
	}
	if err := loadWorktree(ctx, store, resolved); err != nil {
		return nil, err
	}
	if err := checkPermission(ctx, store, req, resolved, required); err != nil {
		return nil, err
	}
	if err := ensureSessionImmutability(req, resolved); err != nil {
		return nil, err
	}

	return resolved, nil
}

// resolveSessionContext implements hook 1: load the Session named by
// req.SessionID once, since the ID alone does not tell us the Worktree.
// With an empty req.SessionID nothing is loaded; a session id is not
// recovered from any other record.
func resolveSessionContext(ctx context.Context, store Store, req RequestContext, resolved *Resolved) error {
	if req.SessionID == "" {
		return nil
	}
	session, err := store.GetSession(ctx, req.SessionID)
	if err != nil {
		return newError(KindNotFound, "session %s not found", req.SessionID)
	}
	resolved.Session = session
	return nil
}

// loadWorktree implements hook 2's second half: fetch and cache the
// Session's Worktree.
func loadWorktree(ctx context.Context, store Store, resolved *Resolved) error {
	if resolved.Session == nil {
		return nil
	}
	worktree, err := store.GetWorktree(ctx, resolved.Session.WorktreeID)
	if err != nil {
		return newError(KindNotFound, "worktree %s not found", resolved.Session.WorktreeID)
	}
	resolved.Worktree = worktree
	return nil
}

// checkPermission implements hook 3: owner resolves to `all`; otherwise the
// effective level is the worktree's others_can (default view). Reject if
// the effective rank is below required.
func checkPermission(ctx context.Context, store Store, req RequestContext, resolved *Resolved, required model.PermissionLevel) error {
	if resolved.Worktree == nil {
		// No worktree in scope (e.g. a pure worktree-creation call); callers
		// that need a worktree-scoped check call CheckWorktreePermission
		// directly instead of going through Chain.
		return nil
	}

	isOwner, err := store.IsWorktreeOwner(ctx, resolved.Worktree.ID, req.UserID)
	if err != nil {
		return newError(KindForbidden, "could not resolve ownership: %v", err)
	}
	resolved.IsOwner = isOwner

	effective := resolved.Worktree.OthersCan
	if isOwner {
		effective = model.PermissionAll
	}
	resolved.Effective = effective

	if effective < required {
		return newError(KindForbidden, "requires %s, have %s", required, effective)
	}
	return nil
}

// CheckWorktreePermission resolves and checks permission directly against a
// Worktree, for operations (like Session creation) that have no existing
// Session to load hook 1/2 from.
func CheckWorktreePermission(ctx context.Context, store Store, worktreeID, userID string, required model.PermissionLevel) (model.PermissionLevel, error) {
	worktree, err := store.GetWorktree(ctx, worktreeID)
	if err != nil {
		return model.PermissionNone, newError(KindNotFound, "worktree %s not found", worktreeID)
	}

	isOwner, err := store.IsWorktreeOwner(ctx, worktreeID, userID)
	if err != nil {
		return model.PermissionNone, newError(KindForbidden, "could not resolve ownership: %v", err)
	}

	effective := worktree.OthersCan
	if isOwner {
		effective = model.PermissionAll
	}
	if effective < required {
		return effective, newError(KindForbidden, "requires %s, have %s", required, effective)
	}
	return effective, nil
}

// ensureSessionImmutability implements hook 4 (S1): reject any patch that
// attempts to change created_by or unix_username. P3 and seed scenario 7
// (spec.md §8) both observe this as Forbidden, not Conflict, so that's the
// Kind reported here despite §7's taxonomy listing Conflict for immutable
// fields in general.
func ensureSessionImmutability(req RequestContext, resolved *Resolved) error {
	if resolved.Session == nil || len(req.PatchFields) == 0 {
		return nil
	}

	if newCreatedBy, ok := req.PatchFields["created_by"]; ok && newCreatedBy != resolved.Session.CreatedBy {
		return newError(KindForbidden, "created_by is immutable")
	}
	if newUsername, ok := req.PatchFields["unix_username"]; ok && newUsername != resolved.Session.UnixUsername {
		return newError(KindForbidden, "unix_username is immutable")
	}
	return nil
}

// ValidateSessionUnixUsername implements hook 5: before creating a Task or
// Message, re-read the creator's current unix_username and refuse if it
// differs from the Session's stamped value — agent SDK state lives in the
// creator's home directory, so running as a different user would corrupt
// or leak it.
func ValidateSessionUnixUsername(ctx context.Context, store Store, session *model.Session) error {
	creator, err := store.GetUser(ctx, session.CreatedBy)
	if err != nil {
		return newError(KindNotFound, "creator %s not found", session.CreatedBy)
	}
	if creator.UnixUsername != session.UnixUsername {
		return newError(KindForbidden, "session unix_username %q no longer matches creator's current %q", session.UnixUsername, creator.UnixUsername)
	}
	return nil
}

// FilterVisibleWorktrees implements the find-time post-filter: a Worktree is
// visible if the caller owns it OR others_can >= view.
func FilterVisibleWorktrees(ctx context.Context, store Store, userID string, worktrees []*model.Worktree) ([]*model.Worktree, error) {
	visible := make([]*model.Worktree, 0, len(worktrees))
	for _, wt := range worktrees {
		isOwner, err := store.IsWorktreeOwner(ctx, wt.ID, userID)
		if err != nil {
			return nil, err
		}
		if isOwner || wt.OthersCan >= model.PermissionView {
			visible = append(visible, wt)
		}
	}
	return visible, nil
}
