// Package unixisolation provides purely functional builders over the
// command package: given a worktree id or unix username, derive the names,
// paths, and command.Specs needed to create/tear down a Unix user, a
// per-worktree group, and the symlinks that expose a worktree inside that
// user's home directory (C2).
//
// Every function here only builds a command.Spec or validates a string; it
// never runs anything itself. Callers choose the Runner (the admin
// subcommands use Direct, since they already run as root), so this
// package's tests check the built Specs without touching the real system.
package unixisolation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/agor/agor/internal/command"
)

// usernamePattern is the strict grammar a Unix username must satisfy:
// lowercase letters, digits, and underscores, 1-32 characters, starting
// with a letter or underscore (matching useradd's own NAME_REGEX default).
var usernamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,31}$`)

// ValidUsername reports whether username matches the strict grammar.
func ValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

// WorktreeGroupName derives the deterministic per-worktree group name
// agor_wt_<hex8> from a worktree id. The id need not itself be a valid
// Unix name (it is typically a UUID); hashing folds it into the grammar.
func WorktreeGroupName(worktreeID string) string {
	sum := sha256.Sum256([]byte(worktreeID))
	return "agor_wt_" + hex.EncodeToString(sum[:4])
}

// WorktreeSymlinkPath derives the path of the symlink that exposes
// worktree slug inside username's home, rooted at homeBase.
func WorktreeSymlinkPath(homeBase, username, slug string) string {
	return filepath.Join(homeBase, username, "agor", "worktrees", slug)
}

// WorktreesDir returns the per-user directory that holds all worktree
// symlinks, the parent setupWorktreesDir ensures exists.
func WorktreesDir(homeBase, username string) string {
	return filepath.Join(homeBase, username, "agor", "worktrees")
}

// EnsureUser builds the spec for idempotently creating a Unix user with a
// home directory under homeBase. useradd's -m is idempotent only when
// combined with a pre-check; callers should Check for the user's existence
// first (getent passwd) and skip calling EnsureUser's Spec if already present,
// matching the admin subcommands' probe-then-mutate idiom.
func EnsureUser(username, homeBase string) command.Spec {
	return command.Spec{
		Name: "useradd",
		Args: []string{"-m", "-d", filepath.Join(homeBase, username), "-s", "/usr/sbin/nologin", username},
	}
}

// UserExists builds the read-only probe for EnsureUser's pre-state check.
func UserExists(username string) command.Spec {
	return command.Spec{Name: "getent", Args: []string{"passwd", username}}
}

// DeleteUser builds the spec to remove a Unix user, leaving its home
// directory intact.
func DeleteUser(username string) command.Spec {
	return command.Spec{Name: "userdel", Args: []string{username}}
}

// DeleteUserWithHome builds the spec to remove a Unix user and its home
// directory.
func DeleteUserWithHome(username string) command.Spec {
	return command.Spec{Name: "userdel", Args: []string{"-r", username}}
}

// CreateGroup builds the spec for creating a Unix group. groupadd fails if
// the group already exists, so callers probe with GroupExists first (as the
// admin subcommands do).
func CreateGroup(group string) command.Spec {
	return command.Spec{Name: "groupadd", Args: []string{group}}
}

// GroupExists builds the read-only probe for CreateGroup's pre-state check.
func GroupExists(group string) command.Spec {
	return command.Spec{Name: "getent", Args: []string{"group", group}}
}

// DeleteGroup builds the spec to remove a Unix group.
func DeleteGroup(group string) command.Spec {
	return command.Spec{Name: "groupdel", Args: []string{group}}
}

// AddUserToGroup builds the spec to add username as a secondary member of
// group. This alone does not refresh any already-running shell's group set;
// see RunAsUserWithFreshGroups for the escalation that observes it.
func AddUserToGroup(username, group string) command.Spec {
	return command.Spec{Name: "usermod", Args: []string{"-aG", group, username}}
}

// RemoveUserFromGroup builds the spec to remove username from group's
// secondary membership, recomputing the remaining group list via gpasswd.
func RemoveUserFromGroup(username, group string) command.Spec {
	return command.Spec{Name: "gpasswd", Args: []string{"-d", username, group}}
}

// IsUserInGroup builds the read-only probe reporting whether username is
// currently (per /etc/group, not the caller's cached session) a member of
// group.
func IsUserInGroup(username, group string) command.Spec {
	return command.Spec{Name: "sh", Args: []string{"-c", fmt.Sprintf("id -nG %s | tr ' ' '\\n' | grep -qx %s", shellQuote(username), shellQuote(group))}}
}

// CreateSymlink builds the spec exposing a worktree's checkout at target
// inside a user's home, via ln -sfn (idempotent: replaces any existing
// link at linkPath).
func CreateSymlink(target, linkPath string) command.Spec {
	return command.Spec{Name: "ln", Args: []string{"-sfn", target, linkPath}}
}

// RemoveSymlink builds the spec removing linkPath if it exists.
func RemoveSymlink(linkPath string) command.Spec {
	return command.Spec{Name: "rm", Args: []string{"-f", linkPath}}
}

// RemoveBrokenSymlinks builds the spec that prunes dangling symlinks out of
// dir, e.g. after a worktree's source checkout has been deleted.
func RemoveBrokenSymlinks(dir string) command.Spec {
	return command.Spec{Name: "find", Args: []string{dir, "-xtype", "l", "-delete"}}
}

// SetupWorktreesDir builds the spec ensuring the per-user worktrees
// directory exists, owned by username, before any CreateSymlink call
// targets a path beneath it.
func SetupWorktreesDir(username, homeBase string) command.Spec {
	dir := WorktreesDir(homeBase, username)
	return command.Spec{
		Name: "sh",
		Args: []string{"-c", fmt.Sprintf("mkdir -p %s && chown %s:%s %s", shellQuote(dir), shellQuote(username), shellQuote(username), shellQuote(dir))},
	}
}
