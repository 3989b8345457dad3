// Package authz implements the Authorization Kernel (C5): a chain of pure
// hook functions run before any state-changing operation on a
// Session/Task/Message, resolving Worktree permission ranks and enforcing
// the immutability of a session's execution identity.
package authz

import "fmt"

// Kind classifies an authorization failure into the error taxonomy used
// throughout the daemon (spec.md §7).
type Kind string

const (
	KindInvalidInput    Kind = "InvalidInput"
	KindUnauthenticated Kind = "Unauthenticated"
	KindForbidden       Kind = "Forbidden"
	KindNotFound        Kind = "NotFound"
	KindConflict        Kind = "Conflict"
)

// Error carries a Kind alongside a human-readable message so HTTP/RPC
// adapters can map it to the right status without string-matching.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
