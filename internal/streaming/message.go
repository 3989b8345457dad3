// Package streaming implements the Presence/Streaming Fan-out (C11):
// a session-scoped pub/sub channel, single writer per session (the
// Executor, relayed through the Orchestrator), many readers (authenticated
// subscribers for that session's Worktree).
package streaming

import "encoding/json"

// Family enumerates the message families that share this transport
// (spec.md §4.11). Streaming and thinking events are ephemeral and never
// persisted; control-plane and permission events are handled by C9/C6
// respectively and merely relayed here; presence and terminal events share
// the wire but sit outside the CORE's scope.
type Family string

const (
	FamilyStreamStart   Family = "streaming:start"
	FamilyStreamChunk   Family = "streaming:chunk"
	FamilyStreamEnd     Family = "streaming:end"
	FamilyStreamError   Family = "streaming:error"
	FamilyThinkingStart Family = "thinking:start"
	FamilyThinkingChunk Family = "thinking:chunk"
	FamilyThinkingEnd   Family = "thinking:end"
	FamilyTaskStop      Family = "task_stop"
	FamilyTaskStopAck   Family = "task_stop_ack"
	FamilyTaskStopDone  Family = "task_stopped_complete"
	FamilyPermissionReq Family = "permission:request"
	FamilyPermissionRes Family = "permission:resolved"
	FamilyCursorMoved   Family = "cursor-moved"
	FamilyCursorLeft    Family = "cursor-left"
)

// Message is the envelope delivered to every subscriber of a session
// channel. Payload carries the family-specific fields verbatim.
type Message struct {
	Family    Family          `json:"family"`
	MessageID string          `json:"message_id,omitempty"`
	SessionID string          `json:"session_id"`
	TaskID    string          `json:"task_id,omitempty"`
	Role      string          `json:"role,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// IsPersisted reports whether this message family is ever written to the
// Message store. Only the caller that aggregates streaming:* chunks into a
// final Message does that write; the fan-out itself never persists.
func (f Family) IsPersisted() bool {
	return false
}

// TerminalChannel builds the per-user PTY channel name, e.g.
// "user/42/terminal". Joins are only accepted when they match this exact
// user; it is not a broadcast channel across users.
func TerminalChannel(userID string) string {
	return "user/" + userID + "/terminal"
}
