package bus

// Internal signal-bus subjects. These decouple the stop protocol and
// session/task state machine (C9/C10) from the streaming fan-out (C11):
// a state transition publishes here, and the fan-out subscribes to relay
// it onto the session's subscriber channel.
const (
	SessionStatusChanged = "session.status_changed"
	TaskStatusChanged    = "task.status_changed"
	TaskStopRequested    = "task.stop_requested"
	TaskStopAcked        = "task.stop_acked"
	TaskStopCompleted    = "task.stop_completed"
	ExecutorSpawned      = "executor.spawned"
	ExecutorExited       = "executor.exited"
	PermissionRequested  = "permission.requested"
	PermissionResolved   = "permission.resolved"
)

// SessionSubject scopes a subject to one session, e.g. for a queue group
// per session so exactly one fan-out relay handles it.
func SessionSubject(base, sessionID string) string {
	return base + "." + sessionID
}
