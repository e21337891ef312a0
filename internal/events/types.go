// Package events provides event types and utilities for the chatbroker event system.
package events

// Event types for session lifecycle
const (
	SessionCreated     = "session.created"
	SessionActivated   = "session.activated"
	SessionPreempted   = "session.preempted"
	SessionCompleted   = "session.completed"
	SessionCancelled   = "session.cancelled"
	SessionTransferred = "session.transferred"
	SessionTimeout     = "session.timeout"
	SessionReleased    = "session.released" // Paused session resumed after slot freed
)

// Event types for send tasks
const (
	TaskQueued    = "task.queued"
	TaskSent      = "task.sent"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskRequeued  = "task.requeued" // An existing task went back onto the queue (reconciler or producer retry)
)

// Event types for message ingestion
const (
	MessageStored        = "message.stored"
	IngestBatchProcessed = "ingest.batch_processed"
)

// Event types for human intervention
const (
	InterventionDetected = "intervention.detected"
)

// BuildSessionSubject creates a session lifecycle subject scoped to one session.
func BuildSessionSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildSessionWildcardSubject creates a wildcard subscription for one session
// lifecycle event type across all sessions.
func BuildSessionWildcardSubject(eventType string) string {
	return eventType + ".*"
}

// BuildTaskSubject creates a task subject for a specific task.
func BuildTaskSubject(eventType, taskID string) string {
	return eventType + "." + taskID
}

// BuildTaskWildcardSubject creates a wildcard subscription for one task event
// type across all tasks.
func BuildTaskWildcardSubject(eventType string) string {
	return eventType + ".*"
}
