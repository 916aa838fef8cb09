// Package events provides event types and utilities for the headspace event system.
package events

// Event types for projects
const (
	ProjectCreated = "project.created"
	ProjectUpdated = "project.updated"
	ProjectDeleted = "project.deleted"
)

// Event types for sessions
const (
	SessionRegistered   = "session.registered"
	SessionEnded        = "session.ended"
	SessionInactive     = "session.inactive"
	SessionDeleted      = "session.deleted"
	SessionStateChanged = "session.state_changed" // Task state machine transition
	SessionCardRefresh  = "session.card_refresh"  // Summary/title material changed; dashboards re-render
)

// Event types for tasks and turns
const (
	TaskCreated   = "task.created"
	TaskCompleted = "task.completed"
	TurnAdded     = "turn.added"
)

// Event types for hook ingestion
const (
	HookReceived = "hook.received"
	HookRejected = "hook.rejected"
)

// Event types for the objective layer
const (
	ObjectiveUpdated = "objective.updated"
	HeadspaceUpdate  = "headspace.update" // Aggregated cross-session narrative refreshed
	PriorityUpdate   = "priority.update"  // Recomputed attention ordering
)

// Event types for the terminal input bridge
const (
	AvailabilityChanged = "bridge.availability_changed" // Pane liveness flipped
	AnswerDelivered     = "bridge.answer_delivered"
	AnswerFailed        = "bridge.answer_failed"
)

// BuildSessionStateSubject creates a state change subject for a specific session
func BuildSessionStateSubject(sessionID string) string {
	return SessionStateChanged + "." + sessionID
}

// BuildSessionStateWildcardSubject creates a wildcard subscription for all state change events
func BuildSessionStateWildcardSubject() string {
	return SessionStateChanged + ".*"
}

// BuildCardRefreshSubject creates a card refresh subject for a specific session
func BuildCardRefreshSubject(sessionID string) string {
	return SessionCardRefresh + "." + sessionID
}

// BuildCardRefreshWildcardSubject creates a wildcard subscription for all card refresh events
func BuildCardRefreshWildcardSubject() string {
	return SessionCardRefresh + ".*"
}

// BuildTurnAddedSubject creates a turn subject for a specific session
func BuildTurnAddedSubject(sessionID string) string {
	return TurnAdded + "." + sessionID
}

// BuildTurnAddedWildcardSubject creates a wildcard subscription for all turn events
func BuildTurnAddedWildcardSubject() string {
	return TurnAdded + ".*"
}

// BuildHookReceivedSubject creates a hook subject for a specific session
func BuildHookReceivedSubject(sessionID string) string {
	return HookReceived + "." + sessionID
}

// BuildHookReceivedWildcardSubject creates a wildcard subscription for all hook events
func BuildHookReceivedWildcardSubject() string {
	return HookReceived + ".*"
}

// BuildAvailabilitySubject creates an availability subject for a specific session
func BuildAvailabilitySubject(sessionID string) string {
	return AvailabilityChanged + "." + sessionID
}

// BuildAvailabilityWildcardSubject creates a wildcard subscription for all availability events
func BuildAvailabilityWildcardSubject() string {
	return AvailabilityChanged + ".*"
}

// AllSubjectsWildcard matches every subject on the bus. The broadcaster uses
// it to forward the full event stream to SSE and WebSocket subscribers.
const AllSubjectsWildcard = ">"
