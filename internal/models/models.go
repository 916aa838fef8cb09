// Package models defines the persistent entities of the headspace service.
package models

import "time"

// TaskState is the lifecycle state of a Task.
type TaskState string

const (
	// TaskStateIdle means the session has no active request.
	TaskStateIdle TaskState = "idle"
	// TaskStateCommanded means a user command arrived but the agent has not
	// visibly started working yet.
	TaskStateCommanded TaskState = "commanded"
	// TaskStateProcessing means the agent is working.
	TaskStateProcessing TaskState = "processing"
	// TaskStateAwaitingInput means the agent asked a question or needs
	// permission and is blocked on the user.
	TaskStateAwaitingInput TaskState = "awaiting_input"
	// TaskStateComplete means the task is closed.
	TaskStateComplete TaskState = "complete"
)

// Valid reports whether s is a known task state.
func (s TaskState) Valid() bool {
	switch s {
	case TaskStateIdle, TaskStateCommanded, TaskStateProcessing, TaskStateAwaitingInput, TaskStateComplete:
		return true
	}
	return false
}

// Open reports whether the state counts against the one-open-task rule.
func (s TaskState) Open() bool {
	return s != TaskStateComplete
}

// Actor identifies who produced a turn.
type Actor string

const (
	// ActorUser is the human driving the session.
	ActorUser Actor = "user"
	// ActorAgent is the coding agent.
	ActorAgent Actor = "agent"
)

// Intent classifies what a turn does within its task.
type Intent string

const (
	// IntentCommand is a user request that opens a task.
	IntentCommand Intent = "command"
	// IntentAnswer is a user reply to an agent question.
	IntentAnswer Intent = "answer"
	// IntentQuestion is agent text that blocks on the user.
	IntentQuestion Intent = "question"
	// IntentCompletion is agent text declaring the task done.
	IntentCompletion Intent = "completion"
	// IntentProgress is intermediate agent output.
	IntentProgress Intent = "progress"
	// IntentEndOfTask marks a task closed by a stop or session_end hook
	// without any classifiable agent text.
	IntentEndOfTask Intent = "end_of_task"
)

// TimestampSource records where a turn's canonical timestamp came from.
type TimestampSource string

const (
	// TimestampSourceServer means the timestamp was assigned on arrival.
	TimestampSourceServer TimestampSource = "server"
	// TimestampSourceJSONL means the timestamp was read from the transcript.
	TimestampSourceJSONL TimestampSource = "jsonl"
	// TimestampSourceUser means the caller supplied the timestamp.
	TimestampSourceUser TimestampSource = "user"
)

// HookKind is one of the eight lifecycle notifications the agent runtime
// delivers over the hook surface.
type HookKind string

const (
	HookSessionStart      HookKind = "session_start"
	HookSessionEnd        HookKind = "session_end"
	HookStop              HookKind = "stop"
	HookNotification      HookKind = "notification"
	HookPreToolUse        HookKind = "pre_tool_use"
	HookPostToolUse       HookKind = "post_tool_use"
	HookUserPromptSubmit  HookKind = "user_prompt_submit"
	HookPermissionRequest HookKind = "permission_request"
)

// Valid reports whether k is a known hook kind.
func (k HookKind) Valid() bool {
	switch k {
	case HookSessionStart, HookSessionEnd, HookStop, HookNotification,
		HookPreToolUse, HookPostToolUse, HookUserPromptSubmit, HookPermissionRequest:
		return true
	}
	return false
}

// Persisted event types. Events are the append-only audit trail; the
// broadcaster replays them for Last-Event-ID catch-up.
const (
	EventStateTransition     = "state_transition"
	EventHookReceived        = "hook_received"
	EventHookRejected        = "hook_rejected"
	EventSessionRegistered   = "session_registered"
	EventSessionEnded        = "session_ended"
	EventSessionInactive     = "session_inactive"
	EventSessionDeleted      = "session_deleted"
	EventTaskCreated         = "task_created"
	EventTaskCompleted       = "task_completed"
	EventTurnAdded           = "turn_added"
	EventCardRefresh         = "card_refresh"
	EventAvailabilityChanged = "availability_changed"
	EventAnswerDelivered     = "answer_delivered"
	EventAnswerFailed        = "answer_failed"
	EventObjectiveUpdated    = "objective_updated"
	EventHeadspaceUpdate     = "headspace_update"
	EventPriorityUpdate      = "priority_update"
	EventProjectCreated      = "project_created"
	EventProjectUpdated      = "project_updated"
	EventProjectDeleted      = "project_deleted"
)

// Project is a registered workspace. Projects are created only by explicit
// administrative action, never as a side effect of hook traffic.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is one running agent instance.
type Session struct {
	ID             string     `json:"id"`
	ExternalID     string     `json:"external_session_id"`
	ProjectID      string     `json:"project_id"`
	PersonaSlug    string     `json:"persona_slug,omitempty"`
	PaneID         string     `json:"pane_id,omitempty"`
	TmuxSession    string     `json:"tmux_session,omitempty"`
	PredecessorID  *string    `json:"previous_session_id,omitempty"`
	TranscriptPath string     `json:"transcript_path,omitempty"`
	Active         bool       `json:"active"`
	PaneAlive      bool       `json:"pane_alive"`
	StartedAt      time.Time  `json:"started_at"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`

	// State is derived from the current task; it is not a column.
	State TaskState `json:"state,omitempty"`
	// ProjectName and ProjectPath are joined in for list views.
	ProjectName string `json:"project_name,omitempty"`
	ProjectPath string `json:"project_path,omitempty"`
}

// Task is one user-to-agent request within a session. A session has at most
// one task whose state is not complete.
type Task struct {
	ID                string     `json:"id"`
	SessionID         string     `json:"session_id"`
	State             TaskState  `json:"state"`
	Command           string     `json:"command"`
	FinalText         string     `json:"final_text,omitempty"`
	Instruction       string     `json:"instruction,omitempty"`
	CompletionSummary string     `json:"completion_summary,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Turn is one utterance within a task. The integer ID is the insertion
// order, which makes (timestamp, id) a stable conversation ordering even
// when several turns land in the same transaction.
type Turn struct {
	ID              int64           `json:"id"`
	TaskID          string          `json:"task_id"`
	SessionID       string          `json:"session_id"`
	Actor           Actor           `json:"actor"`
	Intent          Intent          `json:"intent"`
	Text            string          `json:"text"`
	ContentHash     string          `json:"content_hash"`
	Timestamp       time.Time       `json:"timestamp"`
	TimestampSource TimestampSource `json:"timestamp_source"`
	AnswersTurnID   *int64          `json:"answers_turn_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Event is an append-only audit record. The integer ID doubles as the SSE
// event id, so subscribers can resume with Last-Event-ID.
type Event struct {
	ID        int64                  `json:"id"`
	Type      string                 `json:"type"`
	ProjectID *string                `json:"project_id,omitempty"`
	SessionID *string                `json:"session_id,omitempty"`
	TaskID    *string                `json:"task_id,omitempty"`
	TurnID    *int64                 `json:"turn_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Objective is the singleton current user objective.
type Objective struct {
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ObjectiveHistory is one superseded objective value.
type ObjectiveHistory struct {
	ID         int64     `json:"id"`
	Text       string    `json:"text"`
	SetAt      time.Time `json:"set_at"`
	ReplacedAt time.Time `json:"replaced_at"`
}

// Persona is an organisational identity an agent session can assume. The
// core treats everything beyond the slug as display strings.
type Persona struct {
	Slug         string `json:"slug"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	Organisation string `json:"organisation,omitempty"`
	Position     string `json:"position,omitempty"`
}
