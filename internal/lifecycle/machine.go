// Package lifecycle is the sole writer of task and turn state. Hook traffic,
// transcript reconciliation and bridge deliveries all converge here.
package lifecycle

import "github.com/headspace/headspace/internal/models"

// Trigger is the normalised cause of a state machine step.
type Trigger string

const (
	// TriggerUserCommand is a user prompt reaching the agent.
	TriggerUserCommand Trigger = "user_cmd"
	// TriggerAgentQuestion is agent text that blocks on the user.
	TriggerAgentQuestion Trigger = "agent_question"
	// TriggerAgentProgress is intermediate agent activity.
	TriggerAgentProgress Trigger = "agent_progress"
	// TriggerAgentCompletion is agent text declaring the work done.
	TriggerAgentCompletion Trigger = "agent_completion"
	// TriggerAttention is a notification or permission request.
	TriggerAttention Trigger = "attention"
	// TriggerStop is the agent finishing its turn.
	TriggerStop Trigger = "stop"
	// TriggerSessionEnd is the agent process terminating.
	TriggerSessionEnd Trigger = "session_end"
)

// Outcome describes what a trigger does from a given state.
type Outcome struct {
	// Next is the state the open task moves to. Meaningful only when
	// Changed is true.
	Next models.TaskState
	// Changed means the open task's state column moves to Next.
	Changed bool
	// NewTask means the current task (if open) closes and a fresh task
	// opens. The fresh task passes through commanded before Next.
	NewTask bool
	// Answer means the user turn answers the pending question instead of
	// opening a task.
	Answer bool
	// Reject means the trigger is invalid from this state; it is logged
	// and dropped.
	Reject bool
}

// Transition implements the state table. current is the open task's state;
// sessions without an open task behave as idle. trailingQuestion routes a
// stop to awaiting_input instead of complete.
func Transition(current models.TaskState, trigger Trigger, trailingQuestion bool) Outcome {
	// No open task: only a user command does anything; stray agent
	// triggers are rejected, attention and stop are ignored.
	if current == "" || current == models.TaskStateIdle || current == models.TaskStateComplete {
		switch trigger {
		case TriggerUserCommand:
			return Outcome{Next: models.TaskStateProcessing, Changed: true, NewTask: true}
		case TriggerAgentQuestion, TriggerAgentProgress, TriggerAgentCompletion:
			return Outcome{Reject: true}
		default:
			return Outcome{}
		}
	}

	closeState := models.TaskStateComplete
	if trailingQuestion {
		closeState = models.TaskStateAwaitingInput
	}

	switch current {
	case models.TaskStateCommanded:
		switch trigger {
		case TriggerUserCommand:
			return Outcome{Next: models.TaskStateProcessing, Changed: true}
		case TriggerAgentQuestion, TriggerAttention:
			return Outcome{Next: models.TaskStateAwaitingInput, Changed: true}
		case TriggerAgentProgress:
			return Outcome{Next: models.TaskStateProcessing, Changed: true}
		case TriggerAgentCompletion:
			return Outcome{Next: models.TaskStateComplete, Changed: true}
		case TriggerStop:
			return Outcome{Next: closeState, Changed: true}
		case TriggerSessionEnd:
			return Outcome{Next: models.TaskStateComplete, Changed: true}
		}

	case models.TaskStateProcessing:
		switch trigger {
		case TriggerUserCommand:
			return Outcome{Next: models.TaskStateProcessing, Changed: true, NewTask: true}
		case TriggerAgentQuestion, TriggerAttention:
			return Outcome{Next: models.TaskStateAwaitingInput, Changed: true}
		case TriggerAgentProgress:
			return Outcome{}
		case TriggerAgentCompletion:
			return Outcome{Next: models.TaskStateComplete, Changed: true}
		case TriggerStop:
			return Outcome{Next: closeState, Changed: true}
		case TriggerSessionEnd:
			return Outcome{Next: models.TaskStateComplete, Changed: true}
		}

	case models.TaskStateAwaitingInput:
		switch trigger {
		case TriggerUserCommand:
			return Outcome{Next: models.TaskStateProcessing, Changed: true, Answer: true}
		case TriggerAgentQuestion, TriggerAgentProgress, TriggerAttention:
			return Outcome{}
		case TriggerAgentCompletion:
			return Outcome{Next: models.TaskStateComplete, Changed: true}
		case TriggerStop:
			if trailingQuestion {
				// Already waiting; the question just restates it.
				return Outcome{}
			}
			return Outcome{Next: models.TaskStateComplete, Changed: true}
		case TriggerSessionEnd:
			return Outcome{Next: models.TaskStateComplete, Changed: true}
		}
	}

	return Outcome{Reject: true}
}
