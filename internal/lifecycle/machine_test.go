package lifecycle

import (
	"testing"

	"github.com/headspace/headspace/internal/models"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name     string
		current  models.TaskState
		trigger  Trigger
		trailing bool
		want     Outcome
	}{
		// No open task behaves as idle.
		{"idle user command opens task", models.TaskStateIdle, TriggerUserCommand, false,
			Outcome{Next: models.TaskStateProcessing, Changed: true, NewTask: true}},
		{"idle rejects agent question", models.TaskStateIdle, TriggerAgentQuestion, false,
			Outcome{Reject: true}},
		{"idle rejects agent progress", models.TaskStateIdle, TriggerAgentProgress, false,
			Outcome{Reject: true}},
		{"idle rejects agent completion", models.TaskStateIdle, TriggerAgentCompletion, false,
			Outcome{Reject: true}},
		{"idle ignores attention", models.TaskStateIdle, TriggerAttention, false, Outcome{}},
		{"idle ignores stop", models.TaskStateIdle, TriggerStop, false, Outcome{}},
		{"idle ignores session end", models.TaskStateIdle, TriggerSessionEnd, false, Outcome{}},

		{"complete user command opens task", models.TaskStateComplete, TriggerUserCommand, false,
			Outcome{Next: models.TaskStateProcessing, Changed: true, NewTask: true}},
		{"complete rejects agent completion", models.TaskStateComplete, TriggerAgentCompletion, false,
			Outcome{Reject: true}},

		{"commanded user command starts processing", models.TaskStateCommanded, TriggerUserCommand, false,
			Outcome{Next: models.TaskStateProcessing, Changed: true}},
		{"commanded question parks", models.TaskStateCommanded, TriggerAgentQuestion, false,
			Outcome{Next: models.TaskStateAwaitingInput, Changed: true}},
		{"commanded progress starts processing", models.TaskStateCommanded, TriggerAgentProgress, false,
			Outcome{Next: models.TaskStateProcessing, Changed: true}},
		{"commanded completion closes", models.TaskStateCommanded, TriggerAgentCompletion, false,
			Outcome{Next: models.TaskStateComplete, Changed: true}},
		{"commanded attention parks", models.TaskStateCommanded, TriggerAttention, false,
			Outcome{Next: models.TaskStateAwaitingInput, Changed: true}},
		{"commanded stop closes", models.TaskStateCommanded, TriggerStop, false,
			Outcome{Next: models.TaskStateComplete, Changed: true}},

		{"processing user command supersedes", models.TaskStateProcessing, TriggerUserCommand, false,
			Outcome{Next: models.TaskStateProcessing, Changed: true, NewTask: true}},
		{"processing question parks", models.TaskStateProcessing, TriggerAgentQuestion, false,
			Outcome{Next: models.TaskStateAwaitingInput, Changed: true}},
		{"processing progress is noise", models.TaskStateProcessing, TriggerAgentProgress, false, Outcome{}},
		{"processing completion closes", models.TaskStateProcessing, TriggerAgentCompletion, false,
			Outcome{Next: models.TaskStateComplete, Changed: true}},
		{"processing attention parks", models.TaskStateProcessing, TriggerAttention, false,
			Outcome{Next: models.TaskStateAwaitingInput, Changed: true}},
		{"processing stop closes", models.TaskStateProcessing, TriggerStop, false,
			Outcome{Next: models.TaskStateComplete, Changed: true}},
		{"processing stop with question parks", models.TaskStateProcessing, TriggerStop, true,
			Outcome{Next: models.TaskStateAwaitingInput, Changed: true}},
		{"processing session end closes", models.TaskStateProcessing, TriggerSessionEnd, false,
			Outcome{Next: models.TaskStateComplete, Changed: true}},

		{"awaiting user command answers", models.TaskStateAwaitingInput, TriggerUserCommand, false,
			Outcome{Next: models.TaskStateProcessing, Changed: true, Answer: true}},
		{"awaiting question is noise", models.TaskStateAwaitingInput, TriggerAgentQuestion, false, Outcome{}},
		{"awaiting progress is noise", models.TaskStateAwaitingInput, TriggerAgentProgress, false, Outcome{}},
		{"awaiting completion closes", models.TaskStateAwaitingInput, TriggerAgentCompletion, false,
			Outcome{Next: models.TaskStateComplete, Changed: true}},
		{"awaiting attention is noise", models.TaskStateAwaitingInput, TriggerAttention, false, Outcome{}},
		{"awaiting stop closes", models.TaskStateAwaitingInput, TriggerStop, false,
			Outcome{Next: models.TaskStateComplete, Changed: true}},
		{"awaiting stop with question stays", models.TaskStateAwaitingInput, TriggerStop, true, Outcome{}},
		{"awaiting session end closes", models.TaskStateAwaitingInput, TriggerSessionEnd, false,
			Outcome{Next: models.TaskStateComplete, Changed: true}},

		{"empty state behaves as idle", "", TriggerUserCommand, false,
			Outcome{Next: models.TaskStateProcessing, Changed: true, NewTask: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Transition(tt.current, tt.trigger, tt.trailing)
			if got != tt.want {
				t.Errorf("Transition(%s, %s, %v) = %+v, want %+v",
					tt.current, tt.trigger, tt.trailing, got, tt.want)
			}
		})
	}
}
