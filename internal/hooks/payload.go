// Package hooks is the HTTP surface the agent runtime notifies on: eight
// lifecycle hook kinds, each a small JSON document, validated and funnelled
// into the lifecycle engine.
package hooks

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/headspace/headspace/internal/models"
)

// maxBodyBytes caps a hook request body. Transcript excerpts are the
// largest field and stay well under this.
const maxBodyBytes = 1 << 20

// Common carries the fields every hook kind shares. SessionID is the
// agent-assigned external identifier, not the canonical one.
type Common struct {
	SessionID         string `json:"session_id"`
	CWD               string `json:"cwd"`
	TranscriptPath    string `json:"transcript_path"`
	TmuxSession       string `json:"tmux_session"`
	TmuxPaneID        string `json:"tmux_pane_id"`
	PersonaSlug       string `json:"persona_slug"`
	PreviousSessionID string `json:"previous_session_id"`
	// EventID is the client's delivery identifier. When absent the
	// receiver keys idempotency on a digest of the raw body.
	EventID string `json:"event_id"`
}

func (c Common) Validate() error {
	if c.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	return nil
}

func (c Common) common() Common { return c }

// SessionStart announces a new agent instance initialising.
type SessionStart struct {
	Common
	Source string `json:"source"`
}

// SessionEnd announces agent termination.
type SessionEnd struct {
	Common
	Reason string `json:"reason"`
}

// UserPromptSubmit carries the prompt the user just submitted.
type UserPromptSubmit struct {
	Common
	PromptText string `json:"prompt_text"`
}

func (p UserPromptSubmit) Validate() error {
	if err := p.Common.Validate(); err != nil {
		return err
	}
	if p.PromptText == "" {
		return fmt.Errorf("prompt_text is required")
	}
	return nil
}

// PreToolUse announces an imminent tool invocation.
type PreToolUse struct {
	Common
	ToolName  string                 `json:"tool_name"`
	ToolInput map[string]interface{} `json:"tool_input"`
}

// PostToolUse announces a finished tool invocation. TranscriptText, when
// present, is agent prose emitted between tool calls.
type PostToolUse struct {
	Common
	ToolName       string                 `json:"tool_name"`
	ToolInput      map[string]interface{} `json:"tool_input"`
	TranscriptText string                 `json:"transcript_text"`
}

// Notification announces that the agent wants the user's attention.
type Notification struct {
	Common
	Message string `json:"message"`
}

// PermissionRequest announces that the agent is blocked on a permission
// decision.
type PermissionRequest struct {
	Common
	ToolName string `json:"tool_name"`
	Message  string `json:"message"`
}

// Stop announces that the agent finished its turn.
type Stop struct {
	Common
	StopHookActive bool `json:"stop_hook_active"`
	// LastAgentText lets the notifier hand over the closing utterance;
	// when empty the receiver reads the transcript tail itself.
	LastAgentText string `json:"last_agent_text"`
}

// payload is implemented by all eight hook DTOs.
type payload interface {
	Validate() error
	common() Common
}

// eventKey is the idempotency key for one delivery: the client's event id
// when given, otherwise a digest of the exact bytes received.
func eventKey(p payload, body []byte) string {
	if id := p.common().EventID; id != "" {
		return id
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// decode returns the empty DTO for a kind.
func decode(kind models.HookKind) payload {
	switch kind {
	case models.HookSessionStart:
		return &SessionStart{}
	case models.HookSessionEnd:
		return &SessionEnd{}
	case models.HookUserPromptSubmit:
		return &UserPromptSubmit{}
	case models.HookPreToolUse:
		return &PreToolUse{}
	case models.HookPostToolUse:
		return &PostToolUse{}
	case models.HookNotification:
		return &Notification{}
	case models.HookPermissionRequest:
		return &PermissionRequest{}
	case models.HookStop:
		return &Stop{}
	default:
		return nil
	}
}
