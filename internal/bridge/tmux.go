// Package bridge delivers user text into a live agent terminal pane, verifies
// the agent's input line accepted it, and records the accepted text as a turn.
package bridge

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/headspace/headspace/internal/common/logger"
)

// tmuxTimeout bounds every tmux subprocess call.
const tmuxTimeout = 5 * time.Second

// Tmux wraps the tmux binary. All commands run against the server the
// daemon's environment points at.
type Tmux struct {
	binary string
	logger *logger.Logger
}

// NewTmux creates a tmux wrapper. An empty binary falls back to "tmux" on
// PATH.
func NewTmux(binary string, log *logger.Logger) *Tmux {
	if binary == "" {
		binary = "tmux"
	}
	if log == nil {
		log = logger.Default()
	}
	return &Tmux{binary: binary, logger: log}
}

func (t *Tmux) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, tmuxTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("tmux %s timed out after %v", args[0], tmuxTimeout)
		}
		return "", fmt.Errorf("tmux %s failed: %w (stderr: %s)",
			args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// PaneExists reports whether the pane exists and its process is running.
func (t *Tmux) PaneExists(ctx context.Context, pane string) bool {
	out, err := t.run(ctx, "display-message", "-p", "-t", pane, "#{pane_dead}")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "0"
}

// CapturePaneEscaped returns the pane tail with SGR escape sequences
// preserved, for attribute scans.
func (t *Tmux) CapturePaneEscaped(ctx context.Context, pane string, lines int) (string, error) {
	if lines <= 0 {
		lines = 80
	}
	return t.run(ctx, "capture-pane", "-p", "-e", "-t", pane, "-S", "-"+strconv.Itoa(lines))
}

// SendKeysLiteral types text into the pane without key-name interpretation.
func (t *Tmux) SendKeysLiteral(ctx context.Context, pane, text string) error {
	_, err := t.run(ctx, "send-keys", "-t", pane, "-l", "--", text)
	return err
}

// SendEnter submits the pane's input line.
func (t *Tmux) SendEnter(ctx context.Context, pane string) error {
	_, err := t.run(ctx, "send-keys", "-t", pane, "Enter")
	return err
}

// SendEscape dismisses overlays such as autocomplete ghost text.
func (t *Tmux) SendEscape(ctx context.Context, pane string) error {
	_, err := t.run(ctx, "send-keys", "-t", pane, "Escape")
	return err
}
