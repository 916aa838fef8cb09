// Package transcript tails the append-only JSONL files each agent session
// writes and feeds reconciled conversation entries into the lifecycle.
package transcript

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/headspace/headspace/internal/models"
)

// Entry is one conversation-bearing transcript line.
type Entry struct {
	Actor     models.Actor
	Text      string
	Timestamp time.Time
}

type rawLine struct {
	Type      string     `json:"type"`
	Timestamp string     `json:"timestamp"`
	Message   rawMessage `json:"message"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ParseLine decodes one transcript line. Lines that are valid JSON but not
// conversation text (tool results, summaries, system records) return
// (nil, nil); malformed JSON returns an error so callers can log and skip.
func ParseLine(line []byte) (*Entry, error) {
	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("transcript line: %w", err)
	}

	var actor models.Actor
	switch raw.Type {
	case "user":
		actor = models.ActorUser
	case "assistant":
		actor = models.ActorAgent
	default:
		return nil, nil
	}

	text, err := extractText(raw.Message.Content)
	if err != nil {
		return nil, fmt.Errorf("transcript content: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	e := &Entry{Actor: actor, Text: text}
	if raw.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("transcript timestamp %q: %w", raw.Timestamp, err)
		}
		e.Timestamp = ts.UTC()
	}
	return e, nil
}

// tailReadBytes bounds how far back LastAgentText rereads a transcript.
const tailReadBytes = 256 * 1024

// LastAgentText returns the most recent agent utterance in the transcript,
// scanning at most the trailing 256 KiB. Stop hooks use it to decide
// whether the turn ended on a question.
func LastAgentText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	offset := info.Size() - tailReadBytes
	if offset < 0 {
		offset = 0
	}
	data := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(data, offset); err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}

	// When the read starts mid-file the first line is a fragment;
	// ParseLine rejecting it is expected.
	lines := bytes.Split(data, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		e, err := ParseLine(line)
		if err != nil || e == nil || e.Actor != models.ActorAgent {
			continue
		}
		return e.Text, nil
	}
	return "", nil
}

// extractText handles both content encodings: a plain string, or an array
// of typed blocks of which only "text" blocks carry conversation text.
func extractText(content json.RawMessage) (string, error) {
	if len(content) == 0 {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s, nil
	}

	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return "", err
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}
