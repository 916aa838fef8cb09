package inference

import (
	"context"
	"errors"
	"strings"
)

// Summarizer produces the derived instruction and completion texts for
// tasks. When the backend is unavailable it falls back to truncating the
// raw text so session cards still render something useful.
type Summarizer struct {
	client *Client
}

// NewSummarizer wraps a client.
func NewSummarizer(client *Client) *Summarizer {
	return &Summarizer{client: client}
}

const fallbackRuneLimit = 120

// Instruction summarises the user's command.
func (s *Summarizer) Instruction(ctx context.Context, command string) (string, error) {
	return s.summarise(ctx, command, PurposeInstruction)
}

// Completion summarises the agent's final text.
func (s *Summarizer) Completion(ctx context.Context, finalText string) (string, error) {
	return s.summarise(ctx, finalText, PurposeCompletion)
}

func (s *Summarizer) summarise(ctx context.Context, text, purpose string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	out, err := s.client.Infer(ctx, text, purpose)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return Truncate(text, fallbackRuneLimit), nil
		}
		return "", err
	}
	return out, nil
}

// Truncate collapses whitespace and shortens text to at most limit runes,
// preferring a word boundary in the second half of the cut.
func Truncate(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	cut := string(runes[:limit])
	if i := strings.LastIndex(cut, " "); i > limit/2 {
		cut = cut[:i]
	}
	return cut + "..."
}
