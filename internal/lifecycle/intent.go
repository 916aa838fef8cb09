package lifecycle

import (
	"regexp"
	"strings"

	"github.com/headspace/headspace/internal/common/config"
	"github.com/headspace/headspace/internal/models"
)

// Detector classifies agent text into question, completion or progress
// using the configured phrase sets.
type Detector struct {
	openings    []string
	completions []*regexp.Regexp
}

// NewDetector compiles the configured phrase sets. Completion phrases match
// on word boundaries so "done" does not fire inside "abandoned".
func NewDetector(cfg config.IntentConfig) *Detector {
	d := &Detector{}
	for _, o := range cfg.QuestionOpenings {
		o = strings.ToLower(strings.TrimSpace(o))
		if o != "" {
			d.openings = append(d.openings, o)
		}
	}
	for _, p := range cfg.CompletionPhrases {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(p) + `\b`)
		if err != nil {
			continue
		}
		d.completions = append(d.completions, re)
	}
	return d
}

// Classify maps agent text to an intent. A trailing question wins over a
// completion phrase; anything ambiguous is progress.
func (d *Detector) Classify(text string) models.Intent {
	if d.IsQuestion(text) {
		return models.IntentQuestion
	}
	for _, re := range d.completions {
		if re.MatchString(text) {
			return models.IntentCompletion
		}
	}
	return models.IntentProgress
}

// IsQuestion reports whether the text ends in a question: the last
// non-empty line ends with "?" or opens with a configured phrase.
func (d *Detector) IsQuestion(text string) bool {
	line := lastLine(text)
	if line == "" {
		return false
	}
	if strings.HasSuffix(strings.TrimRight(line, " \t*_`"), "?") {
		return true
	}
	lower := strings.ToLower(line)
	for _, o := range d.openings {
		if strings.HasPrefix(lower, o) {
			return true
		}
	}
	return false
}

func lastLine(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
