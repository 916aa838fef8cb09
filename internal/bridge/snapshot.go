package bridge

import (
	"regexp"
	"strings"

	"github.com/tuzig/vt10x"
)

// snapshotCols is the emulated terminal width. Wider than any sane pane so a
// captured row never wraps into a second emulator row.
const snapshotCols = 512

// ghostScanLines is how many trailing raw rows are checked for ghost text.
const ghostScanLines = 6

// inputAreaFallbackLines is used when the input box separators are missing.
const inputAreaFallbackLines = 4

var (
	sgrPattern = regexp.MustCompile(`\x1b\[([0-9;]*)m`)

	// separatorPattern matches the horizontal rules agent TUIs draw around
	// their input box.
	separatorPattern = regexp.MustCompile(`^[─━═┄┅┈┉\-]{10,}$`)
)

// snapshot is one parsed pane capture: the raw escaped output for attribute
// scans plus the rendered rows for text comparisons.
type snapshot struct {
	rawLines []string
	lines    []string
}

// parseSnapshot feeds an escaped capture-pane output through a terminal
// emulator and extracts the rendered rows.
func parseSnapshot(raw string) *snapshot {
	trimmed := strings.TrimRight(raw, "\n")
	rawLines := strings.Split(trimmed, "\n")
	rows := len(rawLines)
	if rows == 0 {
		rows = 1
	}

	term := vt10x.New(vt10x.WithSize(snapshotCols, rows))
	// capture-pane emits bare LFs; the emulator needs CR to return to
	// column zero.
	_, _ = term.Write([]byte(strings.ReplaceAll(trimmed, "\n", "\r\n")))

	lines := make([]string, rows)
	for row := 0; row < rows; row++ {
		var rowChars []rune
		for col := 0; col < snapshotCols; col++ {
			g := term.Cell(col, row)
			if g.Char == 0 {
				rowChars = append(rowChars, ' ')
			} else {
				rowChars = append(rowChars, g.Char)
			}
		}
		lines[row] = strings.TrimRight(string(rowChars), " ")
	}

	return &snapshot{rawLines: rawLines, lines: lines}
}

// hasGhostText reports whether any of the last few rows carries the SGR dim
// attribute, which agent TUIs use for autocomplete ghost text.
func (s *snapshot) hasGhostText() bool {
	start := len(s.rawLines) - ghostScanLines
	if start < 0 {
		start = 0
	}
	for _, line := range s.rawLines[start:] {
		for _, m := range sgrPattern.FindAllStringSubmatch(line, -1) {
			if sgrHasDim(m[1]) {
				return true
			}
		}
	}
	return false
}

// sgrHasDim scans one SGR parameter list for the dim attribute, skipping
// extended color sequences so a palette index of 2 is not mistaken for it.
func sgrHasDim(params string) bool {
	parts := strings.Split(params, ";")
	for i := 0; i < len(parts); i++ {
		switch parts[i] {
		case "2":
			return true
		case "38", "48":
			if i+1 >= len(parts) {
				return false
			}
			switch parts[i+1] {
			case "5":
				i += 2
			case "2":
				i += 4
			}
		}
	}
	return false
}

// inputArea returns the rendered rows of the TUI input box, located between
// the last two separator lines. Falls back to the trailing rows when the box
// cannot be found.
func (s *snapshot) inputArea() []string {
	seps := s.separatorLines()
	if len(seps) >= 2 {
		start := seps[len(seps)-2]
		end := seps[len(seps)-1]
		if end > start+1 {
			return s.lines[start+1 : end]
		}
	}
	start := len(s.lines) - inputAreaFallbackLines
	if start < 0 {
		start = 0
	}
	return s.lines[start:]
}

func (s *snapshot) separatorLines() []int {
	var indices []int
	for i, line := range s.lines {
		trimmed := strings.TrimSpace(line)
		if len(trimmed) >= 10 && separatorPattern.MatchString(trimmed) {
			indices = append(indices, i)
		}
	}
	return indices
}

// inputAreaCompact returns the input box content with all whitespace removed,
// so snippet probes survive the TUI hard-wrapping typed text across rows.
func (s *snapshot) inputAreaCompact() string {
	return compactText(strings.Join(s.inputArea(), "\n"))
}

// text returns the full rendered pane for before/after comparisons.
func (s *snapshot) text() string {
	return strings.Join(s.lines, "\n")
}

// tail returns the last n rendered rows, for diagnostics.
func (s *snapshot) tail(n int) string {
	start := len(s.lines) - n
	if start < 0 {
		start = 0
	}
	return strings.Join(s.lines[start:], "\n")
}

func compactText(s string) string {
	return strings.Join(strings.Fields(s), "")
}
