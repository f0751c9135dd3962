package cleanup

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// Line ending modes.
const (
	LineEndingsLF       = "lf"
	LineEndingsCRLF     = "crlf"
	LineEndingsPreserve = ""
)

// Rules configures the cleanup applied before a save.
type Rules struct {
	// Enabled is the master switch.
	Enabled bool

	TrimTrailingWhitespace bool
	EnsureFinalNewline     bool

	// LineEndings is "lf", "crlf", or "" to keep the document's own.
	LineEndings string

	ExpandTabs bool
	TabWidth   int

	// MaxBlankLines collapses longer runs of blank lines. 0 disables.
	MaxBlankLines int

	// FormatGo runs go/format on .go documents. Skipped on auto-save.
	FormatGo bool

	// Extensions limits cleanup to these file extensions. Empty means all.
	Extensions []string

	// Scripts are Lua cleanup scripts run before the built-in rules.
	Scripts               []string
	SkipScriptsOnAutoSave bool
	ScriptTimeout         time.Duration
}

// DefaultRules returns the default rule set.
func DefaultRules() Rules {
	return Rules{
		Enabled:                true,
		TrimTrailingWhitespace: true,
		EnsureFinalNewline:     true,
		LineEndings:            LineEndingsLF,
		TabWidth:               4,
		MaxBlankLines:          2,
		SkipScriptsOnAutoSave:  true,
		ScriptTimeout:          2 * time.Second,
	}
}

// Validate checks the rule set.
func (r Rules) Validate() error {
	switch r.LineEndings {
	case LineEndingsLF, LineEndingsCRLF, LineEndingsPreserve:
	default:
		return fmt.Errorf("line_endings: invalid value %q (must be lf, crlf or empty)", r.LineEndings)
	}
	if r.ExpandTabs && r.TabWidth <= 0 {
		return fmt.Errorf("tab_width: must be positive when expand_tabs is set, got %d", r.TabWidth)
	}
	if r.MaxBlankLines < 0 {
		return fmt.Errorf("max_blank_lines: must not be negative, got %d", r.MaxBlankLines)
	}
	return nil
}

// Matches reports whether the rules apply to path.
func (r Rules) Matches(path string) bool {
	if len(r.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range r.Extensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if e == ext {
			return true
		}
	}
	return false
}

// applyText runs the whitespace rules over text.
func (r Rules) applyText(text string) string {
	if text == "" {
		return text
	}

	crlf := strings.Contains(text, "\r\n")
	text = strings.ReplaceAll(text, "\r\n", "\n")

	lines := strings.Split(text, "\n")
	// A trailing newline yields a final empty element; keep track of it
	// separately so blank-line collapsing doesn't count it.
	hadFinalNewline := lines[len(lines)-1] == ""
	if hadFinalNewline {
		lines = lines[:len(lines)-1]
	}

	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		if r.ExpandTabs {
			line = expandTabs(line, r.TabWidth)
		}
		if r.TrimTrailingWhitespace {
			line = strings.TrimRight(line, " \t")
		}
		if strings.TrimSpace(line) == "" {
			blank++
			if r.MaxBlankLines > 0 && blank > r.MaxBlankLines {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}

	result := strings.Join(out, "\n")
	if hadFinalNewline || (r.EnsureFinalNewline && result != "") {
		result += "\n"
	}

	useCRLF := r.LineEndings == LineEndingsCRLF || (r.LineEndings == LineEndingsPreserve && crlf)
	if useCRLF {
		result = strings.ReplaceAll(result, "\n", "\r\n")
	}
	return result
}

// expandTabs replaces tabs with spaces up to the next tab stop.
func expandTabs(line string, width int) string {
	if !strings.Contains(line, "\t") {
		return line
	}
	var b strings.Builder
	b.Grow(len(line) + width)
	col := 0
	for _, r := range line {
		if r == '\t' {
			n := width - col%width
			b.WriteString(strings.Repeat(" ", n))
			col += n
			continue
		}
		b.WriteRune(r)
		if r != utf8.RuneError {
			col++
		}
	}
	return b.String()
}
