// Package banner prints the leader's start-up header.
package banner

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/chr1sbest/pipetrack/internal/config"
)

// ANSI color codes
const (
	reset = "\033[0m"
	bold  = "\033[1m"
	dim   = "\033[2m"
	blue  = "\033[34m"
)

// Box drawing characters
const (
	topLeft     = "╭"
	topRight    = "╮"
	bottomLeft  = "╰"
	bottomRight = "╯"
	horizontal  = "─"
	vertical    = "│"
)

// Banner handles pretty startup output
type Banner struct {
	writer io.Writer
	width  int
}

// New creates a new Banner that writes to stdout
func New() *Banner {
	return &Banner{
		writer: os.Stdout,
		width:  64,
	}
}

// NewWithWriter creates a Banner with a custom writer (for testing)
func NewWithWriter(w io.Writer) *Banner {
	return &Banner{
		writer: w,
		width:  64,
	}
}

// Print displays the header for the run described by cfg.
func (b *Banner) Print(cfg *config.Config, version string) {
	b.printHeader(version)

	attempt := fmt.Sprintf("%d", cfg.Run.Attempt)
	if cfg.Run.Restart {
		attempt += " (restart)"
	}
	rows := [][2]string{
		{"run", cfg.Run.UUID},
		{"workflow", cfg.Workflow.Name},
		{"batch system", cfg.Batch.System},
		{"attempt", attempt},
		{"job store", cfg.Paths.JobStore},
		{"log dir", cfg.Paths.LogDir},
	}
	if cfg.Run.PipelineName != "" {
		rows = append(rows, [2]string{"pipeline", strings.TrimSpace(cfg.Run.PipelineName + " " + cfg.Run.PipelineVersion)})
	}
	for _, r := range rows {
		if r[1] == "" {
			continue
		}
		b.printRow(r[0], r[1])
	}
	b.printFooter()
}

func (b *Banner) printHeader(version string) {
	// Top border
	fmt.Fprintf(b.writer, "\n%s%s%s%s%s\n", dim, topLeft, strings.Repeat(horizontal, b.width-2), topRight, reset)

	titleText := "pipetrack leader"
	if version != "" {
		titleText += " " + version
	}
	title := fmt.Sprintf("  %s%s%s%s", bold, blue, titleText, reset)
	padding := b.width - visualLen(titleText) - 4
	if padding < 0 {
		padding = 0
	}
	fmt.Fprintf(b.writer, "%s%s%s%s%s%s\n", dim, vertical, reset, title, strings.Repeat(" ", padding), dim+vertical+reset)

	// Separator
	fmt.Fprintf(b.writer, "%s%s%s%s%s\n", dim, vertical, strings.Repeat(horizontal, b.width-2), vertical, reset)
}

func (b *Banner) printRow(label, value string) {
	text := fmt.Sprintf("%-13s %s", label, value)
	maxLen := b.width - 4
	if visualLen(text) > maxLen {
		text = string([]rune(text)[:maxLen-3]) + "..."
	}
	padding := b.width - visualLen(text) - 4
	if padding < 0 {
		padding = 0
	}
	fmt.Fprintf(b.writer, "%s%s%s  %s%s%s\n", dim, vertical, reset, text, strings.Repeat(" ", padding), dim+vertical+reset)
}

func (b *Banner) printFooter() {
	fmt.Fprintf(b.writer, "%s%s%s%s%s\n", dim, bottomLeft, strings.Repeat(horizontal, b.width-2), bottomRight, reset)
	fmt.Fprintf(b.writer, "\n")
}

// visualLen returns the visual length of a string (excluding ANSI codes)
func visualLen(s string) int {
	return utf8.RuneCountInString(s)
}
