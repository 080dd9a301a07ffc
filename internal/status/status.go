// Package status renders the leader's operator output: transition lines and
// the per-tool overview.
package status

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/chr1sbest/pipetrack/internal/track"
)

// ANSI escape codes
const (
	clearLine  = "\033[2K"
	moveUp     = "\033[A"
	moveToCol0 = "\r"
)

// Progress bar characters
const (
	barFilled = "█"
	barEmpty  = "░"
	barWidth  = 20
)

var (
	pendingColor = lipgloss.Color("#9CA3AF")
	runningColor = lipgloss.Color("#60A5FA")
	doneColor    = lipgloss.Color("#10B981")
	exitColor    = lipgloss.Color("#F87171")

	headerStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(pendingColor)
	cellStyle   = lipgloss.NewStyle().Width(9).Align(lipgloss.Right)
	toolStyle   = lipgloss.NewStyle().Width(28)

	phaseStyles = map[track.Phase]lipgloss.Style{
		track.PhasePending: lipgloss.NewStyle().Foreground(pendingColor),
		track.PhaseRunning: lipgloss.NewStyle().Foreground(runningColor),
		track.PhaseDone:    lipgloss.NewStyle().Foreground(doneColor),
		track.PhaseExit:    lipgloss.NewStyle().Foreground(exitColor).Bold(true),
	}
)

// Writer handles in-place status updates to the terminal. On anything but a
// terminal the overview is not redrawn, only transition lines are printed.
type Writer struct {
	w            io.Writer
	mu           sync.Mutex
	linesWritten int
	inPlace      bool
}

// New creates a status writer that outputs to stdout
func New() *Writer {
	return &Writer{w: os.Stdout, inPlace: term.IsTerminal(int(os.Stdout.Fd()))}
}

// NewWithWriter creates a status writer with a custom output. It never
// redraws in place.
func NewWithWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Clear erases any previously written status lines
func (s *Writer) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

func (s *Writer) clearLocked() {
	for i := 0; i < s.linesWritten; i++ {
		fmt.Fprint(s.w, moveUp+clearLine)
	}
	if s.linesWritten > 0 {
		fmt.Fprint(s.w, moveToCol0)
	}
	s.linesWritten = 0
}

// Update clears previous status and writes new status
func (s *Writer) Update(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearLocked()
	for _, line := range lines {
		fmt.Fprintln(s.w, line)
	}
	s.linesWritten = len(lines)
}

// Transitions prints one persistent line per change.
func (s *Writer) Transitions(changes []track.Change) {
	if len(changes) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearLocked()
	for _, c := range changes {
		fmt.Fprintln(s.w, TransitionLine(c))
	}
}

// Overview redraws the per-tool table in place. It does nothing when the
// output is not a terminal.
func (s *Writer) Overview(counts []track.ToolCounts) {
	if !s.inPlace {
		return
	}
	s.Update(strings.Split(strings.TrimRight(RenderOverview(counts), "\n"), "\n")...)
}

// Finished prints the run's final status.
func (s *Writer) Finished(workflow, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearLocked()
	style := phaseStyles[track.PhaseDone]
	mark := "✓"
	if status != "DONE" {
		style = phaseStyles[track.PhaseExit]
		mark = "✗"
	}
	fmt.Fprintln(s.w, style.Render(fmt.Sprintf("%s %s %s", mark, workflow, strings.ToLower(status))))
}

// TransitionLine formats one change with the colour of its new phase.
func TransitionLine(c track.Change) string {
	style, ok := phaseStyles[c.To]
	if !ok {
		return c.Message
	}
	return style.Render(c.Message)
}

// RenderOverview formats counts as a table with a completion bar.
func RenderOverview(counts []track.ToolCounts) string {
	var b strings.Builder
	b.WriteString(toolStyle.Render(headerStyle.Render("TOOL")))
	for _, h := range []string{"PENDING", "RUNNING", "DONE", "EXIT"} {
		b.WriteString(cellStyle.Render(headerStyle.Render(h)))
	}
	b.WriteString("\n")

	var finished, total int
	for _, c := range counts {
		b.WriteString(toolStyle.Render(c.Tool))
		b.WriteString(cellStyle.Render(phaseStyles[track.PhasePending].Render(fmt.Sprint(c.Pending))))
		b.WriteString(cellStyle.Render(phaseStyles[track.PhaseRunning].Render(fmt.Sprint(c.Running))))
		b.WriteString(cellStyle.Render(phaseStyles[track.PhaseDone].Render(fmt.Sprint(c.Done))))
		b.WriteString(cellStyle.Render(phaseStyles[track.PhaseExit].Render(fmt.Sprint(c.Exit))))
		b.WriteString("\n")
		finished += c.Done + c.Exit
		total += c.Pending + c.Running + c.Done + c.Exit
	}
	if len(counts) == 0 {
		b.WriteString(mutedStyle.Render("no work units yet"))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "%s %s\n", progressBar(finished, total), mutedStyle.Render(fmt.Sprintf("%d/%d", finished, total)))
	return b.String()
}

// progressBar generates a progress bar string
func progressBar(completed, total int) string {
	if total == 0 {
		return mutedStyle.Render(strings.Repeat(barEmpty, barWidth))
	}

	filled := (completed * barWidth) / total
	if filled > barWidth {
		filled = barWidth
	}

	return phaseStyles[track.PhaseDone].Render(strings.Repeat(barFilled, filled)) +
		mutedStyle.Render(strings.Repeat(barEmpty, barWidth-filled))
}
