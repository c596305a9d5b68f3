package stream

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"termgate/internal/frame"
)

// CommandRecord is one restricted-mode command and its result. Records live
// only in memory.
type CommandRecord struct {
	Command   string
	Output    string
	ExitCode  int
	Timestamp time.Time
}

type styles struct {
	prompt  lipgloss.Style
	failure lipgloss.Style
	err     lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		prompt:  r.NewStyle().Bold(true),
		failure: r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		err:     r.NewStyle().Foreground(lipgloss.Color("11")),
	}
}

// RenderOutput shows the echoed command, its raw output and, for a non-zero
// exit code, a failure marker after the output.
func (m *Multiplexer) RenderOutput(o frame.Output) {
	var b strings.Builder
	b.WriteString(m.styles.prompt.Render("$ " + o.Command))
	b.WriteString("\r\n")
	if o.Output != "" {
		b.WriteString(crlf(o.Output))
		if !strings.HasSuffix(o.Output, "\n") {
			b.WriteString("\r\n")
		}
	}
	if o.ExitCode != 0 {
		b.WriteString(m.styles.failure.Render(fmt.Sprintf("✗ exit status %d", o.ExitCode)))
		b.WriteString("\r\n")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	_, _ = io.WriteString(m.out, b.String())
	m.history.add(CommandRecord{
		Command:   o.Command,
		Output:    o.Output,
		ExitCode:  o.ExitCode,
		Timestamp: m.clock.Now(),
	})
}

// RenderError writes a locally generated or server-reported error line.
func (m *Multiplexer) RenderError(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, _ = io.WriteString(m.out, m.styles.err.Render("error: "+msg)+"\r\n")
}

// crlf normalises bare LF to CRLF for a terminal in raw mode.
func crlf(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

type history struct {
	records []CommandRecord
	limit   int
}

func newHistory(limit int) *history {
	return &history{limit: limit}
}

func (h *history) add(rec CommandRecord) {
	h.records = append(h.records, rec)
	if over := len(h.records) - h.limit; over > 0 {
		h.records = append([]CommandRecord(nil), h.records[over:]...)
	}
}

func (h *history) list() []CommandRecord {
	return append([]CommandRecord(nil), h.records...)
}
