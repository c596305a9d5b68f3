package termui

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"termgate/internal/frame"
	"termgate/internal/session"
)

// Status writes one-line notices between session output. Lines end in CRLF
// so they render correctly in raw mode.
type Status struct {
	out    io.Writer
	info   lipgloss.Style
	warn   lipgloss.Style
	danger lipgloss.Style
}

func NewStatus(out io.Writer, r *lipgloss.Renderer) *Status {
	if r == nil {
		r = lipgloss.NewRenderer(out)
	}
	return &Status{
		out:    out,
		info:   r.NewStyle().Foreground(lipgloss.Color("12")),
		warn:   r.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
		danger: r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
}

func (s *Status) line(style lipgloss.Style, msg string) {
	fmt.Fprint(s.out, "\r\n"+style.Render("[termgate] "+msg)+"\r\n")
}

// StateChanged renders a session transition.
func (s *Status) StateChanged(c session.StateChange) {
	switch c.To {
	case session.Connecting:
		s.line(s.info, fmt.Sprintf("connecting (%s)...", c.Mode))
	case session.Connected:
		if c.Mode == frame.ModeFull {
			s.line(s.danger, "connected: FULL shell (break-glass). Ctrl+] e ends elevation, Ctrl+] q quits.")
			return
		}
		s.line(s.info, "connected: restricted shell. Ctrl+] q quits.")
	case session.RequiresElevation:
		s.line(s.warn, "full shell requires break-glass authentication")
	case session.Disconnected:
		if c.Err == nil {
			s.line(s.info, "disconnected")
			return
		}
		s.line(s.warn, "disconnected: "+Reason(c.Err))
	}
}

// AllowedCommands lists the restricted allow-list.
func (s *Status) AllowedCommands(cmds []string) {
	if len(cmds) == 0 {
		return
	}
	s.line(s.info, "allowed commands: "+strings.Join(cmds, ", "))
}

// Countdown prints a warning at fixed points before elevation expires.
func (s *Status) Countdown(remaining time.Duration) {
	if msg, ok := CountdownNotice(remaining); ok {
		s.line(s.warn, msg)
	}
}

var noticeAt = []time.Duration{5 * time.Minute, time.Minute, 10 * time.Second}

// CountdownNotice returns the message for remaining, if it is a notice point.
// Ticks arrive once per second, so each point is hit exactly once.
func CountdownNotice(remaining time.Duration) (string, bool) {
	remaining = remaining.Round(time.Second)
	for _, at := range noticeAt {
		if remaining == at {
			return "break-glass elevation expires in " + FormatRemaining(remaining), true
		}
	}
	return "", false
}

// FormatRemaining renders a duration as m:ss.
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

// Reason turns a transition error into a short user-facing explanation.
func Reason(err error) string {
	switch {
	case errors.Is(err, session.ErrElevationExpired):
		return "break-glass elevation expired"
	case errors.Is(err, session.ErrElevationEnded):
		return "break-glass elevation ended"
	case errors.Is(err, session.ErrHandshakeTimeout):
		return "gateway did not acknowledge the session"
	case errors.Is(err, session.ErrRemoteClosed):
		return "connection closed by gateway"
	}
	return err.Error()
}
