// Package stream routes traffic between the local terminal and a gateway
// session. Inbound messages are either control frames or terminal payload;
// outbound input is line-edited locally (restricted mode) or passed through
// byte for byte (full mode).
package stream

import (
	"errors"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"

	"termgate/internal/clock"
	"termgate/internal/frame"
	"termgate/internal/transport"
)

const (
	DefaultMaxMessageSize = 4096
	DefaultHistorySize    = 200
	// PendingLimit bounds terminal output held before the session is
	// acknowledged.
	PendingLimit = 64 << 10
)

var ErrMessageTooLarge = errors.New("command exceeds maximum message size")

// Writer is the outbound half of a transport.Conn.
type Writer interface {
	WriteJSON(v any) error
	WriteMessage(messageType int, data []byte) error
}

type Options struct {
	Clock          clock.Clock
	MaxMessageSize int
	HistorySize    int
	// Renderer styles failure markers; nil uses a renderer bound to out.
	Renderer *lipgloss.Renderer
	Logger   zerolog.Logger
}

// Multiplexer is created per session and bound to that session's mode for
// its whole life.
type Multiplexer struct {
	mode    frame.Mode
	conn    Writer
	out     io.Writer
	clock   clock.Clock
	maxSize int
	styles  styles
	logger  zerolog.Logger

	mu      sync.Mutex
	editor  lineEditor
	pending []byte
	dropped int
	history *history
}

func New(mode frame.Mode, conn Writer, out io.Writer, opts Options) *Multiplexer {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.Renderer == nil {
		opts.Renderer = lipgloss.NewRenderer(out)
	}
	return &Multiplexer{
		mode:    mode,
		conn:    conn,
		out:     out,
		clock:   opts.Clock,
		maxSize: opts.MaxMessageSize,
		styles:  newStyles(opts.Renderer),
		logger:  opts.Logger,
		history: newHistory(opts.HistorySize),
	}
}

func (m *Multiplexer) Mode() frame.Mode { return m.mode }

// Route classifies one inbound message. Status and error frames are returned
// for the session controller to act on; everything else is consumed here.
// Before the session is acknowledged terminal payload is held back (servers
// may replay scrollback ahead of the status frame) and command output is
// dropped.
func (m *Multiplexer) Route(data []byte, connected bool) frame.Frame {
	f, err := frame.Decode(data)
	if err != nil {
		m.raw(data, connected)
		return nil
	}
	switch f := f.(type) {
	case frame.Status, frame.Error:
		return f
	case frame.Output:
		if !connected {
			m.logger.Warn().Str("command", f.Command).Msg("command output before session ack; dropped")
			return nil
		}
		m.RenderOutput(f)
	default:
		m.logger.Debug().Msgf("ignoring unexpected %T frame from server", f)
	}
	return nil
}

func (m *Multiplexer) raw(data []byte, connected bool) {
	if len(data) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if connected {
		_, _ = m.out.Write(data)
		return
	}
	room := PendingLimit - len(m.pending)
	if room < len(data) {
		m.dropped += len(data) - max(room, 0)
		data = data[:max(room, 0)]
	}
	m.pending = append(m.pending, data...)
}

// Flush writes terminal output held back while connecting.
func (m *Multiplexer) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dropped > 0 {
		m.logger.Warn().Int("bytes", m.dropped).Msg("pre-ack output exceeded buffer; truncated")
		m.dropped = 0
	}
	if len(m.pending) == 0 {
		return
	}
	_, _ = m.out.Write(m.pending)
	m.pending = nil
}

// Input handles local keystrokes.
func (m *Multiplexer) Input(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if m.mode == frame.ModeFull {
		return m.conn.WriteMessage(transport.BinaryMessage, p)
	}

	m.mu.Lock()
	lines := m.editor.feed(p, m.out)
	m.mu.Unlock()

	var firstErr error
	for _, line := range lines {
		if err := m.sendCommand(line); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Multiplexer) sendCommand(command string) error {
	if len(command) > m.maxSize {
		m.RenderError(ErrMessageTooLarge.Error())
		return ErrMessageTooLarge
	}
	return m.conn.WriteJSON(frame.NewCommand(command))
}

// Line returns the restricted-mode line currently being edited.
func (m *Multiplexer) Line() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.editor.line)
}

func (m *Multiplexer) History() []CommandRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.list()
}
