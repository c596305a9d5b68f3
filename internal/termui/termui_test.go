package termui

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termgate/internal/frame"
	"termgate/internal/session"
)

func TestEscapeDetector(t *testing.T) {
	var d EscapeDetector
	out, actions := d.Filter([]byte("ls\r"))
	assert.Equal(t, "ls\r", string(out))
	assert.Empty(t, actions)

	out, actions = d.Filter([]byte("ab\x1d"))
	assert.Equal(t, "ab", string(out))
	assert.Empty(t, actions)
	out, actions = d.Filter([]byte("qzz"))
	assert.Empty(t, out)
	assert.Equal(t, []Action{ActionQuit}, actions)

	out, actions = d.Filter([]byte("\x1dex\x1dq"))
	assert.Equal(t, "x", string(out))
	assert.Equal(t, []Action{ActionEndElevation, ActionQuit}, actions)

	out, _ = d.Filter([]byte("\x1d\x1d\x1dz"))
	assert.Equal(t, "\x1d\x1dz", string(out))
}

func pipeTerminal(t *testing.T, input string) (*Terminal, *bytes.Buffer) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	_, err = w.WriteString(input)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	var out bytes.Buffer
	return New(r, &out), &out
}

func TestPromptCredentialsFromPipe(t *testing.T) {
	term, out := pipeTerminal(t, "hunter2\n 123456 \n")
	assert.False(t, term.IsTerminal())
	require.ErrorIs(t, term.MakeRaw(), ErrNotTerminal)
	term.Restore()

	pw, code, err := term.PromptCredentials("elevation required")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pw)
	assert.Equal(t, "123456", code)
	assert.Contains(t, out.String(), "Break-glass password")
	assert.NotContains(t, out.String(), "hunter2")
}

func TestPromptCredentialsDeclined(t *testing.T) {
	term, _ := pipeTerminal(t, "\n")
	pw, code, err := term.PromptCredentials("")
	require.NoError(t, err)
	assert.Empty(t, pw)
	assert.Empty(t, code)
}

func TestPump(t *testing.T) {
	term, _ := pipeTerminal(t, "ls\r\x1de\x1dqignored")
	var got []byte
	ended := 0
	err := term.Pump(context.Background(), func(p []byte) error {
		got = append(got, p...)
		return nil
	}, func() { ended++ })
	require.NoError(t, err)
	assert.Equal(t, "ls\r", string(got))
	assert.Equal(t, 1, ended)

	term, _ = pipeTerminal(t, "abc")
	boom := errors.New("boom")
	err = term.Pump(context.Background(), func([]byte) error { return boom }, nil)
	require.ErrorIs(t, err, boom)
}

func asciiStatus() (*Status, *bytes.Buffer) {
	var buf bytes.Buffer
	r := lipgloss.NewRenderer(&buf)
	r.SetColorProfile(termenv.Ascii)
	return NewStatus(&buf, r), &buf
}

func TestStatusLines(t *testing.T) {
	s, buf := asciiStatus()
	s.StateChanged(session.StateChange{From: session.Connecting, To: session.Connected, Mode: frame.ModeFull})
	assert.Contains(t, buf.String(), "FULL shell")

	buf.Reset()
	s.StateChanged(session.StateChange{To: session.Disconnected, Err: session.ErrElevationExpired})
	assert.Equal(t, "\r\n[termgate] disconnected: break-glass elevation expired\r\n", buf.String())

	buf.Reset()
	s.AllowedCommands([]string{"df", "uptime"})
	assert.Contains(t, buf.String(), "allowed commands: df, uptime")
}

func TestCountdownNotice(t *testing.T) {
	_, ok := CountdownNotice(61 * time.Second)
	assert.False(t, ok)
	msg, ok := CountdownNotice(time.Minute)
	assert.True(t, ok)
	assert.Equal(t, "break-glass elevation expires in 1:00", msg)

	assert.Equal(t, "9:59", FormatRemaining(599*time.Second))
	assert.Equal(t, "0:00", FormatRemaining(-time.Second))
}
