// Package termui is the local side of a session: the controlling terminal,
// its raw mode and size, credential prompts and status lines.
package termui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/term"
)

var ErrNotTerminal = errors.New("stdin is not a terminal")

// Terminal wraps the process's stdin/stdout.
type Terminal struct {
	in     *os.File
	out    io.Writer
	reader *bufio.Reader

	mu       sync.Mutex
	oldState *term.State
}

func New(in *os.File, out io.Writer) *Terminal {
	return &Terminal{in: in, out: out, reader: bufio.NewReader(in)}
}

func (t *Terminal) Write(p []byte) (int, error) { return t.out.Write(p) }

func (t *Terminal) IsTerminal() bool {
	return term.IsTerminal(int(t.in.Fd()))
}

// Size reports the viewport of the controlling terminal.
func (t *Terminal) Size() (cols, rows int, err error) {
	ws, err := pty.GetsizeFull(t.in)
	if err != nil {
		return 0, 0, err
	}
	if ws.Cols == 0 || ws.Rows == 0 {
		return 0, 0, errors.New("terminal reported zero size")
	}
	return int(ws.Cols), int(ws.Rows), nil
}

// MakeRaw switches stdin to raw mode. Restore undoes it; both are safe to
// call repeatedly.
func (t *Terminal) MakeRaw() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.oldState != nil {
		return nil
	}
	if !t.IsTerminal() {
		return ErrNotTerminal
	}
	state, err := term.MakeRaw(int(t.in.Fd()))
	if err != nil {
		return fmt.Errorf("failed to set raw mode: %w", err)
	}
	t.oldState = state
	return nil
}

func (t *Terminal) Restore() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.oldState == nil {
		return
	}
	_ = term.Restore(int(t.in.Fd()), t.oldState)
	t.oldState = nil
}

// ReadSecret prompts without echo. Piped input is read as a plain line.
func (t *Terminal) ReadSecret(prompt string) (string, error) {
	fmt.Fprint(t.out, prompt)
	if !t.IsTerminal() {
		return t.readLine()
	}
	b, err := term.ReadPassword(int(t.in.Fd()))
	fmt.Fprintln(t.out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (t *Terminal) ReadLine(prompt string) (string, error) {
	fmt.Fprint(t.out, prompt)
	return t.readLine()
}

func (t *Terminal) readLine() (string, error) {
	line, err := t.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// PromptCredentials asks for the break-glass password and an optional TOTP
// code. An empty password means the user declined.
func (t *Terminal) PromptCredentials(reason string) (password, totpCode string, err error) {
	if reason != "" {
		fmt.Fprintln(t.out, reason)
	}
	password, err = t.ReadSecret("Break-glass password (empty for restricted mode): ")
	if err != nil || password == "" {
		return "", "", err
	}
	totpCode, err = t.ReadLine("TOTP code (empty if not enrolled): ")
	if err != nil {
		return "", "", err
	}
	return password, strings.TrimSpace(totpCode), nil
}

// Pump copies keystrokes to input until the escape sequence asks to quit,
// stdin fails or ctx is done. onEnd is called for the end-elevation key.
func (t *Terminal) Pump(ctx context.Context, input func([]byte) error, onEnd func()) error {
	var esc EscapeDetector
	buf := make([]byte, 1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := t.reader.Read(buf)
		if n > 0 {
			data, actions := esc.Filter(buf[:n])
			if len(data) > 0 {
				if ierr := input(data); ierr != nil {
					return ierr
				}
			}
			for _, action := range actions {
				switch action {
				case ActionQuit:
					return nil
				case ActionEndElevation:
					if onEnd != nil {
						onEnd()
					}
				}
			}
		}
		if err != nil {
			return err
		}
	}
}
