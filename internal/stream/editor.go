package stream

import (
	"io"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	keyInterrupt = 0x03
	keyBackspace = 0x08
	keyEscape    = 0x1b
	keyDelete    = 0x7f
)

type escapeState int

const (
	escNone escapeState = iota
	escStart
	escCSI
)

// lineEditor buffers restricted-mode input and mirrors edits to the local
// terminal, since nothing is echoed remotely until a command is submitted.
type lineEditor struct {
	line    []rune
	partial []byte
	esc     escapeState
}

// feed consumes keystrokes and returns the completed, non-blank lines.
func (e *lineEditor) feed(p []byte, echo io.Writer) []string {
	var done []string
	data := p
	if len(e.partial) > 0 {
		data = append(e.partial, p...)
		e.partial = nil
	}
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 && !utf8.FullRune(data) {
			e.partial = append([]byte(nil), data...)
			break
		}
		data = data[size:]

		if e.esc != escNone {
			e.skipEscape(r)
			continue
		}
		switch r {
		case '\r', '\n':
			_, _ = io.WriteString(echo, "\r\n")
			cmd := string(e.line)
			e.line = e.line[:0]
			if strings.TrimSpace(cmd) != "" {
				done = append(done, cmd)
			}
		case keyDelete, keyBackspace:
			if len(e.line) > 0 {
				e.line = e.line[:len(e.line)-1]
				_, _ = io.WriteString(echo, "\b \b")
			}
		case keyInterrupt:
			e.line = e.line[:0]
			_, _ = io.WriteString(echo, "^C\r\n")
		case keyEscape:
			e.esc = escStart
		default:
			if r == utf8.RuneError || !unicode.IsPrint(r) {
				continue
			}
			e.line = append(e.line, r)
			_, _ = io.WriteString(echo, string(r))
		}
	}
	return done
}

// skipEscape swallows ANSI escape sequences such as arrow keys.
func (e *lineEditor) skipEscape(r rune) {
	switch e.esc {
	case escStart:
		if r == '[' || r == 'O' {
			e.esc = escCSI
			return
		}
		e.esc = escNone
	case escCSI:
		if r >= 0x40 && r <= 0x7e {
			e.esc = escNone
		}
	}
}
