// Package frame defines the control-plane messages that share the terminal
// websocket with raw terminal payload, and classifies inbound messages.
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
)

type Mode string

const (
	ModeRestricted Mode = "restricted"
	ModeFull       Mode = "full"
)

func (m Mode) Valid() bool {
	return m == ModeRestricted || m == ModeFull
}

const (
	StatusConnected = "connected"

	TypeCommand = "command"
	TypeOutput  = "output"

	CodeBreakglassRequired = "BREAKGLASS_REQUIRED"
	CodeBreakglassInvalid  = "BREAKGLASS_INVALID"
)

// ErrNotControl means the message is not a recognised control frame and must
// be treated as terminal payload.
var ErrNotControl = errors.New("not a control frame")

// Frame is one of Status, Error, Output, Command or Resize.
type Frame interface {
	isFrame()
}

type Handshake struct {
	Token           string `json:"token"`
	Mode            Mode   `json:"mode"`
	BreakglassToken string `json:"breakglass_token,omitempty"`
	Cols            int    `json:"cols"`
	Rows            int    `json:"rows"`
}

type Status struct {
	Status          string   `json:"status"`
	Mode            Mode     `json:"mode,omitempty"`
	SessionID       string   `json:"session_id,omitempty"`
	AllowedCommands []string `json:"allowed_commands,omitempty"`
}

type Error struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Elevation reports whether the error demands a (new) break-glass grant.
func (e Error) Elevation() bool {
	return e.Code == CodeBreakglassRequired || e.Code == CodeBreakglassInvalid
}

type Command struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

type Output struct {
	Type     string `json:"type"`
	Command  string `json:"command"`
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

type Size struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type Resize struct {
	Resize Size `json:"resize"`
}

func (Status) isFrame()  {}
func (Error) isFrame()   {}
func (Command) isFrame() {}
func (Output) isFrame()  {}
func (Resize) isFrame()  {}

func NewCommand(command string) Command {
	return Command{Type: TypeCommand, Command: command}
}

func NewResize(cols, rows int) Resize {
	return Resize{Resize: Size{Cols: cols, Rows: rows}}
}

type probe struct {
	Type            string   `json:"type"`
	Status          *string  `json:"status"`
	Mode            Mode     `json:"mode"`
	SessionID       string   `json:"session_id"`
	AllowedCommands []string `json:"allowed_commands"`
	Error           *string  `json:"error"`
	Code            string   `json:"code"`
	Command         *string  `json:"command"`
	Output          *string  `json:"output"`
	ExitCode        *int     `json:"exit_code"`
	Resize          *Size    `json:"resize"`
}

// Decode classifies data. Anything that is not a JSON object carrying one of
// the known discriminators returns ErrNotControl.
func Decode(data []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) < 2 || trimmed[0] != '{' || trimmed[len(trimmed)-1] != '}' {
		return nil, ErrNotControl
	}
	var p probe
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, ErrNotControl
	}
	switch {
	case p.Status != nil:
		return Status{Status: *p.Status, Mode: p.Mode, SessionID: p.SessionID, AllowedCommands: p.AllowedCommands}, nil
	case p.Error != nil:
		return Error{Error: *p.Error, Code: p.Code}, nil
	case p.Type == TypeOutput:
		out := Output{Type: TypeOutput}
		if p.Command != nil {
			out.Command = *p.Command
		}
		if p.Output != nil {
			out.Output = *p.Output
		}
		if p.ExitCode != nil {
			out.ExitCode = *p.ExitCode
		}
		return out, nil
	case p.Type == TypeCommand && p.Command != nil:
		return Command{Type: TypeCommand, Command: *p.Command}, nil
	case p.Resize != nil:
		return Resize{Resize: *p.Resize}, nil
	}
	return nil, ErrNotControl
}

// DecodeHandshake parses the first client message of a session.
func DecodeHandshake(data []byte) (Handshake, error) {
	var hs Handshake
	if len(bytes.TrimSpace(data)) == 0 {
		return hs, errors.New("empty handshake")
	}
	if err := json.Unmarshal(data, &hs); err != nil {
		return hs, err
	}
	if hs.Mode == "" {
		hs.Mode = ModeRestricted
	}
	return hs, nil
}
