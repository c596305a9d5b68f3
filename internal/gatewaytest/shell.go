package gatewaytest

import (
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"termgate/internal/frame"
	"termgate/internal/transport"
)

var execCommand = exec.Command
var ptyStartWithSize = pty.StartWithSize

// shellSession is a command running on a pseudo-terminal, backing a full
// session when Options.Shell is set.
type shellSession struct {
	cmd    *exec.Cmd
	pty    *os.File
	output chan []byte
	close  sync.Once
}

func startShell(argv []string, size frame.Size) (*shellSession, error) {
	cmd := execCommand(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	ptmx, err := ptyStartWithSize(cmd, winsize(size))
	if err != nil {
		return nil, err
	}
	s := &shellSession{cmd: cmd, pty: ptmx, output: make(chan []byte, 32)}
	go s.readLoop()
	go s.wait()
	return s, nil
}

func winsize(size frame.Size) *pty.Winsize {
	if size.Cols <= 0 || size.Rows <= 0 {
		size = frame.Size{Cols: 80, Rows: 24}
	}
	return &pty.Winsize{Cols: uint16(size.Cols), Rows: uint16(size.Rows)}
}

func (s *shellSession) Write(p []byte) error {
	_, err := s.pty.Write(p)
	return err
}

func (s *shellSession) Resize(size frame.Size) error {
	return pty.Setsize(s.pty, winsize(size))
}

func (s *shellSession) Close() {
	s.close.Do(func() {
		_ = s.pty.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
}

func (s *shellSession) readLoop() {
	defer close(s.output)
	buf := make([]byte, 32*1024)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.output <- chunk
		}
		if err != nil {
			return
		}
	}
}

// wait reaps the command. The pty stays open so readLoop drains whatever the
// command wrote before exiting.
func (s *shellSession) wait() {
	_ = s.cmd.Wait()
}

// relayShell pumps pty output to the client as binary frames and client
// input into the pty. The connection closes when the command exits.
func (g *Gateway) relayShell(conn transport.Conn, hs frame.Handshake) {
	sh, err := startShell(g.opts.Shell, frame.Size{Cols: hs.Cols, Rows: hs.Rows})
	if err != nil {
		g.logger.Error().Err(err).Strs("shell", g.opts.Shell).Msg("failed to start shell")
		sendError(conn, "Failed to start shell", "")
		return
	}
	defer sh.Close()

	go func() {
		defer conn.Close()
		for chunk := range sh.output {
			if err := conn.WriteMessage(transport.BinaryMessage, chunk); err != nil {
				return
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == transport.TextMessage {
			if f, err := frame.Decode(data); err == nil {
				if rs, ok := f.(frame.Resize); ok {
					g.recordResize(rs)
					_ = sh.Resize(rs.Resize)
				}
				continue
			}
		}
		g.mu.Lock()
		g.input = append(g.input, data...)
		g.mu.Unlock()
		if err := sh.Write(data); err != nil {
			return
		}
	}
}
