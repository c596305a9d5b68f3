// Package gatewaytest is an in-process terminal gateway that speaks the
// client's wire contract. It validates restricted commands and echoes full
// mode input instead of spawning processes.
package gatewaytest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"termgate/internal/auth"
	"termgate/internal/clock"
	"termgate/internal/elevation"
	"termgate/internal/frame"
	"termgate/internal/transport"
)

const WSPath = "/api/terminal/ws"

var DefaultAllowedCommands = []string{
	"whoami", "uptime", "hostname", "uname", "df", "free", "ip", "docker", "systemctl",
}

type Options struct {
	// Tokens verifies access tokens. Nil accepts any non-empty token.
	Tokens          *auth.TokenManager
	AllowedCommands []string
	Password        string
	// TOTPCode, when set, is required on every break-glass start.
	TOTPCode string
	TTL      time.Duration
	// Replay is sent as binary frames ahead of the connected status in full
	// mode, the way a reattached shell replays its scrollback.
	Replay [][]byte
	// Exec runs a validated restricted command. The default echoes it.
	Exec func(command string) (output string, exitCode int)
	// Shell, when set, backs full sessions with that command on a real
	// pseudo-terminal instead of echoing input.
	Shell []string
	Clock clock.Clock
}

type Gateway struct {
	opts     Options
	clock    clock.Clock
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu         sync.Mutex
	grants     map[string]time.Time
	handshakes []frame.Handshake
	resizes    []frame.Size
	commands   []string
	input      []byte
	ends       []elevation.EndRequest
	endTokens  []string
}

func New(opts Options) *Gateway {
	if opts.AllowedCommands == nil {
		opts.AllowedCommands = DefaultAllowedCommands
	}
	if opts.TTL <= 0 {
		opts.TTL = elevation.DefaultTTL
	}
	if opts.Exec == nil {
		opts.Exec = func(command string) (string, int) { return command + "\n", 0 }
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Gateway{
		opts:  opts,
		clock: opts.Clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: zerolog.Nop(),
		grants: make(map[string]time.Time),
	}
}

func (g *Gateway) SetLogger(logger zerolog.Logger) {
	g.logger = logger.With().Str("component", "gateway").Logger()
}

// Handler serves the websocket and the break-glass endpoints.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(WSPath, g.ServeWS)
	mux.HandleFunc(elevation.StartPath, g.StartHandler)
	mux.HandleFunc(elevation.EndPath, g.EndHandler)
	return mux
}

func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(64 << 10)
	g.ServeConn(transport.Wrap(conn))
}

// ServeConn runs one session: handshake, mode checks, then relay.
func (g *Gateway) ServeConn(conn transport.Conn) {
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	hs, err := frame.DecodeHandshake(data)
	if err != nil {
		sendError(conn, "Invalid handshake", "")
		return
	}
	g.mu.Lock()
	g.handshakes = append(g.handshakes, hs)
	g.mu.Unlock()

	if err := g.authorize(hs.Token); err != nil {
		sendError(conn, err.Error(), "")
		return
	}
	sessionID := uuid.NewString()
	log := g.logger.With().Str("session_id", sessionID).Str("mode", string(hs.Mode)).Logger()

	switch hs.Mode {
	case frame.ModeFull:
		if hs.BreakglassToken == "" {
			log.Info().Msg("full mode without break-glass token")
			sendError(conn, "Break-glass authentication required for full shell", frame.CodeBreakglassRequired)
			return
		}
		if !g.grantValid(hs.BreakglassToken) {
			log.Info().Msg("full mode with invalid break-glass token")
			sendError(conn, "Invalid or expired break-glass token", frame.CodeBreakglassInvalid)
			return
		}
		for _, chunk := range g.opts.Replay {
			if err := conn.WriteMessage(transport.BinaryMessage, chunk); err != nil {
				return
			}
		}
		if err := conn.WriteJSON(frame.Status{Status: frame.StatusConnected, Mode: frame.ModeFull, SessionID: sessionID}); err != nil {
			return
		}
		log.Info().Msg("session opened")
		if len(g.opts.Shell) > 0 {
			g.relayShell(conn, hs)
			return
		}
		g.relayFull(conn)
	case frame.ModeRestricted:
		if err := conn.WriteJSON(frame.Status{
			Status:          frame.StatusConnected,
			Mode:            frame.ModeRestricted,
			SessionID:       sessionID,
			AllowedCommands: g.opts.AllowedCommands,
		}); err != nil {
			return
		}
		log.Info().Msg("session opened")
		g.relayRestricted(conn, log)
	default:
		sendError(conn, "Unknown terminal mode", "")
	}
}

func (g *Gateway) authorize(token string) error {
	if token == "" {
		return errors.New("No token provided")
	}
	if g.opts.Tokens == nil {
		return nil
	}
	if _, err := g.opts.Tokens.Verify(token); err != nil {
		return errors.New("Invalid token")
	}
	return nil
}

func (g *Gateway) relayFull(conn transport.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == transport.TextMessage {
			if f, err := frame.Decode(data); err == nil {
				if rs, ok := f.(frame.Resize); ok {
					g.recordResize(rs)
				}
				continue
			}
		}
		g.mu.Lock()
		g.input = append(g.input, data...)
		g.mu.Unlock()
		if err := conn.WriteMessage(transport.BinaryMessage, data); err != nil {
			return
		}
	}
}

func (g *Gateway) relayRestricted(conn transport.Conn, log zerolog.Logger) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != transport.TextMessage {
			log.Debug().Int("bytes", len(data)).Msg("ignoring binary input in restricted mode")
			continue
		}
		f, err := frame.Decode(data)
		if err != nil {
			sendError(conn, "Invalid message", "")
			continue
		}
		switch f := f.(type) {
		case frame.Resize:
			g.recordResize(f)
		case frame.Command:
			g.mu.Lock()
			g.commands = append(g.commands, f.Command)
			g.mu.Unlock()
			if err := ValidateCommand(f.Command, g.opts.AllowedCommands); err != nil {
				log.Info().Str("command", f.Command).Err(err).Msg("command rejected")
				sendError(conn, err.Error(), "")
				continue
			}
			output, code := g.opts.Exec(f.Command)
			if err := conn.WriteJSON(frame.Output{Type: frame.TypeOutput, Command: f.Command, Output: output, ExitCode: code}); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) recordResize(rs frame.Resize) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resizes = append(g.resizes, rs.Resize)
}

type errorDetail struct {
	Detail string `json:"detail"`
}

// StartHandler issues a break-glass token. Issuing a new token revokes the
// previous ones.
func (g *Gateway) StartHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := g.authorize(bearer(r)); err != nil {
		writeJSON(w, http.StatusUnauthorized, errorDetail{Detail: err.Error()})
		return
	}
	var req elevation.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorDetail{Detail: "bad request"})
		return
	}
	if req.Password != g.opts.Password {
		writeJSON(w, http.StatusUnauthorized, errorDetail{Detail: "Invalid credentials"})
		return
	}
	if g.opts.TOTPCode != "" {
		if req.TOTPCode == "" {
			writeJSON(w, http.StatusUnauthorized, errorDetail{Detail: "TOTP code required"})
			return
		}
		if req.TOTPCode != g.opts.TOTPCode {
			writeJSON(w, http.StatusUnauthorized, errorDetail{Detail: "Invalid TOTP code"})
			return
		}
	}

	token := uuid.NewString()
	expires := g.clock.Now().Add(g.opts.TTL).UTC()
	g.mu.Lock()
	g.grants = map[string]time.Time{token: expires}
	g.mu.Unlock()
	g.logger.Info().Time("expires_at", expires).Msg("break-glass grant issued")
	writeJSON(w, http.StatusOK, elevation.StartResponse{
		BreakglassToken: token,
		ExpiresAt:       expires.Format(time.RFC3339),
		TTLSeconds:      int(g.opts.TTL / time.Second),
	})
}

func (g *Gateway) EndHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req elevation.EndRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	token := r.Header.Get("X-Breakglass-Token")
	g.mu.Lock()
	delete(g.grants, token)
	g.ends = append(g.ends, req)
	g.endTokens = append(g.endTokens, token)
	g.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

func (g *Gateway) grantValid(token string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	expires, ok := g.grants[token]
	return ok && g.clock.Now().Before(expires)
}

// Revoke drops every outstanding break-glass token.
func (g *Gateway) Revoke() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grants = make(map[string]time.Time)
}

func (g *Gateway) Handshakes() []frame.Handshake {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]frame.Handshake(nil), g.handshakes...)
}

func (g *Gateway) Resizes() []frame.Size {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]frame.Size(nil), g.resizes...)
}

// Commands returns every command received, including rejected ones.
func (g *Gateway) Commands() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.commands...)
}

// Input returns the raw bytes received from full-mode sessions.
func (g *Gateway) Input() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]byte(nil), g.input...)
}

func (g *Gateway) Ends() []elevation.EndRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]elevation.EndRequest(nil), g.ends...)
}

func (g *Gateway) EndTokens() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.endTokens...)
}

func sendError(conn transport.Conn, message, code string) {
	_ = conn.WriteJSON(frame.Error{Error: message, Code: code})
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
