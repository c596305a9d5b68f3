// Package session drives one terminal session at a time against the gateway:
// handshake, mode negotiation, elevation fallback and forced expiry.
//
// A Controller owns at most one Session. Every Connect builds a fresh Session
// and every exit path (Disconnect, transport error, remote close, server
// error, grant expiry or revocation) discards it. Observers must not call
// back into the Controller synchronously from OnStateChange.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"termgate/internal/auth"
	"termgate/internal/clock"
	"termgate/internal/elevation"
	"termgate/internal/frame"
	"termgate/internal/stream"
	"termgate/internal/transport"
)

const DefaultHandshakeTimeout = 10 * time.Second

// Broker is the part of elevation.Broker the controller relies on. The
// controller never mutates a grant itself.
type Broker interface {
	Credential() (elevation.Grant, string, error)
	Remaining(id uint64) time.Duration
	Expire(id uint64) bool
	Invalidate() bool
	RequestGrant(ctx context.Context, password, totpCode string) (elevation.Grant, error)
	Subscribe(fn func(elevation.Event)) (unsubscribe func())
}

type Options struct {
	URL         string
	AccessToken string
	Dialer      transport.Dialer
	Broker      Broker
	Clock       clock.Clock
	// Output receives rendered terminal output.
	Output           io.Writer
	HandshakeTimeout time.Duration
	MaxMessageSize   int
	Size             frame.Size

	OnStateChange func(StateChange)
	// OnCountdown receives the remaining elevation time once per second
	// while a full session is connected.
	OnCountdown func(time.Duration)
}

// Session is the per-connect value. It is never reused.
type Session struct {
	ID   string
	Mode frame.Mode

	conn    transport.Conn
	mux     *stream.Multiplexer
	grant   elevation.Grant
	bound   bool
	allowed []string

	ctx       context.Context
	cancel    context.CancelFunc
	handshake clock.Timer
	expiry    *ExpiryTimer
	closeOnce sync.Once
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.handshake != nil {
			s.handshake.Stop()
		}
		if s.expiry != nil {
			s.expiry.Stop()
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

type Controller struct {
	opts        Options
	clock       clock.Clock
	unsubscribe func()
	logger      zerolog.Logger

	mu      sync.Mutex
	state   State
	mode    frame.Mode
	session *Session
	size    frame.Size
	pending []StateChange
	after   []func()

	notifyMu sync.Mutex
}

func NewController(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Dialer == nil {
		opts.Dialer = &transport.WebsocketDialer{}
	}
	if opts.Output == nil {
		opts.Output = io.Discard
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Size.Cols <= 0 || opts.Size.Rows <= 0 {
		opts.Size = frame.Size{Cols: 80, Rows: 24}
	}
	c := &Controller{
		opts:   opts,
		clock:  opts.Clock,
		size:   opts.Size,
		logger: zerolog.Nop(),
	}
	if opts.Broker != nil {
		c.unsubscribe = opts.Broker.Subscribe(c.onGrantEnded)
	}
	return c
}

func (c *Controller) SetLogger(logger zerolog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger.With().Str("component", "session").Logger()
}

// State returns the current state and, when connected or connecting, the
// session mode.
func (c *Controller) State() (State, frame.Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.mode
}

func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.ID
}

// AllowedCommands returns the allow-list announced for a restricted session.
func (c *Controller) AllowedCommands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return append([]string(nil), c.session.allowed...)
}

// History returns the restricted-mode command records of the current session.
func (c *Controller) History() []stream.CommandRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.mux == nil {
		return nil
	}
	return c.session.mux.History()
}

// Remaining is the time left on the grant bound to the current full session,
// read from the broker on every call.
func (c *Controller) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || !c.session.bound || c.opts.Broker == nil {
		return 0
	}
	return c.opts.Broker.Remaining(c.session.grant.ID)
}

// Connect starts a new session and returns without waiting for the server.
// The outcome arrives as state changes. A full-mode request without a usable
// grant still sends its handshake; the server's BREAKGLASS_REQUIRED answer
// moves the controller to RequiresElevation.
func (c *Controller) Connect(mode frame.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if err := auth.CheckExpiry(c.opts.AccessToken, c.clock.Now()); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.unlock()
	if c.state == Connecting || c.state == Connected {
		return ErrSessionActive
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{ID: uuid.NewString(), Mode: mode, ctx: ctx, cancel: cancel}
	hs := frame.Handshake{
		Token: c.opts.AccessToken,
		Mode:  mode,
		Cols:  c.size.Cols,
		Rows:  c.size.Rows,
	}
	if mode == frame.ModeFull && c.opts.Broker != nil {
		grant, token, err := c.opts.Broker.Credential()
		if err == nil {
			s.grant, s.bound = grant, true
			hs.BreakglassToken = token
		}
	}

	c.session = s
	c.transition(Connecting, mode, nil)
	s.handshake = c.clock.AfterFunc(c.opts.HandshakeTimeout, func() { c.handshakeTimedOut(s) })
	c.logger.Info().Str("session_id", s.ID).Str("mode", string(mode)).Bool("elevated", s.bound).Msg("connecting")
	go c.run(s, hs)
	return nil
}

// Disconnect tears down whatever is active and always leaves the controller
// Disconnected. It drops the session's grant reference but does not revoke
// the grant; see elevation.Broker.EndGrant.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	defer c.unlock()
	c.teardown(Disconnected, nil)
}

// CancelElevation abandons a pending elevation prompt.
func (c *Controller) CancelElevation() error {
	c.mu.Lock()
	defer c.unlock()
	if c.state != RequiresElevation {
		return ErrNotAwaitingGrant
	}
	c.teardown(Disconnected, nil)
	return nil
}

// Fallback leaves RequiresElevation by connecting in restricted mode.
func (c *Controller) Fallback() error {
	state, _ := c.State()
	if state != RequiresElevation {
		return ErrNotAwaitingGrant
	}
	return c.Connect(frame.ModeRestricted)
}

// Elevate obtains a break-glass grant and connects in full mode with it.
// Authentication failures leave the controller where it was so the caller
// can prompt again.
func (c *Controller) Elevate(ctx context.Context, password, totpCode string) error {
	if c.opts.Broker == nil {
		return errors.New("no elevation broker configured")
	}
	if state, _ := c.State(); state == Connecting || state == Connected {
		return ErrSessionActive
	}
	if _, err := c.opts.Broker.RequestGrant(ctx, password, totpCode); err != nil {
		return err
	}
	return c.Connect(frame.ModeFull)
}

// Input forwards local keystrokes; input is only enabled once connected.
func (c *Controller) Input(p []byte) error {
	c.mu.Lock()
	if c.state != Connected || c.session == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	mux := c.session.mux
	c.mu.Unlock()
	return mux.Input(p)
}

// Resize records the viewport size for the next handshake and, while a
// transport is open, tells the server. Nothing is sent while disconnected.
func (c *Controller) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid size %dx%d", cols, rows)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.size = frame.Size{Cols: cols, Rows: rows}
	if c.session == nil || c.session.conn == nil {
		return nil
	}
	return c.session.conn.WriteJSON(frame.NewResize(cols, rows))
}

// Close disconnects and stops listening to the broker.
func (c *Controller) Close() {
	c.Disconnect()
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

func (c *Controller) run(s *Session, hs frame.Handshake) {
	conn, err := c.opts.Dialer.Dial(s.ctx, c.opts.URL)
	if err != nil {
		c.fail(s, fmt.Errorf("dial gateway: %w", err))
		return
	}

	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.mux = stream.New(s.Mode, conn, c.opts.Output, stream.Options{
		Clock:          c.clock,
		MaxMessageSize: c.opts.MaxMessageSize,
		Logger:         c.logger.With().Str("session_id", s.ID).Logger(),
	})
	hs.Cols, hs.Rows = c.size.Cols, c.size.Rows
	err = conn.WriteJSON(hs)
	c.mu.Unlock()
	if err != nil {
		c.fail(s, fmt.Errorf("send handshake: %w", err))
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.fail(s, fmt.Errorf("%w: %v", ErrRemoteClosed, err))
			return
		}
		c.handleMessage(s, data)
	}
}

func (c *Controller) handleMessage(s *Session, data []byte) {
	c.mu.Lock()
	defer c.unlock()
	if c.session != s {
		return
	}
	switch f := s.mux.Route(data, c.state == Connected).(type) {
	case frame.Status:
		c.handleStatus(s, f)
	case frame.Error:
		c.handleError(s, f)
	}
}

func (c *Controller) handleStatus(s *Session, st frame.Status) {
	if st.Status != frame.StatusConnected {
		c.logger.Debug().Str("status", st.Status).Msg("ignoring status frame")
		return
	}
	if c.state != Connecting {
		c.logger.Warn().Str("session_id", s.ID).Msg("duplicate connected status")
		return
	}
	if st.Mode != "" && st.Mode != s.Mode {
		c.teardown(Disconnected, fmt.Errorf("%w: requested %s, got %s", ErrModeMismatch, s.Mode, st.Mode))
		return
	}
	s.handshake.Stop()
	s.allowed = st.AllowedCommands
	c.transition(Connected, s.Mode, nil)
	s.mux.Flush()
	if s.Mode == frame.ModeFull && s.bound {
		s.expiry = NewExpiryTimer(c.clock,
			func() time.Duration { return c.opts.Broker.Remaining(s.grant.ID) },
			c.opts.OnCountdown,
			func() { c.expire(s) },
		)
		s.expiry.Start()
	}
	c.logger.Info().Str("session_id", s.ID).Str("mode", string(s.Mode)).Msg("connected")
}

func (c *Controller) handleError(s *Session, e frame.Error) {
	if e.Elevation() {
		c.logger.Warn().Str("session_id", s.ID).Str("code", e.Code).Msg("elevation rejected")
		if c.opts.Broker != nil {
			c.after = append(c.after, func() { c.opts.Broker.Invalidate() })
		}
		err := &ElevationError{Code: e.Code, Message: e.Error}
		if c.state == Connecting && s.Mode == frame.ModeFull {
			c.teardown(RequiresElevation, err)
			return
		}
		c.teardown(Disconnected, err)
		return
	}
	if c.state == Connected {
		s.mux.RenderError(e.Error)
		return
	}
	c.teardown(Disconnected, &ServerError{Message: e.Error, Code: e.Code})
}

func (c *Controller) handshakeTimedOut(s *Session) {
	c.mu.Lock()
	defer c.unlock()
	if c.session != s || c.state != Connecting {
		return
	}
	c.logger.Warn().Str("session_id", s.ID).Msg("handshake timed out")
	c.teardown(Disconnected, ErrHandshakeTimeout)
}

// expire runs on the final tick of a full session's timer: the session is
// torn down and the grant cleared before anyone is told about either.
func (c *Controller) expire(s *Session) {
	c.mu.Lock()
	defer c.unlock()
	if c.session != s {
		return
	}
	c.logger.Info().Str("session_id", s.ID).Msg("elevation expired; closing full session")
	c.teardown(Disconnected, ErrElevationExpired)
	id := s.grant.ID
	c.after = append(c.after, func() { c.opts.Broker.Expire(id) })
}

func (c *Controller) onGrantEnded(ev elevation.Event) {
	c.mu.Lock()
	defer c.unlock()
	s := c.session
	if s == nil || !s.bound || s.grant.ID != ev.Grant.ID {
		return
	}
	c.logger.Info().Str("session_id", s.ID).Str("reason", string(ev.Reason)).Msg("bound grant ended; closing full session")
	err := ErrElevationEnded
	if ev.Reason == elevation.ReasonExpired {
		err = ErrElevationExpired
	}
	c.teardown(Disconnected, err)
}

func (c *Controller) fail(s *Session, err error) {
	c.mu.Lock()
	defer c.unlock()
	if c.session != s {
		return
	}
	c.logger.Warn().Err(err).Str("session_id", s.ID).Msg("session failed")
	c.teardown(Disconnected, err)
}

// teardown discards the current session and moves to state. Must hold c.mu.
func (c *Controller) teardown(to State, err error) {
	if c.state != to || err != nil {
		c.transition(to, c.mode, err)
	}
	if s := c.session; s != nil {
		c.session = nil
		s.close()
	}
}

// transition must hold c.mu. Notifications are queued and delivered by
// unlock in order.
func (c *Controller) transition(to State, mode frame.Mode, err error) {
	change := StateChange{From: c.state, To: to, Mode: mode, Err: err}
	if c.session != nil {
		change.SessionID = c.session.ID
	}
	c.state = to
	if to == Disconnected {
		c.mode = ""
	} else {
		c.mode = mode
	}
	c.pending = append(c.pending, change)
}

// unlock releases c.mu, then delivers queued notifications and runs deferred
// broker calls outside the lock.
func (c *Controller) unlock() {
	changes := c.pending
	after := c.after
	c.pending, c.after = nil, nil
	c.notifyMu.Lock()
	c.mu.Unlock()
	if c.opts.OnStateChange != nil {
		for _, ch := range changes {
			c.opts.OnStateChange(ch)
		}
	}
	c.notifyMu.Unlock()
	for _, fn := range after {
		fn()
	}
}
