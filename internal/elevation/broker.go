// Package elevation obtains, holds and ends break-glass grants: short-lived
// credentials that unlock full terminal sessions.
//
// A grant's token is kept in a memguard enclave and is never written to disk.
// At most one grant is held; obtaining a new one supersedes the previous one.
package elevation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"

	"termgate/internal/clock"
)

const (
	StartPath = "/api/terminal/breakglass/start"
	EndPath   = "/api/terminal/breakglass/end"

	DefaultTTL        = 600 * time.Second
	DefaultEndTimeout = 3 * time.Second
)

type EndReason string

const (
	ReasonUser        EndReason = "user"
	ReasonExpired     EndReason = "expired"
	ReasonSuperseded  EndReason = "superseded"
	ReasonInvalidated EndReason = "invalidated"
)

// Grant describes a held grant. The token itself never leaves the broker
// except through Credential.
type Grant struct {
	ID        uint64
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (g Grant) TTL() time.Duration { return g.ExpiresAt.Sub(g.IssuedAt) }

// Event is published whenever a grant stops being held.
type Event struct {
	Grant  Grant
	Reason EndReason
}

type StartRequest struct {
	Password string `json:"password"`
	TOTPCode string `json:"totp_code,omitempty"`
}

type StartResponse struct {
	BreakglassToken string `json:"breakglass_token"`
	ExpiresAt       string `json:"expires_at,omitempty"`
	TTLSeconds      int    `json:"ttl_seconds,omitempty"`
}

type EndRequest struct {
	Reason EndReason `json:"reason"`
}

type errorResponse struct {
	Detail string `json:"detail"`
	Error  string `json:"error"`
	Code   string `json:"code"`
}

type Options struct {
	APIURL      string
	AccessToken string
	HTTPClient  *http.Client
	Clock       clock.Clock
	// DefaultTTL applies when the server supplies neither expires_at nor
	// ttl_seconds.
	DefaultTTL time.Duration
	EndTimeout time.Duration
}

type heldGrant struct {
	grant Grant
	token *memguard.Enclave
}

type Broker struct {
	apiURL      string
	accessToken string
	client      *http.Client
	clock       clock.Clock
	defaultTTL  time.Duration
	endTimeout  time.Duration

	mu      sync.Mutex
	current *heldGrant
	nextID  uint64

	subMu  sync.Mutex
	subs   map[int]func(Event)
	subSeq int

	inflight sync.WaitGroup
	logger   zerolog.Logger
}

func NewBroker(opts Options) *Broker {
	b := &Broker{
		apiURL:      strings.TrimRight(opts.APIURL, "/"),
		accessToken: opts.AccessToken,
		client:      opts.HTTPClient,
		clock:       opts.Clock,
		defaultTTL:  opts.DefaultTTL,
		endTimeout:  opts.EndTimeout,
		subs:        make(map[int]func(Event)),
		logger:      zerolog.Nop(),
	}
	if b.client == nil {
		b.client = &http.Client{Timeout: 15 * time.Second}
	}
	if b.clock == nil {
		b.clock = clock.Real()
	}
	if b.defaultTTL <= 0 {
		b.defaultTTL = DefaultTTL
	}
	if b.endTimeout <= 0 {
		b.endTimeout = DefaultEndTimeout
	}
	return b
}

func (b *Broker) SetLogger(logger zerolog.Logger) {
	b.logger = logger.With().Str("component", "elevation").Logger()
}

// Subscribe registers fn for grant-ended events. Events are delivered after
// the broker's lock is released, so fn may call back into the broker.
func (b *Broker) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subSeq++
	id := b.subSeq
	b.subs[id] = fn
	return func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		delete(b.subs, id)
	}
}

// RequestGrant authenticates the break-glass step-up. On failure the
// currently held grant, if any, is left untouched.
func (b *Broker) RequestGrant(ctx context.Context, password, totpCode string) (Grant, error) {
	if password == "" {
		return Grant{}, &AuthError{Kind: InvalidCredentials, Detail: "password required"}
	}
	body, err := json.Marshal(StartRequest{Password: password, TOTPCode: totpCode})
	if err != nil {
		return Grant{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.apiURL+StartPath, bytes.NewReader(body))
	if err != nil {
		return Grant{}, err
	}
	b.authorize(req)
	resp, err := b.client.Do(req)
	if err != nil {
		return Grant{}, &AuthError{Kind: Unavailable, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Grant{}, &AuthError{Kind: Unavailable, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= 300 {
		return Grant{}, classify(resp.StatusCode, raw)
	}

	var sr StartResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return Grant{}, &AuthError{Kind: Unavailable, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if sr.BreakglassToken == "" {
		return Grant{}, &AuthError{Kind: Unavailable, Status: resp.StatusCode, Detail: "response carried no token"}
	}
	return b.install(sr), nil
}

func (b *Broker) install(sr StartResponse) Grant {
	now := b.clock.Now()
	expires := b.resolveExpiry(now, sr)
	enclave := memguard.NewEnclave([]byte(sr.BreakglassToken))

	b.mu.Lock()
	b.nextID++
	grant := Grant{ID: b.nextID, IssuedAt: now, ExpiresAt: expires}
	prev := b.current
	b.current = &heldGrant{grant: grant, token: enclave}
	b.mu.Unlock()

	b.logger.Info().Uint64("grant", grant.ID).Time("expires_at", expires).Msg("break-glass grant issued")
	if prev != nil {
		b.publish(Event{Grant: prev.grant, Reason: ReasonSuperseded})
	}
	return grant
}

// resolveExpiry treats a server-supplied expires_at as authoritative, then
// ttl_seconds, then the configured default.
func (b *Broker) resolveExpiry(now time.Time, sr StartResponse) time.Time {
	if sr.ExpiresAt != "" {
		if t, ok := parseTimestamp(sr.ExpiresAt); ok {
			return t
		}
		b.logger.Warn().Str("expires_at", sr.ExpiresAt).Msg("unparseable expires_at; falling back to ttl")
	}
	if sr.TTLSeconds > 0 {
		return now.Add(time.Duration(sr.TTLSeconds) * time.Second)
	}
	return now.Add(b.defaultTTL)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts RFC3339 and zone-less ISO timestamps, which are
// read as UTC.
func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Current returns the held grant if it has not expired.
func (b *Broker) Current() (Grant, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil || !b.clock.Now().Before(b.current.grant.ExpiresAt) {
		return Grant{}, false
	}
	return b.current.grant, true
}

// Credential returns the held grant and its token. An expired grant is never
// returned, even before the expiry timer has cleared it.
func (b *Broker) Credential() (Grant, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil || !b.clock.Now().Before(b.current.grant.ExpiresAt) {
		return Grant{}, "", ErrNoGrant
	}
	buf, err := b.current.token.Open()
	if err != nil {
		return Grant{}, "", fmt.Errorf("open grant token: %w", err)
	}
	defer buf.Destroy()
	return b.current.grant, string(buf.Bytes()), nil
}

// Remaining is max(0, expiresAt-now) for grant id, and zero when id is no
// longer the held grant.
func (b *Broker) Remaining(id uint64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil || b.current.grant.ID != id {
		return 0
	}
	d := b.current.grant.ExpiresAt.Sub(b.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

// Expire clears grant id if it is still held. It reports whether anything
// was cleared, so repeated calls are harmless.
func (b *Broker) Expire(id uint64) bool {
	g, ok := b.drop(func(h *heldGrant) bool { return h.grant.ID == id })
	if !ok {
		return false
	}
	b.logger.Info().Uint64("grant", g.ID).Msg("break-glass grant expired")
	b.publish(Event{Grant: g, Reason: ReasonExpired})
	return true
}

// Invalidate drops the held grant without notifying the server. Used when
// the server has already declared the grant unusable.
func (b *Broker) Invalidate() bool {
	g, ok := b.drop(nil)
	if !ok {
		return false
	}
	b.logger.Info().Uint64("grant", g.ID).Msg("break-glass grant invalidated")
	b.publish(Event{Grant: g, Reason: ReasonInvalidated})
	return true
}

// EndGrant clears the held grant immediately and then tells the server in
// the background. A failed notification is logged and otherwise ignored.
func (b *Broker) EndGrant(reason EndReason) bool {
	if reason == "" {
		reason = ReasonUser
	}
	b.mu.Lock()
	held := b.current
	b.current = nil
	b.mu.Unlock()
	if held == nil {
		return false
	}

	token := ""
	if buf, err := held.token.Open(); err == nil {
		token = string(buf.Bytes())
		buf.Destroy()
	}
	b.logger.Info().Uint64("grant", held.grant.ID).Str("reason", string(reason)).Msg("break-glass grant ended")
	b.publish(Event{Grant: held.grant, Reason: reason})

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.endTimeout)
		defer cancel()
		if err := b.notifyEnd(ctx, token, reason); err != nil {
			b.logger.Warn().Err(err).Uint64("grant", held.grant.ID).Msg("break-glass end notification failed")
		}
	}()
	return true
}

// Wait blocks until background end notifications have finished.
func (b *Broker) Wait() {
	b.inflight.Wait()
}

func (b *Broker) notifyEnd(ctx context.Context, token string, reason EndReason) error {
	body, err := json.Marshal(EndRequest{Reason: reason})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.apiURL+EndPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	b.authorize(req)
	if token != "" {
		req.Header.Set("X-Breakglass-Token", token)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("end returned %s", resp.Status)
	}
	return nil
}

func (b *Broker) drop(match func(*heldGrant) bool) (Grant, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil || (match != nil && !match(b.current)) {
		return Grant{}, false
	}
	g := b.current.grant
	b.current = nil
	return g, true
}

func (b *Broker) publish(ev Event) {
	b.subMu.Lock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (b *Broker) authorize(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if b.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.accessToken)
	}
}

func classify(status int, raw []byte) error {
	var er errorResponse
	_ = json.Unmarshal(raw, &er)
	detail := er.Detail
	if detail == "" {
		detail = er.Error
	}
	if detail == "" {
		detail = strings.TrimSpace(string(raw))
	}
	ae := &AuthError{Status: status, Detail: detail}
	if status >= 500 {
		ae.Kind = Unavailable
		return ae
	}

	code := strings.ToUpper(er.Code)
	lower := strings.ToLower(detail)
	switch {
	case code == "TOTP_REQUIRED" || strings.Contains(lower, "totp code required"):
		ae.Kind = TOTPRequired
	case code == "TOTP_INVALID" || strings.Contains(lower, "invalid totp"):
		ae.Kind = TOTPInvalid
	default:
		ae.Kind = InvalidCredentials
	}
	if ae.Detail == "" {
		ae.Detail = http.StatusText(status)
	}
	return ae
}
