package elevation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termgate/internal/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu        sync.Mutex
	starts    []StartRequest
	ends      []EndRequest
	endTokens []string
	auth      []string
	respond   func(w http.ResponseWriter, req StartRequest)
	endStatus int
	endBlock  chan struct{}
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(StartPath, func(w http.ResponseWriter, r *http.Request) {
		var req StartRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.starts = append(f.starts, req)
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		respond := f.respond
		f.mu.Unlock()
		respond(w, req)
	})
	mux.HandleFunc(EndPath, func(w http.ResponseWriter, r *http.Request) {
		if f.endBlock != nil {
			<-f.endBlock
		}
		var req EndRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.ends = append(f.ends, req)
		f.endTokens = append(f.endTokens, r.Header.Get("X-Breakglass-Token"))
		status := f.endStatus
		f.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	})
	return mux
}

func grantWith(token string, ttl int, expiresAt string) func(http.ResponseWriter, StartRequest) {
	return func(w http.ResponseWriter, _ StartRequest) {
		_ = json.NewEncoder(w).Encode(StartResponse{BreakglassToken: token, TTLSeconds: ttl, ExpiresAt: expiresAt})
	}
}

func fail(status int, body string) func(http.ResponseWriter, StartRequest) {
	return func(w http.ResponseWriter, _ StartRequest) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func newTestBroker(t *testing.T, api *fakeAPI) (*Broker, *clock.FakeClock) {
	t.Helper()
	ts := httptest.NewServer(api.handler())
	t.Cleanup(ts.Close)
	clk := clock.Fake(epoch)
	b := NewBroker(Options{APIURL: ts.URL + "/", AccessToken: "access", Clock: clk})
	return b, clk
}

func TestRequestGrantUsesTTLSeconds(t *testing.T) {
	api := &fakeAPI{respond: grantWith("bg-1", 600, "")}
	b, clk := newTestBroker(t, api)

	g, err := b.RequestGrant(context.Background(), "pw", "123456")
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(600*time.Second), g.ExpiresAt)
	assert.Equal(t, 600*time.Second, g.TTL())
	assert.Equal(t, []StartRequest{{Password: "pw", TOTPCode: "123456"}}, api.starts)
	assert.Equal(t, []string{"Bearer access"}, api.auth)

	cur, tok, err := b.Credential()
	require.NoError(t, err)
	assert.Equal(t, g, cur)
	assert.Equal(t, "bg-1", tok)

	clk.Advance(599 * time.Second)
	assert.Equal(t, time.Second, b.Remaining(g.ID))
}

func TestRequestGrantPrefersExpiresAt(t *testing.T) {
	api := &fakeAPI{respond: grantWith("bg", 600, epoch.Add(5*time.Minute).Format(time.RFC3339))}
	b, _ := newTestBroker(t, api)
	g, err := b.RequestGrant(context.Background(), "pw", "")
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(5*time.Minute), g.ExpiresAt)
}

func TestRequestGrantNaiveTimestampIsUTC(t *testing.T) {
	api := &fakeAPI{respond: grantWith("bg", 0, "2026-03-01T12:07:30.250000")}
	b, _ := newTestBroker(t, api)
	g, err := b.RequestGrant(context.Background(), "pw", "")
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(7*time.Minute+30*time.Second+250*time.Millisecond), g.ExpiresAt)
}

func TestRequestGrantDefaultTTL(t *testing.T) {
	api := &fakeAPI{respond: grantWith("bg", 0, "not-a-time")}
	b, _ := newTestBroker(t, api)
	g, err := b.RequestGrant(context.Background(), "pw", "")
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(DefaultTTL), g.ExpiresAt)
}

func TestRequestGrantAuthErrors(t *testing.T) {
	tests := []struct {
		name    string
		respond func(http.ResponseWriter, StartRequest)
		kind    AuthErrorKind
	}{
		{"bad password", fail(http.StatusUnauthorized, `{"detail":"Invalid credentials"}`), InvalidCredentials},
		{"totp required", fail(http.StatusUnauthorized, `{"detail":"TOTP code required"}`), TOTPRequired},
		{"totp invalid", fail(http.StatusUnauthorized, `{"detail":"Invalid TOTP code"}`), TOTPInvalid},
		{"coded", fail(http.StatusForbidden, `{"error":"nope","code":"totp_invalid"}`), TOTPInvalid},
		{"plain body", fail(http.StatusForbidden, `forbidden`), InvalidCredentials},
		{"server error", fail(http.StatusBadGateway, ``), Unavailable},
		{"empty token", grantWith("", 600, ""), Unavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b, _ := newTestBroker(t, &fakeAPI{respond: tc.respond})
			_, err := b.RequestGrant(context.Background(), "pw", "")
			require.Error(t, err)
			assert.True(t, IsAuthError(err, tc.kind), "got %v", err)
		})
	}
}

func TestRequestGrantEmptyPassword(t *testing.T) {
	api := &fakeAPI{respond: grantWith("bg", 600, "")}
	b, _ := newTestBroker(t, api)
	_, err := b.RequestGrant(context.Background(), "", "")
	assert.True(t, IsAuthError(err, InvalidCredentials))
	assert.Empty(t, api.starts)
}

func TestRequestGrantUnreachable(t *testing.T) {
	b := NewBroker(Options{APIURL: "http://127.0.0.1:1", Clock: clock.Fake(epoch)})
	_, err := b.RequestGrant(context.Background(), "pw", "")
	assert.True(t, IsAuthError(err, Unavailable))
}

func TestFailedRequestKeepsExistingGrant(t *testing.T) {
	api := &fakeAPI{respond: grantWith("bg-1", 600, "")}
	b, _ := newTestBroker(t, api)
	g, err := b.RequestGrant(context.Background(), "pw", "")
	require.NoError(t, err)

	var events []Event
	b.Subscribe(func(ev Event) { events = append(events, ev) })
	api.respond = fail(http.StatusUnauthorized, `{"detail":"Invalid TOTP code"}`)
	_, err = b.RequestGrant(context.Background(), "pw", "000000")
	require.Error(t, err)

	cur, ok := b.Current()
	require.True(t, ok)
	assert.Equal(t, g, cur)
	assert.Empty(t, events)
}

func TestNewGrantSupersedesPrevious(t *testing.T) {
	api := &fakeAPI{respond: grantWith("bg-1", 600, "")}
	b, _ := newTestBroker(t, api)
	first, err := b.RequestGrant(context.Background(), "pw", "")
	require.NoError(t, err)

	var events []Event
	b.Subscribe(func(ev Event) { events = append(events, ev) })

	api.respond = grantWith("bg-2", 600, "")
	second, err := b.RequestGrant(context.Background(), "pw", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	require.Len(t, events, 1)
	assert.Equal(t, ReasonSuperseded, events[0].Reason)
	assert.Equal(t, first.ID, events[0].Grant.ID)
	assert.Zero(t, b.Remaining(first.ID))

	_, tok, err := b.Credential()
	require.NoError(t, err)
	assert.Equal(t, "bg-2", tok)
}

func TestExpiredGrantIsNeverUsable(t *testing.T) {
	api := &fakeAPI{respond: grantWith("bg", 10, "")}
	b, clk := newTestBroker(t, api)
	g, err := b.RequestGrant(context.Background(), "pw", "")
	require.NoError(t, err)

	clk.Advance(10 * time.Second)
	_, _, err = b.Credential()
	assert.ErrorIs(t, err, ErrNoGrant)
	_, ok := b.Current()
	assert.False(t, ok)
	assert.Zero(t, b.Remaining(g.ID))
}

func TestExpireIsIdempotent(t *testing.T) {
	api := &fakeAPI{respond: grantWith("bg", 10, "")}
	b, _ := newTestBroker(t, api)
	g, err := b.RequestGrant(context.Background(), "pw", "")
	require.NoError(t, err)

	var events []Event
	b.Subscribe(func(ev Event) { events = append(events, ev) })

	assert.False(t, b.Expire(g.ID+1))
	assert.True(t, b.Expire(g.ID))
	assert.False(t, b.Expire(g.ID))
	require.Len(t, events, 1)
	assert.Equal(t, ReasonExpired, events[0].Reason)
}

func TestInvalidate(t *testing.T) {
	api := &fakeAPI{respond: grantWith("bg", 600, "")}
	b, _ := newTestBroker(t, api)
	assert.False(t, b.Invalidate())

	_, err := b.RequestGrant(context.Background(), "pw", "")
	require.NoError(t, err)
	assert.True(t, b.Invalidate())
	_, _, err = b.Credential()
	assert.ErrorIs(t, err, ErrNoGrant)
	b.Wait()
	assert.Empty(t, api.ends)
}

func TestEndGrantClearsBeforeNotifying(t *testing.T) {
	api := &fakeAPI{respond: grantWith("bg-end", 600, ""), endBlock: make(chan struct{})}
	b, _ := newTestBroker(t, api)
	g, err := b.RequestGrant(context.Background(), "pw", "")
	require.NoError(t, err)

	var events []Event
	unsubscribe := b.Subscribe(func(ev Event) { events = append(events, ev) })
	defer unsubscribe()

	require.True(t, b.EndGrant(""))
	_, _, err = b.Credential()
	assert.ErrorIs(t, err, ErrNoGrant, "grant must be gone before the server answers")
	require.Len(t, events, 1)
	assert.Equal(t, Event{Grant: g, Reason: ReasonUser}, events[0])

	close(api.endBlock)
	b.Wait()
	assert.Equal(t, []EndRequest{{Reason: ReasonUser}}, api.ends)
	assert.Equal(t, []string{"bg-end"}, api.endTokens)

	assert.False(t, b.EndGrant(ReasonUser))
}

func TestEndGrantNotificationFailureIsIgnored(t *testing.T) {
	api := &fakeAPI{respond: grantWith("bg", 600, ""), endStatus: http.StatusInternalServerError}
	b, _ := newTestBroker(t, api)
	_, err := b.RequestGrant(context.Background(), "pw", "")
	require.NoError(t, err)

	require.True(t, b.EndGrant(ReasonUser))
	b.Wait()
	_, ok := b.Current()
	assert.False(t, ok)
}

func TestEndGrantUnreachableServer(t *testing.T) {
	api := &fakeAPI{respond: grantWith("bg", 600, "")}
	ts := httptest.NewServer(api.handler())
	b := NewBroker(Options{APIURL: ts.URL, Clock: clock.Fake(epoch), EndTimeout: 200 * time.Millisecond})
	_, err := b.RequestGrant(context.Background(), "pw", "")
	require.NoError(t, err)
	ts.Close()

	require.True(t, b.EndGrant(ReasonUser))
	_, ok := b.Current()
	assert.False(t, ok)
	b.Wait()
}

func TestUnsubscribe(t *testing.T) {
	api := &fakeAPI{respond: grantWith("bg", 600, "")}
	b, _ := newTestBroker(t, api)
	calls := 0
	unsubscribe := b.Subscribe(func(Event) { calls++ })
	unsubscribe()
	_, err := b.RequestGrant(context.Background(), "pw", "")
	require.NoError(t, err)
	b.Invalidate()
	assert.Zero(t, calls)
}
