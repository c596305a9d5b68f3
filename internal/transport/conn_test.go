package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestWebsocketDialerRoundTrip(t *testing.T) {
	ts := echoServer(t)
	d := &WebsocketDialer{HandshakeTimeout: 2 * time.Second, ReadLimit: 1 << 16}
	conn, err := d.Dial(context.Background(), wsURL(ts))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "command", "command": "uptime"}))
	var got map[string]string
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "uptime", got["command"])

	require.NoError(t, conn.WriteMessage(BinaryMessage, []byte{0x03}))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, BinaryMessage, mt)
	assert.Equal(t, []byte{0x03}, data)
}

func TestWebsocketDialerErrors(t *testing.T) {
	d := &WebsocketDialer{}
	_, err := d.Dial(context.Background(), "")
	assert.Error(t, err)

	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()
	_, err = d.Dial(context.Background(), wsURL(ts))
	assert.Error(t, err)
}

func TestWrapCloseIsIdempotentAndWritesSerialised(t *testing.T) {
	ts := echoServer(t)
	conn, err := (&WebsocketDialer{}).Dial(context.Background(), wsURL(ts))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = conn.WriteMessage(TextMessage, []byte("x"))
		}()
	}
	wg.Wait()

	require.NoError(t, conn.Close())
	assert.NotPanics(t, func() { _ = conn.Close() })
}
