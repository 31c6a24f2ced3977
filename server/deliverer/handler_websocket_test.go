package deliverer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/THPTUHA/relay/server/config"
	"github.com/THPTUHA/relay/server/messaging/mock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebsocketMissingIdentity(t *testing.T) {
	n := newTestNode(&mock.Dialer{})
	srv := httptest.NewServer(NewWebsocketHandler(n, WebsocketConfig{}))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebsocketSessionLifecycle(t *testing.T) {
	d := &mock.Dialer{}
	n := newTestNode(d)
	srv := httptest.NewServer(NewWebsocketHandler(n, WebsocketConfig{}))
	defer srv.Close()

	conn := dialWS(t, srv, "/?id=42")
	require.Eventually(t, func() bool { return len(n.Hub().Connections("42")) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, n.Hub().Fanout(context.Background(), "42", []byte(`{"body":"hi"}`)))
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"body":"hi"}`, string(data))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"tn":1,"type":"chat","to":"7","contentType":"text","body":"yo"}`)))
	require.Eventually(t, func() bool {
		for _, p := range publications(d) {
			if p.Exchange == config.NewMessageExchange && p.Key == "7" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return n.Hub().NumClients() == 0 && n.Pool().Refs() == 0 }, time.Second, time.Millisecond)
}

func TestWebsocketRefusedWhenBrokerDown(t *testing.T) {
	d := &mock.Dialer{}
	d.SetErr(errors.New("connection refused"))
	n := newTestNode(d)
	srv := httptest.NewServer(NewWebsocketHandler(n, WebsocketConfig{}))
	defer srv.Close()

	conn := dialWS(t, srv, "/?id=42")
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, int(DisconnectBrokerUnavailable.Code), closeErr.Code)
	assert.Zero(t, n.Hub().NumClients())
	assert.Zero(t, n.Pool().Refs())
}

func TestIdentityFromHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	r.Header.Set("X-User-ID", "99")
	assert.Equal(t, "99", identityFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws/chat?id=5", nil)
	r.Header.Set("X-User-ID", "99")
	assert.Equal(t, "5", identityFromRequest(r))
}

func TestWebsocketBinaryFrameRejected(t *testing.T) {
	d := &mock.Dialer{}
	n := newTestNode(d)
	srv := httptest.NewServer(NewWebsocketHandler(n, WebsocketConfig{}))
	defer srv.Close()

	conn := dialWS(t, srv, "/?id=42")
	require.Eventually(t, func() bool { return n.Hub().NumClients() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, int(DisconnectBadRequest.Code), closeErr.Code)
	require.Eventually(t, func() bool { return n.Pool().Refs() == 0 }, time.Second, time.Millisecond)
}
