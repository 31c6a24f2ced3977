package deliverer

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errTransportClosed = errors.New("transport closed")

const closeFrameWait = 5 * time.Second

type WebsocketConfig struct {
	CheckOrigin      func(r *http.Request) bool
	ReadBufferSize   int
	WriteBufferSize  int
	MessageSizeLimit int64
	WriteTimeout     time.Duration
}

// WebsocketHandler accepts client connections and drives one Session per
// connection.
type WebsocketHandler struct {
	node    *Node
	upgrade *websocket.Upgrader
	config  WebsocketConfig
}

func NewWebsocketHandler(node *Node, config WebsocketConfig) *WebsocketHandler {
	upgrade := &websocket.Upgrader{
		ReadBufferSize:  config.ReadBufferSize,
		WriteBufferSize: config.WriteBufferSize,
	}
	if config.CheckOrigin != nil {
		upgrade.CheckOrigin = config.CheckOrigin
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = time.Second
	}
	if config.MessageSizeLimit == 0 {
		config.MessageSizeLimit = 65536
	}
	return &WebsocketHandler{
		node:    node,
		config:  config,
		upgrade: upgrade,
	}
}

// identityFromRequest reads the recipient identity of the connecting
// client. Authentication happens in front of the gateway.
func identityFromRequest(r *http.Request) string {
	if id := r.URL.Query().Get("id"); id != "" {
		return id
	}
	return r.Header.Get("X-User-ID")
}

func (s *WebsocketHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	identity := identityFromRequest(r)
	if identity == "" {
		http.Error(rw, "missing identity", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrade.Upgrade(rw, r, nil)
	if err != nil {
		s.node.log.WithError(err).Debug("websocket upgrade error")
		return
	}
	conn.SetReadLimit(s.config.MessageSizeLimit)

	ctx := context.WithoutCancel(r.Context())
	transport := newWebsocketTransport(conn, s.config.WriteTimeout)
	session := s.node.NewSession(identity, transport)

	if err := session.Connect(ctx); err != nil {
		s.node.log.WithError(err).WithField("identity", identity).Warn("refusing session")
		_ = transport.Close(DisconnectBrokerUnavailable)
		return
	}

	code := websocket.CloseNormalClosure
	disconnect := DisconnectConnectionClosed
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			switch {
			case errors.As(err, &closeErr):
				code = closeErr.Code
			case errors.Is(err, websocket.ErrReadLimit):
				code = int(DisconnectMessageSizeLimit.Code)
				disconnect = DisconnectMessageSizeLimit
			default:
				code = websocket.CloseAbnormalClosure
			}
			break
		}
		if mt != websocket.TextMessage {
			disconnect = DisconnectBadRequest
			code = int(disconnect.Code)
			break
		}
		if err := session.Receive(ctx, data); err != nil {
			disconnect = DisconnectServerError
			if errors.Is(err, ErrBrokerUnavailable) {
				disconnect = DisconnectBrokerUnavailable
			}
			code = int(disconnect.Code)
			break
		}
	}

	session.Disconnect(ctx, code)
	_ = transport.Close(disconnect)
}

type websocketTransport struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
	closed       bool
}

func newWebsocketTransport(conn *websocket.Conn, writeTimeout time.Duration) *websocketTransport {
	return &websocketTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

func (t *websocketTransport) Write(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *websocketTransport) Close(d Disconnect) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	msg := websocket.FormatCloseMessage(int(d.Code), d.Reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeFrameWait))
	return t.conn.Close()
}
