package deliverer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/THPTUHA/relay/server/config"
	"github.com/THPTUHA/relay/server/messaging"
	"github.com/THPTUHA/relay/server/messaging/mock"
	"github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testQueue = "--new-message.gw-test"

type fakeTransport struct {
	mu     sync.Mutex
	frames []string
	closes []Disconnect
	err    error
}

func (t *fakeTransport) Write(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.frames = append(t.frames, string(data))
	return nil
}

func (t *fakeTransport) Close(d Disconnect) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes = append(t.closes, d)
	return nil
}

func (t *fakeTransport) written() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.frames...)
}

func newTestNode(d *mock.Dialer) *Node {
	log := logrus.NewEntry(logrus.New())
	pool := messaging.NewPool("amqp://localhost:5672/", "gw-test", messaging.WithDialer(d.Dial), messaging.WithLogger(log))
	return NewNode(pool, testQueue, log)
}

// publications returns everything published on every channel of the
// pool's first connection.
func publications(d *mock.Dialer) []mock.Publication {
	var pubs []mock.Publication
	for _, conn := range d.Connections() {
		for _, ch := range conn.Channels() {
			pubs = append(pubs, ch.Published()...)
		}
	}
	return pubs
}

func presence(t *testing.T, pubs []mock.Publication) []messaging.PresenceEvent {
	t.Helper()
	var out []messaging.PresenceEvent
	for _, p := range pubs {
		if p.Key != config.UserStateQueue {
			continue
		}
		ev, err := messaging.DecodePresence(p.Msg.Body)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func TestSessionConnect(t *testing.T) {
	d := &mock.Dialer{}
	n := newTestNode(d)
	s := n.NewSession("42", &fakeTransport{})

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, []Conn{s}, n.Hub().Connections("42"))
	assert.Equal(t, 1, n.Pool().Refs())
	assert.Equal(t, []messaging.PresenceEvent{
		{ID: "42", Status: messaging.StatusConnected, ServerInfo: "gw-test"},
	}, presence(t, publications(d)))

	ch := d.Connections()[0].Channels()[0]
	assert.Equal(t, []mock.Binding{{Queue: testQueue, Key: "42", Exchange: config.NewMessageExchange}}, ch.Bindings())
}

func TestSessionConnectBrokerUnreachable(t *testing.T) {
	d := &mock.Dialer{}
	d.SetErr(errors.New("connection refused"))
	n := newTestNode(d)
	s := n.NewSession("42", &fakeTransport{})

	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.Empty(t, n.Hub().Connections("42"))
	assert.Zero(t, n.Pool().Refs())

	assert.NotPanics(t, func() { s.Disconnect(context.Background(), 1006) })
}

func TestSessionDisconnect(t *testing.T) {
	d := &mock.Dialer{}
	n := newTestNode(d)
	s := n.NewSession("42", &fakeTransport{})
	require.NoError(t, s.Connect(context.Background()))

	s.Disconnect(context.Background(), 1000)
	s.Disconnect(context.Background(), 1000)

	assert.Empty(t, n.Hub().Identities())
	assert.Zero(t, n.Pool().Refs())
	assert.False(t, n.Pool().IsConnected())
	assert.Equal(t, []messaging.PresenceEvent{
		{ID: "42", Status: messaging.StatusConnected, ServerInfo: "gw-test"},
		{ID: "42", Status: messaging.StatusDisconnected, ServerInfo: "gw-test"},
	}, presence(t, publications(d)))
	assert.Empty(t, d.Connections()[0].Channels()[0].Bindings())
}

func TestSessionDisconnectWithBrokerGone(t *testing.T) {
	d := &mock.Dialer{}
	n := newTestNode(d)
	s := n.NewSession("42", &fakeTransport{})
	require.NoError(t, s.Connect(context.Background()))

	d.Connections()[0].Drop()
	d.SetErr(errors.New("connection refused"))

	assert.NotPanics(t, func() { s.Disconnect(context.Background(), 1006) })
	assert.Empty(t, n.Hub().Identities())
	assert.Zero(t, n.Pool().Refs())
}

func TestSessionDisconnectDoesNotRedial(t *testing.T) {
	d := &mock.Dialer{}
	n := newTestNode(d)
	s1 := n.NewSession("42", &fakeTransport{})
	s2 := n.NewSession("7", &fakeTransport{})
	require.NoError(t, s1.Connect(context.Background()))
	require.NoError(t, s2.Connect(context.Background()))

	d.Connections()[0].Drop()
	d.Gate = make(chan struct{})

	done := make(chan struct{})
	go func() {
		s1.Disconnect(context.Background(), 1006)
		s2.Disconnect(context.Background(), 1006)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disconnect waited on the broker")
	}

	assert.Equal(t, 1, d.Attempts())
	assert.Zero(t, n.Pool().Refs())
	assert.Empty(t, n.Hub().Identities())
	for _, ev := range presence(t, publications(d)) {
		assert.Equal(t, messaging.StatusConnected, ev.Status)
	}
}

func TestReconnectKeepsBindingWhileLastSessionLeaves(t *testing.T) {
	d := &mock.Dialer{}
	n := newTestNode(d)
	ctx := context.Background()
	leaving := n.NewSession("42", &fakeTransport{})
	require.NoError(t, leaving.Connect(ctx))

	conn := d.Connections()[0]
	unbinding := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	conn.OnUnbind(func(mock.Binding) {
		once.Do(func() {
			close(unbinding)
			<-proceed
		})
	})

	left := make(chan struct{})
	go func() {
		leaving.Disconnect(ctx, 1001)
		close(left)
	}()
	<-unbinding

	joining := n.NewSession("42", &fakeTransport{})
	joined := make(chan error, 1)
	go func() { joined <- joining.Connect(ctx) }()
	time.Sleep(20 * time.Millisecond)
	close(proceed)

	<-left
	require.NoError(t, <-joined)
	assert.Equal(t, []Conn{joining}, n.Hub().Connections("42"))
	assert.True(t, conn.Bound(mock.Binding{Queue: testQueue, Key: "42", Exchange: config.NewMessageExchange}))
}

func TestTwoSessionsSameIdentity(t *testing.T) {
	d := &mock.Dialer{}
	n := newTestNode(d)
	t1, t2 := &fakeTransport{}, &fakeTransport{}
	s1 := n.NewSession("42", t1)
	s2 := n.NewSession("42", t2)
	sender := n.NewSession("7", &fakeTransport{})
	ctx := context.Background()
	require.NoError(t, s1.Connect(ctx))
	require.NoError(t, s2.Connect(ctx))
	require.NoError(t, sender.Connect(ctx))
	assert.Len(t, n.Hub().Connections("42"), 2)

	require.NoError(t, sender.Send(ctx, "42", []byte("msg")))
	assert.Equal(t, []string{"msg"}, t1.written())
	assert.Equal(t, []string{"msg"}, t2.written())

	s1.Disconnect(ctx, 1000)
	assert.Equal(t, []Conn{s2}, n.Hub().Connections("42"))
	require.NoError(t, sender.Send(ctx, "42", []byte("msg2")))
	assert.Equal(t, []string{"msg"}, t1.written())
	assert.Equal(t, []string{"msg", "msg2"}, t2.written())

	// The second session still needs the binding.
	var bound bool
	for _, ch := range d.Connections()[0].Channels() {
		for _, b := range ch.Bindings() {
			if b.Key == "42" {
				bound = true
			}
		}
	}
	assert.True(t, bound)
	assert.Equal(t, 2, n.Pool().Refs())
	assert.True(t, n.Pool().IsConnected())
}

func TestSessionReceivePublishes(t *testing.T) {
	d := &mock.Dialer{}
	n := newTestNode(d)
	tr := &fakeTransport{}
	s := n.NewSession("42", tr)
	require.NoError(t, s.Connect(context.Background()))

	err := s.Receive(context.Background(), []byte(`{"tn":5,"type":"chat","to":"7","contentType":"text","body":"hi"}`))
	require.NoError(t, err)
	assert.Empty(t, tr.written())

	var chat []mock.Publication
	for _, p := range publications(d) {
		if p.Exchange == config.NewMessageExchange {
			chat = append(chat, p)
		}
	}
	require.Len(t, chat, 1)
	assert.Equal(t, "7", chat[0].Key)
	var body map[string]any
	require.NoError(t, json.Unmarshal(chat[0].Msg.Body, &body))
	assert.Equal(t, "42", body["from"])
	assert.NotZero(t, body["ts"])
}

func TestSessionReceiveInvalid(t *testing.T) {
	d := &mock.Dialer{}
	n := newTestNode(d)
	tr := &fakeTransport{}
	s := n.NewSession("42", tr)
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, s.Receive(context.Background(), []byte(`{"type":"chat"}`)))
	frames := tr.written()
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"error":{"code":107,"message":"bad request"}}`, frames[0])
	assert.Len(t, publications(d), 1) // only the connected presence event
}

func TestSessionReceivePublishFailure(t *testing.T) {
	d := &mock.Dialer{}
	n := newTestNode(d)
	tr := &fakeTransport{}
	s := n.NewSession("42", tr)
	require.NoError(t, s.Connect(context.Background()))
	d.Connections()[0].Channels()[0].PublishErr = errors.New("channel blocked")

	require.NoError(t, s.Receive(context.Background(), []byte(`{"tn":9,"type":"group","to":"g","contentType":"text","body":"x"}`)))
	frames := tr.written()
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"tn":9,"error":{"code":100,"message":"internal server error"}}`, frames[0])
}

func TestSessionReceiveBrokerLost(t *testing.T) {
	d := &mock.Dialer{}
	n := newTestNode(d)
	s := n.NewSession("42", &fakeTransport{})
	require.NoError(t, s.Connect(context.Background()))

	d.Connections()[0].Drop()
	d.SetErr(errors.New("connection refused"))

	err := s.Receive(context.Background(), []byte(`{"tn":1,"type":"chat","to":"7","contentType":"text","body":"hi"}`))
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
}

func TestNodeDeliverFansOut(t *testing.T) {
	d := &mock.Dialer{}
	n := newTestNode(d)
	tr := &fakeTransport{}
	s := n.NewSession("42", tr)
	require.NoError(t, s.Connect(context.Background()))

	cfg, err := config.Get("")
	require.NoError(t, err)
	m := n.DeliveryModule(cfg)
	assert.Equal(t, testQueue, m.Queue)

	m.Callback(context.Background(), amqpDelivery("42", `{"body":"hi"}`))
	m.Callback(context.Background(), amqpDelivery("nobody", `{"body":"lost"}`))
	assert.Equal(t, []string{`{"body":"hi"}`}, tr.written())

	ch := mock.NewConnection()
	c, err := ch.Channel()
	require.NoError(t, err)
	require.NoError(t, m.Declare(c))
	assert.Equal(t, []mock.Binding{{Queue: testQueue, Key: "42", Exchange: config.NewMessageExchange}}, c.(*mock.Channel).Bindings())
}

func TestNodeShutdownClosesSessions(t *testing.T) {
	d := &mock.Dialer{}
	n := newTestNode(d)
	t1, t2 := &fakeTransport{}, &fakeTransport{}
	require.NoError(t, n.NewSession("42", t1).Connect(context.Background()))
	require.NoError(t, n.NewSession("7", t2).Connect(context.Background()))

	n.Shutdown()

	assert.Equal(t, []Disconnect{DisconnectShutdown}, t1.closes)
	assert.Equal(t, []Disconnect{DisconnectShutdown}, t2.closes)
}

func TestSessionDeliverWriteError(t *testing.T) {
	n := newTestNode(&mock.Dialer{})
	broken := &fakeTransport{err: errors.New("broken pipe")}
	ok := &fakeTransport{}
	require.NoError(t, n.NewSession("42", broken).Connect(context.Background()))
	require.NoError(t, n.NewSession("42", ok).Connect(context.Background()))

	err := n.Hub().Fanout(context.Background(), "42", []byte("hi"))
	require.Error(t, err)
	assert.Equal(t, []Disconnect{DisconnectWriteError}, broken.closes)
	assert.Equal(t, []string{"hi"}, ok.written())
}
