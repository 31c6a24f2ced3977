package messaging

import (
	"context"
	"errors"
	"sync"

	"github.com/THPTUHA/relay/server/config"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"
)

var errNoHandles = errors.New("every handle was released while dialing")

// Pool owns the broker connection shared by every gateway session of the
// process. Sessions take a Handle with Acquire and give it back with
// Release; the connection is closed when the last handle is released.
type Pool struct {
	mu   sync.Mutex
	conn Connection
	refs int

	url        string
	serverInfo string
	dial       Dialer
	log        *logrus.Entry
}

type PoolOption func(*Pool)

func WithDialer(d Dialer) PoolOption {
	return func(p *Pool) {
		p.dial = d
	}
}

func WithLogger(log *logrus.Entry) PoolOption {
	return func(p *Pool) {
		p.log = log
	}
}

func NewPool(url, serverInfo string, opts ...PoolOption) *Pool {
	p := &Pool{
		url:        url,
		serverInfo: serverInfo,
		dial:       DialAMQP,
		log:        logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire registers a new user of the shared connection. It does not
// connect; call Handle.Connect before using the handle.
func (p *Pool) Acquire() *Handle {
	p.mu.Lock()
	p.refs++
	p.mu.Unlock()
	return &Handle{pool: p}
}

// Refs returns the number of handles not yet released.
func (p *Pool) Refs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs
}

// IsConnected reports whether the shared connection exists and is open.
func (p *Pool) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isConnected()
}

func (p *Pool) isConnected() bool {
	if p.conn == nil {
		return false
	}
	return !p.conn.IsClosed()
}

func (p *Pool) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs == 0 {
		return
	}
	p.refs--
	if p.refs == 0 && p.isConnected() {
		if err := p.conn.Close(); err != nil {
			p.log.WithError(err).Warn("closing broker connection")
		}
		p.log.Debug("broker connection closed, no handles left")
	}
}

// Handle is one user's share of the pool. The channel it opens belongs to
// the handle alone, so channel operations are not locked.
type Handle struct {
	pool *Pool

	ch     Channel
	chConn Connection

	releaseOnce sync.Once
	released    bool
}

// Connect makes sure the shared connection is open and that this handle has
// a live channel on it. Failures are logged and reported as false.
func (h *Handle) Connect() bool {
	p := h.pool
	p.mu.Lock()
	released := h.released
	p.mu.Unlock()
	if released {
		return false
	}

	conn, err := p.connection()
	if err != nil {
		p.log.WithError(err).Error("message queue connection failed")
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if h.released {
		return false
	}

	// A channel left over from an earlier connection is useless.
	if h.ch != nil && (h.chConn != conn || h.ch.IsClosed()) {
		_ = h.ch.Close()
		h.ch = nil
	}

	if h.ch == nil {
		ch, err := conn.Channel()
		if err != nil {
			p.log.WithError(err).Error("message queue channel failed")
			return false
		}
		h.ch, h.chConn = ch, conn
	}
	return true
}

// Live reports whether the handle already has an open channel on the
// current connection. Unlike Connect it never dials.
func (h *Handle) Live() bool {
	p := h.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	return !h.released && h.ch != nil && h.chConn == p.conn && p.isConnected() && !h.ch.IsClosed()
}

// connection returns the open shared connection, dialing a new one when
// there is none. The dial runs without the pool lock held, so Release and
// other handles never wait on an unreachable broker.
func (p *Pool) connection() (Connection, error) {
	p.mu.Lock()
	if p.isConnected() {
		conn := p.conn
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := p.dial(p.url)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.isConnected():
		// Another handle dialed first.
		_ = conn.Close()
		return p.conn, nil
	case p.refs == 0:
		_ = conn.Close()
		return nil, errNoHandles
	}
	p.conn = conn
	p.log.Info("broker connection opened")
	return conn, nil
}

// CloseChannel closes the handle's channel. It is safe to call repeatedly
// and on a channel the broker already closed.
func (h *Handle) CloseChannel() {
	if h.ch != nil {
		if err := h.ch.Close(); err != nil {
			h.pool.log.WithError(err).Debug("closing broken channel")
		}
	}
	h.ch, h.chConn = nil, nil
}

// Release closes the channel and drops the handle's reference. Only the
// first call has an effect.
func (h *Handle) Release() {
	h.releaseOnce.Do(func() {
		h.CloseChannel()
		h.pool.mu.Lock()
		h.released = true
		h.pool.mu.Unlock()
		h.pool.release()
	})
}

// PublishPresence announces a status change for identity on the durable
// user state queue. Presence is best effort: errors are logged, never
// returned.
func (h *Handle) PublishPresence(ctx context.Context, identity string, status Status) {
	log := h.pool.log.WithFields(logrus.Fields{"identity": identity, "status": status.String()})
	if h.ch == nil {
		log.Warn("presence not published, no channel")
		return
	}

	if _, err := h.ch.QueueDeclare(config.UserStateQueue, true, false, false, false, nil); err != nil {
		log.WithError(err).Warn("presence queue declare failed")
		return
	}

	body, err := json.Marshal(PresenceEvent{
		ID:         identity,
		Status:     status,
		ServerInfo: h.pool.serverInfo,
	})
	if err != nil {
		log.WithError(err).Warn("presence encode failed")
		return
	}

	err = h.ch.PublishWithContext(ctx, "", config.UserStateQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		log.WithError(err).Warn("presence publish failed")
	}
}
