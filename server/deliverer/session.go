package deliverer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/THPTUHA/relay/server/messaging"
	"github.com/sirupsen/logrus"
)

// Transport is the client side of a session: the web socket in
// production.
type Transport interface {
	Write(ctx context.Context, data []byte) error
	Close(d Disconnect) error
}

// Session ties one client connection to the hub and to a broker handle.
type Session struct {
	id        string
	identity  string
	transport Transport
	node      *Node
	handle    *messaging.Handle
	log       *logrus.Entry

	mu        sync.Mutex
	connected bool
	closed    bool
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Identity() string {
	return s.identity
}

// Connect takes a broker handle, registers the session and announces the
// identity as connected. ErrBrokerUnavailable means the client must be
// turned away.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.connected {
		return ErrSessionClosed
	}

	h := s.node.pool.Acquire()
	if !h.Connect() {
		h.Release()
		s.closed = true
		return ErrBrokerUnavailable
	}
	s.handle = h

	unlock := s.node.lockIdentity(s.identity)
	if s.node.hub.Register(s.identity, s) {
		if err := h.BindRecipient(s.node.deliveryQueue, s.identity); err != nil {
			s.log.WithError(err).Warn("bind delivery queue")
		}
	}
	unlock()
	s.connected = true
	h.PublishPresence(ctx, s.identity, messaging.StatusConnected)
	s.log.Debug("session connected")
	return nil
}

// Disconnect unregisters the session, announces the identity as
// disconnected and releases the broker handle. Every step is best effort
// and repeated calls do nothing.
func (s *Session) Disconnect(ctx context.Context, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if !s.connected {
		return
	}

	// Teardown never dials: with the broker gone the binding is left
	// behind and the disconnect goes unannounced.
	live := s.handle.Live()
	unlock := s.node.lockIdentity(s.identity)
	if s.node.hub.Unregister(s.identity, s) && live {
		if err := s.handle.UnbindRecipient(s.node.deliveryQueue, s.identity); err != nil {
			s.log.WithError(err).Warn("unbind delivery queue")
		}
	}
	unlock()
	if live {
		s.handle.PublishPresence(ctx, s.identity, messaging.StatusDisconnected)
	}
	s.handle.Release()
	s.log.WithField("code", code).Debug("session disconnected")
}

// Send delivers message to every local connection of recipient.
func (s *Session) Send(ctx context.Context, recipient string, message []byte) error {
	return s.node.hub.Fanout(ctx, recipient, message)
}

// Deliver writes payload to this session's client. A client that cannot
// be written to is disconnected.
func (s *Session) Deliver(ctx context.Context, payload []byte) error {
	err := s.transport.Write(ctx, payload)
	if err != nil && !errors.Is(err, errTransportClosed) {
		s.log.WithError(err).Debug("write failed, closing client")
		_ = s.transport.Close(DisconnectWriteError)
	}
	return err
}

// Receive handles one inbound frame. Invalid frames and publish failures
// are answered with an error frame; only a lost broker connection is
// returned, and ends the session.
func (s *Session) Receive(ctx context.Context, frame []byte) error {
	msg, err := ParseMessage(frame)
	if err != nil {
		s.log.WithError(err).Debug("rejecting frame")
		s.reply(ctx, ErrorBadRequest, nil)
		return nil
	}
	msg.From = s.identity
	msg.TS = time.Now().UnixMilli()

	body, err := msg.Encode()
	if err != nil {
		s.reply(ctx, ErrorInternal, msg.TN)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.closed {
		return ErrSessionClosed
	}
	if !s.handle.Connect() {
		return ErrBrokerUnavailable
	}
	if err := s.handle.PublishMessage(ctx, msg.Route(), body); err != nil {
		s.log.WithError(err).Warn("publish message")
		s.reply(ctx, ErrorInternal, msg.TN)
	}
	return nil
}

func (s *Session) reply(ctx context.Context, e *Error, tn *int64) {
	if err := s.transport.Write(ctx, e.frame(tn)); err != nil && !errors.Is(err, errTransportClosed) {
		s.log.WithError(err).Debug("write error frame")
	}
}
