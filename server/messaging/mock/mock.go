// Package mock provides in-memory stand-ins for the broker connection and
// channel so that pool and consumer behaviour can be tested without a
// running broker.
package mock

import (
	"context"
	"sync"

	"github.com/THPTUHA/relay/server/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

type Publication struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

type Binding struct {
	Queue    string
	Key      string
	Exchange string
}

// Dialer hands out a fresh Connection per successful dial.
type Dialer struct {
	mu    sync.Mutex
	err   error
	urls  []string
	conns []*Connection
	// Dialed, when set, receives every new connection.
	Dialed chan *Connection
	// Gate, when set, holds every dial until it can receive from it.
	Gate chan struct{}
}

func (d *Dialer) Dial(url string) (messaging.Connection, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	if gate := d.Gate; gate != nil {
		d.mu.Unlock()
		<-gate
		d.mu.Lock()
	}
	if d.err != nil {
		err := d.err
		d.mu.Unlock()
		return nil, err
	}
	c := NewConnection()
	d.conns = append(d.conns, c)
	dialed := d.Dialed
	d.mu.Unlock()

	if dialed != nil {
		dialed <- c
	}
	return c, nil
}

// SetErr makes following dials fail with err, or succeed again when err is
// nil.
func (d *Dialer) SetErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// Attempts counts every dial, failed or not.
func (d *Dialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *Dialer) Connections() []*Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Connection(nil), d.conns...)
}

type Connection struct {
	mu       sync.Mutex
	closed   bool
	closes   int
	notify   []chan *amqp.Error
	channels []*Channel
	bound    map[Binding]bool
	unbind   func(Binding)
	// ChannelErr fails every Channel call when set.
	ChannelErr error
}

func NewConnection() *Connection {
	return &Connection{bound: make(map[Binding]bool)}
}

// Bound reports whether b exists on the broker, whichever channel made it.
func (c *Connection) Bound(b Binding) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bound[b]
}

// OnUnbind runs fn before every QueueUnbind on any channel of c.
func (c *Connection) OnUnbind(fn func(Binding)) {
	c.mu.Lock()
	c.unbind = fn
	c.mu.Unlock()
}

func (c *Connection) setBound(b Binding, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.bound[b] = true
	} else {
		delete(c.bound, b)
	}
}

func (c *Connection) unbindHook() func(Binding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unbind
}

func (c *Connection) Channel() (messaging.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ChannelErr != nil {
		return nil, c.ChannelErr
	}
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := newChannel(c)
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close is a client initiated close. Listeners are closed without an error.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.shutdown(nil)
	return nil
}

// Drop simulates the broker going away.
func (c *Connection) Drop() {
	c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "broker gone", Server: true})
}

func (c *Connection) shutdown(reason *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	notify := c.notify
	c.notify = nil
	channels := append([]*Channel(nil), c.channels...)
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown()
	}
	for _, n := range notify {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
}

func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// Closes counts client initiated closes.
func (c *Connection) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *Connection) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

type Channel struct {
	conn *Connection

	mu         sync.Mutex
	closed     bool
	queues     map[string]bool
	exchanges  map[string]string
	bindings   []Binding
	published  []Publication
	deliveries chan amqp.Delivery
	consumed   chan struct{}

	// Failures injected by tests.
	DeclareErr error
	PublishErr error
	CloseErr   error
}

func newChannel(c *Connection) *Channel {
	return &Channel{
		conn:       c,
		queues:     make(map[string]bool),
		exchanges:  make(map[string]string),
		deliveries: make(chan amqp.Delivery, 64),
		consumed:   make(chan struct{}),
	}
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if ch.DeclareErr != nil {
		return amqp.Queue{}, ch.DeclareErr
	}
	ch.queues[name] = durable
	return amqp.Queue{Name: name}, nil
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.DeclareErr != nil {
		return ch.DeclareErr
	}
	ch.exchanges[name] = kind
	return nil
}

func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	b := Binding{Queue: name, Key: key, Exchange: exchange}
	ch.bindings = append(ch.bindings, b)
	ch.conn.setBound(b, true)
	return nil
}

func (ch *Channel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	target := Binding{Queue: name, Key: key, Exchange: exchange}
	if hook := ch.conn.unbindHook(); hook != nil {
		hook(target)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	kept := ch.bindings[:0]
	for _, b := range ch.bindings {
		if b != target {
			kept = append(kept, b)
		}
	}
	ch.bindings = kept
	ch.conn.setBound(target, false)
	return nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.PublishErr != nil {
		return ch.PublishErr
	}
	ch.published = append(ch.published, Publication{Exchange: exchange, Key: key, Msg: msg})
	return nil
}

func (ch *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	select {
	case <-ch.consumed:
	default:
		close(ch.consumed)
	}
	return ch.deliveries, nil
}

func (ch *Channel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *Channel) Close() error {
	ch.shutdown()
	return ch.CloseErr
}

func (ch *Channel) shutdown() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.closed = true
	close(ch.deliveries)
}

// Deliver queues d for the consumer. It reports false when the channel is
// already closed.
func (ch *Channel) Deliver(d amqp.Delivery) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return false
	}
	ch.deliveries <- d
	return true
}

// Consumed is closed once Consume has been called.
func (ch *Channel) Consumed() <-chan struct{} {
	return ch.consumed
}

func (ch *Channel) Queues() map[string]bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make(map[string]bool, len(ch.queues))
	for k, v := range ch.queues {
		out[k] = v
	}
	return out
}

func (ch *Channel) Exchanges() map[string]string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make(map[string]string, len(ch.exchanges))
	for k, v := range ch.exchanges {
		out[k] = v
	}
	return out
}

func (ch *Channel) Bindings() []Binding {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]Binding(nil), ch.bindings...)
}

func (ch *Channel) Published() []Publication {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]Publication(nil), ch.published...)
}

// Break closes the channel as if the broker had raised a channel exception.
func (ch *Channel) Break() {
	ch.shutdown()
}
