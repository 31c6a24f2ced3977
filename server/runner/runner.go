package runner

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/THPTUHA/relay/server/config"
	"github.com/THPTUHA/relay/server/messaging"
	"github.com/jpillora/backoff"
	"github.com/panjf2000/ants"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

var (
	consumerReconnects = expvar.NewInt("consumer_reconnects")
	consumerDispatched = expvar.NewInt("consumer_dispatched")

	errConnectionClosed = errors.New("broker connection closed")
)

type State int32

const (
	StateStarting State = iota + 1
	StateConsuming
	StateReconnectWait
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateConsuming:
		return "consuming"
	case StateReconnectWait:
		return "reconnect-wait"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Supervisor keeps one module consuming for as long as its context lives.
// Lost connections are replaced after a fixed delay, forever; only setup
// errors stop it.
type Supervisor struct {
	module  *Module
	url     string
	dial    messaging.Dialer
	workers int
	delay   time.Duration
	log     *logrus.Entry
	hook    func(State)

	state atomic.Int32
}

type Option func(*Supervisor)

func WithDialer(d messaging.Dialer) Option {
	return func(s *Supervisor) {
		s.dial = d
	}
}

func WithWorkers(n int) Option {
	return func(s *Supervisor) {
		s.workers = n
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(s *Supervisor) {
		s.delay = d
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(s *Supervisor) {
		s.log = log
	}
}

// WithStateHook registers fn to be called on every state transition.
func WithStateHook(fn func(State)) Option {
	return func(s *Supervisor) {
		s.hook = fn
	}
}

func NewSupervisor(cfg *config.Configs, m *Module, opts ...Option) (*Supervisor, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	s := &Supervisor{
		module:  m,
		url:     cfg.BrokerURL(m.Host, m.Port),
		dial:    messaging.DialAMQP,
		workers: cfg.Consumer.Workers,
		delay:   cfg.Consumer.RetryDelay,
		log:     logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.workers <= 0 {
		s.workers = config.DefaultWorkers
	}
	if s.delay <= 0 {
		s.delay = config.DefaultRetryDelay
	}
	s.log = s.log.WithFields(logrus.Fields{"handler": m.Name, "queue": m.Queue})
	return s, nil
}

func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
	if s.hook != nil {
		s.hook(st)
	}
}

type job struct {
	ctx context.Context
	d   amqp.Delivery
}

// Run consumes until ctx is done, which is a clean exit, or until a
// *SetupError occurs.
func (s *Supervisor) Run(ctx context.Context) error {
	pool, err := ants.NewPoolWithFunc(s.workers, func(payload interface{}) {
		j := payload.(*job)
		s.module.Callback(j.ctx, j.d)
	}, ants.WithPanicHandler(func(p interface{}) {
		s.log.Errorf("callback panic: %v", p)
	}))
	if err != nil {
		s.setState(StateTerminated)
		return &SetupError{Err: fmt.Errorf("worker pool: %w", err)}
	}
	defer pool.Release()

	retry := &backoff.Backoff{Min: s.delay, Max: s.delay, Factor: 1}
	for {
		err := s.consume(ctx, pool)
		if ctx.Err() != nil {
			s.setState(StateTerminated)
			s.log.Info("consumer exiting")
			return nil
		}
		var setup *SetupError
		if errors.As(err, &setup) {
			s.setState(StateTerminated)
			return err
		}

		s.setState(StateReconnectWait)
		consumerReconnects.Add(1)
		wait := retry.Duration()
		s.log.WithError(err).Warnf("restart consumer in %s", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			s.setState(StateTerminated)
			s.log.Info("consumer exiting")
			return nil
		case <-t.C:
		}
	}
}

func (s *Supervisor) consume(ctx context.Context, pool *ants.PoolWithFunc) error {
	s.setState(StateStarting)

	conn, err := s.dial(s.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	deliveries, err := s.setup(ch)
	if err != nil {
		if conn.IsClosed() {
			return err
		}
		return &SetupError{Err: err}
	}

	s.setState(StateConsuming)
	s.log.Info("consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reason, ok := <-closed:
			if ok && reason != nil {
				return fmt.Errorf("%w: %v", errConnectionClosed, reason)
			}
			return errConnectionClosed
		case d, ok := <-deliveries:
			if !ok {
				return errConnectionClosed
			}
			consumerDispatched.Add(1)
			if err := pool.Invoke(&job{ctx: ctx, d: d}); err != nil {
				s.log.WithError(err).Error("dispatch message")
			}
		}
	}
}

func (s *Supervisor) setup(ch messaging.Channel) (<-chan amqp.Delivery, error) {
	if _, err := ch.QueueDeclare(s.module.Queue, s.module.Durable, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", s.module.Queue, err)
	}
	if s.module.Declare != nil {
		if err := s.module.Declare(ch); err != nil {
			return nil, err
		}
	}
	deliveries, err := ch.Consume(s.module.Queue, "", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", s.module.Queue, err)
	}
	return deliveries, nil
}
