package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/THPTUHA/relay/server/config"
	"github.com/THPTUHA/relay/server/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownHandler  = errors.New("unknown consumer handler")
	ErrMissingCallback = errors.New("handler lacks callback")
	ErrMissingQueue    = errors.New("handler lacks queue name")
)

// Callback processes one delivery. It runs on a worker, never on the
// goroutine reading from the broker.
type Callback func(ctx context.Context, d amqp.Delivery)

// Module is a pluggable consumer handler: where to connect, which queue to
// read and what to do with each message.
type Module struct {
	Name    string
	Host    string
	Port    int
	Queue   string
	Durable bool
	// Declare, if set, runs after the queue is declared on every fresh
	// connection, e.g. to (re)create bindings.
	Declare  func(ch messaging.Channel) error
	Callback Callback
}

func (m *Module) validate() error {
	if m.Callback == nil {
		return &SetupError{Err: fmt.Errorf("%w: %q", ErrMissingCallback, m.Name)}
	}
	if m.Queue == "" {
		return &SetupError{Err: fmt.Errorf("%w: %q", ErrMissingQueue, m.Name)}
	}
	return nil
}

// SetupError is an unrecoverable consumer failure. It is never retried.
type SetupError struct {
	Err error
}

func (e *SetupError) Error() string {
	return "setup consumer: " + e.Err.Error()
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// Factory builds a module from process configuration.
type Factory func(cfg *config.Configs, log *logrus.Entry) (*Module, error)

// Registry maps handler names to their factories.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load builds and validates the named module. Every error it returns is a
// *SetupError.
func (r *Registry) Load(name string, cfg *config.Configs, log *logrus.Entry) (*Module, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, &SetupError{Err: fmt.Errorf("%w: %q", ErrUnknownHandler, name)}
	}
	m, err := f(cfg, log.WithField("handler", name))
	if err != nil {
		return nil, &SetupError{Err: fmt.Errorf("load %q: %w", name, err)}
	}
	if m.Name == "" {
		m.Name = name
	}
	if m.Host == "" {
		m.Host = cfg.RabbitMQ.Host
	}
	if m.Port == 0 {
		m.Port = cfg.RabbitMQ.Port
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}
