package deliverer

import (
	"context"
	"sync"

	"github.com/THPTUHA/relay/server/config"
	"github.com/THPTUHA/relay/server/messaging"
	"github.com/THPTUHA/relay/server/runner"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Node is the process-wide state shared by every session of a gateway: the
// hub, the broker connection pool and this gateway's delivery queue.
type Node struct {
	hub           *Hub
	pool          *messaging.Pool
	deliveryQueue string
	log           *logrus.Entry

	// bindLocks keep hub membership and broker bindings of an identity
	// changing together.
	bindLocks [numHubShards]sync.Mutex
}

func NewNode(pool *messaging.Pool, deliveryQueue string, log *logrus.Entry) *Node {
	return &Node{
		hub:           NewHub(),
		pool:          pool,
		deliveryQueue: deliveryQueue,
		log:           log,
	}
}

func (n *Node) Hub() *Hub {
	return n.hub
}

func (n *Node) Pool() *messaging.Pool {
	return n.pool
}

func (n *Node) lockIdentity(identity string) (unlock func()) {
	mu := &n.bindLocks[index(identity, numHubShards)]
	mu.Lock()
	return mu.Unlock
}

// NewSession creates the session for one client connection. Nothing is
// registered until Session.Connect.
func (n *Node) NewSession(identity string, t Transport) *Session {
	id := uuid.NewString()
	return &Session{
		id:        id,
		identity:  identity,
		transport: t,
		node:      n,
		log:       n.log.WithFields(logrus.Fields{"session": id, "identity": identity}),
	}
}

// DeliveryModule consumes this gateway's delivery queue and fans every
// message out to the local connections of its routing key. Bindings for
// all connected identities are restored on each fresh connection.
func (n *Node) DeliveryModule(cfg *config.Configs) *runner.Module {
	return &runner.Module{
		Name:  "gateway-delivery",
		Host:  cfg.RabbitMQ.Host,
		Port:  cfg.RabbitMQ.Port,
		Queue: n.deliveryQueue,
		Declare: func(ch messaging.Channel) error {
			return messaging.BindRecipients(ch, n.deliveryQueue, n.hub.Identities()...)
		},
		Callback: n.deliver,
	}
}

func (n *Node) deliver(ctx context.Context, d amqp.Delivery) {
	if err := n.hub.Fanout(ctx, d.RoutingKey, d.Body); err != nil {
		n.log.WithError(err).WithField("identity", d.RoutingKey).Warn("fanout incomplete")
	}
}

// Shutdown closes every client connection with the shutdown code. Each
// connection's read loop then disconnects its session.
func (n *Node) Shutdown() {
	for _, identity := range n.hub.Identities() {
		for _, c := range n.hub.Connections(identity) {
			if s, ok := c.(*Session); ok {
				if err := s.transport.Close(DisconnectShutdown); err != nil {
					s.log.WithError(err).Debug("close on shutdown")
				}
			}
		}
	}
}
