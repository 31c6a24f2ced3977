package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/THPTUHA/relay/server/config"
	amqp "github.com/rabbitmq/amqp091-go"
)

var ErrNoChannel = errors.New("messaging: handle has no open channel")

// Route says where a chat message is published: to an exchange with a
// routing key, or straight to a queue when Exchange is empty.
type Route struct {
	Exchange string
	Key      string
}

// ChatRoute delivers to the gateways holding recipient.
func ChatRoute(recipient string) Route {
	return Route{Exchange: config.NewMessageExchange, Key: recipient}
}

// GroupRoute queues the message for group expansion by the delivery side.
func GroupRoute() Route {
	return Route{Key: config.NewMessageGroup}
}

// PublishMessage sends body along route as a persistent JSON message.
func (h *Handle) PublishMessage(ctx context.Context, route Route, body []byte) error {
	if h.ch == nil {
		return ErrNoChannel
	}
	if route.Exchange != "" {
		if err := declareNewMessageExchange(h.ch); err != nil {
			return err
		}
	} else if _, err := h.ch.QueueDeclare(route.Key, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", route.Key, err)
	}
	return h.ch.PublishWithContext(ctx, route.Exchange, route.Key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// BindRecipient routes chat messages addressed to identity into queue.
func (h *Handle) BindRecipient(queue, identity string) error {
	if h.ch == nil {
		return ErrNoChannel
	}
	return BindRecipients(h.ch, queue, identity)
}

// UnbindRecipient undoes BindRecipient.
func (h *Handle) UnbindRecipient(queue, identity string) error {
	if h.ch == nil {
		return ErrNoChannel
	}
	return h.ch.QueueUnbind(queue, identity, config.NewMessageExchange, nil)
}

// DeclareDeliveryQueue declares the chat exchange and a gateway's delivery
// queue. Both declarations are idempotent.
func DeclareDeliveryQueue(ch Channel, queue string) error {
	if err := declareNewMessageExchange(ch); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(queue, false, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return nil
}

// BindRecipients declares queue and binds it to every identity given.
func BindRecipients(ch Channel, queue string, identities ...string) error {
	if err := DeclareDeliveryQueue(ch, queue); err != nil {
		return err
	}
	for _, identity := range identities {
		if err := ch.QueueBind(queue, identity, config.NewMessageExchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", identity, queue, err)
		}
	}
	return nil
}

func declareNewMessageExchange(ch Channel) error {
	err := ch.ExchangeDeclare(config.NewMessageExchange, amqp.ExchangeDirect, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", config.NewMessageExchange, err)
	}
	return nil
}
