package deliverer

import amqp "github.com/rabbitmq/amqp091-go"

func amqpDelivery(key, body string) amqp.Delivery {
	return amqp.Delivery{RoutingKey: key, Body: []byte(body)}
}
