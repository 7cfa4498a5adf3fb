package mq

import amqp "github.com/rabbitmq/amqp091-go"

// Exchange carries all upstream social events; routing keys are
// "notify.<kind>" for notification fan-out.
const EventsExchange = "social.events"

func NewConnection(url string) (*amqp.Connection, error) {
	return amqp.Dial(url)
}

func DeclareEventsExchange(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil)
}
