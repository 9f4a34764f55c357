package mq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange carries realtime domain events (message.created, notification.requested, ...).
const Exchange = "realtime.events"

func NewConnection(url string) (*amqp.Connection, error) {
	return amqp.Dial(url)
}

// DeclareExchange declares the durable topic exchange shared by publishers and consumers.
func DeclareExchange(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil)
}
