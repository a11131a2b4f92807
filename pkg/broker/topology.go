package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"librarysync/pkg/events"
)

// Topology is what a consumer declares before subscribing.
type Topology struct {
	Exchange string
	Queue    string
	Bindings []events.Kind
	// DeadLetter routes rejected messages to Queue+".dead" through
	// Exchange+".dlx". Toggling it on an existing queue needs the queue
	// deleted first: the broker refuses changed arguments.
	DeadLetter bool
}

func (t Topology) DeadLetterExchange() string {
	return t.Exchange + ".dlx"
}

func (t Topology) DeadLetterQueue() string {
	return t.Queue + ".dead"
}

// DeclareExchange idempotently declares a durable topic exchange.
func DeclareExchange(ch Channel, name string) error {
	if err := ch.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	return nil
}

// Declare creates the exchange, the durable queue and one binding per kind.
func (t Topology) Declare(ch Channel) error {
	if err := DeclareExchange(ch, t.Exchange); err != nil {
		return err
	}
	var args amqp.Table
	if t.DeadLetter {
		dlx := t.DeadLetterExchange()
		if err := DeclareExchange(ch, dlx); err != nil {
			return err
		}
		if _, err := ch.QueueDeclare(t.DeadLetterQueue(), true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", t.DeadLetterQueue(), err)
		}
		if err := ch.QueueBind(t.DeadLetterQueue(), "#", dlx, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", t.DeadLetterQueue(), err)
		}
		args = amqp.Table{"x-dead-letter-exchange": dlx}
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}
	for _, kind := range t.Bindings {
		if err := ch.QueueBind(t.Queue, string(kind), t.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", t.Queue, kind, err)
		}
	}
	return nil
}
