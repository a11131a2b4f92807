// Package broker moves library events over RabbitMQ: a confirming publisher,
// a reconnecting consumer loop and the topology both of them declare.
package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the durable topic exchange shared by both services.
const DefaultExchange = "library_events"

// Connection is the subset of *amqp.Connection used here.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Channel is the subset of *amqp.Channel used here.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(url string) (Connection, error)

// Config locates the broker.
type Config struct {
	Host     string
	Port     int
	Vhost    string
	User     string
	Password string
	// Exchange defaults to DefaultExchange.
	Exchange string
	// Name is reported to the broker as the connection name.
	Name string
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return errors.New("rabbitmq host required")
	}
	if strings.TrimSpace(c.User) == "" {
		return errors.New("rabbitmq user required")
	}
	return nil
}

func (c Config) exchange() string {
	if name := strings.TrimSpace(c.Exchange); name != "" {
		return name
	}
	return DefaultExchange
}

// URL renders the AMQP URI of the broker.
func (c Config) URL() string {
	port := c.Port
	if port <= 0 {
		port = 5672
	}
	vhost := c.Vhost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     strings.TrimSpace(c.Host),
		Port:     port,
		Username: c.User,
		Password: c.Password,
		Vhost:    vhost,
	}.String()
}

// NewDialer returns a Dialer over amqp091 that tags connections with name.
func NewDialer(name string) Dialer {
	return func(url string) (Connection, error) {
		props := amqp.NewConnectionProperties()
		if name != "" {
			props.SetClientConnectionName(name)
		}
		conn, err := amqp.DialConfig(url, amqp.Config{
			Heartbeat:  10 * time.Second,
			Locale:     "en_US",
			Properties: props,
		})
		if err != nil {
			return nil, err
		}
		return amqpConnection{conn}, nil
	}
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}
