package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"librarysync/pkg/events"
)

// ErrNacked is returned when the broker negatively confirms a publish.
var ErrNacked = errors.New("broker rejected message")

// PublishError reports that an event did not reach the broker. The caller's
// local mutation has already been committed at that point.
type PublishError struct {
	EventType events.Kind
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.EventType, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Message is an already encoded envelope, as staged in the outbox.
type Message struct {
	ID        string
	Kind      events.Kind
	Body      []byte
	Timestamp time.Time
}

type PublisherConfig struct {
	Config
	// AppID identifies the producing service on every message.
	AppID          string
	ConfirmTimeout time.Duration
	Dial           Dialer
}

// Publisher publishes persistent messages over one pooled connection and
// waits for the broker confirm of each. Publishes are serialized.
type Publisher struct {
	url            string
	exchange       string
	appID          string
	confirmTimeout time.Duration
	dial           Dialer

	mu       sync.Mutex
	conn     Connection
	ch       Channel
	confirms chan amqp.Confirmation
}

// NewPublisher does not dial; the connection is opened by the first publish.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	appID := strings.TrimSpace(cfg.AppID)
	if appID == "" {
		return nil, errors.New("publisher app id required")
	}
	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dial := cfg.Dial
	if dial == nil {
		name := cfg.Name
		if name == "" {
			name = appID + "-publisher"
		}
		dial = NewDialer(name)
	}
	return &Publisher{
		url:            cfg.URL(),
		exchange:       cfg.exchange(),
		appID:          appID,
		confirmTimeout: timeout,
		dial:           dial,
	}, nil
}

// Publish encodes ev and publishes it with its kind as routing key.
func (p *Publisher) Publish(ctx context.Context, ev events.Event) error {
	if ev == nil {
		return &PublishError{Err: errors.New("nil event")}
	}
	body, err := events.Encode(ev)
	if err != nil {
		return &PublishError{EventType: ev.Kind(), Err: err}
	}
	return p.PublishMessage(ctx, Message{Kind: ev.Kind(), Body: body})
}

// PublishMessage publishes msg and returns once the broker confirmed it.
func (p *Publisher) PublishMessage(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if err := p.publish(ctx, msg); err != nil {
		return &PublishError{EventType: msg.Kind, Err: err}
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureChannelLocked(); err != nil {
		return err
	}
	err := p.ch.PublishWithContext(ctx, p.exchange, string(msg.Kind), false, false, amqp.Publishing{
		ContentType:  events.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		AppId:        p.appID,
		Type:         string(msg.Kind),
		Timestamp:    msg.Timestamp,
		Body:         msg.Body,
	})
	if err != nil {
		p.resetLocked()
		return err
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()
	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			p.resetLocked()
			return errors.New("channel closed before confirm")
		}
		if !confirm.Ack {
			return ErrNacked
		}
		return nil
	case <-ctx.Done():
		// The pending confirm would be matched with the next publish.
		p.resetLocked()
		return ctx.Err()
	case <-timer.C:
		p.resetLocked()
		return errors.New("timed out waiting for confirm")
	}
}

func (p *Publisher) ensureChannelLocked() error {
	if p.ch != nil && !p.ch.IsClosed() && p.conn != nil && !p.conn.IsClosed() {
		return nil
	}
	p.resetLocked()

	conn, err := p.dial(p.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := DeclareExchange(ch, p.exchange); err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("enable confirms: %w", err)
	}
	p.conn = conn
	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch = nil
	p.conn = nil
	p.confirms = nil
}

// Close releases the pooled connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}
