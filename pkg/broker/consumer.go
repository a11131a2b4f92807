package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"librarysync/internal/util"
	"librarysync/pkg/events"
)

// State is the lifecycle position of a Consumer.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateConsuming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateConsuming:
		return "consuming"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Processor applies one decoded event to the local store. Returning
// events.ErrUnhandled acknowledges and drops the message; any other error
// sends it back for redelivery.
type Processor interface {
	Process(ctx context.Context, ev events.Event) error
}

type ConsumerConfig struct {
	Config
	Queue    string
	Bindings []events.Kind
	// AppID is the consuming service. Messages it published itself are
	// acknowledged without processing.
	AppID string
	// Backoff is the pause before reconnecting. Defaults to 5s.
	Backoff time.Duration
	// MaxAttempts bounds failed deliveries of one message before it is
	// rejected without requeue. Defaults to 5.
	MaxAttempts int
	// RetryDelay is slept before the first requeue of a failed message and
	// doubles with every further attempt, capped at maxRetryDelay. Defaults to 2s.
	RetryDelay time.Duration
	DeadLetter bool
	Retries    RetryTracker
	Dial       Dialer
	Logger     *slog.Logger
}

const (
	defaultRetryDelay = 2 * time.Second
	maxRetryDelay     = time.Minute
)

// Consumer is a long-lived subscriber that reconnects until its context ends.
type Consumer struct {
	url         string
	topology    Topology
	appID       string
	backoff     time.Duration
	maxAttempts int
	retryDelay  time.Duration
	retries     RetryTracker
	dial        Dialer
	logger      *slog.Logger
	proc        Processor

	state atomic.Int32
}

func NewConsumer(cfg ConsumerConfig, proc Processor) (*Consumer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	queue := strings.TrimSpace(cfg.Queue)
	if queue == "" {
		return nil, errors.New("consumer queue required")
	}
	if proc == nil {
		return nil, errors.New("consumer processor required")
	}
	for _, kind := range cfg.Bindings {
		if !kind.Known() {
			return nil, fmt.Errorf("consumer binding %q is not a known event type", kind)
		}
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	retries := cfg.Retries
	if retries == nil {
		retries = NewMemoryRetryTracker(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dial := cfg.Dial
	if dial == nil {
		name := cfg.Name
		if name == "" {
			name = queue
		}
		dial = NewDialer(name)
	}
	return &Consumer{
		url: cfg.URL(),
		topology: Topology{
			Exchange:   cfg.exchange(),
			Queue:      queue,
			Bindings:   cfg.Bindings,
			DeadLetter: cfg.DeadLetter,
		},
		appID:       strings.TrimSpace(cfg.AppID),
		backoff:     backoff,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		retries:     retries,
		dial:        dial,
		logger:      logger.With("queue", queue),
		proc:        proc,
	}, nil
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

// Run consumes until ctx is cancelled, reconnecting after Backoff whenever
// the session fails. It always returns nil.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.setState(StateDisconnected)
	for {
		err := c.session(ctx)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("consumer disconnected", "err", err, "retry_in", c.backoff.String())
		timer := time.NewTimer(c.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Consumer) session(ctx context.Context) error {
	c.setState(StateConnecting)
	conn, err := c.dial(c.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := c.topology.Declare(ch); err != nil {
		return err
	}
	c.setState(StateSubscribed)
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	tag := c.appID
	if tag == "" {
		tag = c.topology.Queue
	}
	deliveries, err := ch.Consume(c.topology.Queue, tag+"-"+uuid.NewString(), false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.topology.Queue, err)
	}
	c.setState(StateConsuming)
	c.logger.Info("consumer subscribed", "bindings", c.topology.Bindings)

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	logger := c.logger.With("message_id", d.MessageId, "routing_key", d.RoutingKey)
	if c.appID != "" && d.AppId == c.appID {
		logger.Debug("skipping own message")
		c.ack(logger, d)
		return
	}

	key := deliveryKey(d)
	ev, err := events.Decode(d.Body)
	switch {
	case errors.Is(err, events.ErrUnknownEvent):
		logger.Info("dropping unknown event", "err", err)
		c.ack(logger, d)
		return
	case err != nil:
		logger.Warn("malformed message", "err", err)
		c.fail(ctx, logger, d, key)
		return
	}

	logger = logger.With("event_type", ev.Kind().String())
	err = c.proc.Process(util.ContextWithLogger(ctx, logger), ev)
	switch {
	case errors.Is(err, events.ErrUnhandled):
		logger.Debug("event not consumed by this service")
		c.ack(logger, d)
	case err != nil:
		logger.Error("handle event failed", "err", err)
		c.fail(ctx, logger, d, key)
	default:
		c.ack(logger, d)
		if err := c.retries.Reset(ctx, key); err != nil {
			logger.Warn("reset retry counter failed", "err", err)
		}
	}
}

// fail requeues d, or rejects it for dead-lettering once it used up its attempts.
func (c *Consumer) fail(ctx context.Context, logger *slog.Logger, d amqp.Delivery, key string) {
	attempts, err := c.retries.Incr(ctx, key)
	if err != nil {
		logger.Warn("retry counter unavailable", "err", err)
	}
	if err == nil && attempts >= c.maxAttempts {
		logger.Error("rejecting message", "attempts", attempts, "dead_letter", c.topology.DeadLetter)
		if err := d.Nack(false, false); err != nil {
			logger.Warn("nack failed", "err", err)
		}
		if err := c.retries.Reset(ctx, key); err != nil {
			logger.Warn("reset retry counter failed", "err", err)
		}
		return
	}
	delay := c.requeueDelay(attempts)
	logger.Info("requeueing message", "attempts", attempts, "retry_in", delay.String())
	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	timer.Stop()
	if err := d.Nack(false, true); err != nil {
		logger.Warn("nack failed", "err", err)
	}
}

// requeueDelay is the pause after the given failed attempt: RetryDelay,
// doubled per earlier attempt.
func (c *Consumer) requeueDelay(attempts int) time.Duration {
	delay := c.retryDelay
	for i := 1; i < attempts && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

func (c *Consumer) ack(logger *slog.Logger, d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		logger.Warn("ack failed", "err", err)
	}
}

// deliveryKey identifies a message across redeliveries.
func deliveryKey(d amqp.Delivery) string {
	if id := strings.TrimSpace(d.MessageId); id != "" {
		return "id:" + id
	}
	sum := sha256.Sum256(d.Body)
	return "body:" + hex.EncodeToString(sum[:])
}
