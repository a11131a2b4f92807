package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"librarysync/pkg/events"
)

type recordingProcessor struct {
	mu   sync.Mutex
	seen []events.Event
	err  error
}

func (p *recordingProcessor) Process(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, ev)
	return p.err
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

func newTestConsumer(t *testing.T, d *fakeDialer, proc Processor, mutate func(*ConsumerConfig)) *Consumer {
	t.Helper()
	cfg := ConsumerConfig{
		Config:      Config{Host: "localhost", User: "guest", Password: "guest"},
		Queue:       "admin_service_queue",
		Bindings:    []events.Kind{events.KindUserCreated, events.KindBookBorrowed, events.KindBookReturned},
		AppID:       "admin",
		Backoff:     10 * time.Millisecond,
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
		DeadLetter:  true,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if d != nil {
		cfg.Dial = d.dial
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewConsumer(cfg, proc)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	return c
}

func delivery(t *testing.T, ack *fakeAcknowledger, ev events.Event, appID string) amqp.Delivery {
	t.Helper()
	body, err := events.Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return amqp.Delivery{
		Acknowledger: ack,
		MessageId:    "msg-1",
		AppId:        appID,
		RoutingKey:   string(ev.Kind()),
		Body:         body,
	}
}

func TestConsumerAcksProcessedEvent(t *testing.T) {
	proc := &recordingProcessor{}
	c := newTestConsumer(t, nil, proc, nil)
	ack := &fakeAcknowledger{}

	c.handle(context.Background(), delivery(t, ack, events.UserCreated{ID: 1, Email: "a@b.c"}, "frontend"))

	if proc.count() != 1 {
		t.Fatalf("processor calls = %d, want 1", proc.count())
	}
	if !ack.last().acked {
		t.Fatalf("expected ack, got %+v", ack.last())
	}
}

func TestConsumerSkipsOwnMessages(t *testing.T) {
	proc := &recordingProcessor{}
	c := newTestConsumer(t, nil, proc, nil)
	ack := &fakeAcknowledger{}

	c.handle(context.Background(), delivery(t, ack, events.BookReturned{LendingFields: events.LendingFields{BookID: 2}}, "admin"))

	if proc.count() != 0 {
		t.Fatalf("own message should not be processed")
	}
	if !ack.last().acked {
		t.Fatalf("own message should be acked")
	}
}

func TestConsumerAcksUnknownAndUnhandledEvents(t *testing.T) {
	proc := &recordingProcessor{err: events.ErrUnhandled}
	c := newTestConsumer(t, nil, proc, nil)

	unknown := &fakeAcknowledger{}
	c.handle(context.Background(), amqp.Delivery{
		Acknowledger: unknown,
		MessageId:    "m-unknown",
		Body:         []byte(`{"event_type":"book_reviewed","payload":{"id":1}}`),
	})
	if !unknown.last().acked || proc.count() != 0 {
		t.Fatalf("unknown event should be acked without processing: %+v", unknown.last())
	}

	unhandled := &fakeAcknowledger{}
	c.handle(context.Background(), delivery(t, unhandled, events.BookDeleted{ID: 1}, "frontend"))
	if !unhandled.last().acked {
		t.Fatalf("unhandled event should be acked: %+v", unhandled.last())
	}
}

func TestConsumerRequeuesThenRejectsFailingMessage(t *testing.T) {
	proc := &recordingProcessor{err: errors.New("db down")}
	c := newTestConsumer(t, nil, proc, nil)
	ctx := context.Background()
	ack := &fakeAcknowledger{}
	d := delivery(t, ack, events.UserCreated{ID: 1, Email: "a@b.c"}, "frontend")

	for i := 1; i < 3; i++ {
		c.handle(ctx, d)
		if got := ack.last(); !got.nacked || !got.requeue {
			t.Fatalf("attempt %d: expected nack with requeue, got %+v", i, got)
		}
	}
	c.handle(ctx, d)
	if got := ack.last(); !got.nacked || got.requeue {
		t.Fatalf("final attempt: expected nack without requeue, got %+v", got)
	}

	// The counter starts over once the message was rejected.
	c.handle(ctx, d)
	if got := ack.last(); !got.requeue {
		t.Fatalf("counter should reset after rejection, got %+v", got)
	}
}

func TestConsumerBacksOffBeforeRequeue(t *testing.T) {
	proc := &recordingProcessor{err: errors.New("db restarting")}
	c := newTestConsumer(t, nil, proc, func(cfg *ConsumerConfig) {
		cfg.MaxAttempts = 3
		cfg.RetryDelay = 20 * time.Millisecond
	})
	ctx := context.Background()
	ack := &fakeAcknowledger{}
	d := delivery(t, ack, events.UserCreated{ID: 1, Email: "a@b.c"}, "frontend")

	start := time.Now()
	c.handle(ctx, d)
	c.handle(ctx, d)
	if got := ack.last(); !got.requeue {
		t.Fatalf("second failure should still be requeued: %+v", got)
	}
	// 20ms after the first failure, 40ms after the second.
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("requeued twice after %s, want at least 60ms of backoff", elapsed)
	}
	c.handle(ctx, d)
	if got := ack.last(); !got.nacked || got.requeue {
		t.Fatalf("third failure should be rejected: %+v", got)
	}
}

func TestConsumerRequeueDelay(t *testing.T) {
	c := newTestConsumer(t, nil, &recordingProcessor{}, func(cfg *ConsumerConfig) { cfg.RetryDelay = 0 })
	cases := map[int]time.Duration{
		0:  defaultRetryDelay,
		1:  defaultRetryDelay,
		2:  2 * defaultRetryDelay,
		4:  8 * defaultRetryDelay,
		20: maxRetryDelay,
	}
	for attempts, want := range cases {
		if got := c.requeueDelay(attempts); got != want {
			t.Fatalf("requeueDelay(%d) = %s, want %s", attempts, got, want)
		}
	}
}

func TestConsumerRequeueStopsWaitingOnCancel(t *testing.T) {
	proc := &recordingProcessor{err: errors.New("db restarting")}
	c := newTestConsumer(t, nil, proc, func(cfg *ConsumerConfig) { cfg.RetryDelay = time.Minute })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ack := &fakeAcknowledger{}

	start := time.Now()
	c.handle(ctx, delivery(t, ack, events.UserCreated{ID: 1, Email: "a@b.c"}, "frontend"))
	if time.Since(start) > time.Second {
		t.Fatalf("handle ignored cancellation during backoff")
	}
	if got := ack.last(); !got.nacked || !got.requeue {
		t.Fatalf("expected requeue, got %+v", got)
	}
}

func TestConsumerSuccessResetsAttempts(t *testing.T) {
	proc := &recordingProcessor{err: errors.New("transient")}
	c := newTestConsumer(t, nil, proc, nil)
	ctx := context.Background()
	ack := &fakeAcknowledger{}
	d := delivery(t, ack, events.UserCreated{ID: 1, Email: "a@b.c"}, "frontend")

	c.handle(ctx, d)
	c.handle(ctx, d)
	proc.mu.Lock()
	proc.err = nil
	proc.mu.Unlock()
	c.handle(ctx, d)
	if !ack.last().acked {
		t.Fatalf("expected ack")
	}
	n, err := c.retries.Incr(ctx, deliveryKey(d))
	if err != nil || n != 1 {
		t.Fatalf("counter after success = %d (%v), want fresh count", n, err)
	}
}

func TestConsumerBoundsMalformedMessages(t *testing.T) {
	proc := &recordingProcessor{}
	c := newTestConsumer(t, nil, proc, func(cfg *ConsumerConfig) { cfg.MaxAttempts = 2 })
	ack := &fakeAcknowledger{}
	d := amqp.Delivery{Acknowledger: ack, Body: []byte(`{"event_type":`)}

	c.handle(context.Background(), d)
	if got := ack.last(); !got.nacked || !got.requeue {
		t.Fatalf("first malformed delivery should be requeued: %+v", got)
	}
	c.handle(context.Background(), d)
	if got := ack.last(); !got.nacked || got.requeue {
		t.Fatalf("second malformed delivery should be rejected: %+v", got)
	}
	if proc.count() != 0 {
		t.Fatalf("malformed message reached the processor")
	}
}

func TestConsumerRunDeclaresTopologyAndConsumes(t *testing.T) {
	d := &fakeDialer{failures: 1}
	proc := &recordingProcessor{}
	c := newTestConsumer(t, d, proc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitFor(t, func() bool { return c.State() == StateConsuming })
	if d.count() != 2 {
		t.Fatalf("dials = %d, want one failure then success", d.count())
	}

	conn := d.last()
	ch := conn.ch
	ch.mu.Lock()
	if ch.exchanges[DefaultExchange] != amqp.ExchangeTopic || ch.exchanges["library_events.dlx"] != amqp.ExchangeTopic {
		t.Fatalf("exchanges = %v", ch.exchanges)
	}
	args, ok := ch.queues["admin_service_queue"]
	if !ok || args["x-dead-letter-exchange"] != "library_events.dlx" {
		t.Fatalf("queue args = %v (declared=%v)", args, ok)
	}
	if _, ok := ch.queues["admin_service_queue.dead"]; !ok {
		t.Fatalf("dead letter queue not declared")
	}
	bound := map[string]bool{}
	for _, b := range ch.bindings {
		if b.queue == "admin_service_queue" && b.exchange == DefaultExchange {
			bound[b.key] = true
		}
	}
	if len(bound) != 3 || !bound["user_created"] || !bound["book_borrowed"] || !bound["book_returned"] {
		t.Fatalf("bindings = %v", bound)
	}
	if ch.prefetch != 1 {
		t.Fatalf("prefetch = %d, want 1", ch.prefetch)
	}
	ch.mu.Unlock()

	ack := &fakeAcknowledger{}
	ch.deliveries <- delivery(t, ack, events.UserCreated{ID: 4, Email: "x@y.z"}, "frontend")
	waitFor(t, func() bool { return ack.count() == 1 })

	// A dropped connection sends the loop back through connecting.
	conn.drop()
	waitFor(t, func() bool { return d.count() == 3 && c.State() == StateConsuming })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state after stop = %s", c.State())
	}
}

func TestConsumerRunStopsDuringBackoff(t *testing.T) {
	d := &fakeDialer{failures: 1000}
	c := newTestConsumer(t, d, &recordingProcessor{}, func(cfg *ConsumerConfig) { cfg.Backoff = time.Hour })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	waitFor(t, func() bool { return d.count() == 1 })
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run ignored cancellation during backoff")
	}
}

func TestNewConsumerValidates(t *testing.T) {
	proc := &recordingProcessor{}
	if _, err := NewConsumer(ConsumerConfig{Config: Config{Host: "h", User: "u"}}, proc); err == nil {
		t.Fatalf("expected queue error")
	}
	if _, err := NewConsumer(ConsumerConfig{Config: Config{Host: "h", User: "u"}, Queue: "q"}, nil); err == nil {
		t.Fatalf("expected processor error")
	}
	cfg := ConsumerConfig{Config: Config{Host: "h", User: "u"}, Queue: "q", Bindings: []events.Kind{"book_reviewed"}}
	if _, err := NewConsumer(cfg, proc); err == nil {
		t.Fatalf("expected unknown binding error")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
