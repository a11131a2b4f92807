// Package outbox couples a local mutation with the event announcing it,
// either by staging the event in the mutation's transaction for a relay to
// publish (Outbox) or by publishing right after commit (Direct).
package outbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"librarysync/pkg/broker"
	"librarysync/pkg/events"
	"librarysync/pkg/store"
)

const (
	ModeOutbox = "outbox"
	ModeDirect = "direct"
)

// Dispatcher emits the event of a mutation. Stage runs inside the mutation's
// transaction; Committed runs after a successful commit.
type Dispatcher interface {
	Stage(tx *store.Tx, ev events.Event) error
	Committed(ctx context.Context, ev events.Event) error
}

// Publisher is implemented by *broker.Publisher.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
	PublishMessage(ctx context.Context, msg broker.Message) error
}

// Direct publishes after commit and reports broker failures to the caller.
// The mutation stays committed when the publish fails.
type Direct struct {
	pub Publisher
}

func NewDirect(pub Publisher) *Direct {
	return &Direct{pub: pub}
}

func (d *Direct) Stage(*store.Tx, events.Event) error {
	return nil
}

func (d *Direct) Committed(ctx context.Context, ev events.Event) error {
	return d.pub.Publish(ctx, ev)
}

// Outbox writes events to outbox_events and wakes the relay after commit.
type Outbox struct {
	relay *Relay
}

func NewOutbox(relay *Relay) *Outbox {
	return &Outbox{relay: relay}
}

func (o *Outbox) Stage(tx *store.Tx, ev events.Event) error {
	body, err := events.Encode(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	return tx.StageOutbox(uuid.NewString(), string(ev.Kind()), body)
}

func (o *Outbox) Committed(context.Context, events.Event) error {
	if o.relay != nil {
		o.relay.Notify()
	}
	return nil
}
