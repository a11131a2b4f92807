package app

import (
	"context"
	"errors"

	"librarysync/pkg/events"
	"librarysync/pkg/outbox"
	"librarysync/pkg/store"
)

// ServiceName is the AppId stamped on every message frontend publishes.
const ServiceName = "frontend"

// QueueName is the durable queue frontend consumes from.
const QueueName = "frontend_service_queue"

// ConsumedEvents are the routing keys bound to QueueName.
var ConsumedEvents = []events.Kind{
	events.KindBookCreated,
	events.KindBookUpdated,
	events.KindBookDeleted,
	events.KindBookBorrowed,
	events.KindBookReturned,
}

// Config holds runtime dependencies of the frontend core.
type Config struct {
	Store      *store.GormStore
	Dispatcher outbox.Dispatcher
}

// App registers users and lends books out of a catalog replicated from admin.
type App struct {
	store    *store.GormStore
	dispatch outbox.Dispatcher
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("event dispatcher required")
	}
	return &App{store: cfg.Store, dispatch: cfg.Dispatcher}, nil
}

func (a *App) mutate(ctx context.Context, fn func(tx *store.Tx) (events.Event, error)) error {
	var ev events.Event
	err := a.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		ev, err = fn(tx)
		if err != nil {
			return err
		}
		return a.dispatch.Stage(tx, ev)
	})
	if err != nil {
		return err
	}
	return a.dispatch.Committed(ctx, ev)
}
