package app

import (
	"context"
	"errors"
	"strings"

	"librarysync/pkg/domain"
	"librarysync/pkg/events"
	"librarysync/pkg/outbox"
	"librarysync/pkg/store"
)

// ServiceName is the AppId stamped on every message admin publishes.
const ServiceName = "admin"

// QueueName is the durable queue admin consumes from.
const QueueName = "admin_service_queue"

// ConsumedEvents are the routing keys bound to QueueName.
var ConsumedEvents = []events.Kind{
	events.KindUserCreated,
	events.KindBookBorrowed,
	events.KindBookReturned,
}

// Config holds runtime dependencies of the admin core.
type Config struct {
	Store      *store.GormStore
	Dispatcher outbox.Dispatcher
}

// App owns the catalog and mirrors users and lendings reported by frontend.
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

// mutate commits fn together with the event it returns, then hands the event
// to the dispatcher. A dispatch failure leaves the commit in place.
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

// BookInput is the editable part of a catalog entry.
type BookInput struct {
	Title           string `json:"title"`
	Author          string `json:"author"`
	ISBN            string `json:"isbn"`
	Publisher       string `json:"publisher"`
	Category        string `json:"category"`
	PublicationYear int    `json:"publication_year"`
	Description     string `json:"description"`
}

func (in BookInput) normalize() (BookInput, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Author = strings.TrimSpace(in.Author)
	in.ISBN = strings.TrimSpace(in.ISBN)
	in.Publisher = strings.TrimSpace(in.Publisher)
	in.Category = strings.TrimSpace(in.Category)
	if in.Title == "" || in.Author == "" || in.ISBN == "" {
		return in, ErrBookFieldsRequired
	}
	return in, nil
}

func (in BookInput) applyTo(b *domain.Book) {
	b.Title = in.Title
	b.Author = in.Author
	b.ISBN = in.ISBN
	b.Publisher = in.Publisher
	b.Category = in.Category
	b.PublicationYear = in.PublicationYear
	b.Description = in.Description
}

// UserInput is the editable part of a user.
type UserInput struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}
