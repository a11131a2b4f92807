// Package events defines the library_events wire envelope and the typed
// events carried inside it. Dates travel as YYYY-MM-DD strings.
package events

import (
	"errors"
	"fmt"

	"librarysync/pkg/domain"
)

// Kind is the event_type tag of an envelope. It doubles as the routing key.
type Kind string

const (
	KindBookCreated  Kind = "book_created"
	KindBookUpdated  Kind = "book_updated"
	KindBookDeleted  Kind = "book_deleted"
	KindUserCreated  Kind = "user_created"
	KindBookBorrowed Kind = "book_borrowed"
	KindBookReturned Kind = "book_returned"
)

// Kinds lists every known event kind.
var Kinds = []Kind{
	KindBookCreated,
	KindBookUpdated,
	KindBookDeleted,
	KindUserCreated,
	KindBookBorrowed,
	KindBookReturned,
}

// Known reports whether k is part of the fixed enumeration.
func (k Kind) Known() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

func (k Kind) String() string {
	return string(k)
}

var (
	// ErrUnknownEvent marks an envelope whose event_type is not understood.
	ErrUnknownEvent = errors.New("unknown event type")
	// ErrMalformed marks a body that cannot be decoded as an envelope.
	ErrMalformed = errors.New("malformed event")
	// ErrUnhandled is returned by processors for events they do not consume.
	ErrUnhandled = errors.New("event not handled")
)

// Event is implemented only by the payload types of this package.
type Event interface {
	Kind() Kind
	sealed()
}

// BookCreated is published by admin after a catalog insert.
type BookCreated struct {
	BookFields
}

// BookUpdated is published by admin after a catalog edit.
type BookUpdated struct {
	BookFields
}

// BookDeleted is published by admin after a catalog delete.
type BookDeleted struct {
	ID int64 `json:"id"`
}

// UserCreated is published by frontend after a registration.
type UserCreated struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	IsActive  bool   `json:"is_active"`
}

// BookBorrowed is published by frontend after a borrow. ISBN and Email are
// optional lookup fallbacks for the consumer.
type BookBorrowed struct {
	LendingFields
	ISBN  string `json:"isbn,omitempty"`
	Email string `json:"email,omitempty"`
}

// BookReturned is published by both services. Admin sends only book_id and
// is_available; frontend sends the full lending row as well.
type BookReturned struct {
	LendingFields
	IsAvailable bool `json:"is_available"`
}

// BookFields is the catalog row shared by book_created and book_updated.
type BookFields struct {
	ID              int64  `json:"id"`
	ISBN            string `json:"isbn"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	Publisher       string `json:"publisher"`
	Category        string `json:"category"`
	PublicationYear int    `json:"publication_year"`
	Description     string `json:"description,omitempty"`
	IsAvailable     bool   `json:"is_available"`
}

// LendingFields is the lending row shared by book_borrowed and book_returned.
type LendingFields struct {
	ID         int64        `json:"id,omitempty"`
	UserID     int64        `json:"user_id,omitempty"`
	BookID     int64        `json:"book_id"`
	BorrowDate domain.Date  `json:"borrow_date,omitzero"`
	DueDate    domain.Date  `json:"due_date,omitzero"`
	ReturnDate *domain.Date `json:"return_date"`
}

func (BookCreated) Kind() Kind  { return KindBookCreated }
func (BookUpdated) Kind() Kind  { return KindBookUpdated }
func (BookDeleted) Kind() Kind  { return KindBookDeleted }
func (UserCreated) Kind() Kind  { return KindUserCreated }
func (BookBorrowed) Kind() Kind { return KindBookBorrowed }
func (BookReturned) Kind() Kind { return KindBookReturned }

func (BookCreated) sealed()  {}
func (BookUpdated) sealed()  {}
func (BookDeleted) sealed()  {}
func (UserCreated) sealed()  {}
func (BookBorrowed) sealed() {}
func (BookReturned) sealed() {}

// newPayload returns a pointer to the zero payload for kind.
func newPayload(kind Kind) (any, error) {
	switch kind {
	case KindBookCreated:
		return &BookCreated{}, nil
	case KindBookUpdated:
		return &BookUpdated{}, nil
	case KindBookDeleted:
		return &BookDeleted{}, nil
	case KindUserCreated:
		return &UserCreated{}, nil
	case KindBookBorrowed:
		return &BookBorrowed{}, nil
	case KindBookReturned:
		return &BookReturned{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, kind)
	}
}

// deref turns the decoded pointer back into the value event.
func deref(p any) Event {
	switch v := p.(type) {
	case *BookCreated:
		return *v
	case *BookUpdated:
		return *v
	case *BookDeleted:
		return *v
	case *UserCreated:
		return *v
	case *BookBorrowed:
		return *v
	case *BookReturned:
		return *v
	default:
		return nil
	}
}
