package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"librarysync/pkg/domain"
	"librarysync/pkg/events"
	"librarysync/pkg/store"
)

type recordingDispatcher struct {
	committed []events.Event
}

func (d *recordingDispatcher) Stage(*store.Tx, events.Event) error { return nil }

func (d *recordingDispatcher) Committed(_ context.Context, ev events.Event) error {
	d.committed = append(d.committed, ev)
	return nil
}

func (d *recordingDispatcher) last(t *testing.T) events.Event {
	t.Helper()
	if len(d.committed) == 0 {
		t.Fatalf("no events committed")
	}
	return d.committed[len(d.committed)-1]
}

func newTestApp(t *testing.T) (*App, *recordingDispatcher) {
	t.Helper()
	s, err := store.Open("sqlite:" + filepath.Join(t.TempDir(), "frontend.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	d := &recordingDispatcher{}
	a, err := New(Config{Store: s, Dispatcher: d})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, d
}

func catalogBook(id int64, isbn string) events.BookFields {
	return events.BookFields{
		ID:              id,
		ISBN:            isbn,
		Title:           "Dune",
		Author:          "Herbert",
		Publisher:       "Chilton",
		Category:        "SF",
		PublicationYear: 1965,
	}
}

func seed(t *testing.T, a *App) (domain.Book, domain.User) {
	t.Helper()
	ctx := context.Background()
	if err := a.Process(ctx, events.BookCreated{BookFields: catalogBook(10, "978-1")}); err != nil {
		t.Fatalf("book_created: %v", err)
	}
	book, err := a.GetBook(ctx, 10)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	user, err := a.CreateUser(ctx, UserInput{Email: "ada@example.com", FirstName: "Ada", LastName: "Lovelace"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return book, user
}

func TestCreateUserPublishesUserCreated(t *testing.T) {
	a, d := newTestApp(t)
	ctx := context.Background()

	user, err := a.CreateUser(ctx, UserInput{Email: " ada@example.com ", FirstName: "Ada", LastName: "Lovelace"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if !user.IsActive || user.Email != "ada@example.com" {
		t.Fatalf("unexpected user: %+v", user)
	}
	ev, ok := d.last(t).(events.UserCreated)
	if !ok || ev.ID != user.ID || ev.Email != user.Email || !ev.IsActive {
		t.Fatalf("unexpected event: %#v", d.last(t))
	}

	if _, err := a.CreateUser(ctx, UserInput{Email: "ada@example.com", FirstName: "A", LastName: "L"}); !errors.Is(err, ErrEmailRegistered) {
		t.Fatalf("err = %v, want ErrEmailRegistered", err)
	}
	if _, err := a.CreateUser(ctx, UserInput{Email: "not-an-email", FirstName: "A", LastName: "L"}); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("err = %v, want ErrInvalidEmail", err)
	}
	if len(d.committed) != 1 {
		t.Fatalf("committed = %d, want 1", len(d.committed))
	}
}

func TestBookCreatedUpsertsByISBN(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	created := catalogBook(10, "978-1")
	created.IsAvailable = false
	if err := a.Process(ctx, events.BookCreated{BookFields: created}); err != nil {
		t.Fatalf("book_created: %v", err)
	}
	book, err := a.GetBook(ctx, 10)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	if !book.IsAvailable {
		t.Fatalf("new replica books start available")
	}

	again := catalogBook(10, "978-1")
	again.Title = "Dune (reissue)"
	if err := a.Process(ctx, events.BookCreated{BookFields: again}); err != nil {
		t.Fatalf("book_created again: %v", err)
	}
	books, err := a.ListBooks(ctx, "", "", store.Page{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(books) != 1 || books[0].Title != "Dune (reissue)" {
		t.Fatalf("unexpected books: %+v", books)
	}
}

func TestBookUpdatedFallsBackToISBN(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	if err := a.Process(ctx, events.BookCreated{BookFields: catalogBook(10, "978-1")}); err != nil {
		t.Fatalf("book_created: %v", err)
	}

	update := catalogBook(99, "978-1")
	update.Category = "Classics"
	if err := a.Process(ctx, events.BookUpdated{BookFields: update}); err != nil {
		t.Fatalf("book_updated: %v", err)
	}
	book, err := a.GetBook(ctx, 10)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	if book.Category != "Classics" {
		t.Fatalf("category = %q, want Classics", book.Category)
	}

	// Unknown id and ISBN is a no-op.
	if err := a.Process(ctx, events.BookUpdated{BookFields: catalogBook(50, "978-50")}); err != nil {
		t.Fatalf("book_updated unknown: %v", err)
	}
}

func TestBookUpdatedBeforeCreatedIsSkipped(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	early := catalogBook(5, "X")
	early.Title = "Dune (revised)"
	if err := a.Process(ctx, events.BookUpdated{BookFields: early}); err != nil {
		t.Fatalf("book_updated before book_created: %v", err)
	}
	if _, err := a.GetBook(ctx, 5); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("err = %v, want ErrBookNotFound", err)
	}

	if err := a.Process(ctx, events.BookCreated{BookFields: catalogBook(5, "X")}); err != nil {
		t.Fatalf("book_created after skipped update: %v", err)
	}
	book, err := a.GetBook(ctx, 5)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	if book.ISBN != "X" || book.Title != "Dune" || !book.IsAvailable {
		t.Fatalf("unexpected book: %+v", book)
	}
}

func TestBookUpdatedSkipsISBNCollision(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	for _, b := range []events.BookFields{catalogBook(1, "A"), catalogBook(2, "B")} {
		if err := a.Process(ctx, events.BookCreated{BookFields: b}); err != nil {
			t.Fatalf("book_created: %v", err)
		}
	}
	if err := a.Process(ctx, events.BookUpdated{BookFields: catalogBook(1, "B")}); err != nil {
		t.Fatalf("book_updated: %v", err)
	}
	book, _ := a.GetBook(ctx, 1)
	if book.ISBN != "A" {
		t.Fatalf("isbn = %q, want A", book.ISBN)
	}
}

func TestBookDeletedRemovesBook(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	book, user := seed(t, a)
	if _, err := a.Borrow(ctx, BorrowInput{UserID: user.ID, BookID: book.ID, DurationDays: 7}); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if err := a.Process(ctx, events.BookDeleted{ID: book.ID}); err != nil {
		t.Fatalf("book_deleted: %v", err)
	}
	if _, err := a.GetBook(ctx, book.ID); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("err = %v, want ErrBookNotFound", err)
	}
	// Deleting again is a no-op.
	if err := a.Process(ctx, events.BookDeleted{ID: book.ID}); err != nil {
		t.Fatalf("book_deleted again: %v", err)
	}
}

func TestBorrowAndReturn(t *testing.T) {
	a, d := newTestApp(t)
	ctx := context.Background()
	book, user := seed(t, a)

	lending, err := a.Borrow(ctx, BorrowInput{UserID: user.ID, BookID: book.ID, DurationDays: 21})
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if !lending.DueDate.Equal(lending.BorrowDate.AddDays(21).Time) {
		t.Fatalf("due = %s, borrow = %s", lending.DueDate, lending.BorrowDate)
	}
	borrowed, ok := d.last(t).(events.BookBorrowed)
	if !ok || borrowed.ID != lending.ID || borrowed.ISBN != book.ISBN || borrowed.Email != user.Email {
		t.Fatalf("unexpected event: %#v", d.last(t))
	}
	books, _ := a.ListBooks(ctx, "", "", store.Page{})
	if len(books) != 0 {
		t.Fatalf("borrowed book still listed as available")
	}

	if _, err := a.Borrow(ctx, BorrowInput{UserID: user.ID, BookID: book.ID, DurationDays: 7}); !errors.Is(err, ErrBookUnavailable) {
		t.Fatalf("err = %v, want ErrBookUnavailable", err)
	}

	returned, err := a.Return(ctx, lending.ID)
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if returned.ReturnDate == nil {
		t.Fatalf("return date not set")
	}
	ev, ok := d.last(t).(events.BookReturned)
	if !ok || ev.BookID != book.ID || ev.ID != lending.ID || !ev.IsAvailable || ev.ReturnDate == nil {
		t.Fatalf("unexpected event: %#v", d.last(t))
	}
	if _, err := a.Return(ctx, lending.ID); !errors.Is(err, ErrAlreadyReturned) {
		t.Fatalf("err = %v, want ErrAlreadyReturned", err)
	}
	if _, err := a.Return(ctx, 999); !errors.Is(err, ErrLendingNotFound) {
		t.Fatalf("err = %v, want ErrLendingNotFound", err)
	}
}

func TestBorrowValidation(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	book, user := seed(t, a)

	cases := []struct {
		name string
		in   BorrowInput
		want error
	}{
		{"zero duration", BorrowInput{UserID: user.ID, BookID: book.ID}, ErrInvalidDuration},
		{"unknown book", BorrowInput{UserID: user.ID, BookID: 404, DurationDays: 7}, ErrBookNotFound},
		{"unknown user", BorrowInput{UserID: 404, BookID: book.ID, DurationDays: 7}, ErrUserNotFound},
	}
	for _, tc := range cases {
		if _, err := a.Borrow(ctx, tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestBorrowLosingRaceIsUnavailable(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	book, user := seed(t, a)

	// A concurrent borrow committed its lending but this request still saw
	// the book as available.
	today := domain.Today()
	if err := a.store.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.CreateLending(domain.Lending{UserID: user.ID, BookID: book.ID, BorrowDate: today, DueDate: today.AddDays(7)})
		return err
	}); err != nil {
		t.Fatalf("seed open lending: %v", err)
	}

	_, err := a.Borrow(ctx, BorrowInput{UserID: user.ID, BookID: book.ID, DurationDays: 7})
	if !errors.Is(err, ErrBookUnavailable) {
		t.Fatalf("err = %v, want ErrBookUnavailable", err)
	}
}

func TestBookReturnedFromAdminClosesLending(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	book, user := seed(t, a)
	lending, err := a.Borrow(ctx, BorrowInput{UserID: user.ID, BookID: book.ID, DurationDays: 7})
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}

	ev := events.BookReturned{LendingFields: events.LendingFields{BookID: book.ID}, IsAvailable: true}
	if err := a.Process(ctx, ev); err != nil {
		t.Fatalf("book_returned: %v", err)
	}
	got, _ := a.GetBook(ctx, book.ID)
	if !got.IsAvailable {
		t.Fatalf("book not available after book_returned")
	}
	if _, err := a.Return(ctx, lending.ID); !errors.Is(err, ErrAlreadyReturned) {
		t.Fatalf("err = %v, want ErrAlreadyReturned", err)
	}
}

func TestBookBorrowedUpsertsLending(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	book, user := seed(t, a)

	ev := events.BookBorrowed{LendingFields: events.LendingFields{ID: 30, UserID: user.ID, BookID: book.ID}}
	for i := 0; i < 2; i++ {
		if err := a.Process(ctx, ev); err != nil {
			t.Fatalf("book_borrowed #%d: %v", i, err)
		}
	}
	got, _ := a.GetBook(ctx, book.ID)
	if got.IsAvailable {
		t.Fatalf("book still available after book_borrowed")
	}
	if _, err := a.Return(ctx, 30); err != nil {
		t.Fatalf("return replicated lending: %v", err)
	}

	missing := events.BookBorrowed{LendingFields: events.LendingFields{ID: 31, UserID: user.ID, BookID: 404}}
	if err := a.Process(ctx, missing); err != nil {
		t.Fatalf("book_borrowed for missing book: %v", err)
	}
}

func TestProcessIgnoresUserCreated(t *testing.T) {
	a, _ := newTestApp(t)
	err := a.Process(context.Background(), events.UserCreated{ID: 1, Email: "x@example.com"})
	if !errors.Is(err, events.ErrUnhandled) {
		t.Fatalf("err = %v, want ErrUnhandled", err)
	}
}

func TestEncodedEventsApplyEndToEnd(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	body, err := events.Encode(events.BookCreated{BookFields: catalogBook(5, "978-5")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ev, err := events.Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := a.Process(ctx, ev); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, err := a.GetBook(ctx, 5); err != nil {
		t.Fatalf("get book: %v", err)
	}
}
