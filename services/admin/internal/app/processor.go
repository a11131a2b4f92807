package app

import (
	"context"
	"fmt"
	"log/slog"

	"librarysync/internal/util"
	"librarysync/pkg/domain"
	"librarysync/pkg/events"
	"librarysync/pkg/store"
)

// defaultLoanDays is assumed when a borrow event carries no due date.
const defaultLoanDays = 14

// Process applies an event published by frontend to the admin store in one
// transaction. Unresolvable references are logged and treated as applied.
func (a *App) Process(ctx context.Context, ev events.Event) error {
	logger := util.LoggerFromContext(ctx)
	switch e := ev.(type) {
	case events.UserCreated:
		return a.store.WithTx(ctx, func(tx *store.Tx) error { return applyUserCreated(tx, logger, e) })
	case events.BookBorrowed:
		return a.store.WithTx(ctx, func(tx *store.Tx) error { return applyBookBorrowed(tx, logger, e) })
	case events.BookReturned:
		return a.store.WithTx(ctx, func(tx *store.Tx) error { return applyBookReturned(tx, logger, e) })
	case events.BookCreated, events.BookUpdated, events.BookDeleted:
		return events.ErrUnhandled
	default:
		return fmt.Errorf("%w: %T", events.ErrUnhandled, ev)
	}
}

func applyUserCreated(tx *store.Tx, logger *slog.Logger, e events.UserCreated) error {
	if e.Email == "" {
		logger.Warn("user_created without email, skipping", "user_id", e.ID)
		return nil
	}
	if _, exists, err := tx.UserByEmail(e.Email); err != nil {
		return err
	} else if exists {
		return nil
	}
	user, err := tx.CreateUser(domain.User{
		ID:        e.ID,
		Email:     e.Email,
		FirstName: e.FirstName,
		LastName:  e.LastName,
		IsActive:  true,
	})
	if err != nil {
		return err
	}
	if user.ID != e.ID {
		logger.Warn("user id already taken locally", "remote_id", e.ID, "local_id", user.ID)
	}
	return nil
}

func applyBookBorrowed(tx *store.Tx, logger *slog.Logger, e events.BookBorrowed) error {
	book, ok, err := resolveBook(tx, e.BookID, e.ISBN)
	if err != nil {
		return err
	}
	if !ok {
		logger.Warn("book_borrowed for unknown book, skipping", "book_id", e.BookID, "isbn", e.ISBN)
		return nil
	}
	user, ok, err := resolveUser(tx, e.UserID, e.Email)
	if err != nil {
		return err
	}
	if !ok {
		logger.Warn("book_borrowed for unknown user, skipping", "user_id", e.UserID)
		return nil
	}

	lending := e.Lending()
	lending.BookID = book.ID
	lending.UserID = user.ID
	if lending.BorrowDate.IsZero() {
		lending.BorrowDate = domain.Today()
	}
	if lending.DueDate.IsZero() {
		lending.DueDate = lending.BorrowDate.AddDays(defaultLoanDays)
	}
	lending.ReturnDate = nil

	current, ok, err := tx.OpenLendingForBook(book.ID)
	if err != nil {
		return err
	}
	switch {
	case ok && current.UserID == user.ID:
		lending.ID = current.ID
		if err := tx.UpdateLending(lending); err != nil {
			return err
		}
	default:
		if ok {
			// A return for the previous holder was missed.
			logger.Warn("closing stale lending", "lending_id", current.ID, "book_id", book.ID)
			if err := tx.CloseLending(current.ID, lending.BorrowDate); err != nil {
				return err
			}
		}
		if _, err := tx.CreateLending(lending); err != nil {
			return err
		}
	}
	return tx.SetBookAvailable(book.ID, false)
}

func applyBookReturned(tx *store.Tx, logger *slog.Logger, e events.BookReturned) error {
	returned := domain.Today()
	if e.ReturnDate != nil && !e.ReturnDate.IsZero() {
		returned = *e.ReturnDate
	}
	book, ok, err := tx.Book(e.BookID)
	if err != nil {
		return err
	}
	if ok {
		if err := tx.SetBookAvailable(book.ID, true); err != nil {
			return err
		}
	} else {
		logger.Warn("book_returned for unknown book", "book_id", e.BookID)
	}
	current, ok, err := tx.OpenLendingForBook(e.BookID)
	if err != nil || !ok {
		return err
	}
	return tx.CloseLending(current.ID, returned)
}

// resolveBook finds a book by id, then by ISBN.
func resolveBook(tx *store.Tx, id int64, isbn string) (domain.Book, bool, error) {
	book, ok, err := tx.Book(id)
	if err != nil || ok || isbn == "" {
		return book, ok, err
	}
	return tx.BookByISBN(isbn)
}

// resolveUser finds a user by id, then by email.
func resolveUser(tx *store.Tx, id int64, email string) (domain.User, bool, error) {
	user, ok, err := tx.User(id)
	if err != nil || ok || email == "" {
		return user, ok, err
	}
	return tx.UserByEmail(email)
}
