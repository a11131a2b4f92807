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

// Process applies a catalog or lending event published by admin to the
// frontend store in one transaction.
func (a *App) Process(ctx context.Context, ev events.Event) error {
	logger := util.LoggerFromContext(ctx)
	var apply func(tx *store.Tx) error
	switch e := ev.(type) {
	case events.BookCreated:
		apply = func(tx *store.Tx) error { return applyBookCreated(tx, logger, e) }
	case events.BookUpdated:
		apply = func(tx *store.Tx) error { return applyBookUpdated(tx, logger, e) }
	case events.BookDeleted:
		apply = func(tx *store.Tx) error { return applyBookDeleted(tx, logger, e) }
	case events.BookBorrowed:
		apply = func(tx *store.Tx) error { return applyBookBorrowed(tx, logger, e) }
	case events.BookReturned:
		apply = func(tx *store.Tx) error { return applyBookReturned(tx, logger, e) }
	case events.UserCreated:
		return events.ErrUnhandled
	default:
		return fmt.Errorf("%w: %T", events.ErrUnhandled, ev)
	}
	return a.store.WithTx(ctx, apply)
}

// applyBookCreated upserts by ISBN. New rows keep the producer's id when it
// is free and start out available.
func applyBookCreated(tx *store.Tx, logger *slog.Logger, e events.BookCreated) error {
	if e.ISBN == "" {
		logger.Warn("book_created without isbn, skipping", "book_id", e.ID)
		return nil
	}
	existing, ok, err := tx.BookByISBN(e.ISBN)
	if err != nil {
		return err
	}
	if ok {
		e.ApplyTo(&existing)
		return tx.UpdateBook(existing)
	}
	book := domain.Book{ID: e.ID, IsAvailable: true}
	e.ApplyTo(&book)
	created, err := tx.CreateBook(book)
	if err != nil {
		return err
	}
	if created.ID != e.ID {
		logger.Warn("book id already taken locally", "remote_id", e.ID, "local_id", created.ID)
	}
	return nil
}

func applyBookUpdated(tx *store.Tx, logger *slog.Logger, e events.BookUpdated) error {
	book, ok, err := tx.Book(e.ID)
	if err != nil {
		return err
	}
	if !ok && e.ISBN != "" {
		book, ok, err = tx.BookByISBN(e.ISBN)
		if err != nil {
			return err
		}
	}
	if !ok {
		logger.Warn("book_updated for unknown book, skipping", "book_id", e.ID, "isbn", e.ISBN)
		return nil
	}
	if e.ISBN != "" && e.ISBN != book.ISBN {
		if other, taken, err := tx.BookByISBN(e.ISBN); err != nil {
			return err
		} else if taken && other.ID != book.ID {
			logger.Warn("book_updated isbn collides with another book, skipping", "book_id", book.ID, "isbn", e.ISBN, "other_id", other.ID)
			return nil
		}
	}
	e.ApplyTo(&book)
	return tx.UpdateBook(book)
}

func applyBookDeleted(tx *store.Tx, logger *slog.Logger, e events.BookDeleted) error {
	deleted, err := tx.DeleteBook(e.ID)
	if err != nil {
		return err
	}
	if !deleted {
		logger.Debug("book_deleted for unknown book", "book_id", e.ID)
	}
	return nil
}

// applyBookBorrowed upserts the lending by id and marks its book unavailable.
func applyBookBorrowed(tx *store.Tx, logger *slog.Logger, e events.BookBorrowed) error {
	book, ok, err := tx.Book(e.BookID)
	if err != nil {
		return err
	}
	if !ok && e.ISBN != "" {
		if book, ok, err = tx.BookByISBN(e.ISBN); err != nil {
			return err
		}
	}
	if !ok {
		logger.Warn("book_borrowed for unknown book, skipping", "book_id", e.BookID)
		return nil
	}
	if _, ok, err := tx.User(e.UserID); err != nil {
		return err
	} else if !ok {
		logger.Warn("book_borrowed for unknown user, skipping", "user_id", e.UserID)
		return nil
	}

	lending := e.Lending()
	lending.BookID = book.ID
	if lending.BorrowDate.IsZero() {
		lending.BorrowDate = domain.Today()
	}
	if lending.DueDate.IsZero() {
		lending.DueDate = lending.BorrowDate.AddDays(defaultLoanDays)
	}

	if lending.Active() {
		current, open, err := tx.OpenLendingForBook(book.ID)
		if err != nil {
			return err
		}
		if open && current.ID != lending.ID {
			logger.Warn("closing stale lending", "lending_id", current.ID, "book_id", book.ID)
			if err := tx.CloseLending(current.ID, lending.BorrowDate); err != nil {
				return err
			}
		}
	}
	if _, found, err := tx.Lending(lending.ID); err != nil {
		return err
	} else if found {
		if err := tx.UpdateLending(lending); err != nil {
			return err
		}
	} else if _, err := tx.CreateLending(lending); err != nil {
		return err
	}
	return tx.SetBookAvailable(book.ID, !lending.Active())
}

func applyBookReturned(tx *store.Tx, logger *slog.Logger, e events.BookReturned) error {
	returned := domain.Today()
	if e.ReturnDate != nil && !e.ReturnDate.IsZero() {
		returned = *e.ReturnDate
	}
	if _, ok, err := tx.Book(e.BookID); err != nil {
		return err
	} else if !ok {
		logger.Warn("book_returned for unknown book", "book_id", e.BookID)
		return nil
	}
	if err := tx.SetBookAvailable(e.BookID, true); err != nil {
		return err
	}
	current, ok, err := tx.OpenLendingForBook(e.BookID)
	if err != nil || !ok {
		return err
	}
	return tx.CloseLending(current.ID, returned)
}

// defaultLoanDays is assumed when a borrow event carries no due date.
const defaultLoanDays = 14
