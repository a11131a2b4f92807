package app

import (
	"context"
	"errors"

	"librarysync/pkg/domain"
	"librarysync/pkg/events"
	"librarysync/pkg/store"
)

const maxLoanDays = 365

// BorrowInput is a borrow request.
type BorrowInput struct {
	UserID       int64 `json:"user_id"`
	BookID       int64 `json:"book_id"`
	DurationDays int   `json:"duration_days"`
}

// Borrow lends a book for DurationDays starting today and announces book_borrowed.
func (a *App) Borrow(ctx context.Context, in BorrowInput) (domain.Lending, error) {
	if in.DurationDays < 1 || in.DurationDays > maxLoanDays {
		return domain.Lending{}, ErrInvalidDuration
	}
	var created domain.Lending
	err := a.mutate(ctx, func(tx *store.Tx) (events.Event, error) {
		book, ok, err := tx.Book(in.BookID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrBookNotFound
		}
		if !book.IsAvailable {
			return nil, ErrBookUnavailable
		}
		user, ok, err := tx.User(in.UserID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrUserNotFound
		}

		today := domain.Today()
		lending, err := tx.CreateLending(domain.Lending{
			UserID:     user.ID,
			BookID:     book.ID,
			BorrowDate: today,
			DueDate:    today.AddDays(in.DurationDays),
		})
		if errors.Is(err, store.ErrOpenLendingExists) {
			// Lost a race with a concurrent borrow of the same book.
			return nil, ErrBookUnavailable
		}
		if err != nil {
			return nil, err
		}
		if err := tx.SetBookAvailable(book.ID, false); err != nil {
			return nil, err
		}
		created = lending
		return events.BookBorrowed{
			LendingFields: events.LendingFieldsOf(lending),
			ISBN:          book.ISBN,
			Email:         user.Email,
		}, nil
	})
	return created, err
}

// Return closes a lending, frees its book and announces book_returned.
func (a *App) Return(ctx context.Context, lendingID int64) (domain.Lending, error) {
	var returned domain.Lending
	err := a.mutate(ctx, func(tx *store.Tx) (events.Event, error) {
		lending, ok, err := tx.Lending(lendingID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrLendingNotFound
		}
		if !lending.Active() {
			return nil, ErrAlreadyReturned
		}
		today := domain.Today()
		if err := tx.CloseLending(lending.ID, today); err != nil {
			return nil, err
		}
		if err := tx.SetBookAvailable(lending.BookID, true); err != nil {
			return nil, err
		}
		lending.ReturnDate = &today
		returned = lending
		return events.BookReturned{
			LendingFields: events.LendingFieldsOf(lending),
			IsAvailable:   true,
		}, nil
	})
	return returned, err
}
