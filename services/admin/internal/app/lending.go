package app

import (
	"context"

	"librarysync/pkg/domain"
	"librarysync/pkg/events"
	"librarysync/pkg/store"
)

// BorrowedBooks lists open lendings with their user and book.
func (a *App) BorrowedBooks(ctx context.Context, page store.Page) ([]domain.LendingDetail, error) {
	return a.store.Session(ctx).ListOpenLendings(page)
}

// UnavailableBooks lists books on loan and when they are due back.
func (a *App) UnavailableBooks(ctx context.Context) ([]domain.BookWithDueDate, error) {
	return a.store.Session(ctx).ListUnavailableBooks()
}

// UserBorrowings lists every lending of a user, returned ones included.
func (a *App) UserBorrowings(ctx context.Context, userID int64) ([]domain.LendingDetail, error) {
	tx := a.store.Session(ctx)
	if _, ok, err := tx.User(userID); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrUserNotFound
	}
	return tx.ListUserLendings(userID, store.Page{Limit: 1000})
}

// OverdueBooks lists open lendings past their due date.
func (a *App) OverdueBooks(ctx context.Context) ([]domain.LendingDetail, error) {
	return a.store.Session(ctx).ListOverdueLendings(domain.Today())
}

// ReturnLending closes a lending, frees its book and announces book_returned.
func (a *App) ReturnLending(ctx context.Context, lendingID int64) (domain.Lending, error) {
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
			LendingFields: events.LendingFields{BookID: lending.BookID},
			IsAvailable:   true,
		}, nil
	})
	return returned, err
}
