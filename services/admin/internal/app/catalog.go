package app

import (
	"context"

	"librarysync/pkg/domain"
	"librarysync/pkg/events"
	"librarysync/pkg/store"
)

// CreateBook adds a catalog entry and announces book_created.
func (a *App) CreateBook(ctx context.Context, in BookInput) (domain.Book, error) {
	in, err := in.normalize()
	if err != nil {
		return domain.Book{}, err
	}
	var created domain.Book
	err = a.mutate(ctx, func(tx *store.Tx) (events.Event, error) {
		if _, exists, err := tx.BookByISBN(in.ISBN); err != nil {
			return nil, err
		} else if exists {
			return nil, ErrISBNExists
		}
		book := domain.Book{IsAvailable: true}
		in.applyTo(&book)
		created, err = tx.CreateBook(book)
		if err != nil {
			return nil, err
		}
		return events.BookCreated{BookFields: events.BookFieldsOf(created)}, nil
	})
	return created, err
}

// UpdateBook overwrites the catalog fields of a book and announces book_updated.
func (a *App) UpdateBook(ctx context.Context, id int64, in BookInput) (domain.Book, error) {
	in, err := in.normalize()
	if err != nil {
		return domain.Book{}, err
	}
	var updated domain.Book
	err = a.mutate(ctx, func(tx *store.Tx) (events.Event, error) {
		book, ok, err := tx.Book(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrBookNotFound
		}
		if other, exists, err := tx.BookByISBN(in.ISBN); err != nil {
			return nil, err
		} else if exists && other.ID != id {
			return nil, ErrISBNExists
		}
		in.applyTo(&book)
		if err := tx.UpdateBook(book); err != nil {
			return nil, err
		}
		updated = book
		return events.BookUpdated{BookFields: events.BookFieldsOf(book)}, nil
	})
	return updated, err
}

// DeleteBook removes a book with its lending history and announces book_deleted.
func (a *App) DeleteBook(ctx context.Context, id int64) (domain.Book, error) {
	var deleted domain.Book
	err := a.mutate(ctx, func(tx *store.Tx) (events.Event, error) {
		book, ok, err := tx.Book(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrBookNotFound
		}
		if _, err := tx.DeleteBook(id); err != nil {
			return nil, err
		}
		deleted = book
		return events.BookDeleted{ID: id}, nil
	})
	return deleted, err
}

func (a *App) GetBook(ctx context.Context, id int64) (domain.Book, error) {
	book, ok, err := a.store.Session(ctx).Book(id)
	if err != nil {
		return domain.Book{}, err
	}
	if !ok {
		return domain.Book{}, ErrBookNotFound
	}
	return book, nil
}

// ListBooks lists the catalog. A nil available lists every book.
func (a *App) ListBooks(ctx context.Context, available *bool, page store.Page) ([]domain.Book, error) {
	return a.store.Session(ctx).ListBooks(store.BookFilter{Available: available, Page: page})
}
