package app

import (
	"context"

	"librarysync/pkg/domain"
	"librarysync/pkg/store"
)

// ListBooks lists available books, optionally narrowed by publisher and category.
func (a *App) ListBooks(ctx context.Context, publisher, category string, page store.Page) ([]domain.Book, error) {
	available := true
	return a.store.Session(ctx).ListBooks(store.BookFilter{
		Available: &available,
		Publisher: publisher,
		Category:  category,
		Page:      page,
	})
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
