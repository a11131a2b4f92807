package events

import "librarysync/pkg/domain"

// BookFieldsOf captures the catalog row of b.
func BookFieldsOf(b domain.Book) BookFields {
	return BookFields{
		ID:              b.ID,
		ISBN:            b.ISBN,
		Title:           b.Title,
		Author:          b.Author,
		Publisher:       b.Publisher,
		Category:        b.Category,
		PublicationYear: b.PublicationYear,
		Description:     b.Description,
		IsAvailable:     b.IsAvailable,
	}
}

// ApplyTo overwrites the mutable catalog fields of b. Identity and
// availability are left alone.
func (f BookFields) ApplyTo(b *domain.Book) {
	b.ISBN = f.ISBN
	b.Title = f.Title
	b.Author = f.Author
	b.Publisher = f.Publisher
	b.Category = f.Category
	b.PublicationYear = f.PublicationYear
	b.Description = f.Description
}

// LendingFieldsOf captures the lending row of l.
func LendingFieldsOf(l domain.Lending) LendingFields {
	return LendingFields{
		ID:         l.ID,
		UserID:     l.UserID,
		BookID:     l.BookID,
		BorrowDate: l.BorrowDate,
		DueDate:    l.DueDate,
		ReturnDate: l.ReturnDate,
	}
}

// Lending is the inverse of LendingFieldsOf.
func (f LendingFields) Lending() domain.Lending {
	return domain.Lending{
		ID:         f.ID,
		UserID:     f.UserID,
		BookID:     f.BookID,
		BorrowDate: f.BorrowDate,
		DueDate:    f.DueDate,
		ReturnDate: f.ReturnDate,
	}
}
