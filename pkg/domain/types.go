// Package domain holds the library entities shared by both services.
package domain

import "time"

type Book struct {
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

type User struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	IsActive  bool   `json:"is_active"`
}

// Lending is active while ReturnDate is nil.
type Lending struct {
	ID         int64 `json:"id"`
	UserID     int64 `json:"user_id"`
	BookID     int64 `json:"book_id"`
	BorrowDate Date  `json:"borrow_date"`
	DueDate    Date  `json:"due_date"`
	ReturnDate *Date `json:"return_date"`
}

// Active reports whether the lending has not been returned yet.
func (l Lending) Active() bool {
	return l.ReturnDate == nil
}

// LendingDetail is a lending joined with its user and book.
type LendingDetail struct {
	Lending
	User *User `json:"user,omitempty"`
	Book *Book `json:"book,omitempty"`
}

// BookWithDueDate is an unavailable book and the date it is due back.
type BookWithDueDate struct {
	Book
	DueDate Date `json:"due_date"`
}

// Today returns the current UTC date.
func Today() Date {
	return NewDate(time.Now().UTC())
}
