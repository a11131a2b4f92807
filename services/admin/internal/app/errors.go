package app

import "errors"

var (
	ErrBookNotFound    = errors.New("Book not found")
	ErrUserNotFound    = errors.New("User not found")
	ErrLendingNotFound = errors.New("Lending record not found")

	// ErrAlreadyReturned is returned when closing a lending twice.
	ErrAlreadyReturned = errors.New("This book has already been returned")

	ErrBookFieldsRequired = errors.New("title, author and isbn are required")
	ErrISBNExists         = errors.New("isbn already exists")
	ErrUserFieldsRequired = errors.New("email, first_name and last_name are required")
	ErrEmailExists        = errors.New("email already exists")
)
