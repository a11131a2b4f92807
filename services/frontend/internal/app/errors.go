package app

import "errors"

var (
	ErrEmailRegistered = errors.New("Email already registered")
	ErrBookNotFound    = errors.New("Book not found")
	ErrUserNotFound    = errors.New("User not found")
	ErrLendingNotFound = errors.New("Lending record not found")

	ErrBookUnavailable = errors.New("Book is not available for borrowing")
	ErrAlreadyReturned = errors.New("Book already returned")

	ErrInvalidEmail       = errors.New("a valid email is required")
	ErrUserFieldsRequired = errors.New("email, first_name and last_name are required")
	ErrInvalidDuration    = errors.New("duration_days must be between 1 and 365")
)
