package app

import (
	"context"
	"net/mail"
	"strings"

	"librarysync/pkg/domain"
	"librarysync/pkg/events"
	"librarysync/pkg/store"
)

// UserInput is a registration request.
type UserInput struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// CreateUser registers a user and announces user_created.
func (a *App) CreateUser(ctx context.Context, in UserInput) (domain.User, error) {
	email := strings.TrimSpace(in.Email)
	first := strings.TrimSpace(in.FirstName)
	last := strings.TrimSpace(in.LastName)
	if email == "" || first == "" || last == "" {
		return domain.User{}, ErrUserFieldsRequired
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return domain.User{}, ErrInvalidEmail
	}

	var created domain.User
	err := a.mutate(ctx, func(tx *store.Tx) (events.Event, error) {
		if _, exists, err := tx.UserByEmail(email); err != nil {
			return nil, err
		} else if exists {
			return nil, ErrEmailRegistered
		}
		user, err := tx.CreateUser(domain.User{Email: email, FirstName: first, LastName: last, IsActive: true})
		if err != nil {
			return nil, err
		}
		created = user
		return events.UserCreated{
			ID:        user.ID,
			Email:     user.Email,
			FirstName: user.FirstName,
			LastName:  user.LastName,
			IsActive:  user.IsActive,
		}, nil
	})
	return created, err
}
