package app

import (
	"context"
	"strings"

	"librarysync/pkg/domain"
	"librarysync/pkg/store"
)

func (a *App) ListUsers(ctx context.Context, page store.Page) ([]domain.User, error) {
	return a.store.Session(ctx).ListUsers(page)
}

func (a *App) GetUser(ctx context.Context, id int64) (domain.User, error) {
	user, ok, err := a.store.Session(ctx).User(id)
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	return user, nil
}

// UpdateUser edits a user locally. Users are owned by frontend, so no event
// is published.
func (a *App) UpdateUser(ctx context.Context, id int64, in UserInput) (domain.User, error) {
	in.Email = strings.TrimSpace(in.Email)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	if in.Email == "" || in.FirstName == "" || in.LastName == "" {
		return domain.User{}, ErrUserFieldsRequired
	}
	var updated domain.User
	err := a.store.WithTx(ctx, func(tx *store.Tx) error {
		user, ok, err := tx.User(id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUserNotFound
		}
		if other, exists, err := tx.UserByEmail(in.Email); err != nil {
			return err
		} else if exists && other.ID != id {
			return ErrEmailExists
		}
		user.Email = in.Email
		user.FirstName = in.FirstName
		user.LastName = in.LastName
		if err := tx.UpdateUser(user); err != nil {
			return err
		}
		updated = user
		return nil
	})
	return updated, err
}
