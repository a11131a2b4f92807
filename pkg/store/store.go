package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"librarysync/pkg/domain"
)

const defaultPageLimit = 100

// ErrOpenLendingExists is returned when a write would leave a book with two
// unreturned lendings.
var ErrOpenLendingExists = errors.New("book already has an open lending")

// Tx is a scoped handle on the store, transactional when obtained from WithTx.
type Tx struct {
	db *gorm.DB
}

// Page bounds list queries. A zero Limit means 100.
type Page struct {
	Skip  int
	Limit int
}

func (p Page) apply(q *gorm.DB) *gorm.DB {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	skip := p.Skip
	if skip < 0 {
		skip = 0
	}
	return q.Offset(skip).Limit(limit)
}

// BookFilter narrows ListBooks. Nil Available means any availability.
type BookFilter struct {
	Available *bool
	Publisher string
	Category  string
	Page
}

// books

func (t *Tx) Book(id int64) (domain.Book, bool, error) {
	var model BookModel
	if err := t.db.First(&model, "id = ?", id).Error; err != nil {
		return domain.Book{}, false, notFound(err)
	}
	return bookFromModel(model), true, nil
}

func (t *Tx) BookByISBN(isbn string) (domain.Book, bool, error) {
	var model BookModel
	if err := t.db.First(&model, "isbn = ?", strings.TrimSpace(isbn)).Error; err != nil {
		return domain.Book{}, false, notFound(err)
	}
	return bookFromModel(model), true, nil
}

// CreateBook inserts b. A non-zero b.ID is kept when no local row uses it yet.
func (t *Tx) CreateBook(b domain.Book) (domain.Book, error) {
	model := bookToModel(b)
	explicit, err := t.claimID(&BookModel{}, &model.ID)
	if err != nil {
		return domain.Book{}, err
	}
	if err := t.db.Create(&model).Error; err != nil {
		return domain.Book{}, fmt.Errorf("insert book: %w", err)
	}
	if explicit {
		if err := t.syncSequence(BookModel{}.TableName()); err != nil {
			return domain.Book{}, err
		}
	}
	return bookFromModel(model), nil
}

// UpdateBook overwrites every column of the book row identified by b.ID.
func (t *Tx) UpdateBook(b domain.Book) error {
	return t.db.Model(&BookModel{}).Where("id = ?", b.ID).Updates(map[string]any{
		"isbn":             b.ISBN,
		"title":            b.Title,
		"author":           b.Author,
		"publisher":        b.Publisher,
		"category":         b.Category,
		"publication_year": b.PublicationYear,
		"description":      b.Description,
		"is_available":     b.IsAvailable,
		"updated_at":       time.Now().UTC(),
	}).Error
}

func (t *Tx) SetBookAvailable(id int64, available bool) error {
	return t.db.Model(&BookModel{}).Where("id = ?", id).Updates(map[string]any{
		"is_available": available,
		"updated_at":   time.Now().UTC(),
	}).Error
}

// DeleteBook removes the book and its lendings. It reports whether a book row existed.
func (t *Tx) DeleteBook(id int64) (bool, error) {
	if err := t.db.Delete(&LendingModel{}, "book_id = ?", id).Error; err != nil {
		return false, fmt.Errorf("delete lendings: %w", err)
	}
	res := t.db.Delete(&BookModel{}, "id = ?", id)
	if res.Error != nil {
		return false, fmt.Errorf("delete book: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (t *Tx) ListBooks(filter BookFilter) ([]domain.Book, error) {
	q := t.db.Model(&BookModel{}).Order("id ASC")
	if filter.Available != nil {
		q = q.Where("is_available = ?", *filter.Available)
	}
	if p := strings.TrimSpace(filter.Publisher); p != "" {
		q = q.Where("publisher = ?", p)
	}
	if c := strings.TrimSpace(filter.Category); c != "" {
		q = q.Where("category = ?", c)
	}
	var models []BookModel
	if err := filter.Page.apply(q).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// users

func (t *Tx) User(id int64) (domain.User, bool, error) {
	var model UserModel
	if err := t.db.First(&model, "id = ?", id).Error; err != nil {
		return domain.User{}, false, notFound(err)
	}
	return userFromModel(model), true, nil
}

func (t *Tx) UserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := t.db.First(&model, "email = ?", strings.TrimSpace(email)).Error; err != nil {
		return domain.User{}, false, notFound(err)
	}
	return userFromModel(model), true, nil
}

// CreateUser inserts u. A non-zero u.ID is kept when no local row uses it yet.
func (t *Tx) CreateUser(u domain.User) (domain.User, error) {
	model := userToModel(u)
	explicit, err := t.claimID(&UserModel{}, &model.ID)
	if err != nil {
		return domain.User{}, err
	}
	if err := t.db.Create(&model).Error; err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	if explicit {
		if err := t.syncSequence(UserModel{}.TableName()); err != nil {
			return domain.User{}, err
		}
	}
	return userFromModel(model), nil
}

func (t *Tx) UpdateUser(u domain.User) error {
	return t.db.Model(&UserModel{}).Where("id = ?", u.ID).Updates(map[string]any{
		"email":      u.Email,
		"first_name": u.FirstName,
		"last_name":  u.LastName,
		"is_active":  u.IsActive,
		"updated_at": time.Now().UTC(),
	}).Error
}

func (t *Tx) ListUsers(page Page) ([]domain.User, error) {
	var models []UserModel
	if err := page.apply(t.db.Order("id ASC")).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// lendings

func (t *Tx) Lending(id int64) (domain.Lending, bool, error) {
	var model LendingModel
	if err := t.db.First(&model, "id = ?", id).Error; err != nil {
		return domain.Lending{}, false, notFound(err)
	}
	return lendingFromModel(model), true, nil
}

// OpenLendingForBook returns the unreturned lending of a book, if any.
func (t *Tx) OpenLendingForBook(bookID int64) (domain.Lending, bool, error) {
	var model LendingModel
	err := t.db.Where("book_id = ? AND return_date IS NULL", bookID).
		Order("id ASC").
		First(&model).Error
	if err != nil {
		return domain.Lending{}, false, notFound(err)
	}
	return lendingFromModel(model), true, nil
}

// CreateLending inserts l. A non-zero l.ID is kept when no local row uses it yet.
func (t *Tx) CreateLending(l domain.Lending) (domain.Lending, error) {
	model := lendingToModel(l)
	explicit, err := t.claimID(&LendingModel{}, &model.ID)
	if err != nil {
		return domain.Lending{}, err
	}
	if err := t.db.Create(&model).Error; err != nil {
		return domain.Lending{}, lendingWriteError("insert lending", err)
	}
	if explicit {
		if err := t.syncSequence(LendingModel{}.TableName()); err != nil {
			return domain.Lending{}, err
		}
	}
	return lendingFromModel(model), nil
}

// UpdateLending overwrites every column of the lending identified by l.ID.
func (t *Tx) UpdateLending(l domain.Lending) error {
	err := t.db.Model(&LendingModel{}).Where("id = ?", l.ID).Updates(map[string]any{
		"user_id":     l.UserID,
		"book_id":     l.BookID,
		"borrow_date": l.BorrowDate.Time,
		"due_date":    l.DueDate.Time,
		"return_date": l.ReturnDate.TimePtr(),
		"updated_at":  time.Now().UTC(),
	}).Error
	if err != nil {
		return lendingWriteError("update lending", err)
	}
	return nil
}

// lendingWriteError maps a unique violation to ErrOpenLendingExists. The only
// unique index on lendings besides the primary key is the open-lending one.
func lendingWriteError(op string, err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%s: %w", op, ErrOpenLendingExists)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// CloseLending sets the return date of an open lending.
func (t *Tx) CloseLending(id int64, returned domain.Date) error {
	return t.db.Model(&LendingModel{}).
		Where("id = ? AND return_date IS NULL", id).
		Updates(map[string]any{
			"return_date": returned.Time,
			"updated_at":  time.Now().UTC(),
		}).Error
}

// ListOpenLendings returns unreturned lendings with their user and book.
func (t *Tx) ListOpenLendings(page Page) ([]domain.LendingDetail, error) {
	q := t.db.Preload("User").Preload("Book").
		Where("return_date IS NULL").
		Order("id ASC")
	return t.findDetails(page.apply(q))
}

// ListUserLendings returns every lending of a user with its book.
func (t *Tx) ListUserLendings(userID int64, page Page) ([]domain.LendingDetail, error) {
	q := t.db.Preload("Book").
		Where("user_id = ?", userID).
		Order("id ASC")
	return t.findDetails(page.apply(q))
}

// ListOverdueLendings returns open lendings due before today.
func (t *Tx) ListOverdueLendings(today domain.Date) ([]domain.LendingDetail, error) {
	q := t.db.Preload("User").Preload("Book").
		Where("return_date IS NULL AND due_date < ?", today.Time).
		Order("due_date ASC")
	return t.findDetails(q)
}

// ListUnavailableBooks returns books on loan with the date they are due back.
func (t *Tx) ListUnavailableBooks() ([]domain.BookWithDueDate, error) {
	var models []LendingModel
	if err := t.db.Preload("Book").
		Where("return_date IS NULL").
		Order("due_date ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.BookWithDueDate, 0, len(models))
	for _, m := range models {
		if m.Book == nil {
			continue
		}
		res = append(res, domain.BookWithDueDate{
			Book:    bookFromModel(*m.Book),
			DueDate: domain.NewDate(m.DueDate),
		})
	}
	return res, nil
}

func (t *Tx) findDetails(q *gorm.DB) ([]domain.LendingDetail, error) {
	var models []LendingModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.LendingDetail, 0, len(models))
	for _, m := range models {
		detail := domain.LendingDetail{Lending: lendingFromModel(m)}
		if m.User != nil {
			u := userFromModel(*m.User)
			detail.User = &u
		}
		if m.Book != nil {
			b := bookFromModel(*m.Book)
			detail.Book = &b
		}
		res = append(res, detail)
	}
	return res, nil
}

// claimID keeps *id when it is free in model's table and zeroes it otherwise.
func (t *Tx) claimID(model any, id *int64) (bool, error) {
	if *id <= 0 {
		*id = 0
		return false, nil
	}
	var count int64
	if err := t.db.Model(model).Where("id = ?", *id).Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		*id = 0
		return false, nil
	}
	return true, nil
}

// syncSequence moves a Postgres serial past ids inserted explicitly.
func (t *Tx) syncSequence(table string) error {
	if t.db.Dialector.Name() != "postgres" {
		return nil
	}
	err := t.db.Exec(fmt.Sprintf(
		"SELECT setval(pg_get_serial_sequence('%s', 'id'), (SELECT COALESCE(MAX(id), 1) FROM %s))",
		table, table,
	)).Error
	if err != nil {
		return fmt.Errorf("sync %s sequence: %w", table, err)
	}
	return nil
}

// notFound maps gorm.ErrRecordNotFound to a nil error.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:              b.ID,
		ISBN:            strings.TrimSpace(b.ISBN),
		Title:           b.Title,
		Author:          b.Author,
		Publisher:       b.Publisher,
		Category:        b.Category,
		PublicationYear: b.PublicationYear,
		Description:     b.Description,
		IsAvailable:     b.IsAvailable,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:              m.ID,
		ISBN:            m.ISBN,
		Title:           m.Title,
		Author:          m.Author,
		Publisher:       m.Publisher,
		Category:        m.Category,
		PublicationYear: m.PublicationYear,
		Description:     m.Description,
		IsAvailable:     m.IsAvailable,
	}
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:        u.ID,
		Email:     strings.TrimSpace(u.Email),
		FirstName: u.FirstName,
		LastName:  u.LastName,
		IsActive:  u.IsActive,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:        m.ID,
		Email:     m.Email,
		FirstName: m.FirstName,
		LastName:  m.LastName,
		IsActive:  m.IsActive,
	}
}

func lendingToModel(l domain.Lending) LendingModel {
	return LendingModel{
		ID:         l.ID,
		UserID:     l.UserID,
		BookID:     l.BookID,
		BorrowDate: domain.NewDate(l.BorrowDate.Time).Time,
		DueDate:    domain.NewDate(l.DueDate.Time).Time,
		ReturnDate: l.ReturnDate.TimePtr(),
	}
}

func lendingFromModel(m LendingModel) domain.Lending {
	return domain.Lending{
		ID:         m.ID,
		UserID:     m.UserID,
		BookID:     m.BookID,
		BorrowDate: domain.NewDate(m.BorrowDate),
		DueDate:    domain.NewDate(m.DueDate),
		ReturnDate: domain.DatePtr(m.ReturnDate),
	}
}
