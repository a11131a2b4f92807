package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. Both services run the same schema
// against their own database.
type BookModel struct {
	ID              int64  `gorm:"primaryKey"`
	ISBN            string `gorm:"column:isbn;uniqueIndex;not null"`
	Title           string `gorm:"not null;index"`
	Author          string `gorm:"not null;index"`
	Publisher       string `gorm:"index"`
	Category        string `gorm:"index"`
	PublicationYear int
	Description     string
	IsAvailable     bool `gorm:"not null;index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (BookModel) TableName() string { return "books" }

type UserModel struct {
	ID        int64  `gorm:"primaryKey"`
	Email     string `gorm:"uniqueIndex;not null"`
	FirstName string
	LastName  string
	IsActive  bool `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (UserModel) TableName() string { return "users" }

type LendingModel struct {
	ID         int64      `gorm:"primaryKey"`
	UserID     int64      `gorm:"not null;index"`
	BookID     int64      `gorm:"not null;index"`
	BorrowDate time.Time  `gorm:"type:date;not null"`
	DueDate    time.Time  `gorm:"type:date;not null;index"`
	ReturnDate *time.Time `gorm:"type:date;index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time

	User *UserModel `gorm:"foreignKey:UserID"`
	Book *BookModel `gorm:"foreignKey:BookID"`
}

func (LendingModel) TableName() string { return "lendings" }

// OutboxModel is an event staged in the same transaction as the mutation
// that produced it. PublishedAt stays nil until the relay delivers it.
type OutboxModel struct {
	ID          int64          `gorm:"primaryKey"`
	MessageID   string         `gorm:"size:64;uniqueIndex;not null"`
	EventType   string         `gorm:"size:64;not null;index"`
	Payload     datatypes.JSON `gorm:"not null"`
	Attempts    int            `gorm:"not null"`
	LastError   string
	CreatedAt   time.Time  `gorm:"not null"`
	PublishedAt *time.Time `gorm:"index"`
	// ClaimedUntil is the lease of the relay currently publishing the row.
	ClaimedUntil *time.Time
}

func (OutboxModel) TableName() string { return "outbox_events" }
