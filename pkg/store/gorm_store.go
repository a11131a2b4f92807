package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 51770412

// sqlitePrefix selects the embedded SQLite driver, e.g. "sqlite:library.db".
const sqlitePrefix = "sqlite:"

// GormStore is the local relational store of one service.
type GormStore struct {
	db *gorm.DB
}

// Open connects to Postgres (or SQLite for "sqlite:" DSNs) and migrates the schema.
func Open(dsn string) (*GormStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("database URL required")
	}
	if strings.HasPrefix(dsn, sqlitePrefix) {
		return OpenDialector(sqlite.Open(strings.TrimPrefix(dsn, sqlitePrefix)))
	}
	return OpenDialector(postgres.Open(dsn))
}

// OpenDialector opens the store on an arbitrary GORM dialector and migrates it.
func OpenDialector(dialector gorm.Dialector) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   gormLog,
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(&BookModel{}, &UserModel{}, &LendingModel{}, &OutboxModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	// At most one open lending per book.
	if err := tx.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_lendings_open_book
		ON lendings (book_id) WHERE return_date IS NULL
	`).Error; err != nil {
		return fmt.Errorf("ensure open lending index: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	if db.Dialector.Name() != "postgres" {
		return fn(db)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// WithTx runs fn in one transaction: committed when fn returns nil, rolled
// back on error or panic.
func (s *GormStore) WithTx(ctx context.Context, fn func(*Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Tx{db: tx})
	})
}

// Session returns a non-transactional handle for reads.
func (s *GormStore) Session(ctx context.Context) *Tx {
	return &Tx{db: s.db.WithContext(ctx)}
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
