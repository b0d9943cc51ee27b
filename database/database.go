// Package database is the gorm-backed persistence layer for tours, price history,
// alerts and notifications.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tourwatch/pkg/tourwatch"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// ErrInvalidAlert is returned when an alert's type and thresholds do not agree.
var ErrInvalidAlert = errors.New("invalid alert")

// Store implements every persistence interface the sync engine consumes.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the database and migrates the schema.
func Open(driver, dsn string, logger *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s database: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying sql.DB: %w", err)
	}
	if driver == DriverSQLite {
		// SQLite allows one writer; a single connection serializes transactions
		// instead of failing them with "database is locked".
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := db.AutoMigrate(
		&tourwatch.User{},
		&tourwatch.Tour{},
		&tourwatch.PriceRecord{},
		&tourwatch.Alert{},
		&tourwatch.Notification{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	logger.Info("Database initialized", "driver", driver)
	return &Store{db: db, logger: logger}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// notFound maps gorm's missing-row error onto the domain sentinel.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tourwatch.ErrNotFound
	}
	return err
}

// CreateUser registers an e-mail address, returning the existing user if present.
func (s *Store) CreateUser(ctx context.Context, email string) (*tourwatch.User, error) {
	u := tourwatch.User{Email: email}
	if err := s.db.WithContext(ctx).Where("email = ?", email).FirstOrCreate(&u).Error; err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &u, nil
}

// UserEmail returns the address alert e-mails for userID go to.
func (s *Store) UserEmail(ctx context.Context, userID int64) (string, error) {
	var u tourwatch.User
	if err := s.db.WithContext(ctx).Select("email").First(&u, userID).Error; err != nil {
		return "", notFound(err)
	}
	return u.Email, nil
}
