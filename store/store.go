// Package store persists validation verdicts, DMARC aggregate reports and
// DNSBL state with gorm, on PostgreSQL or SQLite.
//
// A Store implements the persistence interfaces of the other packages:
// mailguard.Sink, report.Store, report.LogSource, dnsbl.Store and
// dnsbl.CheckLogger.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/charmbracelet/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/synqronlabs/mailguard"
	"github.com/synqronlabs/mailguard/dnsbl"
	"github.com/synqronlabs/mailguard/report"
)

var ErrUnknownDriver = errors.New("store: unknown database driver")

var (
	_ mailguard.Sink    = (*Store)(nil)
	_ report.Store      = (*Store)(nil)
	_ report.LogSource  = (*Store)(nil)
	_ dnsbl.Store       = (*Store)(nil)
	_ dnsbl.CheckLogger = (*Store)(nil)
)

// Store is the gorm-backed repository.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the database. driver is "postgres" or "sqlite".
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: silentLogger()})
	if err != nil {
		return nil, fmt.Errorf("store: open connection: %w", err)
	}
	if driver == "sqlite" || driver == "sqlite3" {
		if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
			return nil, fmt.Errorf("store: set busy timeout: %w", err)
		}
		if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return nil, fmt.Errorf("store: enable foreign keys: %w", err)
		}
	}
	return New(db, nil), nil
}

// New wraps an open connection.
func New(db *gorm.DB, l *slog.Logger) *Store {
	if l == nil {
		l = slog.Default()
	}
	return &Store{db: db, logger: l}
}

func silentLogger() logger.Interface {
	return logger.New(
		log.Default(),
		logger.Config{LogLevel: logger.Silent},
	)
}

// Migrate creates or updates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(models()...); err != nil {
		return fmt.Errorf("store: auto migrate: %w", err)
	}
	s.logger.Info("database migration completed")
	return nil
}

// DB returns the underlying connection.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
