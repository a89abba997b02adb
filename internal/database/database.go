// Package database provides the device-local SQLite state store for tvboxd.
//
// The player persists three things: the device identity, the last-known-good
// manifest snapshot, and nothing else. Media blobs live in the file cache,
// so clearing the cache can never corrupt identity or manifest state.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tvboxd/internal/config"
	"tvboxd/internal/models"
)

// DB wraps a GORM database connection with additional functionality.
type DB struct {
	*gorm.DB
	logger *slog.Logger
}

// New opens the device state database and runs migrations.
// The device always uses the pure Go SQLite driver: no CGO, which keeps
// cross-compiling for ARM signage boxes trivial.
func New(cfg config.DatabaseConfig, log *slog.Logger) (*DB, error) {
	if log == nil {
		log = slog.Default()
	}

	gormCfg := &gorm.Config{
		Logger:                 logger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
		SkipDefaultTransaction: true,
	}

	db, err := gorm.Open(sqlite.Open(sqliteDSN(cfg.DSN)), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}

	// SQLite in WAL mode allows concurrent readers with a single writer.
	// A handful of connections is plenty for a single-device daemon.
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	wrapper := &DB{DB: db, logger: log}

	if err := wrapper.migrate(); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	log.Info("state database opened", slog.String("dsn", cfg.DSN))

	return wrapper, nil
}

// sqliteDSN appends PRAGMAs to the DSN so they are applied to every
// connection from the pool, not just the first.
func sqliteDSN(dsn string) string {
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=busy_timeout(30000)" + // Wait when the database is locked
		"&_pragma=journal_mode(WAL)" + // Better read/write concurrency
		"&_pragma=synchronous(NORMAL)" + // Better performance with WAL
		"&_pragma=foreign_keys(ON)"
	return dsn
}

// migrate applies the device state schema.
func (db *DB) migrate() error {
	return db.AutoMigrate(
		&models.DeviceIdentity{},
		&models.ManifestRecord{},
	)
}

// Ping verifies the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// gormLogLevel maps string log levels to GORM logger levels.
func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}
