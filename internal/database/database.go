package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	// BUSY_TIMEOUT bounds how long a writer waits for the file lock held by
	// another process (ingestor vs gateway) before failing.
	BUSY_TIMEOUT = 5 * time.Second
	MAX_OPEN     = 4
)

// Open opens (and migrates) the telemetry database at dbPath. Every process
// sharing the file opens it this way, so WAL mode is always in effect.
func Open(dbPath string, verbose bool) (*gorm.DB, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	logLevel := gormlogger.Silent
	if verbose {
		logLevel = gormlogger.Warn
	}

	db, err := gorm.Open(sqlite.Open(DSN(dbPath)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(MAX_OPEN)

	err = Migrate(db)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// DSN appends the connection pragmas understood by go-sqlite3. Transactions
// take the write lock when they begin, so a competing writer waits out the busy
// timeout instead of failing mid-transaction.
func DSN(dbPath string) string {
	return fmt.Sprintf(
		"%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d&_txlock=immediate&_foreign_keys=on",
		dbPath,
		BUSY_TIMEOUT.Milliseconds(),
	)
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}
