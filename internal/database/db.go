package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver for local runs and tests

	"ckbridge/settlement/internal/config"
)

// ErrVersionConflict is returned when a row changed since it was read
var ErrVersionConflict = errors.New("bridge transaction was modified concurrently")

// DB wraps sqlx.DB with additional functionality
type DB struct {
	*sqlx.DB
}

// Connect creates a new database connection for the configured driver
func Connect(cfg config.DatabaseConfig) (*DB, error) {
	var dsn string
	switch cfg.Driver {
	case "postgres":
		dsn = fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
		)
	case "sqlite3":
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}

	db, err := sqlx.Connect(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	if cfg.Driver == "sqlite3" {
		// one connection: a single writer, and ":memory:" databases are per connection
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	return &DB{DB: db}, nil
}

// RunMigrations executes the schema migrations
func RunMigrations(db *DB, migrationPath string) error {
	content, err := os.ReadFile(migrationPath)
	if err != nil {
		return fmt.Errorf("failed to load migration file: %w", err)
	}

	if _, err := db.Exec(string(content)); err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// PingContext verifies the database connection
func (db *DB) PingContext(ctx context.Context) error {
	return db.DB.PingContext(ctx)
}
