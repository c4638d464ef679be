package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"polling-scheduler/internal/common/errors"
	"polling-scheduler/internal/storage"
)

// OpenSQLite opens (creating if needed) a sqlite database and bootstraps the
// tables the scheduler uses.
func OpenSQLite(ctx context.Context, cfg storage.Config) (*Store, error) {
	path := strings.TrimPrefix(cfg.DatabaseURL, "sqlite://")
	if path == "" {
		return nil, errors.ConfigError("DATABASE_URL is required for the sqlite store")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// An in-memory database lives and dies with its connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to bootstrap SQLite schema: %w", err)
	}

	return NewStore(db, DialectSQLite, cfg), nil
}

// OpenPostgres connects through pgx. The tables are expected to exist.
func OpenPostgres(ctx context.Context, cfg storage.Config) (*Store, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.ConfigError("DATABASE_URL is required for the postgres store")
	}

	connConfig, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid DATABASE_URL: %v", err))
	}

	db := stdlib.OpenDB(*connConfig)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	return NewStore(db, DialectPostgres, cfg), nil
}

// Factory implements storage.StorageFactory for one dialect.
type Factory struct {
	Dialect Dialect
}

// Create opens a store for the factory's dialect.
func (f *Factory) Create(cfg storage.Config) (storage.Backend, error) {
	ctx := context.Background()
	switch f.Dialect {
	case DialectSQLite:
		return OpenSQLite(ctx, cfg)
	case DialectPostgres:
		return OpenPostgres(ctx, cfg)
	default:
		return nil, errors.ConfigError(fmt.Sprintf("unsupported SQL dialect: %s", f.Dialect))
	}
}

// GetType returns the storage type
func (f *Factory) GetType() string {
	return string(f.Dialect)
}

func init() {
	storage.Register(string(DialectSQLite), &Factory{Dialect: DialectSQLite})
	storage.Register(string(DialectPostgres), &Factory{Dialect: DialectPostgres})
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS polling_triggers (
    id TEXT PRIMARY KEY,
    workflow_id TEXT,
    trigger_type TEXT NOT NULL,
    config TEXT NOT NULL DEFAULT '{}',
    last_cursor TEXT,
    last_seen_timestamp TIMESTAMP,
    next_poll_at TIMESTAMP NOT NULL,
    poll_interval INTEGER NOT NULL DEFAULT 300,
    enabled BOOLEAN NOT NULL DEFAULT 1,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_polling_triggers_due ON polling_triggers(enabled, next_poll_at);

CREATE TABLE IF NOT EXISTS workflows (
    id TEXT PRIMARY KEY,
    user_id TEXT,
    status TEXT NOT NULL DEFAULT 'active',
    workflow_data TEXT
);
`
