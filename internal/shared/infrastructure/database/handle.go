// Package database opens the store behind the billing core: PostgreSQL
// through a pgx pool for shared deployments, or an embedded SQLite file for
// single-node and local use.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/migrations"
	"github.com/jackc/pgx/v5/pgxpool"

	_ "modernc.org/sqlite"
)

// Config selects and locates the database.
type Config struct {
	Driver     Driver
	URL        string
	SQLitePath string
	// MaxConns caps the PostgreSQL pool. Zero keeps the pgx default.
	MaxConns int32
}

// Handle is an open database. Exactly one of Pool and DB is set.
type Handle struct {
	Driver Driver
	Pool   *pgxpool.Pool
	DB     *sql.DB
}

// Open connects to the configured backend and verifies it answers.
func Open(ctx context.Context, cfg Config) (*Handle, error) {
	var (
		h   *Handle
		err error
	)
	switch cfg.Driver {
	case DriverPostgres:
		h, err = openPostgres(ctx, cfg)
	case DriverSQLite:
		h, err = openSQLite(cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := h.Ping(ctx); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", h.Driver, err)
	}
	return h, nil
}

func openPostgres(ctx context.Context, cfg Config) (*Handle, error) {
	if cfg.URL == "" {
		return nil, errors.New("DATABASE_URL is required for postgres")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &Handle{Driver: DriverPostgres, Pool: pool}, nil
}

func openSQLite(cfg Config) (*Handle, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = DefaultSQLitePath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// One writer at a time; a single connection also keeps :memory: coherent.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &Handle{Driver: DriverSQLite, DB: db}, nil
}

// SQLiteDSN appends the pragmas the repositories rely on: WAL journaling,
// enforced foreign keys and a busy timeout instead of immediate SQLITE_BUSY.
func SQLiteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
}

// DefaultSQLitePath is ~/.settle/settle.db, or ./settle.db without a home.
func DefaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "settle.db"
	}
	return filepath.Join(home, ".settle", "settle.db")
}

// Ping checks the connection.
func (h *Handle) Ping(ctx context.Context) error {
	if h.Pool != nil {
		return h.Pool.Ping(ctx)
	}
	return h.DB.PingContext(ctx)
}

// Migrate applies the embedded schema for the backend.
func (h *Handle) Migrate(ctx context.Context) error {
	var err error
	if h.Pool != nil {
		err = migrations.RunPostgresMigrations(ctx, h.Pool)
	} else {
		err = migrations.RunSQLiteMigrations(ctx, h.DB)
	}
	if err != nil {
		return fmt.Errorf("failed to migrate %s: %w", h.Driver, err)
	}
	return nil
}

// Close releases the pool or file handle.
func (h *Handle) Close() error {
	if h.Pool != nil {
		h.Pool.Close()
		return nil
	}
	return h.DB.Close()
}
