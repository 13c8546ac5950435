package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDriver(t *testing.T) {
	tests := []struct {
		name, url string
		want      Driver
		wantErr   bool
	}{
		{"", "", DriverSQLite, false},
		{"auto", "postgres://settle@db/settle", DriverPostgres, false},
		{"", "postgresql://settle@db/settle", DriverPostgres, false},
		{"", "/var/lib/settle/settle.db", DriverSQLite, false},
		{"Postgres", "", DriverPostgres, false},
		{"sqlite3", "postgres://ignored", DriverSQLite, false},
		{"oracle", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name+"|"+tt.url, func(t *testing.T) {
			got, err := ParseDriver(tt.name, tt.url)
			if tt.wantErr {
				assert.ErrorContains(t, err, "unsupported database driver")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "a.db?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", SQLiteDSN("a.db"))
	assert.Contains(t, SQLiteDSN("file:a.db?cache=shared"), "cache=shared&_pragma=journal_mode(WAL)")
}

func TestOpen_SQLiteMigrates(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "settle.db")

	h, err := Open(ctx, Config{Driver: DriverSQLite, SQLitePath: path})
	require.NoError(t, err)
	defer func() { require.NoError(t, h.Close()) }()

	assert.Equal(t, DriverSQLite, h.Driver)
	assert.Nil(t, h.Pool)
	require.NoError(t, h.Migrate(ctx))
	require.NoError(t, h.Migrate(ctx), "migrations are idempotent")

	var n int
	require.NoError(t, h.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n))
	assert.Zero(t, n)

	var mode string
	require.NoError(t, h.DB.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, Config{Driver: "oracle"})
	assert.ErrorContains(t, err, "unsupported database driver")

	_, err = Open(ctx, Config{Driver: DriverPostgres})
	assert.ErrorContains(t, err, "DATABASE_URL is required")

	_, err = Open(ctx, Config{Driver: DriverPostgres, URL: "postgres://%zz"})
	assert.ErrorContains(t, err, "failed to parse database URL")
}

func TestIsUniqueViolation(t *testing.T) {
	ctx := context.Background()
	h, err := Open(ctx, Config{Driver: DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "u.db")})
	require.NoError(t, err)
	defer func() { _ = h.Close() }()

	_, err = h.DB.ExecContext(ctx, `CREATE TABLE refs (ref TEXT PRIMARY KEY, provider_ref TEXT UNIQUE)`)
	require.NoError(t, err)
	_, err = h.DB.ExecContext(ctx, `INSERT INTO refs VALUES ('ord-1', 'cs_1')`)
	require.NoError(t, err)

	_, err = h.DB.ExecContext(ctx, `INSERT INTO refs VALUES ('ord-1', 'cs_2')`)
	assert.True(t, IsUniqueViolation(err), "primary key")
	_, err = h.DB.ExecContext(ctx, `INSERT INTO refs VALUES ('ord-2', 'cs_1')`)
	assert.True(t, IsUniqueViolation(err), "unique column")

	assert.False(t, IsUniqueViolation(nil))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
}
