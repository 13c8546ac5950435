package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed sqlite/*.sql
var sqliteFS embed.FS

//go:embed postgres/*.sql
var postgresFS embed.FS

// RunSQLiteMigrations executes all SQLite migrations in order.
func RunSQLiteMigrations(ctx context.Context, db *sql.DB) error {
	return apply(sqliteFS, "sqlite", func(name, migration string) error {
		_, err := db.ExecContext(ctx, migration)
		return err
	})
}

// RunPostgresMigrations executes all PostgreSQL migrations in order.
func RunPostgresMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	return apply(postgresFS, "postgres", func(name, migration string) error {
		_, err := pool.Exec(ctx, migration)
		return err
	})
}

// Files lists the migration files for a driver in execution order.
func Files(driver string) ([]string, error) {
	fsys, dir, err := source(driver)
	if err != nil {
		return nil, err
	}
	return upFiles(fsys, dir)
}

func source(driver string) (fs.ReadDirFS, string, error) {
	switch driver {
	case "sqlite":
		return sqliteFS, "sqlite", nil
	case "postgres":
		return postgresFS, "postgres", nil
	default:
		return nil, "", fmt.Errorf("unsupported migration driver: %s", driver)
	}
}

func upFiles(fsys fs.ReadDirFS, dir string) ([]string, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// apply executes every .up.sql file under dir. Statements use IF NOT EXISTS
// so re-running is harmless.
func apply(fsys embed.FS, dir string, exec func(name, migration string) error) error {
	files, err := upFiles(fsys, dir)
	if err != nil {
		return err
	}

	for _, file := range files {
		migration, err := fsys.ReadFile(dir + "/" + file)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", file, err)
		}
		if err := exec(file, string(migration)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", file, err)
		}
	}

	return nil
}
