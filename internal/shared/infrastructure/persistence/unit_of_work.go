// Package persistence keeps the open transaction of a unit of work in the
// request context so repositories can join it.
package persistence

import (
	"context"
	"database/sql"
	"errors"

	"github.com/felixgeelhaar/settle/internal/shared/application"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoTransaction is returned by Commit and Rollback outside Begin.
var ErrNoTransaction = errors.New("no transaction in context")

type txKey[T any] struct{}

type txScope[T any] struct {
	tx    T
	owned bool
}

func withTx[T any](ctx context.Context, tx T, owned bool) context.Context {
	return context.WithValue(ctx, txKey[T]{}, txScope[T]{tx: tx, owned: owned})
}

func txFrom[T any](ctx context.Context) (txScope[T], bool) {
	s, ok := ctx.Value(txKey[T]{}).(txScope[T])
	return s, ok
}

// TxUnitOfWork implements application.UnitOfWork over any transaction type.
// A Begin inside an open transaction joins it; only the outermost unit commits.
type TxUnitOfWork[T any] struct {
	begin    func(ctx context.Context) (T, error)
	commit   func(ctx context.Context, tx T) error
	rollback func(ctx context.Context, tx T) error
}

var _ application.UnitOfWork = (*TxUnitOfWork[pgx.Tx])(nil)

// Begin opens a transaction or joins the one already in ctx.
func (u *TxUnitOfWork[T]) Begin(ctx context.Context) (context.Context, error) {
	if s, ok := txFrom[T](ctx); ok {
		return withTx(ctx, s.tx, false), nil
	}
	tx, err := u.begin(ctx)
	if err != nil {
		return nil, err
	}
	return withTx(ctx, tx, true), nil
}

// Commit commits when this unit opened the transaction.
func (u *TxUnitOfWork[T]) Commit(ctx context.Context) error {
	s, ok := txFrom[T](ctx)
	if !ok {
		return ErrNoTransaction
	}
	if !s.owned {
		return nil
	}
	return u.commit(ctx, s.tx)
}

// Rollback rolls back when this unit opened the transaction.
func (u *TxUnitOfWork[T]) Rollback(ctx context.Context) error {
	s, ok := txFrom[T](ctx)
	if !ok {
		return ErrNoTransaction
	}
	if !s.owned {
		return nil
	}
	return u.rollback(ctx, s.tx)
}

// NewPostgresUnitOfWork creates a unit of work over a pgx pool.
func NewPostgresUnitOfWork(pool *pgxpool.Pool) *TxUnitOfWork[pgx.Tx] {
	return &TxUnitOfWork[pgx.Tx]{
		begin:    func(ctx context.Context) (pgx.Tx, error) { return pool.Begin(ctx) },
		commit:   func(ctx context.Context, tx pgx.Tx) error { return tx.Commit(ctx) },
		rollback: func(ctx context.Context, tx pgx.Tx) error { return tx.Rollback(ctx) },
	}
}

// NewSQLiteUnitOfWork creates a unit of work over a database/sql handle.
func NewSQLiteUnitOfWork(db *sql.DB) *TxUnitOfWork[*sql.Tx] {
	return &TxUnitOfWork[*sql.Tx]{
		begin:    func(ctx context.Context) (*sql.Tx, error) { return db.BeginTx(ctx, nil) },
		commit:   func(_ context.Context, tx *sql.Tx) error { return tx.Commit() },
		rollback: func(_ context.Context, tx *sql.Tx) error { return tx.Rollback() },
	}
}

// DBExecutor is satisfied by *pgxpool.Pool and pgx.Tx.
type DBExecutor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Executor returns the transaction in ctx, otherwise the pool.
func Executor(ctx context.Context, pool *pgxpool.Pool) DBExecutor {
	if s, ok := txFrom[pgx.Tx](ctx); ok {
		return s.tx
	}
	return pool
}

// SQLiteExecutor is satisfied by *sql.DB and *sql.Tx.
type SQLiteExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLite returns the transaction in ctx, otherwise db.
func SQLite(ctx context.Context, db *sql.DB) SQLiteExecutor {
	if s, ok := txFrom[*sql.Tx](ctx); ok {
		return s.tx
	}
	return db
}

// InTransaction reports whether ctx carries an open transaction of either kind.
func InTransaction(ctx context.Context) bool {
	if _, ok := txFrom[pgx.Tx](ctx); ok {
		return true
	}
	_, ok := txFrom[*sql.Tx](ctx)
	return ok
}
