package application

import (
	"context"
	"fmt"
)

// UnitOfWork groups repository writes into one transaction. Begin returns a
// context that repositories use to find the open transaction.
type UnitOfWork interface {
	Begin(ctx context.Context) (context.Context, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// WithUnitOfWork runs fn in a transaction. The transaction is rolled back when
// fn returns an error or panics; fn's error is returned unchanged.
func WithUnitOfWork(ctx context.Context, uow UnitOfWork, fn func(ctx context.Context) error) (err error) {
	txCtx, err := uow.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		_ = uow.Rollback(txCtx)
		if r := recover(); r != nil {
			panic(r)
		}
	}()

	if err := fn(txCtx); err != nil {
		return err
	}
	if err := uow.Commit(txCtx); err != nil {
		committed = true
		_ = uow.Rollback(txCtx)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}
