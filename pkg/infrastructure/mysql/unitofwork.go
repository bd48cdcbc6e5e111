package mysql

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/sharedpool"
)

// RepositoryProviderBuilder binds repositories (and the outbox publisher) to the transaction of a unit of work.
type RepositoryProviderBuilder[RepositoryProvider any] func(client ClientContext) RepositoryProvider

type UnitOfWork[RepositoryProvider any] interface {
	ExecuteWithUnitOfWork(ctx context.Context, callback func(provider RepositoryProvider) error) error
}

// NewUnitOfWork returns a unit of work whose nested calls with the same context join one transaction.
// The transaction is committed when the outermost callback succeeds.
func NewUnitOfWork[RepositoryProvider any](
	pool ConnectionPool,
	builder RepositoryProviderBuilder[RepositoryProvider],
) UnitOfWork[RepositoryProvider] {
	return &unitOfWork[RepositoryProvider]{
		pool: sharedpool.NewPool[context.Context, *wrappedTransaction](
			func(ctx context.Context) (*wrappedTransaction, sharedpool.WrappedValueReleaseFunc, error) {
				conn, err := pool.TransactionalConnection(ctx)
				if err != nil {
					return nil, nil, err
				}

				transaction, err := conn.BeginTransaction(ctx, nil)
				if err != nil {
					return nil, nil, joinErrors(err, conn.Close())
				}

				wt := &wrappedTransaction{
					Transaction: transaction,
					state:       commit,
				}
				return wt, func() error {
					return joinErrors(wt.release(), conn.Close())
				}, nil
			},
		),
		builder: builder,
	}
}

type unitOfWork[RepositoryProvider any] struct {
	pool    *sharedpool.Pool[context.Context, *wrappedTransaction]
	builder RepositoryProviderBuilder[RepositoryProvider]
}

func (uow unitOfWork[RepositoryProvider]) ExecuteWithUnitOfWork(ctx context.Context, callback func(provider RepositoryProvider) error) (err error) {
	sharedTransaction, err := uow.pool.Get(ctx)
	if err != nil {
		return err
	}
	wt := sharedTransaction.Value()
	defer func() {
		err = joinErrors(err, sharedTransaction.Release())
		if err == nil && wt.state == rollback && wt.released {
			err = ErrTransactionRolledBack
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			wt.markRollback()
		}
	}()
	err = callback(uow.builder(wt))
	return err
}

const (
	commit = iota
	rollback
)

// wrappedTransaction defers commit or rollback until the last holder releases it.
type wrappedTransaction struct {
	Transaction
	state    int
	released bool
}

func (wt *wrappedTransaction) Commit() error {
	return nil
}

func (wt *wrappedTransaction) Rollback() error {
	wt.markRollback()
	return nil
}

func (wt *wrappedTransaction) markRollback() {
	wt.state = rollback
}

func (wt *wrappedTransaction) release() error {
	wt.released = true
	var err error
	switch wt.state {
	case commit:
		err = wt.Transaction.Commit()
	case rollback:
		err = wt.Transaction.Rollback()
	}
	return errors.WithStack(err)
}
