package mysql

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

type ClientContext interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)

	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

type Transaction interface {
	ClientContext
	Commit() error
	Rollback() error
}

type TransactionalConnection interface {
	ClientContext
	BeginTransaction(ctx context.Context, opts *sql.TxOptions) (Transaction, error)
	Close() error
}

type TransactionalClient interface {
	ClientContext
	BeginTransaction(ctx context.Context, opts *sql.TxOptions) (Transaction, error)
	Connection(ctx context.Context) (TransactionalConnection, error)
}

func NewTransactionalClient(db *sqlx.DB) TransactionalClient {
	return &transactionalClient{DB: db}
}

type transactionalClient struct {
	*sqlx.DB
}

func (client *transactionalClient) BeginTransaction(ctx context.Context, opts *sql.TxOptions) (Transaction, error) {
	tx, err := client.BeginTxx(ctx, opts)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return tx, nil
}

func (client *transactionalClient) Connection(ctx context.Context) (TransactionalConnection, error) {
	connx, err := client.Connx(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &transactionalConnection{Conn: connx}, nil
}

type transactionalConnection struct {
	*sqlx.Conn
}

func (conn *transactionalConnection) BeginTransaction(ctx context.Context, opts *sql.TxOptions) (Transaction, error) {
	tx, err := conn.BeginTxx(ctx, opts)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return tx, nil
}

// WithinTransaction runs callback in a transaction of client, rolls back when callback fails.
func WithinTransaction(ctx context.Context, client TransactionalClient, callback func(tx ClientContext) error) (err error) {
	tx, err := client.BeginTransaction(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = joinErrors(err, errors.WithStack(rbErr))
			}
			return
		}
		err = errors.WithStack(tx.Commit())
	}()
	return callback(tx)
}
