package mysql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	liberrors "github.com/pkg/errors"
)

var (
	ErrLockTimeout   = errors.New("lock timed out")
	ErrLockNotLocked = errors.New("lock not locked")
	ErrLockNotFound  = errors.New("lock not found")
)

// Lock is a MySQL named lock, it belongs to the connection that acquired it.
type Lock interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

func NewLock(lockName string, timeout time.Duration, client ClientContext) Lock {
	return &lock{
		lockName: lockName,
		timeout:  timeout,
		client:   client,
	}
}

type lock struct {
	lockName string
	timeout  time.Duration
	client   ClientContext
}

func (l lock) Lock(ctx context.Context) error {
	const sqlQuery = "SELECT GET_LOCK(SUBSTRING(CONCAT(?, '.', DATABASE()), 1, 64), ?)"
	var result sql.NullInt32
	err := l.client.GetContext(ctx, &result, sqlQuery, l.lockName, int(l.timeout.Seconds()))
	if err != nil {
		return liberrors.WithStack(err)
	}
	if !result.Valid || result.Int32 == 0 {
		return ErrLockTimeout
	}
	return nil
}

func (l lock) Unlock(ctx context.Context) error {
	const sqlQuery = "SELECT RELEASE_LOCK(SUBSTRING(CONCAT(?, '.', DATABASE()), 1, 64))"
	var result sql.NullInt32
	err := l.client.GetContext(ctx, &result, sqlQuery, l.lockName)
	if err != nil {
		return liberrors.WithStack(err)
	}
	if !result.Valid {
		return ErrLockNotFound
	}
	if result.Int32 == 0 {
		return ErrLockNotLocked
	}
	return nil
}
