package mysql

import (
	"context"
	"sync"
	"time"

	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/sharedpool"
)

type Locker interface {
	ExecuteWithLock(ctx context.Context, lockName string, lockTimeout time.Duration, callback func() error) error
}

func NewLocker(pool ConnectionPool) Locker {
	return &locker{
		pool: sharedpool.NewPool[context.Context, *wrappedLockedConnection](
			func(ctx context.Context) (*wrappedLockedConnection, sharedpool.WrappedValueReleaseFunc, error) {
				conn, err := pool.TransactionalConnection(ctx)
				if err != nil {
					return nil, nil, err
				}

				wc := &wrappedLockedConnection{
					TransactionalConnection: conn,
				}
				return wc, func() error {
					return wc.release(ctx)
				}, nil
			},
		),
	}
}

type locker struct {
	pool *sharedpool.Pool[context.Context, *wrappedLockedConnection]
}

func (l locker) ExecuteWithLock(ctx context.Context, lockName string, lockTimeout time.Duration, callback func() error) (err error) {
	sharedConn, err := l.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = joinErrors(err, sharedConn.Release())
	}()

	err = sharedConn.Value().appendLock(ctx, lockName, lockTimeout)
	if err != nil {
		return err
	}

	err = callback()
	return err
}

// wrappedLockedConnection keeps the connection holding named locks until the last holder releases it.
type wrappedLockedConnection struct {
	TransactionalConnection

	mu    sync.Mutex
	locks []Lock
}

func (wc *wrappedLockedConnection) appendLock(ctx context.Context, lockName string, lockTimeout time.Duration) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()

	lock := NewLock(lockName, lockTimeout, wc.TransactionalConnection)
	err := lock.Lock(ctx)
	if err != nil {
		return err
	}
	wc.locks = append(wc.locks, lock)
	return nil
}

func (wc *wrappedLockedConnection) release(ctx context.Context) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()

	// locks must be released even when the caller's context is already cancelled
	unlockCtx := context.WithoutCancel(ctx)
	var err error
	for _, lock := range wc.locks {
		err = joinErrors(err, lock.Unlock(unlockCtx))
	}
	wc.locks = nil
	return joinErrors(err, wc.TransactionalConnection.Close())
}
