package migrator

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/mysql"
)

const migrationLockTimeout = time.Second * 5

func newLocker(lockName string, client mysql.ClientContext) *locker {
	return &locker{
		lock: mysql.NewLock(lockName, migrationLockTimeout, client),
	}
}

type locker struct {
	lock mysql.Lock
}

func (m *locker) Lock(ctx context.Context) error {
	return errors.WithStack(m.lock.Lock(ctx))
}

func (m *locker) Unlock(ctx context.Context) error {
	return errors.WithStack(m.lock.Unlock(ctx))
}
