package migrator

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/logging"
	commonerrors "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/common/errors"
)

type Migration interface {
	Version() int64
	Description() string
	Up(ctx context.Context) error
}

type Migrator interface {
	Migrate(ctx context.Context) error
}

func newMigrator(
	storage *storage,
	locker *locker,
	logger logging.Logger,
	migrations []Migration,
) Migrator {
	sorted := slices.Clone(migrations)
	slices.SortFunc(sorted, func(l, r Migration) int {
		return cmp.Compare(l.Version(), r.Version())
	})
	return &migrator{
		storage:    storage,
		locker:     locker,
		logger:     logger,
		migrations: sorted,
	}
}

type migrator struct {
	storage *storage
	locker  *locker
	logger  logging.Logger

	migrations []Migration
}

func (m migrator) Migrate(ctx context.Context) (err error) {
	err = m.locker.Lock(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = commonerrors.Join(err, fmt.Errorf("panic: %v", r))
		}
		err = commonerrors.Join(err, m.locker.Unlock(context.WithoutCancel(ctx)))
	}()

	err = m.storage.Init(ctx)
	if err != nil {
		return err
	}
	lastVersion, err := m.storage.LastVersion(ctx)
	if err != nil {
		return err
	}

	for _, migration := range m.migrations {
		var applied bool
		applied, err = m.storage.Applied(ctx, migration.Version())
		if err != nil {
			return err
		}
		if applied {
			m.logger.Debug(fmt.Sprintf("migration '%v' already applied", migration.Version()))
			continue
		}
		if migration.Version() < lastVersion {
			return errors.Errorf("migration version %v less then last applied %v", migration.Version(), lastVersion)
		}
		err = migration.Up(ctx)
		if err != nil {
			return err
		}
		m.logger.WithField("description", migration.Description()).
			Info(fmt.Sprintf("migration '%v' successfully applied", migration.Version()))
		err = m.storage.Store(ctx, migration)
		if err != nil {
			return err
		}
	}
	return nil
}
