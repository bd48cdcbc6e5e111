package migrator

import (
	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/mysql"
)

type Factory interface {
	NewMigrator(migrations ...Migration) (Migrator, error)
}

// NewMigratorFactory expects a dedicated connection, the migration lock is bound to it.
func NewMigratorFactory(tablePrefix string, conn mysql.ClientContext, logger logging.Logger) Factory {
	return &migratorFactory{
		tablePrefix: tablePrefix,
		conn:        conn,
		logger:      logger,
	}
}

type migratorFactory struct {
	tablePrefix string
	conn        mysql.ClientContext
	logger      logging.Logger
}

func (factory migratorFactory) NewMigrator(migrations ...Migration) (Migrator, error) {
	if len(migrations) == 0 {
		return nil, errors.New("migrations must not be empty")
	}
	return newMigrator(
		newStorage(factory.tablePrefix, factory.conn),
		newLocker(factory.tablePrefix+"_migration", factory.conn),
		factory.logger,
		migrations,
	), nil
}
