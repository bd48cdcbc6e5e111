package outboxmigrations

import (
	"context"

	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/common/errors"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/common/io"
	libmigrator "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/migrator"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/mysql"
)

// NewOutboxMigrator creates the outbox tables named after table. release frees the migration connection.
func NewOutboxMigrator(
	ctx context.Context,
	pool mysql.ConnectionPool,
	logger logging.Logger,
	table string,
) (migrator libmigrator.Migrator, release io.CloserFunc, err error) {
	if table == "" {
		panic("outbox table cannot be empty")
	}

	conn, err := pool.TransactionalConnection(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, conn.Close())
		}
	}()

	factory := libmigrator.NewMigratorFactory(table, conn, logger.WithField("migrator", table))

	migrations := make([]libmigrator.Migration, 0, len(builderFunctions))
	for _, builder := range builderFunctions {
		migrations = append(migrations, builder(conn, table))
	}

	migrator, err = factory.NewMigrator(migrations...)
	if err != nil {
		return nil, nil, err
	}
	return migrator, conn.Close, nil
}

var builderFunctions = []func(client mysql.ClientContext, table string) libmigrator.Migration{
	newVersion1762198457,
	newVersion1762551106,
}
