package registration

import (
	"context"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/logging"
	commonerrors "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/common/errors"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/common/io"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/migrator"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/mysql"
)

const migrationsPrefix = "users"

func NewUserMigrator(
	ctx context.Context,
	pool mysql.ConnectionPool,
	logger logging.Logger,
) (m migrator.Migrator, release io.CloserFunc, err error) {
	conn, err := pool.TransactionalConnection(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			err = commonerrors.Join(err, conn.Close())
		}
	}()

	m, err = migrator.NewMigratorFactory(migrationsPrefix, conn, logger.WithField("migrator", migrationsPrefix)).
		NewMigrator(&version1762198400{client: conn})
	if err != nil {
		return nil, nil, err
	}
	return m, conn.Close, nil
}

type version1762198400 struct {
	client mysql.ClientContext
}

func (v version1762198400) Version() int64 {
	return 1762198400
}

func (v version1762198400) Description() string {
	return "Create 'users' table"
}

func (v version1762198400) Up(ctx context.Context) error {
	_, err := v.client.ExecContext(ctx, `
		CREATE TABLE users
		(
		    id         CHAR(36)     NOT NULL,
		    email      VARCHAR(255) NOT NULL,
		    name       VARCHAR(120) NOT NULL,
		    role       VARCHAR(32)  NOT NULL,
		    metadata   JSON         NOT NULL,
		    created_at DATETIME(6)  NOT NULL,
		    PRIMARY KEY (id),
		    UNIQUE INDEX users_email_idx (email)
		)
		    ENGINE = InnoDB
		    CHARACTER SET = utf8mb4
		    COLLATE utf8mb4_unicode_ci
	`)
	return errors.WithStack(err)
}
