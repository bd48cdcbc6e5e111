package outboxmigrations

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/migrator"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/mysql"
)

func newVersion1762198457(client mysql.ClientContext, table string) migrator.Migration {
	return &version1762198457{
		client: client,
		table:  table,
	}
}

type version1762198457 struct {
	client mysql.ClientContext
	table  string
}

func (v version1762198457) Version() int64 {
	return 1762198457
}

func (v version1762198457) Description() string {
	return fmt.Sprintf("Create '%s' table", v.table)
}

func (v version1762198457) Up(ctx context.Context) error {
	_, err := v.client.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE %table%
		(
		    id             CHAR(36)        NOT NULL,
		    aggregate_type VARCHAR(64)     NOT NULL,
		    aggregate_id   VARCHAR(128)    NOT NULL,
		    event_type     VARCHAR(128)    NOT NULL,
		    payload        LONGBLOB        NOT NULL,
		    processed      BOOLEAN         NOT NULL DEFAULT FALSE,
		    created_at     DATETIME(6)     NOT NULL,
		    processed_at   DATETIME(6)     NULL,
		    attempts       INT             NOT NULL DEFAULT 0,
		    last_error     TEXT            NULL,
		    locked_until   DATETIME(6)     NULL,
		    PRIMARY KEY (id),
		    INDEX %table%_unprocessed_idx (processed, created_at, id)
		)
		    ENGINE = InnoDB
		    CHARACTER SET = utf8mb4
		    COLLATE utf8mb4_unicode_ci
	`, "%table%", v.table))
	return errors.WithStack(err)
}
