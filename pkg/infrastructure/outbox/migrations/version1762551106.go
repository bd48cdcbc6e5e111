package outboxmigrations

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/migrator"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/mysql"
)

func newVersion1762551106(client mysql.ClientContext, table string) migrator.Migration {
	return &version1762551106{
		client: client,
		table:  table,
	}
}

type version1762551106 struct {
	client mysql.ClientContext
	table  string
}

func (v version1762551106) Version() int64 {
	return 1762551106
}

func (v version1762551106) Description() string {
	return fmt.Sprintf("Create '%s_dead_letter' table", v.table)
}

func (v version1762551106) Up(ctx context.Context) error {
	_, err := v.client.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE %table%_dead_letter
		(
		    id               CHAR(36)        NOT NULL,
		    aggregate_type   VARCHAR(64)     NOT NULL,
		    aggregate_id     VARCHAR(128)    NOT NULL,
		    event_type       VARCHAR(128)    NOT NULL,
		    payload          LONGBLOB        NOT NULL,
		    created_at       DATETIME(6)     NOT NULL,
		    attempts         INT             NOT NULL,
		    last_error       TEXT            NULL,
		    dead_lettered_at DATETIME(6)     NOT NULL,
		    PRIMARY KEY (id),
		    INDEX %table%_dead_letter_aggregate_idx (aggregate_type, aggregate_id)
		)
		    ENGINE = InnoDB
		    CHARACTER SET = utf8mb4
		    COLLATE utf8mb4_unicode_ci
	`, "%table%", v.table))
	return errors.WithStack(err)
}
