package mysql

import (
	"github.com/pkg/errors"

	commonerrors "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/common/errors"
)

var ErrTransactionRolledBack = errors.New("transaction rolled back by nested unit of work")

func joinErrors(errs ...error) error {
	return commonerrors.Join(errs...)
}
