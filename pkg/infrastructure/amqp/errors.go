package amqp

import commonerrors "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/common/errors"

func joinErrors(errs ...error) error {
	return commonerrors.Join(errs...)
}
