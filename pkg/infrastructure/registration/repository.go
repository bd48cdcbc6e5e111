package registration

import (
	"context"

	driver "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/registration"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/mysql"
)

const mysqlErrDuplicateEntry = 1062

func NewUserRepository(client mysql.ClientContext) registration.UserRepository {
	return &userRepository{client: client}
}

type userRepository struct {
	client mysql.ClientContext
}

func (r *userRepository) Store(ctx context.Context, user registration.User) error {
	_, err := r.client.ExecContext(ctx, `
		INSERT INTO users (id, email, name, role, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		user.ID.String(),
		user.Email,
		user.Name,
		string(user.Role),
		user.Metadata,
		user.CreatedAt,
	)
	if err != nil {
		var mysqlErr *driver.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry {
			return errors.WithStack(registration.ErrEmailAlreadyRegistered)
		}
		return errors.WithStack(err)
	}
	return nil
}
