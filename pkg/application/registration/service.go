package registration

import (
	"context"
	"encoding/json"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/outbox"
)

type User struct {
	ID        uuid.UUID
	Email     string
	Name      string
	Role      Role
	Metadata  []byte
	CreatedAt time.Time
}

type UserRepository interface {
	// Store returns ErrEmailAlreadyRegistered when the email is taken.
	Store(ctx context.Context, user User) error
}

// RepositoryProvider gives access to repositories bound to one transaction.
type RepositoryProvider interface {
	UserRepository() UserRepository
	Publisher() outbox.Publisher
}

type UnitOfWork interface {
	ExecuteWithUnitOfWork(ctx context.Context, callback func(provider RepositoryProvider) error) error
}

type RegisterUser struct {
	Email    string
	Name     string
	Role     Role
	Metadata Metadata
}

type Service interface {
	// RegisterUser stores the user and its user.registered event together.
	RegisterUser(ctx context.Context, command RegisterUser) (uuid.UUID, error)
}

func NewService(unitOfWork UnitOfWork, logger logging.Logger) Service {
	return &service{
		unitOfWork: unitOfWork,
		logger:     logger,
		newID:      uuid.NewV7,
		now:        time.Now,
	}
}

type service struct {
	unitOfWork UnitOfWork
	logger     logging.Logger
	newID      func() (uuid.UUID, error)
	now        func() time.Time
}

func (s *service) RegisterUser(ctx context.Context, command RegisterUser) (uuid.UUID, error) {
	command.Email = strings.ToLower(strings.TrimSpace(command.Email))
	command.Name = strings.TrimSpace(command.Name)
	if err := validate(command); err != nil {
		return uuid.Nil, err
	}

	metadata, err := json.Marshal(command.Metadata)
	if err != nil {
		return uuid.Nil, errors.WithStack(err)
	}
	id, err := s.newID()
	if err != nil {
		return uuid.Nil, errors.WithStack(err)
	}
	user := User{
		ID:        id,
		Email:     command.Email,
		Name:      command.Name,
		Role:      command.Role,
		Metadata:  metadata,
		CreatedAt: s.now().UTC(),
	}

	err = s.unitOfWork.ExecuteWithUnitOfWork(ctx, func(provider RepositoryProvider) error {
		if err := provider.UserRepository().Store(ctx, user); err != nil {
			return err
		}
		return provider.Publisher().Publish(ctx, EventTypeUserRegistered, AggregateUser, user.ID.String(), UserRegistered{
			UserID: user.ID.String(),
			Email:  user.Email,
			Role:   user.Role,
		})
	})
	if err != nil {
		return uuid.Nil, err
	}

	s.logger.WithFields(logging.Fields{
		"user_id": user.ID.String(),
		"role":    string(user.Role),
	}).Info("user registered")
	return user.ID, nil
}

func validate(command RegisterUser) error {
	var v violations
	if v.required("email", command.Email) {
		if address, err := mail.ParseAddress(command.Email); err != nil || address.Address != command.Email {
			v = append(v, Violation{Field: "email", Message: "must be a valid address"})
		}
	}
	v.length("name", command.Name, 2, 120)
	if command.Metadata == nil {
		v = append(v, Violation{Field: "metadata", Message: "is required"})
		return v.err()
	}
	if command.Metadata.Role() != command.Role {
		v = append(v, Violation{Field: "metadata", Message: "does not match role " + string(command.Role)})
		return v.err()
	}
	if err := command.Metadata.Validate(); err != nil {
		var validationErr *ValidationError
		if !errors.As(err, &validationErr) {
			return err
		}
		v = append(v, validationErr.Violations...)
	}
	return v.err()
}
