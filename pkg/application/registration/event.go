package registration

import "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/outbox"

const (
	AggregateUser = "USER"

	EventTypeUserRegistered = "user.registered"
)

type UserRegistered struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   Role   `json:"role"`
}

// RegisterEvents makes the registration events decodable by consumers.
func RegisterEvents(registry *outbox.Registry) error {
	return outbox.Register[UserRegistered](registry, EventTypeUserRegistered)
}
