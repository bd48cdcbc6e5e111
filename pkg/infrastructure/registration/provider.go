package registration

import (
	appoutbox "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/outbox"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/registration"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/mysql"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/outbox"
)

// NewRepositoryProviderBuilder binds the user repository and the outbox publisher to one transaction.
func NewRepositoryProviderBuilder(
	store outbox.Store,
	serializer appoutbox.EventSerializer,
) mysql.RepositoryProviderBuilder[registration.RepositoryProvider] {
	return func(client mysql.ClientContext) registration.RepositoryProvider {
		return &repositoryProvider{
			userRepository: NewUserRepository(client),
			publisher:      outbox.NewPublisher(client, store, serializer),
		}
	}
}

type repositoryProvider struct {
	userRepository registration.UserRepository
	publisher      appoutbox.Publisher
}

func (p *repositoryProvider) UserRepository() registration.UserRepository {
	return p.userRepository
}

func (p *repositoryProvider) Publisher() appoutbox.Publisher {
	return p.publisher
}
