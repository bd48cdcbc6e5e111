package outbox

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	appoutbox "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/outbox"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/mysql"
)

// NewPublisher binds a publisher to client, the transaction of the current unit of work.
// The event is committed or rolled back together with the domain changes made through client.
func NewPublisher(
	client mysql.ClientContext,
	store Store,
	serializer appoutbox.EventSerializer,
) appoutbox.Publisher {
	return &publisher{
		client:     client,
		store:      store,
		serializer: serializer,
		newID:      uuid.NewV7,
	}
}

type publisher struct {
	client     mysql.ClientContext
	store      Store
	serializer appoutbox.EventSerializer
	newID      func() (uuid.UUID, error)
}

func (p *publisher) Publish(ctx context.Context, eventType, aggregateType, aggregateID string, event any) error {
	payload, err := p.serializer.Serialize(event)
	if err != nil {
		return errors.WithStack(&appoutbox.SerializationError{EventType: eventType, Err: err})
	}

	id, err := p.newID()
	if err != nil {
		return persistenceError("insert", errors.WithStack(err))
	}

	_, err = p.store.Insert(ctx, p.client, Record{
		ID:            id,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
	})
	return err
}
