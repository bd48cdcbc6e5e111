package outbox

import (
	"context"
	"time"

	appoutbox "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/outbox"
)

// Message is what the relay hands to a transport.
type Message struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

func (m Message) IdempotencyKey() string {
	return appoutbox.IncomingEvent{
		ID:          m.ID,
		AggregateID: m.AggregateID,
		EventType:   m.EventType,
	}.IdempotencyKey()
}

// Transport delivers one message; a nil error means the broker confirmed it.
type Transport interface {
	Deliver(ctx context.Context, message Message) error
}

type TransportFunc func(ctx context.Context, message Message) error

func (f TransportFunc) Deliver(ctx context.Context, message Message) error {
	return f(ctx, message)
}
