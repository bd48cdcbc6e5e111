package outbox

import (
	"context"
	"errors"
	"strings"
)

// IncomingEvent is what a consumer receives from a transport.
type IncomingEvent struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// IdempotencyKey identifies a delivery across redeliveries of the same record.
func (e IncomingEvent) IdempotencyKey() string {
	return strings.Join([]string{e.AggregateID, e.EventType, e.ID}, ":")
}

// Deduplicator remembers idempotency keys of handled events.
type Deduplicator interface {
	Seen(ctx context.Context, key string) (bool, error)
	MarkSeen(ctx context.Context, key string) error
}

type EventHandler func(ctx context.Context, eventType string, event any) error

type IncomingHandler func(ctx context.Context, event IncomingEvent) error

// IdempotentHandler decodes incoming events through registry and skips keys already handled.
// A key is recorded only after handle succeeds, a failed or interrupted handling is repeated on redelivery.
// Recording failures are returned, the event is then handled again rather than lost.
func IdempotentHandler(registry *Registry, deduplicator Deduplicator, handle EventHandler) IncomingHandler {
	return func(ctx context.Context, incoming IncomingEvent) error {
		key := incoming.IdempotencyKey()
		seen, err := deduplicator.Seen(ctx, key)
		if err != nil {
			return err
		}
		if seen {
			return nil
		}

		event, err := registry.Decode(incoming.EventType, incoming.Payload)
		if err != nil {
			return err
		}

		err = handle(ctx, incoming.EventType, event)
		if err != nil {
			return err
		}
		// handled events are recorded even when the consumer is shutting down
		return deduplicator.MarkSeen(context.WithoutCancel(ctx), key)
	}
}

// IsPermanent reports errors that redelivering the same event cannot fix.
func IsPermanent(err error) bool {
	var serializationErr *SerializationError
	return errors.Is(err, ErrUnknownEventType) || errors.As(err, &serializationErr)
}
