package amqp

import (
	"context"

	appoutbox "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/outbox"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/outbox"
)

const (
	headerAggregateType = "aggregate_type"
	headerAggregateID   = "aggregate_id"

	contentTypeJSON = "application/json"
)

// NewOutboxTransport publishes outbox records through producer, routed by event type.
func NewOutboxTransport(producer Producer, appID string) outbox.Transport {
	return &outboxTransport{
		producer: producer,
		appID:    appID,
	}
}

type outboxTransport struct {
	producer Producer
	appID    string
}

func (t *outboxTransport) Deliver(ctx context.Context, message outbox.Message) error {
	return t.producer.Publish(ctx, Delivery{
		MessageID:     message.ID,
		RoutingKey:    message.EventType,
		CorrelationID: outbox.CorrelationID(t.appID, message),
		ContentType:   contentTypeJSON,
		Type:          message.EventType,
		Timestamp:     message.CreatedAt,
		Headers: map[string]string{
			headerAggregateType: message.AggregateType,
			headerAggregateID:   message.AggregateID,
		},
		Body: message.Payload,
	})
}

// NewOutboxHandler adapts a consumer-side handler to deliveries published by NewOutboxTransport.
func NewOutboxHandler(handler appoutbox.IncomingHandler) Handler {
	return func(ctx context.Context, delivery Delivery) error {
		return handler(ctx, IncomingEvent(delivery))
	}
}

func IncomingEvent(delivery Delivery) appoutbox.IncomingEvent {
	eventType := delivery.Type
	if eventType == "" {
		eventType = delivery.RoutingKey
	}
	return appoutbox.IncomingEvent{
		ID:            delivery.MessageID,
		AggregateType: delivery.Headers[headerAggregateType],
		AggregateID:   delivery.Headers[headerAggregateID],
		EventType:     eventType,
		Payload:       delivery.Body,
	}
}
