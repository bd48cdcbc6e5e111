package nats

import (
	"context"

	natsio "github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	appoutbox "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/outbox"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/outbox"
)

const (
	headerAggregateType = "Aggregate-Type"
	headerAggregateID   = "Aggregate-Id"
	headerEventType     = "Event-Type"
)

// NewTransport publishes records to "<subjectPrefix>.<eventType>".
// The record id is sent as Nats-Msg-Id, so JetStream drops redeliveries within the duplicate window.
func NewTransport(js natsio.JetStreamContext, subjectPrefix string) outbox.Transport {
	return &transport{
		js:            js,
		subjectPrefix: subjectPrefix,
	}
}

type transport struct {
	js            natsio.JetStreamContext
	subjectPrefix string
}

func (t *transport) Deliver(ctx context.Context, message outbox.Message) error {
	_, err := t.js.PublishMsg(newMsg(t.subjectPrefix, message), natsio.Context(ctx))
	return errors.WithStack(err)
}

func newMsg(subjectPrefix string, message outbox.Message) *natsio.Msg {
	msg := natsio.NewMsg(Subject(subjectPrefix, message.EventType))
	msg.Data = message.Payload
	msg.Header.Set(natsio.MsgIdHdr, message.ID)
	msg.Header.Set(headerAggregateType, message.AggregateType)
	msg.Header.Set(headerAggregateID, message.AggregateID)
	msg.Header.Set(headerEventType, message.EventType)
	return msg
}

func Subject(subjectPrefix, eventType string) string {
	return subjectPrefix + "." + eventType
}

func IncomingEvent(msg *natsio.Msg) appoutbox.IncomingEvent {
	return appoutbox.IncomingEvent{
		ID:            msg.Header.Get(natsio.MsgIdHdr),
		AggregateType: msg.Header.Get(headerAggregateType),
		AggregateID:   msg.Header.Get(headerAggregateID),
		EventType:     msg.Header.Get(headerEventType),
		Payload:       msg.Data,
	}
}
