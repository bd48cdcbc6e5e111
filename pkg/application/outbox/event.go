package outbox

import (
	"context"
	"encoding/json"
)

// Publisher records a domain event in the transaction it is bound to.
// Delivery to consumers happens later, out of band.
type Publisher interface {
	Publish(ctx context.Context, eventType, aggregateType, aggregateID string, event any) error
}

type EventSerializer interface {
	Serialize(event any) ([]byte, error)
}

func NewJSONSerializer() EventSerializer {
	return jsonSerializer{}
}

type jsonSerializer struct{}

func (jsonSerializer) Serialize(event any) ([]byte, error) {
	return json.Marshal(event)
}
