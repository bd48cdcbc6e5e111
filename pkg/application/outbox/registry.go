package outbox

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

var ErrUnknownEventType = errors.New("unknown event type")

type DecodeFunc func(payload []byte) (any, error)

// Registry maps event types to payload decoders so consumers get typed events back.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]DecodeFunc)}
}

func (r *Registry) RegisterDecoder(eventType string, decode DecodeFunc) error {
	if eventType == "" {
		return errors.New("event type must not be empty")
	}
	if decode == nil {
		return errors.New("decode func must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.decoders[eventType]; ok {
		return errors.Errorf("decoder for %q already registered", eventType)
	}
	r.decoders[eventType] = decode
	return nil
}

// Register binds eventType to JSON decoding into T.
func Register[T any](r *Registry, eventType string) error {
	return r.RegisterDecoder(eventType, func(payload []byte) (any, error) {
		var event T
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, err
		}
		return event, nil
	})
}

func (r *Registry) Decode(eventType string, payload []byte) (any, error) {
	r.mu.RLock()
	decode, ok := r.decoders[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(ErrUnknownEventType, eventType)
	}
	event, err := decode(payload)
	if err != nil {
		return nil, errors.WithStack(&SerializationError{EventType: eventType, Err: err})
	}
	return event, nil
}

func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.decoders))
	for eventType := range r.decoders {
		types = append(types, eventType)
	}
	return types
}

// DecodeAs decodes payload and asserts the registered type.
func DecodeAs[T any](r *Registry, eventType string, payload []byte) (T, error) {
	var zero T
	event, err := r.Decode(eventType, payload)
	if err != nil {
		return zero, err
	}
	typed, ok := event.(T)
	if !ok {
		return zero, errors.Errorf("event %q decoded as %T, not %T", eventType, event, zero)
	}
	return typed, nil
}
