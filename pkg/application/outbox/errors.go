package outbox

import "fmt"

// SerializationError means the event could not be encoded, nothing was stored.
type SerializationError struct {
	EventType string
	Err       error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("failed to serialize %q event: %v", e.EventType, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// PersistenceError is a store failure, Op names the store operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("outbox %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// TransportError is a failed or unconfirmed delivery of a record.
type TransportError struct {
	RecordID  string
	EventType string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to deliver %q event %s: %v", e.EventType, e.RecordID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
