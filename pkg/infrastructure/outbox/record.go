package outbox

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Record is a pending or delivered domain event stored next to the domain data.
type Record struct {
	ID            uuid.UUID `db:"id"`
	AggregateType string    `db:"aggregate_type"`
	AggregateID   string    `db:"aggregate_id"`
	EventType     string    `db:"event_type"`
	Payload       []byte    `db:"payload"`
	Processed     bool      `db:"processed"`
	CreatedAt     time.Time `db:"created_at"`

	// Attempts counts failed deliveries, LastError keeps the latest failure.
	Attempts  int            `db:"attempts"`
	LastError sql.NullString `db:"last_error"`
}

func (r Record) message() Message {
	return Message{
		ID:            r.ID.String(),
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		EventType:     r.EventType,
		Payload:       r.Payload,
		CreatedAt:     r.CreatedAt,
	}
}

func (r Record) aggregateKey() string {
	return r.AggregateType + "/" + r.AggregateID
}
