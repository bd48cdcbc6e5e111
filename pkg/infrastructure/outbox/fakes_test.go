package outbox

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/mysql"
)

type nopLogger struct{}

func (l nopLogger) WithField(string, interface{}) logging.Logger { return l }
func (l nopLogger) WithFields(logging.Fields) logging.Logger    { return l }
func (nopLogger) Debug(...interface{})                          {}
func (nopLogger) Info(...interface{})                           {}
func (nopLogger) Warning(error, ...interface{})                 {}
func (nopLogger) Error(error, ...interface{})                   {}

// memoryStore keeps records in insertion order, which is also created_at order.
type memoryStore struct {
	mu          sync.Mutex
	records     []Record
	claimed     map[uuid.UUID]bool
	released    []uuid.UUID
	deadLetters []Record
	clock       time.Time

	markProcessedErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		claimed: make(map[uuid.UUID]bool),
		clock:   time.Date(2025, 11, 4, 10, 0, 0, 0, time.UTC),
	}
}

func (s *memoryStore) Insert(_ context.Context, _ mysql.ClientContext, record Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := validateRecord(record); err != nil {
		return Record{}, persistenceError("insert", err)
	}
	s.clock = s.clock.Add(time.Millisecond)
	record.CreatedAt = s.clock
	record.Processed = false
	s.records = append(s.records, record)
	return record, nil
}

func (s *memoryStore) add(aggregateID, eventType string) Record {
	record, err := s.Insert(context.Background(), nil, Record{
		ID:            uuid.Must(uuid.NewV7()),
		AggregateType: "USER",
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       []byte(`{"userId":"` + aggregateID + `"}`),
	})
	if err != nil {
		panic(err)
	}
	return record
}

func (s *memoryStore) FetchUnprocessedBatch(_ context.Context, limit uint) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending(limit, false), nil
}

func (s *memoryStore) ClaimUnprocessedBatch(_ context.Context, limit uint, _ time.Duration) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.pending(limit, true)
	for _, record := range records {
		s.claimed[record.ID] = true
	}
	return records, nil
}

func (s *memoryStore) pending(limit uint, skipClaimed bool) []Record {
	var records []Record
	for _, record := range s.records {
		if uint(len(records)) == limit {
			break
		}
		if record.Processed || (skipClaimed && s.claimed[record.ID]) {
			continue
		}
		records = append(records, record)
	}
	return records
}

func (s *memoryStore) MarkProcessed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markProcessedErr != nil {
		return persistenceError("mark processed", s.markProcessedErr)
	}
	if i := s.index(id); i >= 0 {
		s.records[i].Processed = true
	}
	delete(s.claimed, id)
	return nil
}

func (s *memoryStore) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.index(id); i >= 0 && !s.records[i].Processed {
		s.records[i].Attempts++
		s.records[i].LastError = sql.NullString{String: reason, Valid: true}
	}
	delete(s.claimed, id)
	return nil
}

func (s *memoryStore) ReleaseClaims(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.claimed, id)
	}
	s.released = append(s.released, ids...)
	return nil
}

func (s *memoryStore) DeadLetter(_ context.Context, record Record, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(record.ID)
	if i < 0 || s.records[i].Processed {
		return persistenceError("dead letter", ErrRecordNotPending)
	}
	record.LastError = sql.NullString{String: reason, Valid: true}
	s.deadLetters = append(s.deadLetters, record)
	s.records = append(s.records[:i], s.records[i+1:]...)
	return nil
}

func (s *memoryStore) index(id uuid.UUID) int {
	for i, record := range s.records {
		if record.ID == id {
			return i
		}
	}
	return -1
}

func (s *memoryStore) get(id uuid.UUID) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[s.index(id)]
}

type fakeLocker struct {
	err   error
	names []string
}

func (l *fakeLocker) ExecuteWithLock(_ context.Context, lockName string, _ time.Duration, callback func() error) error {
	l.names = append(l.names, lockName)
	if l.err != nil {
		return l.err
	}
	return callback()
}

// recordingTransport fails a message while fail returns an error for it.
type recordingTransport struct {
	mu        sync.Mutex
	attempts  []string
	delivered []Message
	fail      func(message Message, attempt int) error
}

func (t *recordingTransport) Deliver(_ context.Context, message Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	attempt := 1
	for _, id := range t.attempts {
		if id == message.ID {
			attempt++
		}
	}
	t.attempts = append(t.attempts, message.ID)
	if t.fail != nil {
		if err := t.fail(message, attempt); err != nil {
			return err
		}
	}
	t.delivered = append(t.delivered, message)
	return nil
}

func (t *recordingTransport) deliveredIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.delivered))
	for _, message := range t.delivered {
		ids = append(ids, message.ID)
	}
	return ids
}
