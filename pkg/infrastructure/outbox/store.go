package outbox

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	appoutbox "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/outbox"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/mysql"
)

const DefaultTable = "outbox_events"

const (
	mysqlErrDuplicateEntry = 1062
	maxLastErrorLength     = 1024
)

var (
	ErrInvalidRecord    = errors.New("invalid outbox record")
	ErrDuplicateRecord  = errors.New("outbox record already exists")
	ErrRecordNotPending = errors.New("outbox record is not pending")
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,50}$`)

// Store owns every read and write of the outbox tables.
type Store interface {
	// Insert joins the caller's transaction, it never opens one.
	Insert(ctx context.Context, client mysql.ClientContext, record Record) (Record, error)
	FetchUnprocessedBatch(ctx context.Context, limit uint) ([]Record, error)
	// ClaimUnprocessedBatch leases records to the caller so concurrent relays skip them.
	ClaimUnprocessedBatch(ctx context.Context, limit uint, lease time.Duration) ([]Record, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	ReleaseClaims(ctx context.Context, ids []uuid.UUID) error
	DeadLetter(ctx context.Context, record Record, reason string) error
}

func NewStore(client mysql.TransactionalClient, table string) (Store, error) {
	return newStore(client, table)
}

func newStore(client mysql.TransactionalClient, table string) (*store, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, errors.Errorf("invalid outbox table name %q", table)
	}
	return &store{
		client: client,
		table:  table,
		now:    time.Now,
	}, nil
}

type store struct {
	client mysql.TransactionalClient
	table  string
	now    func() time.Time
}

const recordColumns = `id, aggregate_type, aggregate_id, event_type, payload, processed, created_at, attempts, last_error`

func (s *store) Insert(ctx context.Context, client mysql.ClientContext, record Record) (Record, error) {
	if err := validateRecord(record); err != nil {
		return Record{}, persistenceError("insert", err)
	}

	record.Processed = false
	record.Attempts = 0
	record.LastError = sql.NullString{}
	record.CreatedAt = s.now().UTC().Truncate(time.Microsecond)

	_, err := client.ExecContext(ctx, s.query(`
		INSERT INTO %table% (id, aggregate_type, aggregate_id, event_type, payload, processed, created_at, attempts)
		VALUES (?, ?, ?, ?, ?, FALSE, ?, 0)
	`),
		record.ID.String(),
		record.AggregateType,
		record.AggregateID,
		record.EventType,
		record.Payload,
		record.CreatedAt,
	)
	if err != nil {
		var mysqlErr *driver.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry {
			return Record{}, persistenceError("insert", errors.Wrap(ErrDuplicateRecord, record.ID.String()))
		}
		return Record{}, persistenceError("insert", errors.WithStack(err))
	}
	return record, nil
}

func (s *store) FetchUnprocessedBatch(ctx context.Context, limit uint) ([]Record, error) {
	var records []Record
	err := s.client.SelectContext(ctx, &records, s.query(`
		SELECT `+recordColumns+`
		FROM %table%
		WHERE processed = FALSE
		ORDER BY created_at, id
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, persistenceError("fetch", errors.WithStack(err))
	}
	return records, nil
}

func (s *store) ClaimUnprocessedBatch(ctx context.Context, limit uint, lease time.Duration) ([]Record, error) {
	var records []Record
	err := mysql.WithinTransaction(ctx, s.client, func(tx mysql.ClientContext) error {
		now := s.now().UTC()
		err := tx.SelectContext(ctx, &records, s.query(`
			SELECT `+recordColumns+`
			FROM %table%
			WHERE processed = FALSE
			  AND (locked_until IS NULL OR locked_until < ?)
			ORDER BY created_at, id
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		`), now, limit)
		if err != nil {
			return errors.WithStack(err)
		}
		if len(records) == 0 {
			return nil
		}

		query, args, err := sqlx.In(
			s.query(`UPDATE %table% SET locked_until = ? WHERE id IN (?)`),
			now.Add(lease),
			recordIDs(records),
		)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = tx.ExecContext(ctx, query, args...)
		return errors.WithStack(err)
	})
	if err != nil {
		return nil, persistenceError("claim", err)
	}
	return records, nil
}

// MarkProcessed is a no-op for processed or unknown records, relay retries may repeat it.
func (s *store) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := s.client.ExecContext(ctx, s.query(`
		UPDATE %table%
		SET processed = TRUE, processed_at = ?, locked_until = NULL
		WHERE id = ? AND processed = FALSE
	`), s.now().UTC(), id.String())
	if err != nil {
		return persistenceError("mark processed", errors.WithStack(err))
	}
	return nil
}

func (s *store) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.client.ExecContext(ctx, s.query(`
		UPDATE %table%
		SET attempts = attempts + 1, last_error = ?, locked_until = NULL
		WHERE id = ? AND processed = FALSE
	`), truncate(reason, maxLastErrorLength), id.String())
	if err != nil {
		return persistenceError("mark failed", errors.WithStack(err))
	}
	return nil
}

func (s *store) ReleaseClaims(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	strIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		strIDs = append(strIDs, id.String())
	}
	query, args, err := sqlx.In(
		s.query(`UPDATE %table% SET locked_until = NULL WHERE id IN (?) AND processed = FALSE`),
		strIDs,
	)
	if err != nil {
		return persistenceError("release claims", errors.WithStack(err))
	}
	_, err = s.client.ExecContext(ctx, query, args...)
	if err != nil {
		return persistenceError("release claims", errors.WithStack(err))
	}
	return nil
}

// DeadLetter moves a pending record to the dead letter table, it is not fetched again.
func (s *store) DeadLetter(ctx context.Context, record Record, reason string) error {
	err := mysql.WithinTransaction(ctx, s.client, func(tx mysql.ClientContext) error {
		_, err := tx.ExecContext(ctx, s.query(`
			INSERT INTO %table%_dead_letter
			    (id, aggregate_type, aggregate_id, event_type, payload, created_at, attempts, last_error, dead_lettered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`),
			record.ID.String(),
			record.AggregateType,
			record.AggregateID,
			record.EventType,
			record.Payload,
			record.CreatedAt,
			record.Attempts,
			truncate(reason, maxLastErrorLength),
			s.now().UTC(),
		)
		if err != nil {
			return errors.WithStack(err)
		}

		result, err := tx.ExecContext(ctx, s.query(`DELETE FROM %table% WHERE id = ? AND processed = FALSE`), record.ID.String())
		if err != nil {
			return errors.WithStack(err)
		}
		deleted, err := result.RowsAffected()
		if err != nil {
			return errors.WithStack(err)
		}
		if deleted == 0 {
			return errors.Wrap(ErrRecordNotPending, record.ID.String())
		}
		return nil
	})
	if err != nil {
		return persistenceError("dead letter", err)
	}
	return nil
}

func (s *store) query(query string) string {
	return strings.ReplaceAll(query, "%table%", s.table)
}

func validateRecord(record Record) error {
	var missing []string
	if record.ID == uuid.Nil {
		missing = append(missing, "id")
	}
	if record.AggregateType == "" {
		missing = append(missing, "aggregate type")
	}
	if record.AggregateID == "" {
		missing = append(missing, "aggregate id")
	}
	if record.EventType == "" {
		missing = append(missing, "event type")
	}
	if len(record.Payload) == 0 {
		missing = append(missing, "payload")
	}
	if len(missing) > 0 {
		return errors.Wrapf(ErrInvalidRecord, "missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func recordIDs(records []Record) []string {
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID.String())
	}
	return ids
}

func persistenceError(op string, err error) error {
	return &appoutbox.PersistenceError{Op: op, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
