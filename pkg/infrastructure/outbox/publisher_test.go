package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appoutbox "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/outbox"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/mysql"
)

type testRepositoryProvider struct {
	client    mysql.ClientContext
	publisher appoutbox.Publisher
}

func (p testRepositoryProvider) storeUser(ctx context.Context, id string) error {
	_, err := p.client.ExecContext(ctx, "INSERT INTO users (id) VALUES (?)", id)
	return err
}

func TestPublisher(t *testing.T) {
	newUnitOfWork := func(t *testing.T) (mysql.UnitOfWork[testRepositoryProvider], sqlmock.Sqlmock) {
		s, client, mock := newMockStore(t)
		return mysql.NewUnitOfWork(
			mysql.NewConnectionPool(client),
			func(client mysql.ClientContext) testRepositoryProvider {
				return testRepositoryProvider{
					client:    client,
					publisher: NewPublisher(client, s, appoutbox.NewJSONSerializer()),
				}
			},
		), mock
	}
	event := map[string]string{"userId": "42", "email": "a@b.com"}

	t.Run("event is committed with domain changes", func(t *testing.T) {
		uow, mock := newUnitOfWork(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO users").WithArgs("42").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO outbox_events").
			WithArgs(sqlmock.AnyArg(), "USER", "42", "user.registered", []byte(`{"email":"a@b.com","userId":"42"}`), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := uow.ExecuteWithUnitOfWork(context.Background(), func(provider testRepositoryProvider) error {
			if err := provider.storeUser(context.Background(), "42"); err != nil {
				return err
			}
			return provider.publisher.Publish(context.Background(), "user.registered", "USER", "42", event)
		})
		assert.NoError(t, err)
	})

	t.Run("event is rolled back with failed domain changes", func(t *testing.T) {
		uow, mock := newUnitOfWork(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO outbox_events").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO users").WillReturnError(errors.New("email taken"))
		mock.ExpectRollback()

		err := uow.ExecuteWithUnitOfWork(context.Background(), func(provider testRepositoryProvider) error {
			if err := provider.publisher.Publish(context.Background(), "user.registered", "USER", "42", event); err != nil {
				return err
			}
			return provider.storeUser(context.Background(), "42")
		})
		assert.EqualError(t, err, "email taken")
	})

	t.Run("unserializable event stores nothing", func(t *testing.T) {
		uow, mock := newUnitOfWork(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		err := uow.ExecuteWithUnitOfWork(context.Background(), func(provider testRepositoryProvider) error {
			return provider.publisher.Publish(context.Background(), "user.registered", "USER", "42", make(chan int))
		})
		var serializationErr *appoutbox.SerializationError
		require.True(t, errors.As(err, &serializationErr))
		assert.Equal(t, "user.registered", serializationErr.EventType)
	})

	t.Run("ids are time ordered", func(t *testing.T) {
		store := newMemoryStore()
		publisher := NewPublisher(nil, store, appoutbox.NewJSONSerializer())
		for i := 0; i < 3; i++ {
			require.NoError(t, publisher.Publish(context.Background(), "user.registered", "USER", "42", event))
		}
		require.Len(t, store.records, 3)
		for i := 1; i < len(store.records); i++ {
			assert.Less(t, store.records[i-1].ID.String(), store.records[i].ID.String())
		}
	})
}

func TestPublishAndRelay(t *testing.T) {
	store := newMemoryStore()
	publisher := NewPublisher(nil, store, appoutbox.NewJSONSerializer())
	event := map[string]string{"userId": "42", "email": "a@b.com", "role": "DRIVER"}
	payload := []byte(`{"email":"a@b.com","role":"DRIVER","userId":"42"}`)

	require.NoError(t, publisher.Publish(context.Background(), "user.registered", "USER", "42", event))

	require.Len(t, store.records, 1)
	stored := store.records[0]
	assert.Equal(t, "USER", stored.AggregateType)
	assert.Equal(t, "42", stored.AggregateID)
	assert.Equal(t, "user.registered", stored.EventType)
	assert.Equal(t, payload, stored.Payload)
	assert.False(t, stored.Processed)

	transport := &recordingTransport{}
	result, err := newTestRelay(store, transport, &fakeLocker{}, RelayConfig{}).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, CycleResult{Fetched: 1, Delivered: 1}, result)
	require.Len(t, transport.delivered, 1)
	assert.Equal(t, Message{
		ID:            stored.ID.String(),
		AggregateType: "USER",
		AggregateID:   "42",
		EventType:     "user.registered",
		Payload:       payload,
		CreatedAt:     stored.CreatedAt,
	}, transport.delivered[0])
	assert.True(t, store.get(stored.ID).Processed)
}

func TestCorrelationID(t *testing.T) {
	message := Message{ID: "0192f0c4-9f3a-7c1e-8a57-3b2d9a1f6e10", Payload: []byte(`{"userId":"42"}`)}

	first := CorrelationID("fleet-auth", message)
	assert.Equal(t, first, CorrelationID("fleet-auth", message))
	assert.Regexp(t, `^fleet-auth:[A-Za-z0-9_-]{43}:0192f0c4-9f3a-7c1e-8a57-3b2d9a1f6e10$`, first)
}
