package registration

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/outbox"
)

type nopLogger struct{}

func (l nopLogger) WithField(string, interface{}) logging.Logger { return l }
func (l nopLogger) WithFields(logging.Fields) logging.Logger    { return l }
func (nopLogger) Debug(...interface{})                          {}
func (nopLogger) Info(...interface{})                           {}
func (nopLogger) Warning(error, ...interface{})                 {}
func (nopLogger) Error(error, ...interface{})                   {}

type publishedEvent struct {
	eventType     string
	aggregateType string
	aggregateID   string
	event         any
}

// fakeUnitOfWork keeps changes of a callback only when it succeeds.
type fakeUnitOfWork struct {
	users  map[string]User
	events []publishedEvent
}

type fakeProvider struct {
	users  map[string]User
	events *[]publishedEvent
}

func (p fakeProvider) UserRepository() UserRepository { return p }
func (p fakeProvider) Publisher() outbox.Publisher    { return p }

func (p fakeProvider) Store(_ context.Context, user User) error {
	if _, ok := p.users[user.Email]; ok {
		return ErrEmailAlreadyRegistered
	}
	p.users[user.Email] = user
	return nil
}

func (p fakeProvider) Publish(_ context.Context, eventType, aggregateType, aggregateID string, event any) error {
	*p.events = append(*p.events, publishedEvent{eventType, aggregateType, aggregateID, event})
	return nil
}

func (u *fakeUnitOfWork) ExecuteWithUnitOfWork(_ context.Context, callback func(provider RepositoryProvider) error) error {
	users := make(map[string]User, len(u.users))
	for k, v := range u.users {
		users[k] = v
	}
	events := append([]publishedEvent(nil), u.events...)
	if err := callback(fakeProvider{users: users, events: &events}); err != nil {
		return err
	}
	u.users, u.events = users, events
	return nil
}

func newTestService(uow UnitOfWork) *service {
	s := NewService(uow, nopLogger{}).(*service)
	s.newID = func() (uuid.UUID, error) {
		return uuid.MustParse("0192f0c4-9f3a-7c1e-8a57-3b2d9a1f6e10"), nil
	}
	s.now = func() time.Time { return time.Date(2025, 11, 4, 10, 0, 0, 0, time.UTC) }
	return s
}

func validDriver() RegisterUser {
	return RegisterUser{
		Email: "  Driver@Fleet.io ",
		Name:  "Ana Souza",
		Role:  RoleDriver,
		Metadata: DriverMetadata{
			CNH:          "12345678901",
			VehiclePlate: "ABC1D23",
			VehicleType:  "motorcycle",
		},
	}
}

func TestRegisterUser(t *testing.T) {
	t.Run("stores user and publishes user.registered", func(t *testing.T) {
		uow := &fakeUnitOfWork{users: map[string]User{}}
		id, err := newTestService(uow).RegisterUser(context.Background(), validDriver())
		require.NoError(t, err)

		user := uow.users["driver@fleet.io"]
		assert.Equal(t, id, user.ID)
		assert.Equal(t, RoleDriver, user.Role)
		assert.JSONEq(t, `{"cnh":"12345678901","vehiclePlate":"ABC1D23","vehicleType":"motorcycle"}`, string(user.Metadata))

		require.Len(t, uow.events, 1)
		assert.Equal(t, publishedEvent{
			eventType:     "user.registered",
			aggregateType: "USER",
			aggregateID:   id.String(),
			event:         UserRegistered{UserID: id.String(), Email: "driver@fleet.io", Role: RoleDriver},
		}, uow.events[0])

		payload, err := outbox.NewJSONSerializer().Serialize(uow.events[0].event)
		require.NoError(t, err)
		assert.JSONEq(t, `{"userId":"0192f0c4-9f3a-7c1e-8a57-3b2d9a1f6e10","email":"driver@fleet.io","role":"DRIVER"}`, string(payload))
	})

	t.Run("duplicate email publishes nothing", func(t *testing.T) {
		uow := &fakeUnitOfWork{users: map[string]User{"driver@fleet.io": {}}}
		_, err := newTestService(uow).RegisterUser(context.Background(), validDriver())
		assert.ErrorIs(t, err, ErrEmailAlreadyRegistered)
		assert.Empty(t, uow.events)
	})

	t.Run("invalid command lists every violation", func(t *testing.T) {
		uow := &fakeUnitOfWork{users: map[string]User{}}
		command := validDriver()
		command.Email = "not-an-email"
		command.Metadata = DriverMetadata{CNH: "123", VehiclePlate: "abc1234", VehicleType: "motorcycle"}

		_, err := newTestService(uow).RegisterUser(context.Background(), command)
		require.ErrorIs(t, err, ErrInvalidRegistration)
		var validationErr *ValidationError
		require.True(t, errors.As(err, &validationErr))
		fields := make([]string, 0, len(validationErr.Violations))
		for _, v := range validationErr.Violations {
			fields = append(fields, v.Field)
		}
		assert.Equal(t, []string{"email", "cnh", "vehiclePlate"}, fields)
		assert.Empty(t, uow.users)
	})

	t.Run("metadata must match role", func(t *testing.T) {
		command := validDriver()
		command.Role = RoleClient
		_, err := newTestService(&fakeUnitOfWork{users: map[string]User{}}).RegisterUser(context.Background(), command)
		assert.ErrorIs(t, err, ErrInvalidRegistration)
	})
}

func TestMetadataValidate(t *testing.T) {
	tests := []struct {
		name     string
		metadata Metadata
		valid    bool
	}{
		{"driver old plate", DriverMetadata{CNH: "12345678901", VehiclePlate: "ABC1234", VehicleType: "car"}, true},
		{"driver short vehicle type", DriverMetadata{CNH: "12345678901", VehiclePlate: "ABC1234", VehicleType: "ca"}, false},
		{"shop owner formatted cnpj", ShopOwnerMetadata{CNPJ: "12.345.678/0001-90", Address: "Rua das Flores, 100", OpeningHours: "08:00-18:00"}, true},
		{"shop owner bad hours", ShopOwnerMetadata{CNPJ: "12345678000190", Address: "Rua das Flores, 100", OpeningHours: "8:00-24:00"}, false},
		{"client formatted cpf", ClientMetadata{CPF: "123.456.789-09"}, true},
		{"client digits cpf", ClientMetadata{CPF: "12345678909"}, true},
		{"client missing cpf", ClientMetadata{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.metadata.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidRegistration)
			}
		})
	}
}

func TestDecodeMetadata(t *testing.T) {
	raw, err := json.Marshal(ShopOwnerMetadata{CNPJ: "12345678000190", Address: "Rua das Flores, 100", OpeningHours: "08:00-18:00"})
	require.NoError(t, err)

	metadata, err := DecodeMetadata(RoleShopOwner, raw)
	require.NoError(t, err)
	assert.Equal(t, RoleShopOwner, metadata.Role())

	_, err = DecodeMetadata(Role("ADMIN"), raw)
	assert.ErrorIs(t, err, ErrUnknownRole)

	role, err := ParseRole(" shop_owner ")
	require.NoError(t, err)
	assert.Equal(t, RoleShopOwner, role)
}

func TestRegisterEvents(t *testing.T) {
	registry := outbox.NewRegistry()
	require.NoError(t, RegisterEvents(registry))

	event, err := outbox.DecodeAs[UserRegistered](registry, EventTypeUserRegistered,
		[]byte(`{"userId":"42","email":"a@b.com","role":"CLIENT"}`))
	require.NoError(t, err)
	assert.Equal(t, UserRegistered{UserID: "42", Email: "a@b.com", Role: RoleClient}, event)
}
