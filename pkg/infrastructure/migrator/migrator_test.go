package migrator

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/logging"
)

type nopLogger struct{}

func (l nopLogger) WithField(string, interface{}) logging.Logger { return l }
func (l nopLogger) WithFields(logging.Fields) logging.Logger    { return l }
func (nopLogger) Debug(...interface{})                          {}
func (nopLogger) Info(...interface{})                           {}
func (nopLogger) Warning(error, ...interface{})                 {}
func (nopLogger) Error(error, ...interface{})                   {}

type fakeMigration struct {
	version int64
	applied *[]int64
}

func (m fakeMigration) Version() int64      { return m.version }
func (m fakeMigration) Description() string { return "fake migration" }
func (m fakeMigration) Up(context.Context) error {
	*m.applied = append(*m.applied, m.version)
	return nil
}

func TestMigrator(t *testing.T) {
	t.Run("applies pending migrations in version order under lock", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		conn := sqlx.NewDb(db, "sqlmock")

		mock.ExpectQuery("SELECT GET_LOCK").
			WithArgs("outbox_events_migration", int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"lock"}).AddRow(int64(1)))
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS outbox_events_migrations").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT MAX\(version\) FROM outbox_events_migrations`).
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(1)))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"applied"}).AddRow(true))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows([]string{"applied"}).AddRow(false))
		mock.ExpectExec("INSERT INTO outbox_events_migrations").
			WithArgs(int64(2), "fake migration", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT RELEASE_LOCK").
			WithArgs("outbox_events_migration").
			WillReturnRows(sqlmock.NewRows([]string{"released"}).AddRow(int64(1)))

		var applied []int64
		m, err := NewMigratorFactory("outbox_events", conn, nopLogger{}).NewMigrator(
			fakeMigration{version: 2, applied: &applied},
			fakeMigration{version: 1, applied: &applied},
		)
		require.NoError(t, err)

		require.NoError(t, m.Migrate(context.Background()))
		assert.Equal(t, []int64{2}, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("refuses migration older than last applied", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		conn := sqlx.NewDb(db, "sqlmock")

		mock.ExpectQuery("SELECT GET_LOCK").
			WillReturnRows(sqlmock.NewRows([]string{"lock"}).AddRow(int64(1)))
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT MAX\(version\)`).
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(10)))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"applied"}).AddRow(false))
		mock.ExpectQuery("SELECT RELEASE_LOCK").
			WillReturnRows(sqlmock.NewRows([]string{"released"}).AddRow(int64(1)))

		var applied []int64
		m, err := NewMigratorFactory("outbox_events", conn, nopLogger{}).NewMigrator(
			fakeMigration{version: 3, applied: &applied},
		)
		require.NoError(t, err)

		assert.Error(t, m.Migrate(context.Background()))
		assert.Empty(t, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty migration list is rejected", func(t *testing.T) {
		_, err := NewMigratorFactory("outbox_events", nil, nopLogger{}).NewMigrator()
		assert.Error(t, err)
	})
}
