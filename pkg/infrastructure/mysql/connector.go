package mysql

import (
	"context"
	"errors"
	"time"

	driver "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	liberrors "github.com/pkg/errors"
)

const driverName = "mysql"

func NewConnector() Connector {
	return &connector{}
}

type Connector interface {
	Open(ctx context.Context, cfg Config) error
	Close() error

	TransactionalClient() TransactionalClient
}

type Config struct {
	User     string
	Password string
	Host     string
	Database string
	Params   map[string]string

	MaxConnections        int
	ConnectionMaxLifeTime time.Duration
	ConnectionMaxIdleTime time.Duration
	ConnectTimeout        time.Duration
}

// DSN always enables parseTime with UTC location, outbox timestamps are scanned into time.Time.
func (cfg Config) DSN() string {
	dsnConfig := driver.NewConfig()
	dsnConfig.User = cfg.User
	dsnConfig.Passwd = cfg.Password
	dsnConfig.Net = "tcp"
	dsnConfig.Addr = cfg.Host
	dsnConfig.DBName = cfg.Database
	dsnConfig.ParseTime = true
	dsnConfig.Loc = time.UTC
	dsnConfig.Timeout = cfg.ConnectTimeout
	if len(cfg.Params) > 0 {
		dsnConfig.Params = cfg.Params
	}
	return dsnConfig.FormatDSN()
}

type connector struct {
	db *sqlx.DB
}

func (c *connector) Open(ctx context.Context, cfg Config) error {
	db, err := sqlx.Open(driverName, cfg.DSN())
	if err != nil {
		return liberrors.WithStack(err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnectionMaxLifeTime)
	db.SetConnMaxIdleTime(cfg.ConnectionMaxIdleTime)

	pingError := db.PingContext(ctx)
	if pingError != nil {
		return joinErrors(liberrors.WithStack(pingError), db.Close())
	}

	c.db = db
	return nil
}

func (c *connector) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return errors.New("db not initialized")
}

func (c *connector) TransactionalClient() TransactionalClient {
	return NewTransactionalClient(c.db)
}
