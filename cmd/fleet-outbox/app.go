package main

import (
	"context"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/common/io"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/amqp"
	inflogging "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/logging"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/mysql"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/nats"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/outbox"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/redis"
)

// app owns the process wide resources of a command, Close releases them in reverse order.
type app struct {
	cfg    config
	logger logging.MainLogger
	client mysql.TransactionalClient
	closer io.MultiCloser

	redis *goredis.Client
}

func newApp(ctx context.Context, cfg config) (_ *app, err error) {
	logger, err := inflogging.NewJSONLogger(&inflogging.Config{
		AppName: cfg.AppID,
		Level:   cfg.Log.Level,
	})
	if err != nil {
		return nil, err
	}

	closer := io.NewMultiCloser()
	defer func() {
		if err != nil {
			_ = closer.Close()
		}
	}()

	connector := mysql.NewConnector()
	err = connector.Open(ctx, mysql.Config{
		User:                  cfg.MySQL.User,
		Password:              cfg.MySQL.Password,
		Host:                  cfg.MySQL.Host,
		Database:              cfg.MySQL.Database,
		MaxConnections:        cfg.MySQL.MaxConnections,
		ConnectionMaxLifeTime: cfg.MySQL.ConnMaxLifetime,
		ConnectionMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
		ConnectTimeout:        cfg.MySQL.ConnectTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to mysql")
	}
	closer.AddCloser(connector)

	return &app{
		cfg:    cfg,
		logger: logger,
		client: connector.TransactionalClient(),
		closer: closer,
	}, nil
}

func (a *app) Close() error {
	return a.closer.Close()
}

func (a *app) outboxStore() (outbox.Store, error) {
	return outbox.NewStore(a.client, a.cfg.Outbox.Table)
}

// outboxTransport connects the configured broker, its connection is closed with the app.
func (a *app) outboxTransport(ctx context.Context) (outbox.Transport, error) {
	transportCfg := a.cfg.Transport
	switch transportCfg.Kind {
	case transportAMQP:
		conn := a.amqpConnection()
		queue, bind := amqp.UserEventsQueue(transportCfg.AMQP.Queue)
		producer := conn.Producer(amqp.UserExchangeConfig(), queue, bind)
		if err := conn.Start(); err != nil {
			return nil, errors.Wrap(err, "failed to connect to amqp")
		}
		a.closer.AddCloser(io.CloserFunc(conn.Stop))
		return amqp.NewOutboxTransport(producer, a.cfg.AppID), nil
	case transportNATS:
		client, err := a.natsClient(ctx)
		if err != nil {
			return nil, err
		}
		return nats.NewTransport(client.JetStream(), transportCfg.NATS.SubjectPrefix), nil
	case transportRedis:
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return redis.NewStreamTransport(client, redis.StreamConfig{
			Prefix:       transportCfg.Redis.StreamPrefix,
			MaxLenApprox: transportCfg.Redis.MaxLenApprox,
		}), nil
	default:
		return nil, errors.Errorf("unknown transport %q", transportCfg.Kind)
	}
}

func (a *app) amqpConnection() amqp.Connection {
	amqpCfg := a.cfg.Transport.AMQP
	return amqp.NewAMQPConnection(a.cfg.AppID, &amqp.ConnectionConfig{
		User:           amqpCfg.User,
		Password:       amqpCfg.Password,
		Host:           amqpCfg.Host,
		VHost:          amqpCfg.VHost,
		ConnectTimeout: amqpCfg.ConnectTimeout,
	}, a.logger)
}

func (a *app) natsClient(ctx context.Context) (*nats.Client, error) {
	natsCfg := a.cfg.Transport.NATS
	client, err := nats.Connect(ctx, nats.Config{
		URL:             natsCfg.URL,
		Name:            a.cfg.AppID,
		Stream:          natsCfg.Stream,
		SubjectPrefix:   natsCfg.SubjectPrefix,
		DuplicateWindow: natsCfg.DuplicateWindow,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to nats")
	}
	a.closer.AddCloser(client)
	return client, nil
}

// redisClient is shared by the stream transport and the deduplicator.
func (a *app) redisClient(ctx context.Context) (*goredis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	redisCfg := a.cfg.Transport.Redis
	client, err := redis.NewClient(ctx, redis.Config{
		Addr:     redisCfg.Addr,
		Username: redisCfg.Username,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})
	if err != nil {
		return nil, err
	}
	a.closer.AddCloser(client)
	a.redis = client
	return client, nil
}
