package amqp

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	amqp "github.com/rabbitmq/amqp091-go"

	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/logging"
)

type Connection interface {
	Start() error
	Stop() error
	AddChannel(channel Channel)

	Producer(exchangeConfig *ExchangeConfig, queueConfig *QueueConfig, bindConfig *BindConfig) Producer
	Consumer(ctx context.Context, handler Handler, config ConsumerConfig) Consumer
}

// Channel is (re)opened by the connection every time it connects.
type Channel interface {
	Connect(conn *amqp.Connection) error
}

func NewAMQPConnection(appID string, config *ConnectionConfig, logger logging.Logger) Connection {
	return &connection{
		appID:  appID,
		config: config,
		logger: logger.WithField("amqp_host", config.Host),
	}
}

type connection struct {
	appID  string
	config *ConnectionConfig
	logger logging.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	channels []Channel
	stopped  bool
}

func (c *connection) Start() error {
	return c.connect(newBackOff(c.config.ConnectTimeout))
}

func (c *connection) connect(b backoff.BackOff) error {
	var conn *amqp.Connection
	err := backoff.RetryNotify(func() error {
		var dialErr error
		conn, dialErr = amqp.DialConfig(c.config.url(), amqp.Config{
			Properties: amqp.Table{"connection_name": c.appID},
		})
		return dialErr
	}, b, func(err error, next time.Duration) {
		c.logger.WithField("retry_in", next.String()).Warning(err, "failed to connect to AMQP")
	})
	if err != nil {
		return err
	}
	if err = validateConnection(conn); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	for _, channel := range c.channels {
		if err = channel.Connect(conn); err != nil {
			return joinErrors(err, conn.Close())
		}
	}

	connErrorChan := conn.NotifyClose(make(chan *amqp.Error, 1))
	go c.processConnectErrors(connErrorChan)
	return nil
}

func (c *connection) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

func (c *connection) AddChannel(channel Channel) {
	c.mu.Lock()
	c.channels = append(c.channels, channel)
	c.mu.Unlock()
}

func (c *connection) Producer(exchangeConfig *ExchangeConfig, queueConfig *QueueConfig, bindConfig *BindConfig) Producer {
	producer := NewProducer(c.appID, exchangeConfig, queueConfig, bindConfig, c.logger)
	c.AddChannel(producer)
	return producer
}

func (c *connection) Consumer(ctx context.Context, handler Handler, config ConsumerConfig) Consumer {
	consumer := NewConsumer(ctx, handler, config, c.logger)
	c.AddChannel(consumer)
	return consumer
}

func (c *connection) processConnectErrors(ch chan *amqp.Error) {
	err, ok := <-ch
	if !ok || err == nil {
		return
	}

	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return
	}

	c.logger.Error(err, "AMQP connection error, trying to reconnect")
	reconnectBackOff := newBackOff(0)
	reconnectBackOff.MaxElapsedTime = 0
	if connectErr := c.connect(reconnectBackOff); connectErr != nil {
		c.logger.Error(connectErr, "failed to reconnect to AMQP")
		return
	}
	c.logger.Info("AMQP connection restored")
}

func validateConnection(conn *amqp.Connection) error {
	if conn == nil {
		return stderrors.New("amqp connection is empty")
	}
	if conn.IsClosed() {
		return stderrors.New("amqp connection is closed")
	}
	return nil
}

func newBackOff(timeout time.Duration) *backoff.ExponentialBackOff {
	exponentialBackOff := backoff.NewExponentialBackOff()
	const defaultTimeout = 60 * time.Second
	if timeout != 0 {
		exponentialBackOff.MaxElapsedTime = timeout
	} else {
		exponentialBackOff.MaxElapsedTime = defaultTimeout
	}
	exponentialBackOff.MaxInterval = 5 * time.Second
	return exponentialBackOff
}
