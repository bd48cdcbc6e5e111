package amqp

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/logging"
	appoutbox "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/outbox"
)

// Handler failures are requeued unless appoutbox.IsPermanent reports them.
type Handler func(ctx context.Context, delivery Delivery) error

type Consumer interface {
	Channel
}

type ConsumerConfig struct {
	Queue QueueConfig
	Bind  *BindConfig
	QoS   *QoSConfig
}

func NewConsumer(
	ctx context.Context,
	handler Handler,
	config ConsumerConfig,
	logger logging.Logger,
) Consumer {
	if config.Queue.Name == "" {
		panic("queue name is required")
	}
	return &consumer{
		ctx:     ctx,
		handler: handler,
		config:  config,
		logger:  logger.WithField("queue", config.Queue.Name),
	}
}

type consumer struct {
	ctx     context.Context
	handler Handler
	config  ConsumerConfig
	logger  logging.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func (c *consumer) Connect(conn *amqp.Connection) (err error) {
	channel, err := conn.Channel()
	if err != nil {
		return err
	}
	err = validateChannel(channel)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = joinErrors(err, channel.Close())
		}
	}()

	err = queueDeclare(c.config.Queue, channel)
	if err != nil {
		return err
	}

	if c.config.Bind != nil {
		err = bindDeclare(*c.config.Bind, channel)
		if err != nil {
			return err
		}
	}

	if c.config.QoS != nil {
		err = qosDeclare(*c.config.QoS, channel)
		if err != nil {
			return err
		}
	}

	deliveries, err := channel.Consume(c.config.Queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	connErrorChan := channel.NotifyClose(make(chan *amqp.Error, 1))
	go c.processConnectErrors(connErrorChan)

	c.mu.Lock()
	c.conn = conn
	c.channel = channel
	c.mu.Unlock()

	go c.consume(deliveries)
	return nil
}

func (c *consumer) consume(deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			c.handle(delivery)
		}
	}
}

func (c *consumer) handle(delivery amqp.Delivery) {
	err := c.handler(c.ctx, toDelivery(delivery))
	if err == nil {
		_ = delivery.Ack(false)
		return
	}

	requeue := !appoutbox.IsPermanent(err)
	c.logger.WithFields(logging.Fields{
		"message_id":  delivery.MessageId,
		"routing_key": delivery.RoutingKey,
		"requeue":     requeue,
	}).Error(err, "failed to handle AMQP delivery")
	_ = delivery.Nack(false, requeue)
}

func toDelivery(delivery amqp.Delivery) Delivery {
	headers := make(map[string]string, len(delivery.Headers))
	for k, v := range delivery.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	return Delivery{
		MessageID:     delivery.MessageId,
		RoutingKey:    delivery.RoutingKey,
		CorrelationID: delivery.CorrelationId,
		ContentType:   delivery.ContentType,
		Type:          delivery.Type,
		Timestamp:     delivery.Timestamp,
		Headers:       headers,
		Body:          delivery.Body,
	}
}

func (c *consumer) processConnectErrors(ch chan *amqp.Error) {
	err, ok := <-ch
	if !ok || err == nil {
		return
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn.IsClosed() || c.ctx.Err() != nil {
		return
	}

	c.logger.Error(err, "AMQP channel error, trying to reconnect")
	if connectErr := c.Connect(conn); connectErr != nil {
		c.logger.Error(connectErr, "failed to reopen AMQP channel")
		return
	}
	c.logger.Info("AMQP channel restored")
}
