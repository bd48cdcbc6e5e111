package amqp

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/logging"
)

var ErrPublishNotConfirmed = stderrors.New("broker did not confirm delivery")

type Delivery struct {
	MessageID     string
	RoutingKey    string
	CorrelationID string
	ContentType   string
	Type          string
	Timestamp     time.Time
	Headers       map[string]string
	Body          []byte
}

type Producer interface {
	Channel
	// Publish returns after the broker confirmed the delivery. Publishing is not mandatory,
	// the broker confirms unroutable messages as well, so the exchange needs a bound queue.
	Publish(ctx context.Context, delivery Delivery) error
}

func NewProducer(
	appID string,
	exchangeConfig *ExchangeConfig,
	queueConfig *QueueConfig,
	bindConfig *BindConfig,
	logger logging.Logger,
) Producer {
	if exchangeConfig == nil && queueConfig == nil {
		panic("exchange or queue config is required")
	}
	return &producer{
		appID:          appID,
		exchangeConfig: exchangeConfig,
		queueConfig:    queueConfig,
		bindConfig:     bindConfig,
		logger:         logger,
	}
}

type producer struct {
	appID          string
	exchangeConfig *ExchangeConfig
	queueConfig    *QueueConfig
	bindConfig     *BindConfig
	logger         logging.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func (p *producer) Connect(conn *amqp.Connection) (err error) {
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

	if p.exchangeConfig != nil {
		err = exchangeDeclare(*p.exchangeConfig, channel)
		if err != nil {
			return err
		}
	}

	if p.queueConfig != nil {
		err = queueDeclare(*p.queueConfig, channel)
		if err != nil {
			return err
		}
	}

	if p.bindConfig != nil {
		err = bindDeclare(*p.bindConfig, channel)
		if err != nil {
			return err
		}
	}

	err = channel.Confirm(false)
	if err != nil {
		return err
	}

	connErrorChan := channel.NotifyClose(make(chan *amqp.Error, 1))
	go p.processConnectErrors(connErrorChan)

	p.mu.Lock()
	p.conn = conn
	p.channel = channel
	p.mu.Unlock()

	return nil
}

func (p *producer) Publish(ctx context.Context, delivery Delivery) error {
	p.mu.RLock()
	channel := p.channel
	p.mu.RUnlock()

	err := validateChannel(channel)
	if err != nil {
		return err
	}

	exchange, routingKey := p.route(delivery)
	timestamp := delivery.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	var headers amqp.Table
	if len(delivery.Headers) > 0 {
		headers = make(amqp.Table, len(delivery.Headers))
		for k, v := range delivery.Headers {
			headers[k] = v
		}
	}

	deferredConfirmation, err := channel.PublishWithDeferredConfirmWithContext(
		ctx,
		exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			Headers:       headers,
			ContentType:   delivery.ContentType,
			DeliveryMode:  amqp.Persistent,
			CorrelationId: delivery.CorrelationID,
			MessageId:     delivery.MessageID,
			Timestamp:     timestamp,
			Type:          delivery.Type,
			AppId:         p.appID,
			Body:          delivery.Body,
		},
	)
	if err != nil {
		return err
	}
	if deferredConfirmation == nil {
		return ErrPublishNotConfirmed
	}
	publishOk, err := deferredConfirmation.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !publishOk {
		return ErrPublishNotConfirmed
	}
	return nil
}

// route publishes to the exchange when one is configured, otherwise straight to the queue.
func (p *producer) route(delivery Delivery) (exchange, routingKey string) {
	if p.exchangeConfig != nil {
		return p.exchangeConfig.Name, delivery.RoutingKey
	}
	return "", p.queueConfig.Name
}

func (p *producer) processConnectErrors(ch chan *amqp.Error) {
	err, ok := <-ch
	if !ok || err == nil {
		return
	}

	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn.IsClosed() {
		// the connection reconnects and reopens every channel
		return
	}

	p.logger.Error(err, "AMQP channel error, trying to reconnect")
	if connectErr := p.Connect(conn); connectErr != nil {
		p.logger.Error(connectErr, "failed to reopen AMQP channel")
		return
	}
	p.logger.Info("AMQP channel restored")
}

func validateChannel(channel *amqp.Channel) error {
	if channel == nil {
		return stderrors.New("amqp channel is empty")
	}
	if channel.IsClosed() {
		return stderrors.New("amqp channel is closed")
	}
	return nil
}
