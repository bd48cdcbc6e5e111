package amqp

import (
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// UserExchange receives every user aggregate event, routed by event type.
	UserExchange      = "exchange.user"
	ExchangeKindTopic = "topic"
)

type ConnectionConfig struct {
	User     string
	Password string
	Host     string
	VHost    string
	// ConnectTimeout bounds the initial dial retries, one minute when zero.
	ConnectTimeout time.Duration
}

func (c ConnectionConfig) url() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   c.Host,
		Path:   "/" + c.VHost,
	}
	return u.String()
}

type ExchangeConfig struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Args       amqp.Table
}

func UserExchangeConfig() *ExchangeConfig {
	return &ExchangeConfig{
		Name:    UserExchange,
		Kind:    ExchangeKindTopic,
		Durable: true,
	}
}

// UserEventsQueue is the durable queue bound to every event of UserExchange.
// The relay declares it too, events published before any consumer started are kept.
func UserEventsQueue(name string) (*QueueConfig, *BindConfig) {
	return &QueueConfig{
			Name:    name,
			Durable: true,
		}, &BindConfig{
			QueueName:    name,
			ExchangeName: UserExchange,
			RoutingKeys:  []string{"#"},
		}
}

type QueueConfig struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Args       amqp.Table
}

type QoSConfig struct {
	PrefetchCount int
	PrefetchSize  int
	Global        bool
}

type BindConfig struct {
	QueueName    string
	ExchangeName string
	RoutingKeys  []string
	NoWait       bool
	Args         amqp.Table
}

func exchangeDeclare(config ExchangeConfig, channel *amqp.Channel) error {
	return channel.ExchangeDeclare(
		config.Name,
		config.Kind,
		config.Durable,
		config.AutoDelete,
		config.Internal,
		config.NoWait,
		config.Args,
	)
}

func queueDeclare(config QueueConfig, channel *amqp.Channel) error {
	_, err := channel.QueueDeclare(
		config.Name,
		config.Durable,
		config.AutoDelete,
		config.Exclusive,
		config.NoWait,
		config.Args,
	)
	return err
}

func bindDeclare(config BindConfig, channel *amqp.Channel) error {
	for _, routingKey := range config.RoutingKeys {
		err := channel.QueueBind(config.QueueName, routingKey, config.ExchangeName, config.NoWait, config.Args)
		if err != nil {
			return err
		}
	}
	return nil
}

func qosDeclare(config QoSConfig, channel *amqp.Channel) error {
	return channel.Qos(config.PrefetchCount, config.PrefetchSize, config.Global)
}
