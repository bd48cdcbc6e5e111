package main

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/outbox"
)

const envPrefix = "FLEET_OUTBOX"

type config struct {
	AppID     string          `mapstructure:"app_id"`
	Log       logConfig       `mapstructure:"log"`
	MySQL     mysqlConfig     `mapstructure:"mysql"`
	Outbox    outboxConfig    `mapstructure:"outbox"`
	Transport transportConfig `mapstructure:"transport"`
	Dedupe    dedupeConfig    `mapstructure:"dedupe"`
}

type logConfig struct {
	Level string `mapstructure:"level"`
}

type mysqlConfig struct {
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Host            string        `mapstructure:"host"`
	Database        string        `mapstructure:"database"`
	MaxConnections  int           `mapstructure:"max_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

type outboxConfig struct {
	Name                 string        `mapstructure:"name"`
	Table                string        `mapstructure:"table"`
	BatchSize            uint          `mapstructure:"batch_size"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	Mode                 string        `mapstructure:"mode"`
	ClaimLease           time.Duration `mapstructure:"claim_lease"`
	MaxAttempts          int           `mapstructure:"max_attempts"`
	DeliveryTimeout      time.Duration `mapstructure:"delivery_timeout"`
	LockTimeout          time.Duration `mapstructure:"lock_timeout"`
	MaxBackoff           time.Duration `mapstructure:"max_backoff"`
	StrictAggregateOrder bool          `mapstructure:"strict_aggregate_order"`
}

func (c outboxConfig) relayConfig() outbox.RelayConfig {
	return outbox.RelayConfig{
		Mode:                 outbox.Mode(c.Mode),
		BatchSize:            c.BatchSize,
		PollInterval:         c.PollInterval,
		ClaimLease:           c.ClaimLease,
		DeliveryTimeout:      c.DeliveryTimeout,
		LockTimeout:          c.LockTimeout,
		MaxAttempts:          c.MaxAttempts,
		MaxBackoff:           c.MaxBackoff,
		StrictAggregateOrder: c.StrictAggregateOrder,
	}
}

type transportConfig struct {
	Kind  string      `mapstructure:"kind"`
	AMQP  amqpConfig  `mapstructure:"amqp"`
	NATS  natsConfig  `mapstructure:"nats"`
	Redis redisConfig `mapstructure:"redis"`
}

type amqpConfig struct {
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	Host           string        `mapstructure:"host"`
	VHost          string        `mapstructure:"vhost"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Queue          string        `mapstructure:"queue"`
	Prefetch       int           `mapstructure:"prefetch"`
}

type natsConfig struct {
	URL             string        `mapstructure:"url"`
	Stream          string        `mapstructure:"stream"`
	SubjectPrefix   string        `mapstructure:"subject_prefix"`
	DuplicateWindow time.Duration `mapstructure:"duplicate_window"`
	Durable         string        `mapstructure:"durable"`
	AckWait         time.Duration `mapstructure:"ack_wait"`
	MaxDeliver      int           `mapstructure:"max_deliver"`
}

type redisConfig struct {
	Addr         string `mapstructure:"addr"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	StreamPrefix string `mapstructure:"stream_prefix"`
	MaxLenApprox int64  `mapstructure:"max_len_approx"`
	Group        string `mapstructure:"group"`
	Consumer     string `mapstructure:"consumer"`

	ClaimInterval time.Duration `mapstructure:"claim_interval"`
	ClaimMinIdle  time.Duration `mapstructure:"claim_min_idle"`
}

type dedupeConfig struct {
	Prefix string        `mapstructure:"prefix"`
	TTL    time.Duration `mapstructure:"ttl"`
}

const (
	transportAMQP  = "amqp"
	transportNATS  = "nats"
	transportRedis = "redis"
)

func loadConfig(cfgFile string) (config, error) {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("fleet-outbox")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/fleet-outbox")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || cfgFile != "" {
			return config{}, err
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return config{}, err
	}
	return cfg, cfg.validate()
}

func setDefaults(v *viper.Viper) {
	defaults := outbox.DefaultRelayConfig()

	v.SetDefault("app_id", "fleet-auth")
	v.SetDefault("log.level", "info")

	v.SetDefault("mysql.user", "root")
	v.SetDefault("mysql.password", "")
	v.SetDefault("mysql.host", "127.0.0.1:3306")
	v.SetDefault("mysql.database", "fleet_auth")
	v.SetDefault("mysql.max_connections", 10)
	v.SetDefault("mysql.conn_max_lifetime", "30m")
	v.SetDefault("mysql.conn_max_idle_time", "5m")
	v.SetDefault("mysql.connect_timeout", "5s")

	v.SetDefault("outbox.name", "main")
	v.SetDefault("outbox.table", outbox.DefaultTable)
	v.SetDefault("outbox.batch_size", defaults.BatchSize)
	v.SetDefault("outbox.poll_interval", defaults.PollInterval)
	v.SetDefault("outbox.mode", string(defaults.Mode))
	v.SetDefault("outbox.claim_lease", defaults.ClaimLease)
	v.SetDefault("outbox.max_attempts", 10)
	v.SetDefault("outbox.delivery_timeout", defaults.DeliveryTimeout)
	v.SetDefault("outbox.lock_timeout", "0s")
	v.SetDefault("outbox.max_backoff", defaults.MaxBackoff)
	v.SetDefault("outbox.strict_aggregate_order", false)

	v.SetDefault("transport.kind", transportAMQP)
	v.SetDefault("transport.amqp.user", "guest")
	v.SetDefault("transport.amqp.password", "guest")
	v.SetDefault("transport.amqp.host", "127.0.0.1:5672")
	v.SetDefault("transport.amqp.vhost", "")
	v.SetDefault("transport.amqp.connect_timeout", "1m")
	v.SetDefault("transport.amqp.queue", "fleet.user.events")
	v.SetDefault("transport.amqp.prefetch", 10)
	v.SetDefault("transport.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("transport.nats.stream", "FLEET_EVENTS")
	v.SetDefault("transport.nats.subject_prefix", "fleet.events")
	v.SetDefault("transport.nats.duplicate_window", "2m")
	v.SetDefault("transport.nats.durable", "fleet-outbox-consumer")
	v.SetDefault("transport.nats.ack_wait", "30s")
	v.SetDefault("transport.nats.max_deliver", 10)
	v.SetDefault("transport.redis.addr", "127.0.0.1:6379")
	v.SetDefault("transport.redis.username", "")
	v.SetDefault("transport.redis.password", "")
	v.SetDefault("transport.redis.db", 0)
	v.SetDefault("transport.redis.stream_prefix", "fleet.events")
	v.SetDefault("transport.redis.max_len_approx", 100000)
	v.SetDefault("transport.redis.group", "fleet-outbox-consumer")
	v.SetDefault("transport.redis.consumer", "consumer-1")
	v.SetDefault("transport.redis.claim_interval", "30s")
	v.SetDefault("transport.redis.claim_min_idle", "1m")

	v.SetDefault("dedupe.prefix", "fleet-outbox:seen")
	v.SetDefault("dedupe.ttl", "24h")
}

func (c config) validate() error {
	switch c.Transport.Kind {
	case transportAMQP, transportNATS, transportRedis:
	default:
		return errors.New("transport.kind must be one of amqp, nats, redis")
	}
	switch outbox.Mode(c.Outbox.Mode) {
	case outbox.ModeExclusive, outbox.ModeClaim:
	default:
		return errors.New("outbox.mode must be exclusive or claim")
	}
	if c.AppID == "" {
		return errors.New("app_id is required")
	}
	return nil
}
