package redis

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	appoutbox "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/outbox"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/outbox"
)

const (
	fieldID            = "id"
	fieldAggregateType = "aggregate_type"
	fieldAggregateID   = "aggregate_id"
	fieldEventType     = "event_type"
	fieldPayload       = "payload"
	fieldCreatedAt     = "created_at"
)

type StreamConfig struct {
	// Prefix names the streams "<prefix>:<eventType>".
	Prefix string
	// MaxLenApprox trims streams with XADD MAXLEN ~, no trimming when zero.
	MaxLenApprox int64
}

func NewStreamTransport(client goredis.Cmdable, config StreamConfig) outbox.Transport {
	return &streamTransport{
		client: client,
		config: config,
	}
}

type streamTransport struct {
	client goredis.Cmdable
	config StreamConfig
}

func (t *streamTransport) Deliver(ctx context.Context, message outbox.Message) error {
	err := t.client.XAdd(ctx, xAddArgs(t.config, message)).Err()
	return errors.WithStack(err)
}

func xAddArgs(config StreamConfig, message outbox.Message) *goredis.XAddArgs {
	args := &goredis.XAddArgs{
		Stream: StreamName(config.Prefix, message.EventType),
		ID:     "*",
		Values: map[string]any{
			fieldID:            message.ID,
			fieldAggregateType: message.AggregateType,
			fieldAggregateID:   message.AggregateID,
			fieldEventType:     message.EventType,
			fieldPayload:       message.Payload,
			fieldCreatedAt:     message.CreatedAt.UnixNano(),
		},
	}
	if config.MaxLenApprox > 0 {
		args.MaxLen = config.MaxLenApprox
		args.Approx = true
	}
	return args
}

func StreamName(prefix, eventType string) string {
	return prefix + ":" + eventType
}

// IncomingEvent restores the record identity from stream entry values.
func IncomingEvent(values map[string]any) appoutbox.IncomingEvent {
	return appoutbox.IncomingEvent{
		ID:            stringValue(values[fieldID]),
		AggregateType: stringValue(values[fieldAggregateType]),
		AggregateID:   stringValue(values[fieldAggregateID]),
		EventType:     stringValue(values[fieldEventType]),
		Payload:       []byte(stringValue(values[fieldPayload])),
	}
}

func stringValue(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case []byte:
		return string(value)
	case int64:
		return strconv.FormatInt(value, 10)
	default:
		return ""
	}
}

type StreamConsumerConfig struct {
	StreamConfig
	Group      string
	Consumer   string
	EventTypes []string
	BatchSize  int64
	Block      time.Duration
	// ClaimInterval is how often pending entries are handled again, 30s when zero.
	ClaimInterval time.Duration
	// ClaimMinIdle takes over entries other consumers left pending for that long, disabled when zero.
	ClaimMinIdle time.Duration
}

const (
	defaultBlock         = 2 * time.Second
	defaultBatchSize     = 10
	defaultClaimInterval = 30 * time.Second
)

// ConsumeStreams reads the event type streams as a consumer group until ctx is cancelled.
// Entries are acknowledged after handling and after permanent failures. Other failures stay
// pending and are handled again every ClaimInterval and after a restart with the same consumer name.
func ConsumeStreams(
	ctx context.Context,
	client goredis.Cmdable,
	config StreamConsumerConfig,
	handler appoutbox.IncomingHandler,
	onError func(err error, event appoutbox.IncomingEvent),
) error {
	if len(config.EventTypes) == 0 {
		return errors.New("redis: no event types to consume")
	}
	config = normalizeConsumerConfig(config)

	streams := make([]string, 0, len(config.EventTypes))
	for _, eventType := range config.EventTypes {
		stream := StreamName(config.Prefix, eventType)
		err := client.XGroupCreateMkStream(ctx, stream, config.Group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return errors.Wrapf(err, "failed to create group %s on %s", config.Group, stream)
		}
		streams = append(streams, stream)
	}

	c := &streamConsumer{
		client:  client,
		config:  config,
		streams: streams,
		handler: handler,
		onError: onError,
	}
	var lastClaim time.Time
	for ctx.Err() == nil {
		if time.Since(lastClaim) >= config.ClaimInterval {
			err := c.handlePending(ctx)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				return err
			}
			lastClaim = time.Now()
		}

		err := c.handleNew(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return err
		}
	}
	return nil
}

type streamConsumer struct {
	client  goredis.Cmdable
	config  StreamConsumerConfig
	streams []string
	handler appoutbox.IncomingHandler
	onError func(err error, event appoutbox.IncomingEvent)
}

func (c *streamConsumer) handleNew(ctx context.Context) error {
	return c.read(ctx, ">", c.config.Block)
}

// handlePending takes over entries idle on other consumers, then handles every entry pending on this one.
func (c *streamConsumer) handlePending(ctx context.Context) error {
	if c.config.ClaimMinIdle > 0 {
		for _, stream := range c.streams {
			if err := c.claimIdle(ctx, stream); err != nil {
				return err
			}
		}
	}
	// a negative block omits BLOCK, the pending history is returned at once
	return c.read(ctx, "0", -1)
}

func (c *streamConsumer) claimIdle(ctx context.Context, stream string) error {
	pending, err := c.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: stream,
		Group:  c.config.Group,
		Start:  "-",
		End:    "+",
		Count:  c.config.BatchSize,
		Idle:   c.config.ClaimMinIdle,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		return errors.WithStack(err)
	}

	ids := make([]string, 0, len(pending))
	for _, entry := range pending {
		if entry.Consumer != c.config.Consumer {
			ids = append(ids, entry.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	err = c.client.XClaimJustID(ctx, &goredis.XClaimArgs{
		Stream:   stream,
		Group:    c.config.Group,
		Consumer: c.config.Consumer,
		MinIdle:  c.config.ClaimMinIdle,
		Messages: ids,
	}).Err()
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	return errors.WithStack(err)
}

func (c *streamConsumer) read(ctx context.Context, id string, block time.Duration) error {
	args := make([]string, 0, len(c.streams)*2)
	args = append(args, c.streams...)
	for range c.streams {
		args = append(args, id)
	}

	result, err := c.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    c.config.Group,
		Consumer: c.config.Consumer,
		Streams:  args,
		Count:    c.config.BatchSize,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		return errors.WithStack(err)
	}

	for _, stream := range result {
		for _, entry := range stream.Messages {
			if err = c.handle(ctx, stream.Stream, entry); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *streamConsumer) handle(ctx context.Context, stream string, entry goredis.XMessage) error {
	// trimmed entries stay in the pending list without values
	if len(entry.Values) > 0 {
		event := IncomingEvent(entry.Values)
		err := c.handler(ctx, event)
		if err != nil {
			c.onError(err, event)
			if !appoutbox.IsPermanent(err) {
				return nil
			}
		}
	}
	// handled entries are acknowledged even when the consumer is shutting down
	return errors.WithStack(c.client.XAck(context.WithoutCancel(ctx), stream, c.config.Group, entry.ID).Err())
}

func normalizeConsumerConfig(config StreamConsumerConfig) StreamConsumerConfig {
	if config.Block <= 0 {
		config.Block = defaultBlock
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	if config.ClaimInterval <= 0 {
		config.ClaimInterval = defaultClaimInterval
	}
	return config
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
