package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/logging"
	appoutbox "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/outbox"
	appregistration "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/registration"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/common/io"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/amqp"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/nats"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/redis"
)

func newConsumeCommand(loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Consume user events once per record and log them",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				err = joinErrors(err, a.Close())
			}()

			registry := appoutbox.NewRegistry()
			if err = appregistration.RegisterEvents(registry); err != nil {
				return err
			}
			dedupeClient, err := a.redisClient(ctx)
			if err != nil {
				return err
			}
			handler := appoutbox.IdempotentHandler(
				registry,
				redis.NewDeduplicator(dedupeClient, cfg.Dedupe.Prefix, cfg.Dedupe.TTL),
				logEvent(a.logger),
			)
			return a.consume(ctx, registry, handler)
		},
	}
}

func logEvent(logger logging.Logger) appoutbox.EventHandler {
	return func(_ context.Context, eventType string, event any) error {
		fields := logging.Fields{"event_type": eventType}
		if registered, ok := event.(appregistration.UserRegistered); ok {
			fields["user_id"] = registered.UserID
			fields["role"] = string(registered.Role)
		}
		logger.WithFields(fields).Info("event consumed")
		return nil
	}
}

func (a *app) consume(ctx context.Context, registry *appoutbox.Registry, handler appoutbox.IncomingHandler) error {
	transportCfg := a.cfg.Transport
	switch transportCfg.Kind {
	case transportAMQP:
		conn := a.amqpConnection()
		queue, bind := amqp.UserEventsQueue(transportCfg.AMQP.Queue)
		// channels connect in order, the exchange is declared before the queue binds to it
		conn.Producer(amqp.UserExchangeConfig(), nil, nil)
		conn.Consumer(ctx, amqp.NewOutboxHandler(handler), amqp.ConsumerConfig{
			Queue: *queue,
			Bind:  bind,
			QoS:   &amqp.QoSConfig{PrefetchCount: transportCfg.AMQP.Prefetch},
		})
		if err := conn.Start(); err != nil {
			return err
		}
		a.closer.AddCloser(io.CloserFunc(conn.Stop))
		a.logger.WithField("queue", transportCfg.AMQP.Queue).Info("amqp consumer started")
		<-ctx.Done()
		return nil
	case transportNATS:
		client, err := a.natsClient(ctx)
		if err != nil {
			return err
		}
		return nats.Consume(ctx, client.JetStream(), nats.ConsumerConfig{
			Stream:        transportCfg.NATS.Stream,
			SubjectPrefix: transportCfg.NATS.SubjectPrefix,
			Durable:       transportCfg.NATS.Durable,
			AckWait:       transportCfg.NATS.AckWait,
			MaxDeliver:    transportCfg.NATS.MaxDeliver,
		}, handler, a.logger)
	case transportRedis:
		client, err := a.redisClient(ctx)
		if err != nil {
			return err
		}
		a.logger.WithField("group", transportCfg.Redis.Group).Info("redis stream consumer started")
		return redis.ConsumeStreams(ctx, client, redis.StreamConsumerConfig{
			StreamConfig:  redis.StreamConfig{Prefix: transportCfg.Redis.StreamPrefix},
			Group:         transportCfg.Redis.Group,
			Consumer:      transportCfg.Redis.Consumer,
			EventTypes:    registry.EventTypes(),
			ClaimInterval: transportCfg.Redis.ClaimInterval,
			ClaimMinIdle:  transportCfg.Redis.ClaimMinIdle,
		}, handler, func(err error, event appoutbox.IncomingEvent) {
			a.logger.WithFields(logging.Fields{
				"message_id": event.ID,
				"event_type": event.EventType,
			}).Error(err, "failed to handle stream entry")
		})
	default:
		return errors.Errorf("unknown transport %q", transportCfg.Kind)
	}
}
