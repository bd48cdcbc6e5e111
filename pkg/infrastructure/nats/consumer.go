package nats

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	natsio "github.com/nats-io/nats.go"
	liberrors "github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/logging"
	appoutbox "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/outbox"
)

const fetchTimeout = 2 * time.Second

type ConsumerConfig struct {
	Stream        string
	SubjectPrefix string
	Durable       string
	BatchSize     int
	AckWait       time.Duration
	// MaxDeliver limits redeliveries of a failing message, unlimited when zero.
	MaxDeliver int
}

// Consume pulls messages of the stream until ctx is cancelled and hands them to handler.
// Permanent failures are terminated, other failures are redelivered by JetStream.
func Consume(
	ctx context.Context,
	js natsio.JetStreamContext,
	config ConsumerConfig,
	handler appoutbox.IncomingHandler,
	logger logging.Logger,
) error {
	if config.Durable == "" {
		return errors.New("nats: durable consumer name is required")
	}
	maxDeliver := config.MaxDeliver
	if maxDeliver <= 0 {
		maxDeliver = -1
	}
	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	subject := Subject(config.SubjectPrefix, ">")
	sub, err := js.PullSubscribe(
		subject,
		config.Durable,
		natsio.BindStream(config.Stream),
		natsio.AckExplicit(),
		natsio.AckWait(config.AckWait),
		natsio.MaxDeliver(maxDeliver),
	)
	if err != nil {
		return liberrors.WithStack(err)
	}
	defer func() {
		_ = sub.Drain()
	}()

	logger = logger.WithFields(logging.Fields{"subject": subject, "durable": config.Durable})
	logger.Info("nats consumer started")
	pull(ctx, func(ctx context.Context) ([]*natsio.Msg, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()
		return sub.Fetch(batchSize, natsio.Context(fetchCtx))
	}, func(msg *natsio.Msg) {
		handle(ctx, msg, handler, logger)
	}, newFetchBackOff(), logger)
	logger.Info("nats consumer stopped")
	return nil
}

// pull fetches until ctx is cancelled. Fetch failures other than an empty wait back off.
func pull(
	ctx context.Context,
	fetch func(ctx context.Context) ([]*natsio.Msg, error),
	handleMsg func(msg *natsio.Msg),
	fetchBackOff backoff.BackOff,
	logger logging.Logger,
) {
	for ctx.Err() == nil {
		msgs, err := fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, natsio.ErrTimeout) {
				continue
			}
			wait := fetchBackOff.NextBackOff()
			logger.WithField("retry_in", wait.String()).Warning(err, "nats fetch failed")
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
			continue
		}
		fetchBackOff.Reset()
		for _, msg := range msgs {
			handleMsg(msg)
		}
	}
}

func newFetchBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func handle(ctx context.Context, msg *natsio.Msg, handler appoutbox.IncomingHandler, logger logging.Logger) {
	event := IncomingEvent(msg)
	err := handler(ctx, event)
	if err == nil {
		_ = msg.Ack()
		return
	}

	logger = logger.WithFields(logging.Fields{"message_id": event.ID, "event_type": event.EventType})
	if appoutbox.IsPermanent(err) {
		logger.Error(err, "dropping undeliverable nats message")
		_ = msg.Term()
		return
	}
	logger.Warning(err, "nats message handling failed, it will be redelivered")
	_ = msg.Nak()
}
