package nats

import (
	"context"
	"errors"
	"slices"
	"time"

	natsio "github.com/nats-io/nats.go"
	liberrors "github.com/pkg/errors"
)

type Config struct {
	URL    string
	Name   string
	Stream string
	// SubjectPrefix is prepended to event types, the stream captures "<prefix>.>".
	SubjectPrefix string
	// DuplicateWindow is how long JetStream drops repeated message ids.
	DuplicateWindow time.Duration
}

type Client struct {
	conn *natsio.Conn
	js   natsio.JetStreamContext
}

// Connect opens a JetStream connection and makes sure the stream exists.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" || cfg.Stream == "" || cfg.SubjectPrefix == "" {
		return nil, errors.New("nats: url, stream and subject prefix are required")
	}

	conn, err := natsio.Connect(cfg.URL, natsio.Name(cfg.Name), natsio.MaxReconnects(-1))
	if err != nil {
		return nil, liberrors.WithStack(err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, liberrors.WithStack(err)
	}

	if err = ensureStream(ctx, js, cfg); err != nil {
		conn.Close()
		return nil, err
	}
	return &Client{conn: conn, js: js}, nil
}

func (c *Client) JetStream() natsio.JetStreamContext {
	return c.js
}

func (c *Client) Close() error {
	return liberrors.WithStack(c.conn.Drain())
}

func ensureStream(ctx context.Context, js natsio.JetStreamContext, cfg Config) error {
	subjects := []string{cfg.SubjectPrefix + ".>"}

	info, err := js.StreamInfo(cfg.Stream, natsio.Context(ctx))
	if err == nil {
		if !slices.Equal(info.Config.Subjects, subjects) || info.Config.Duplicates != cfg.DuplicateWindow {
			info.Config.Subjects = subjects
			info.Config.Duplicates = cfg.DuplicateWindow
			_, err = js.UpdateStream(&info.Config, natsio.Context(ctx))
		}
		return liberrors.WithStack(err)
	}

	if errors.Is(err, natsio.ErrStreamNotFound) {
		_, err = js.AddStream(&natsio.StreamConfig{
			Name:       cfg.Stream,
			Subjects:   subjects,
			Storage:    natsio.FileStorage,
			Retention:  natsio.LimitsPolicy,
			Duplicates: cfg.DuplicateWindow,
		}, natsio.Context(ctx))
	}
	return liberrors.WithStack(err)
}
