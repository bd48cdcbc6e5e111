package redis

import (
	"context"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	appoutbox "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/outbox"
)

// NewDeduplicator remembers handled idempotency keys for ttl.
func NewDeduplicator(client goredis.Cmdable, prefix string, ttl time.Duration) appoutbox.Deduplicator {
	return &deduplicator{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

type deduplicator struct {
	client goredis.Cmdable
	prefix string
	ttl    time.Duration
}

func (d *deduplicator) Seen(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Exists(ctx, d.key(key)).Result()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return n > 0, nil
}

func (d *deduplicator) MarkSeen(ctx context.Context, key string) error {
	return errors.WithStack(d.client.Set(ctx, d.key(key), 1, d.ttl).Err())
}

func (d *deduplicator) key(key string) string {
	return d.prefix + ":" + key
}
