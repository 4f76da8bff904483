package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultChannel = "notifications"

// RedisEmitter publishes events as JSON on a Redis channel. The notification
// service subscribes and owns delivery from there.
type RedisEmitter struct {
	rdb     *redis.Client
	channel string
	clock   func() time.Time
}

func NewRedisEmitter(rdb *redis.Client, channel string) *RedisEmitter {
	if channel == "" {
		channel = defaultChannel
	}
	return &RedisEmitter{rdb: rdb, channel: channel, clock: time.Now}
}

func (r *RedisEmitter) Emit(ctx context.Context, e Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.clock().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, payload).Err()
}
