package fanout

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis is a Bus backed by Redis pub/sub. It shares the client used by the
// redis store, so one connection pool serves both concerns.
type Redis struct {
	rdb *redis.Client
	log *zerolog.Logger
}

// NewRedis wraps an existing Redis client.
func NewRedis(rdb *redis.Client, logger *zerolog.Logger) *Redis {
	return &Redis{rdb: rdb, log: logger}
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, channels []string, fn Handler) (func(), error) {
	ps := r.rdb.Subscribe(ctx, channels...)
	// Force the subscription to be established before returning, so a room
	// never misses a message published right after its creation.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}

	go func() {
		for msg := range ps.Channel() {
			fn(msg.Channel, []byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := ps.Close(); err != nil {
				r.log.Warn().Err(err).Strs("channels", channels).Msg("close subscription")
			}
		})
	}, nil
}

func (r *Redis) Close() error {
	return nil
}
