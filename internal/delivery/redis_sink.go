package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Publisher is the subset of the Redis client the sink uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes deliveries on a Redis pub/sub channel.
type RedisSink struct {
	async
	client  Publisher
	channel string
}

// NewRedisSink builds a sink for channel.
func NewRedisSink(client Publisher, channel string, timeout time.Duration) *RedisSink {
	s := &RedisSink{client: client, channel: channel}
	s.timeout = timeout
	return s
}

// Publish sends d in the background.
func (s *RedisSink) Publish(ctx context.Context, d Delivery) {
	_ = ctx
	s.run("redis", d, func(ctx context.Context) error {
		payload, err := Encode(d)
		if err != nil {
			return fmt.Errorf("encode delivery: %w", err)
		}
		if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
			return fmt.Errorf("redis publish %s: %w", s.channel, err)
		}
		return nil
	})
}

var _ Sink = (*RedisSink)(nil)
