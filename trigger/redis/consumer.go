package redistrigger

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisConsumer adapts a go-redis client to the Consumer interface.
type RedisConsumer struct {
	client *redis.Client
	pubsub *redis.PubSub
}

// NewRedisConsumer dials url (redis://host:port/db form) and verifies
// the connection.
func NewRedisConsumer(ctx context.Context, url string) (*RedisConsumer, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisConsumer{client: client}, nil
}

// NewRedisConsumerWithClient wraps an existing client. The caller keeps
// ownership of the client; Close only tears down the subscription.
func NewRedisConsumerWithClient(client *redis.Client) *RedisConsumer {
	return &RedisConsumer{client: client}
}

func (c *RedisConsumer) Consume(ctx context.Context, channels ...string) (<-chan Message, error) {
	pubsub := c.client.Subscribe(ctx, channels...)
	// Receive forces the SUBSCRIBE round trip so a broken connection
	// surfaces here instead of as a silent empty stream.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}
	c.pubsub = pubsub

	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *RedisConsumer) Close() error {
	if c.pubsub != nil {
		c.pubsub.Close()
	}
	return nil
}
