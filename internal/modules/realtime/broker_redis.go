// README: Redis pub/sub broker for the realtime bridge.
package realtime

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

type RedisBroker struct {
	client *redis.Client
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (r *RedisBroker) Name() string { return "redis" }

func (r *RedisBroker) Open(ctx context.Context, onMessage func(string, []byte)) (Conn, error) {
	patterns := make([]string, 0, len(ChannelPrefixes))
	for _, p := range ChannelPrefixes {
		patterns = append(patterns, p+":*")
	}
	ps := r.client.PSubscribe(ctx, patterns...)
	// The first reply confirms the subscription or reports the dial error.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	c := &redisConn{client: r.client, ps: ps, done: make(chan struct{})}
	go c.read(onMessage)
	return c, nil
}

type redisConn struct {
	client *redis.Client
	ps     *redis.PubSub

	mu   sync.Mutex
	err  error
	done chan struct{}
	once sync.Once
}

func (c *redisConn) read(onMessage func(string, []byte)) {
	for {
		msg, err := c.ps.ReceiveMessage(context.Background())
		if err != nil {
			c.fail(err)
			return
		}
		onMessage(msg.Channel, []byte(msg.Payload))
	}
}

func (c *redisConn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *redisConn) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.client.Publish(ctx, channel, payload).Err()
}

func (c *redisConn) Done() <-chan struct{} { return c.done }

func (c *redisConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *redisConn) Close() error {
	err := c.ps.Close()
	c.fail(nil)
	return err
}
