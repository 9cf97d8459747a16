package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"classhub/pkg/types"
)

// Redis is the bus backend for multi-process deployments, implemented
// on Redis pub/sub. Envelopes are JSON on the wire.
type Redis struct {
	client *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewRedis connects to url and verifies the connection with a ping.
func NewRedis(url string, logger *slog.Logger) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &Redis{client: client, logger: logger}, nil
}

var _ Bus = (*Redis)(nil)

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan *types.Envelope
	cancel context.CancelFunc
	once   sync.Once
}

func (s *redisSubscription) C() <-chan *types.Envelope { return s.ch }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
	})
	return err
}

// Subscribe opens a Redis subscription on group and pumps decoded
// envelopes into a buffered channel.
func (r *Redis) Subscribe(ctx context.Context, group string) (Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrBusClosed
	}
	r.mu.Unlock()

	pubsub := r.client.Subscribe(ctx, group)
	// Force the SUBSCRIBE round trip so a broken connection fails here,
	// not on first receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", group, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan *types.Envelope, subscriptionBuffer),
		cancel: cancel,
	}

	go r.pump(pumpCtx, group, pubsub, sub.ch)

	return sub, nil
}

func (r *Redis) pump(ctx context.Context, group string, pubsub *redis.PubSub, out chan<- *types.Envelope) {
	defer close(out)

	messages := pubsub.Channel()
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var env types.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn("dropping undecodable bus envelope", "group", group, "error", err)
				continue
			}
			select {
			case out <- &env:
			default:
				// Slow subscriber: drop rather than stall the pump.
			}
		case <-ctx.Done():
			return
		}
	}
}

// Publish encodes env and publishes it to group.
func (r *Redis) Publish(ctx context.Context, group string, env *types.Envelope) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrBusClosed
	}
	r.mu.Unlock()

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redis: marshal envelope: %w", err)
	}
	if err := r.client.Publish(ctx, group, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", group, err)
	}
	return nil
}

// Close releases the Redis client. Open subscriptions end as their
// underlying connections close.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	return r.client.Close()
}
