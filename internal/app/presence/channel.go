package presence

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"chatcore/internal/providers/redis"
)

// Channel is the publish/subscribe transport presence rides on, scoped by
// thread id. Subscribe returns a receive channel and an unsubscribe func;
// after unsubscribe the receive channel is closed.
type Channel interface {
	Publish(ctx context.Context, threadID string, ev Event) error
	Subscribe(ctx context.Context, threadID string) (<-chan Event, func(), error)
}

const channelPrefix = "presence:thread:"

// RedisChannel carries presence events over Redis pub/sub, one Redis channel
// per thread.
type RedisChannel struct {
	provider *redis.RedisProvider
	logger   *zap.SugaredLogger
}

func NewRedisChannel(provider *redis.RedisProvider, logger *zap.Logger) *RedisChannel {
	return &RedisChannel{
		provider: provider,
		logger:   logger.Sugar(),
	}
}

func (c *RedisChannel) Publish(ctx context.Context, threadID string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.provider.Publish(ctx, channelPrefix+threadID, payload)
}

func (c *RedisChannel) Subscribe(ctx context.Context, threadID string) (<-chan Event, func(), error) {
	pubsub := c.provider.Subscribe(ctx, channelPrefix+threadID)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, err
	}

	out := make(chan Event, 32)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				c.logger.Warnw("Dropping malformed presence event",
					"thread_id", threadID,
					"error", err,
				)
				continue
			}
			select {
			case out <- ev:
			default:
				// Receiver is stalled; presence is best-effort, drop.
			}
		}
	}()

	return out, func() { pubsub.Close() }, nil
}

// MemoryChannel is an in-process Channel for tests and single-node runs.
type MemoryChannel struct {
	mu   sync.Mutex
	subs map[string]map[int]chan Event
	next int
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{subs: make(map[string]map[int]chan Event)}
}

func (c *MemoryChannel) Publish(_ context.Context, threadID string, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs[threadID] {
		select {
		case sub <- ev:
		default:
		}
	}
	return nil
}

func (c *MemoryChannel) Subscribe(_ context.Context, threadID string) (<-chan Event, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.next
	c.next++
	ch := make(chan Event, 32)
	if c.subs[threadID] == nil {
		c.subs[threadID] = make(map[int]chan Event)
	}
	c.subs[threadID][id] = ch

	unsubscribe := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[threadID][id]; ok {
			delete(c.subs[threadID], id)
			close(sub)
		}
	}
	return ch, unsubscribe, nil
}
