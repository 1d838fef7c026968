package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/outcomelab/settled/internal/domain"
)

// streamMaxLen bounds the durable event stream, enforced via XADD MAXLEN ~.
const streamMaxLen int64 = 50_000

// subscribeBuffer is the per-subscription payload buffer handed to consumers.
const subscribeBuffer = 128

// SignalBus implements domain.SignalBus: Pub/Sub for the ephemeral fan-out
// consumed by the websocket hub and notifier, Streams for the durable ordered
// event log.
type SignalBus struct {
	rdb *redis.Client
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.Underlying()}
}

var _ domain.SignalBus = (*SignalBus)(nil)

// Publish sends a payload to a Pub/Sub channel.
func (b *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a Pub/Sub subscription and returns a channel of payloads.
// Glob patterns use PSUBSCRIBE. The subscription follows the context; when it
// is cancelled the returned channel closes.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	sub := b.open(ctx, channel)

	// Confirm the subscription before handing the channel to the caller.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subscribeBuffer)
	go b.drain(ctx, sub, out)
	return out, nil
}

func (b *SignalBus) open(ctx context.Context, channel string) *redis.PubSub {
	if strings.ContainsAny(channel, "*?[") {
		return b.rdb.PSubscribe(ctx, channel)
	}
	return b.rdb.Subscribe(ctx, channel)
}

func (b *SignalBus) drain(ctx context.Context, sub *redis.PubSub, out chan<- []byte) {
	defer close(out)
	defer sub.Close()

	in := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}
}

// StreamAppend appends a payload to the durable stream with approximate
// trimming.
func (b *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"event": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count messages after lastID. "0" reads from the
// beginning, "$" only new messages. No messages is an empty result, not an
// error.
func (b *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   int64(count),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var out []domain.StreamMessage
	for _, s := range res {
		for _, msg := range s.Messages {
			payload, ok := msg.Values["event"].(string)
			if !ok {
				continue
			}
			out = append(out, domain.StreamMessage{ID: msg.ID, Payload: []byte(payload)})
		}
	}
	return out, nil
}
