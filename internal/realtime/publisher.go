package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher announces a change to every subscriber of the event's family.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// LocalPublisher feeds the hub directly; used when the API runs as a
// single instance.
type LocalPublisher struct {
	Hub *Hub
}

func (p LocalPublisher) Publish(_ context.Context, ev Event) error {
	p.Hub.Deliver(ev)
	return nil
}

const channelPrefix = "heirloom:tree:"

// Channel is the Redis pub/sub channel for a protocol key.
func Channel(protocolKey string) string {
	return channelPrefix + protocolKey
}

// RedisBroker publishes events to Redis and relays every family channel
// back into the local hub, so each API instance reaches its own sockets.
type RedisBroker struct {
	client *redis.Client
	hub    *Hub
	logger *zap.Logger
}

func NewRedisBroker(client *redis.Client, hub *Hub, logger *zap.Logger) *RedisBroker {
	return &RedisBroker{client: client, hub: hub, logger: logger.Named("realtime.redis")}
}

func (b *RedisBroker) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, Channel(ev.ProtocolKey), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Run relays published events into the hub until ctx is done. ready, if
// not nil, is closed once the subscription is confirmed.
func (b *RedisBroker) Run(ctx context.Context, ready chan<- struct{}) error {
	pubsub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s*: %w", channelPrefix, err)
	}
	if ready != nil {
		close(ready)
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("discarding malformed event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if ev.ProtocolKey == "" {
				ev.ProtocolKey = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			b.hub.Deliver(ev)
		}
	}
}
