package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"mind-matrix/internal/broadcast"
)

// Bus implements the broadcast primitive on Redis: the channel's single
// record lives under one overwritable key, and a pub/sub message tells
// watchers the record changed. Watchers then load the latest record, so a
// write that lands between notification and load is simply observed in its
// place, so the last write wins.
type Bus struct {
	client *redis.Client
}

func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client}
}

func (b *Bus) Publish(ctx context.Context, channel string, msg broadcast.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal broadcast record: %w", err)
	}
	if err := b.client.Set(ctx, recordName(channel), data, 0).Err(); err != nil {
		return fmt.Errorf("set broadcast record %s: %w", channel, err)
	}
	if err := b.client.Publish(ctx, notifyName(channel), "1").Err(); err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return nil
}

func (b *Bus) Load(ctx context.Context, channel string) (broadcast.Message, bool, error) {
	data, err := b.client.Get(ctx, recordName(channel)).Bytes()
	if err == redis.Nil {
		return broadcast.Message{}, false, nil
	}
	if err != nil {
		return broadcast.Message{}, false, fmt.Errorf("get broadcast record %s: %w", channel, err)
	}
	var msg broadcast.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return broadcast.Message{}, false, fmt.Errorf("unmarshal broadcast record %s: %w", channel, err)
	}
	return msg, true, nil
}

func (b *Bus) Watch(ctx context.Context, channel string) (<-chan struct{}, func(), error) {
	pubsub := b.client.Subscribe(ctx, notifyName(channel))
	// Force the subscription onto the wire before the caller relies on it.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	signals := make(chan struct{}, 1)
	go func() {
		defer close(signals)
		for range pubsub.Channel() {
			select {
			case signals <- struct{}{}:
			default:
			}
		}
	}()

	stop := func() {
		if err := pubsub.Close(); err != nil {
			log.Printf("[redis] close watch %s: %v", channel, err)
		}
	}
	return signals, stop, nil
}

func recordName(channel string) string {
	return "broadcast:" + channel
}

func notifyName(channel string) string {
	return "broadcast:" + channel + ":notify"
}
