package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "clipforge:progress:"

// RedisBus bridges the in-process bus over Redis pub/sub so that progress
// published by any worker process reaches subscribers on any gateway
// instance. Publishes go to Redis only; delivery to local subscribers happens
// when the message comes back through the pattern subscription, so every
// process sees the same stream.
type RedisBus struct {
	rdb    *redis.Client
	local  *LocalBus
	logger hclog.Logger

	mu      sync.Mutex
	pubsub  *redis.PubSub
	running bool
	wg      sync.WaitGroup
}

// NewRedisBus creates a Redis-bridged bus.
func NewRedisBus(rdb *redis.Client, logger hclog.Logger, bufferSize int) *RedisBus {
	return &RedisBus{
		rdb:    rdb,
		local:  NewLocalBus(logger, bufferSize),
		logger: logger.Named("broadcast-redis"),
	}
}

// Start subscribes to the progress channel pattern and begins relaying.
func (b *RedisBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("broadcast bus already running")
	}

	if err := b.local.Start(ctx); err != nil {
		return err
	}

	b.pubsub = b.rdb.PSubscribe(ctx, channelPrefix+"*")
	// Force the subscription to be established before returning, so a
	// publish immediately after Start is not lost.
	if _, err := b.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to progress channels: %w", err)
	}

	b.running = true
	b.wg.Add(1)
	go b.relay()
	return nil
}

// Stop closes the Redis subscription and the local bus.
func (b *RedisBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	pubsub := b.pubsub
	b.mu.Unlock()

	if pubsub != nil {
		_ = pubsub.Close()
	}
	b.wg.Wait()
	return b.local.Stop(ctx)
}

// Publish sends the event to the target's Redis channel.
func (b *RedisBus) Publish(ctx context.Context, ev ProgressEvent) error {
	if ev.TargetID == "" {
		return fmt.Errorf("progress event requires a target id")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	return b.rdb.Publish(ctx, channelPrefix+ev.TargetID, data).Err()
}

// Subscribe registers a local handler for a target channel.
func (b *RedisBus) Subscribe(targetID string, h Handler) string {
	return b.local.Subscribe(targetID, h)
}

// Unsubscribe removes a local subscription.
func (b *RedisBus) Unsubscribe(subscriptionID string) {
	b.local.Unsubscribe(subscriptionID)
}

// SubscriberCount returns the number of local subscriptions.
func (b *RedisBus) SubscriberCount() int {
	return b.local.SubscriberCount()
}

func (b *RedisBus) relay() {
	defer b.wg.Done()
	for msg := range b.pubsub.Channel() {
		var ev ProgressEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			b.logger.Warn("dropping malformed progress message", "channel", msg.Channel, "error", err)
			continue
		}
		b.local.dispatch(ev)
	}
}
