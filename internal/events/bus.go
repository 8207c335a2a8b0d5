package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// LocalBus is the in-process bus implementation. Events flow through a
// buffered channel into a single dispatch goroutine; a full channel drops the
// event with a warning rather than blocking the publisher, which is
// acceptable because progress is last-write-wins and the durable row always
// holds the latest state.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[string]map[string]Handler // targetID -> subscriptionID -> handler
	byID   map[string]string             // subscriptionID -> targetID
	ch     chan ProgressEvent
	stopCh chan struct{}
	wg     sync.WaitGroup

	running bool
	logger  hclog.Logger
}

// NewLocalBus creates an in-process bus with the given channel buffer size.
func NewLocalBus(logger hclog.Logger, bufferSize int) *LocalBus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &LocalBus{
		subs:   make(map[string]map[string]Handler),
		byID:   make(map[string]string),
		ch:     make(chan ProgressEvent, bufferSize),
		stopCh: make(chan struct{}),
		logger: logger.Named("broadcast"),
	}
}

// Start launches the dispatch goroutine.
func (b *LocalBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("broadcast bus already running")
	}
	b.running = true
	b.stopCh = make(chan struct{})

	b.wg.Add(1)
	go b.process(ctx)
	return nil
}

// Stop drains and stops the dispatch goroutine.
func (b *LocalBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.mu.Unlock()

	close(b.stopCh)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		b.logger.Warn("broadcast bus stop timed out")
		return ctx.Err()
	}
}

// Publish queues an event for fan-out.
func (b *LocalBus) Publish(ctx context.Context, ev ProgressEvent) error {
	b.mu.RLock()
	running := b.running
	b.mu.RUnlock()
	if !running {
		return fmt.Errorf("broadcast bus not running")
	}

	if ev.TargetID == "" {
		return fmt.Errorf("progress event requires a target id")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	select {
	case b.ch <- ev:
		return nil
	default:
		b.logger.Warn("broadcast channel full, dropping event",
			"target_id", ev.TargetID, "stage", ev.Stage, "progress", ev.Progress)
		return fmt.Errorf("broadcast channel full")
	}
}

// Subscribe registers a handler on a target channel and returns its
// subscription id.
func (b *LocalBus) Subscribe(targetID string, h Handler) string {
	id := "sub-" + uuid.NewString()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[targetID] == nil {
		b.subs[targetID] = make(map[string]Handler)
	}
	b.subs[targetID][id] = h
	b.byID[id] = targetID

	b.logger.Debug("subscription created", "subscription_id", id, "target_id", targetID)
	return id
}

// Unsubscribe removes a subscription; unknown ids are ignored.
func (b *LocalBus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	targetID, ok := b.byID[subscriptionID]
	if !ok {
		return
	}
	delete(b.byID, subscriptionID)
	delete(b.subs[targetID], subscriptionID)
	if len(b.subs[targetID]) == 0 {
		delete(b.subs, targetID)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *LocalBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

func (b *LocalBus) process(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case ev := <-b.ch:
			b.dispatch(ev)
		}
	}
}

// dispatch delivers an event to every subscriber of its target channel.
func (b *LocalBus) dispatch(ev ProgressEvent) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.TargetID]))
	for _, h := range b.subs[ev.TargetID] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.notify(h, ev)
	}
}

func (b *LocalBus) notify(h Handler, ev ProgressEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic in progress handler", "target_id", ev.TargetID, "panic", r)
		}
	}()
	h(ev)
}
