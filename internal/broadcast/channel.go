package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	sendAttempts = 3
	sendBackoff  = 200 * time.Millisecond
)

// Handler receives the payload of one broadcast message.
type Handler func(payload json.RawMessage)

// Channel is a named pub/sub endpoint over a Bus. Register handlers with On
// before calling Subscribe; senders may use a channel without subscribing.
//
// Subscribing snapshots the record's current state and skips it: that state
// predates the subscription and is not a new event. After that the channel
// remembers the nonce of the last message it handled and rejects
// re-delivery of the same nonce.
type Channel struct {
	bus  Bus
	name string

	mu       sync.Mutex
	handlers map[string]Handler

	lastNonce string
	stopWatch func()
	done      chan struct{}
	closeOnce sync.Once

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

func NewChannel(bus Bus, name string) *Channel {
	return &Channel{
		bus:      bus,
		name:     name,
		handlers: make(map[string]Handler),
		sleep:    time.Sleep,
	}
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// On registers a per-event-type handler.
func (c *Channel) On(eventType string, h Handler) *Channel {
	c.mu.Lock()
	c.handlers[eventType] = h
	c.mu.Unlock()
	return c
}

// Subscribe begins listening. The record's state at subscribe time is
// remembered but never dispatched.
func (c *Channel) Subscribe(ctx context.Context) error {
	initial, ok, err := c.bus.Load(ctx, c.name)
	if err != nil {
		return fmt.Errorf("load initial state of %s: %w", c.name, err)
	}
	c.mu.Lock()
	if ok {
		c.lastNonce = initial.Nonce
	}
	c.mu.Unlock()

	signals, stop, err := c.bus.Watch(ctx, c.name)
	if err != nil {
		return fmt.Errorf("watch %s: %w", c.name, err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.stopWatch = stop
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		for range signals {
			c.deliver(ctx)
		}
	}()
	return nil
}

func (c *Channel) deliver(ctx context.Context) {
	msg, ok, err := c.bus.Load(ctx, c.name)
	if err != nil {
		log.Printf("[broadcast] load %s: %v", c.name, err)
		return
	}
	if !ok || msg.EventType == "" {
		return
	}

	c.mu.Lock()
	if msg.Nonce != "" && msg.Nonce == c.lastNonce {
		c.mu.Unlock()
		return
	}
	c.lastNonce = msg.Nonce
	handler := c.handlers[msg.EventType]
	c.mu.Unlock()

	if handler != nil {
		handler(msg.Payload)
	}
}

// Send publishes an event, overwriting the channel's record. Transient
// failures are retried with linear backoff; after the final attempt the
// error is returned for the caller to surface. A failed send never rolls
// back any local state: the next send supersedes it anyway.
func (c *Channel) Send(ctx context.Context, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	msg := Message{
		EventType: eventType,
		Payload:   data,
		Nonce:     uuid.NewString(),
		Timestamp: time.Now(),
	}

	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		lastErr = c.bus.Publish(ctx, c.name, msg)
		if lastErr == nil {
			return nil
		}
		log.Printf("[broadcast] send %s on %s attempt %d/%d failed: %v",
			eventType, c.name, attempt, sendAttempts, lastErr)
		if attempt < sendAttempts {
			c.sleep(sendBackoff * time.Duration(attempt))
		}
	}
	return fmt.Errorf("send %s on %s after %d attempts: %w", eventType, c.name, sendAttempts, lastErr)
}

// Unsubscribe stops listening and releases the watch. Safe to call more
// than once and from any teardown path.
func (c *Channel) Unsubscribe() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		stop, done := c.stopWatch, c.done
		c.stopWatch, c.done = nil, nil
		c.mu.Unlock()
		if stop != nil {
			stop()
		}
		if done != nil {
			<-done
		}
	})
}
