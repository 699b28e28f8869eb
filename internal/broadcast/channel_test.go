package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeBus is a minimal in-memory Bus with fault injection on Publish.
type fakeBus struct {
	mu       sync.Mutex
	records  map[string]Message
	watchers map[string][]chan struct{}
	failures int
	attempts int
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		records:  make(map[string]Message),
		watchers: make(map[string][]chan struct{}),
	}
}

func (b *fakeBus) Publish(_ context.Context, channel string, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	if b.failures > 0 {
		b.failures--
		return errors.New("injected publish failure")
	}
	b.records[channel] = msg
	for _, ch := range b.watchers[channel] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *fakeBus) Load(_ context.Context, channel string) (Message, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.records[channel]
	return msg, ok, nil
}

func (b *fakeBus) Watch(_ context.Context, channel string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.watchers[channel] = append(b.watchers[channel], ch)
	b.mu.Unlock()
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }, nil
}

func (b *fakeBus) notifyAll(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.watchers[channel] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func collect(ch *Channel, eventType string) (*[]string, *sync.Mutex) {
	var mu sync.Mutex
	var got []string
	ch.On(eventType, func(payload json.RawMessage) {
		mu.Lock()
		got = append(got, string(payload))
		mu.Unlock()
	})
	return &got, &mu
}

func waitLen(t *testing.T, mu *sync.Mutex, got *[]string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		l := len(*got)
		mu.Unlock()
		if l >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d deliveries", n)
}

func TestSendAndReceive(t *testing.T) {
	bus := newFakeBus()
	sub := NewChannel(bus, "event-1")
	got, mu := collect(sub, "question_reveal")
	if err := sub.Subscribe(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	pub := NewChannel(bus, "event-1")
	if err := pub.Send(context.Background(), "question_reveal", map[string]int{"questionIndex": 2}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitLen(t, mu, got, 1)
	mu.Lock()
	defer mu.Unlock()
	if (*got)[0] != `{"questionIndex":2}` {
		t.Fatalf("payload = %s", (*got)[0])
	}
}

func TestInitialSnapshotIsNotDispatched(t *testing.T) {
	bus := newFakeBus()
	pub := NewChannel(bus, "event-1")
	if err := pub.Send(context.Background(), "game_end", map[string]string{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	sub := NewChannel(bus, "event-1")
	got, mu := collect(sub, "game_end")
	if err := sub.Subscribe(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	// A spurious wakeup re-delivers the record the subscriber already saw
	// at subscribe time; the nonce keeps it from dispatching.
	bus.notifyAll("event-1")
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 0 {
		t.Fatalf("initial snapshot dispatched %d times", len(*got))
	}
}

func TestNonceDeduplicatesRedelivery(t *testing.T) {
	bus := newFakeBus()
	sub := NewChannel(bus, "event-1")
	got, mu := collect(sub, "event_update")
	if err := sub.Subscribe(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	pub := NewChannel(bus, "event-1")
	if err := pub.Send(context.Background(), "event_update", map[string]string{"status": "active"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitLen(t, mu, got, 1)

	// The same record notified again must not dispatch again.
	bus.notifyAll("event-1")
	bus.notifyAll("event-1")
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 1 {
		t.Fatalf("dispatched %d times, want 1", len(*got))
	}
}

func TestIdenticalPayloadsAreDistinctSends(t *testing.T) {
	bus := newFakeBus()
	sub := NewChannel(bus, "event-1")
	got, mu := collect(sub, "round_review")
	if err := sub.Subscribe(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	pub := NewChannel(bus, "event-1")
	ctx := context.Background()
	if err := pub.Send(ctx, "round_review", map[string]int{"questionIndex": 0}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitLen(t, mu, got, 1)
	if err := pub.Send(ctx, "round_review", map[string]int{"questionIndex": 0}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitLen(t, mu, got, 2)
}

func TestSendRetriesWithBackoff(t *testing.T) {
	bus := newFakeBus()
	bus.failures = 2

	ch := NewChannel(bus, "event-1")
	var slept []time.Duration
	ch.sleep = func(d time.Duration) { slept = append(slept, d) }

	if err := ch.Send(context.Background(), "event_update", map[string]string{"status": "active"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if bus.attempts != 3 {
		t.Fatalf("attempts = %d", bus.attempts)
	}
	if len(slept) != 2 || slept[0] != 200*time.Millisecond || slept[1] != 400*time.Millisecond {
		t.Fatalf("backoff = %v", slept)
	}
}

func TestSendGivesUpAfterRetries(t *testing.T) {
	bus := newFakeBus()
	bus.failures = 10

	ch := NewChannel(bus, "event-1")
	ch.sleep = func(time.Duration) {}

	err := ch.Send(context.Background(), "event_update", nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if bus.attempts != sendAttempts {
		t.Fatalf("attempts = %d, want %d", bus.attempts, sendAttempts)
	}
}

func TestLastWriteWins(t *testing.T) {
	bus := newFakeBus()
	pub := NewChannel(bus, "event-1")
	ctx := context.Background()

	// Two writes land before the watcher wakes; only the newest survives.
	if err := pub.Send(ctx, "question_reveal", map[string]int{"questionIndex": 0}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := pub.Send(ctx, "question_reveal", map[string]int{"questionIndex": 1}); err != nil {
		t.Fatalf("send: %v", err)
	}

	msg, ok, err := bus.Load(ctx, "event-1")
	if err != nil || !ok {
		t.Fatalf("load: %v %v", ok, err)
	}
	if string(msg.Payload) != `{"questionIndex":1}` {
		t.Fatalf("record = %s", msg.Payload)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := newFakeBus()
	ch := NewChannel(bus, "event-1")
	if err := ch.Subscribe(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ch.Unsubscribe()
	ch.Unsubscribe()
}
