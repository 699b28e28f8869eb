package memory

import (
	"context"
	"sync"

	"mind-matrix/internal/broadcast"
)

// Bus is the in-process broadcast primitive: one overwritable message per
// channel plus coalescing change signals for watchers. Writes between two
// observations collapse into one signal, which is the whole point of the
// last-write-wins contract.
type Bus struct {
	mu       sync.Mutex
	records  map[string]broadcast.Message
	watchers map[string]map[chan struct{}]struct{}
}

func NewBus() *Bus {
	return &Bus{
		records:  make(map[string]broadcast.Message),
		watchers: make(map[string]map[chan struct{}]struct{}),
	}
}

func (b *Bus) Publish(_ context.Context, channel string, msg broadcast.Message) error {
	b.mu.Lock()
	b.records[channel] = msg
	watchers := b.watchers[channel]
	for ch := range watchers {
		select {
		case ch <- struct{}{}:
		default:
			// A pending signal already covers this write.
		}
	}
	b.mu.Unlock()
	return nil
}

func (b *Bus) Load(_ context.Context, channel string) (broadcast.Message, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.records[channel]
	return msg, ok, nil
}

func (b *Bus) Watch(_ context.Context, channel string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	if b.watchers[channel] == nil {
		b.watchers[channel] = make(map[chan struct{}]struct{})
	}
	b.watchers[channel][ch] = struct{}{}
	b.mu.Unlock()

	stop := func() {
		b.mu.Lock()
		if _, ok := b.watchers[channel][ch]; ok {
			delete(b.watchers[channel], ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, stop, nil
}
