// Package broadcast emulates pub/sub over a single mutable record per
// channel. Each send overwrites the channel's record wholesale, so listeners
// converge on the latest published state rather than receiving every
// intermediate message; a fresh nonce per send forces change notifications
// even for identical payloads and drives deduplication on the listener side.
package broadcast

import (
	"context"
	"encoding/json"
	"time"
)

// Message is the full value of a channel's backing record. Ephemeral: only
// the latest message per channel persists, never an append log.
type Message struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Nonce     string          `json:"nonce"`
	Timestamp time.Time       `json:"timestamp"`
}

// Bus is the storage primitive behind channels: one overwritable record per
// channel name plus change notification.
type Bus interface {
	// Publish replaces the channel's record with msg.
	Publish(ctx context.Context, channel string, msg Message) error
	// Load returns the channel's current record, if any.
	Load(ctx context.Context, channel string) (Message, bool, error)
	// Watch returns a signal channel that fires (coalesced) whenever the
	// record is written. The returned stop function releases the watch and
	// must be called on every exit path.
	Watch(ctx context.Context, channel string) (<-chan struct{}, func(), error)
}
