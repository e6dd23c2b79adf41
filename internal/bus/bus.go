// Package bus fans document deltas and awareness updates out across
// server nodes. Delivery is at-least-once and unordered; the merge layer
// above is idempotent and commutative, so duplicates and reordering are
// harmless. Every envelope carries the id of the node that published it
// and subscribers drop their own echoes.
package bus

import (
	"context"
	"encoding/json"

	"github.com/matthewcorven/synckit-sub003/internal/document"
)

// Envelope is the unit of cross-node traffic.
type Envelope struct {
	Origin      string                            `json:"origin"`
	DocID       string                            `json:"docId"`
	Kind        string                            `json:"kind"`
	ClientID    string                            `json:"clientId,omitempty"`
	Fields      map[string]document.FieldRecord   `json:"fields,omitempty"`
	VectorClock document.VectorClock              `json:"vectorClock,omitempty"`
	State       json.RawMessage                   `json:"state,omitempty"`
	Clock       int64                             `json:"clock,omitempty"`
	Timestamp   int64                             `json:"timestamp"`
}

// Handler receives envelopes published by other nodes (and, on transports
// that loop back, this node; callers filter on Origin).
type Handler func(env *Envelope)

// Bus is the cross-node transport. Channel names are opaque strings built
// through Channels.
type Bus interface {
	// Publish sends an envelope to every node subscribed to channel.
	Publish(ctx context.Context, channel string, env *Envelope) error

	// Subscribe registers a handler for a channel and returns a function
	// that removes it.
	Subscribe(channel string, h Handler) (func(), error)

	// Close tears down the transport. Subsequent publishes fail.
	Close() error
}

// Channels groups the channel name builders so the prefix is set once.
type Channels struct {
	prefix string
}

// NewChannels returns a channel namer. An empty prefix defaults to
// "synckit".
func NewChannels(prefix string) Channels {
	if prefix == "" {
		prefix = "synckit"
	}
	return Channels{prefix: prefix}
}

// Doc names the delta channel for a document.
func (c Channels) Doc(docID string) string { return c.prefix + ".doc." + docID }

// Awareness names the awareness channel for a document.
func (c Channels) Awareness(docID string) string { return c.prefix + ".awareness." + docID }
