package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind identifies a protocol message type. The wire name is snake_case in
// the textual format and a one-byte code in the binary format.
type Kind string

const (
	KindAuth               Kind = "auth"
	KindAuthSuccess        Kind = "auth_success"
	KindAuthError          Kind = "auth_error"
	KindSubscribe          Kind = "subscribe"
	KindUnsubscribe        Kind = "unsubscribe"
	KindSyncRequest        Kind = "sync_request"
	KindSyncResponse       Kind = "sync_response"
	KindDelta              Kind = "delta"
	KindAck                Kind = "ack"
	KindPing               Kind = "ping"
	KindPong               Kind = "pong"
	KindAwarenessUpdate    Kind = "awareness_update"
	KindAwarenessSubscribe Kind = "awareness_subscribe"
	KindAwarenessState     Kind = "awareness_state"
	KindError              Kind = "error"
)

// Binary kind codes. Stable across releases; new kinds must pick unused codes.
var kindCodes = map[Kind]byte{
	KindAuth:               0x01,
	KindAuthSuccess:        0x02,
	KindAuthError:          0x03,
	KindSubscribe:          0x10,
	KindUnsubscribe:        0x11,
	KindSyncRequest:        0x12,
	KindSyncResponse:       0x13,
	KindDelta:              0x20,
	KindAck:                0x21,
	KindPing:               0x30,
	KindPong:               0x31,
	KindAwarenessUpdate:    0x40,
	KindAwarenessSubscribe: 0x41,
	KindAwarenessState:     0x42,
	KindError:              0xFF,
}

var codeKinds = func() map[byte]Kind {
	m := make(map[byte]Kind, len(kindCodes))
	for k, c := range kindCodes {
		m[c] = k
	}
	return m
}()

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	_, ok := kindCodes[k]
	return ok
}

// Permissions is the wire shape of a subject's document permissions.
// IsAdmin implies universal read and write; "*" in a list is a wildcard.
type Permissions struct {
	CanRead  []string `json:"canRead"`
	CanWrite []string `json:"canWrite"`
	IsAdmin  bool     `json:"isAdmin"`
}

// FieldState is one authoritative field record as carried by sync_response
// frames: the LWW-winning value plus the metadata a client needs to merge it.
type FieldState struct {
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
	Clock     int64           `json:"clock"`
	ClientID  string          `json:"clientId"`
}

// AwarenessEntry is one client's presence inside an awareness_state frame.
type AwarenessEntry struct {
	ClientID string          `json:"clientId"`
	State    json.RawMessage `json:"state"`
	Clock    int64           `json:"clock"`
}

// Payload holds every kind-specific field. Unused fields stay zero and are
// omitted on the wire. In the binary format the payload is what follows the
// fixed header; in the textual format it is inlined next to type/timestamp.
type Payload struct {
	ID string `json:"id,omitempty"`

	// auth / auth_success / auth_error
	Token       string       `json:"token,omitempty"`
	APIKey      string       `json:"apiKey,omitempty"`
	UserID      string       `json:"userId,omitempty"`
	ClientID    string       `json:"clientId,omitempty"`
	Permissions *Permissions `json:"permissions,omitempty"`

	// document sync
	DocID       string                     `json:"docId,omitempty"`
	Delta       map[string]json.RawMessage `json:"delta,omitempty"`
	VectorClock map[string]int64           `json:"vectorClock,omitempty"`
	Fields      map[string]FieldState      `json:"fields,omitempty"`

	// RawClock is the wire "clock" property. Older SDKs send the vector
	// clock under this name (as an object); awareness frames legitimately
	// use it for their numeric per-client clock. normalizeClock sorts the
	// two apart after parsing. Vector clocks are always emitted as
	// "vectorClock", never "clock".
	RawClock json.RawMessage `json:"clock,omitempty"`

	// awareness
	State   json.RawMessage  `json:"state,omitempty"`
	Entries []AwarenessEntry `json:"entries,omitempty"`

	// error / auth_error
	ErrorCode    string `json:"code,omitempty"`
	ErrorMessage string `json:"message,omitempty"`
}

// Message is one protocol frame. Payload is embedded so the textual format
// marshals flat: {"type":…,"timestamp":…,<payload fields>}.
type Message struct {
	Type      Kind  `json:"type"`
	Timestamp int64 `json:"timestamp"`
	Payload
}

// normalizeClock resolves the legacy "clock" property. An object under
// "clock" is the vector clock under its pre-rename name and is migrated into
// VectorClock (explicit vectorClock wins when both are present). A number
// stays in RawClock and is read through AwarenessClock.
func (p *Payload) normalizeClock() error {
	if len(p.RawClock) == 0 {
		return nil
	}
	switch p.RawClock[0] {
	case '{':
		if p.VectorClock == nil {
			if err := json.Unmarshal(p.RawClock, &p.VectorClock); err != nil {
				return fmt.Errorf("legacy clock object: %w", err)
			}
		}
		p.RawClock = nil
		return nil
	default:
		if _, err := strconv.ParseInt(string(p.RawClock), 10, 64); err != nil {
			return fmt.Errorf("clock is neither object nor integer: %w", err)
		}
		return nil
	}
}

// AwarenessClock returns the numeric awareness clock, or 0 when absent.
func (p *Payload) AwarenessClock() int64 {
	if len(p.RawClock) == 0 {
		return 0
	}
	v, err := strconv.ParseInt(string(p.RawClock), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// SetAwarenessClock stores v as the wire "clock" property.
func (p *Payload) SetAwarenessClock(v int64) {
	p.RawClock = json.RawMessage(strconv.FormatInt(v, 10))
}

// HasState reports whether an awareness frame carried a "state" property at
// all; a present JSON null means the client is leaving.
func (p *Payload) HasState() bool {
	return len(p.State) > 0
}

// StateIsNull reports whether the awareness state is an explicit JSON null.
func (p *Payload) StateIsNull() bool {
	return string(p.State) == "null"
}

// Tombstone is the wire marker for a field delete inside a delta. Deletes
// are LWW-writes of this value.
var Tombstone = json.RawMessage(`{"__tombstone":true}`)

// IsTombstone reports whether a delta value is the delete marker.
func IsTombstone(v json.RawMessage) bool {
	var m struct {
		Deleted bool `json:"__tombstone"`
	}
	if err := json.Unmarshal(v, &m); err != nil {
		return false
	}
	return m.Deleted
}
