package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"unicode"
)

// Format selects one of the two interchangeable wire encodings. A
// connection's format is fixed by its first frame and never rotates.
type Format int

const (
	FormatUnknown Format = iota
	FormatText
	FormatBinary
)

func (f Format) String() string {
	switch f {
	case FormatText:
		return "text"
	case FormatBinary:
		return "binary"
	default:
		return "unknown"
	}
}

const (
	// binaryHeaderLen is kind(1) + timestamp(8) + payload length(4).
	binaryHeaderLen = 13

	// DefaultMaxFrame caps a single frame unless the transport negotiates
	// a different limit.
	DefaultMaxFrame = 1 << 20
)

// ErrUnknownKind marks a frame whose kind byte or type string is not in the
// message table. Such frames fail but do not terminate the connection.
var ErrUnknownKind = errors.New("unknown message kind")

// MalformedFrameError wraps any parse failure on adversarial or corrupt
// input. Connections treat it as fatal (close with protocol-error).
type MalformedFrameError struct {
	Reason string
	Err    error
}

func (e *MalformedFrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed frame: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed frame: %s", e.Reason)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

func malformed(reason string, err error) error {
	return &MalformedFrameError{Reason: reason, Err: err}
}

// Codec parses and emits protocol frames. It is stateless and safe for
// concurrent use; MaxFrame bounds both accepted and produced frames.
type Codec struct {
	MaxFrame int
}

// NewCodec returns a codec with the given frame cap (0 means DefaultMaxFrame).
func NewCodec(maxFrame int) *Codec {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Codec{MaxFrame: maxFrame}
}

// DetectFormat classifies a raw frame by its first byte: a binary kind code
// or a JSON object open (after optional whitespace).
func (c *Codec) DetectFormat(data []byte) (Format, error) {
	if len(data) == 0 {
		return FormatUnknown, malformed("empty frame", nil)
	}
	// Kind codes win over whitespace skipping: 0x20 is both the delta code
	// and ASCII space, so only the textual sniff may skip spaces.
	if _, ok := codeKinds[data[0]]; ok {
		return FormatBinary, nil
	}
	for _, b := range data {
		if unicode.IsSpace(rune(b)) {
			continue
		}
		if b == '{' {
			return FormatText, nil
		}
		return FormatUnknown, malformed("unrecognized first byte", ErrUnknownKind)
	}
	return FormatUnknown, malformed("empty frame", nil)
}

// Parse decodes one frame in the given format.
func (c *Codec) Parse(data []byte, f Format) (*Message, error) {
	if len(data) > c.MaxFrame {
		return nil, malformed(fmt.Sprintf("frame exceeds %d bytes", c.MaxFrame), nil)
	}
	switch f {
	case FormatText:
		return c.parseText(data)
	case FormatBinary:
		return c.parseBinary(data)
	default:
		return nil, malformed("format not negotiated", nil)
	}
}

// ParseAuto detects the format of the first frame on a connection and
// decodes it in one step.
func (c *Codec) ParseAuto(data []byte) (*Message, Format, error) {
	f, err := c.DetectFormat(data)
	if err != nil {
		return nil, FormatUnknown, err
	}
	msg, err := c.Parse(data, f)
	return msg, f, err
}

// Encode produces the wire bytes for msg in the given format.
func (c *Codec) Encode(msg *Message, f Format) ([]byte, error) {
	switch f {
	case FormatText:
		return json.Marshal(msg)
	case FormatBinary:
		return c.encodeBinary(msg)
	default:
		return nil, fmt.Errorf("encode: format not negotiated")
	}
}

func (c *Codec) parseText(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, malformed("invalid JSON", err)
	}
	if msg.Type == "" {
		return nil, malformed("missing type", nil)
	}
	if !msg.Type.Valid() {
		return nil, malformed(fmt.Sprintf("type %q", msg.Type), ErrUnknownKind)
	}
	if err := msg.normalizeClock(); err != nil {
		return nil, malformed("clock", err)
	}
	return &msg, nil
}

func (c *Codec) parseBinary(data []byte) (*Message, error) {
	if len(data) < binaryHeaderLen {
		return nil, malformed("short binary header", nil)
	}
	kind, ok := codeKinds[data[0]]
	if !ok {
		return nil, malformed(fmt.Sprintf("kind code 0x%02X", data[0]), ErrUnknownKind)
	}
	ts := int64(binary.BigEndian.Uint64(data[1:9]))
	plen := binary.BigEndian.Uint32(data[9:13])
	if int(plen) != len(data)-binaryHeaderLen {
		return nil, malformed("payload length mismatch", nil)
	}
	msg := &Message{Type: kind, Timestamp: ts}
	if plen > 0 {
		if err := json.Unmarshal(data[binaryHeaderLen:], &msg.Payload); err != nil {
			return nil, malformed("invalid payload JSON", err)
		}
	}
	if err := msg.normalizeClock(); err != nil {
		return nil, malformed("clock", err)
	}
	return msg, nil
}

func (c *Codec) encodeBinary(msg *Message) ([]byte, error) {
	code, ok := kindCodes[msg.Type]
	if !ok {
		return nil, fmt.Errorf("encode: %w: %q", ErrUnknownKind, msg.Type)
	}
	payload, err := json.Marshal(&msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	// An all-empty payload marshals as "{}"; keep it so round-trips are
	// byte-stable rather than special-casing zero length.
	out := make([]byte, binaryHeaderLen+len(payload))
	out[0] = code
	binary.BigEndian.PutUint64(out[1:9], uint64(msg.Timestamp))
	binary.BigEndian.PutUint32(out[9:13], uint32(len(payload)))
	copy(out[binaryHeaderLen:], payload)
	if len(out) > c.MaxFrame {
		return nil, fmt.Errorf("encode: frame exceeds %d bytes", c.MaxFrame)
	}
	return out, nil
}
