package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"

	"github.com/p2p-filesharing/peersend/pkg/errs"
)

const (
	// Version is the only wire version this build speaks
	Version byte = 1
	// HeaderSize is magic(4) + version(1) + type(1) + length(2)
	HeaderSize = 8
	// MaxPayloadSize is bounded by the 16-bit length field
	MaxPayloadSize = 0xFFFF
	// MaxLocalChunkSize keeps a base64 JSON ChunkData envelope, including
	// AEAD overhead, under MaxPayloadSize
	MaxLocalChunkSize = 32 * 1024
)

// Magic prefixes every frame
var Magic = [4]byte{'P', 'S', 'E', 'N'}

// MessageHeader is the fixed 8-byte frame header
type MessageHeader struct {
	Magic   [4]byte
	Version byte
	Type    MessageType
	Length  uint16
}

// NewHeader builds a header for a payload of n bytes
func NewHeader(t MessageType, n int) (MessageHeader, error) {
	if n > MaxPayloadSize {
		return MessageHeader{}, errs.New(errs.Network, "payload of %d bytes exceeds frame limit %d", n, MaxPayloadSize)
	}
	return MessageHeader{Magic: Magic, Version: Version, Type: t, Length: uint16(n)}, nil
}

// ToBytes encodes the header, length big-endian
func (h MessageHeader) ToBytes() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[:4], h.Magic[:])
	buf[4] = h.Version
	buf[5] = byte(h.Type)
	binary.BigEndian.PutUint16(buf[6:], h.Length)
	return buf
}

// FromBytes parses and validates a header
func FromBytes(b []byte) (MessageHeader, error) {
	var h MessageHeader
	if len(b) < HeaderSize {
		return h, errs.New(errs.Network, "short header: %d bytes", len(b))
	}
	copy(h.Magic[:], b[:4])
	if h.Magic != Magic {
		return h, errs.New(errs.Network, "bad magic %q", b[:4])
	}
	h.Version = b[4]
	if h.Version != Version {
		return h, errs.New(errs.Network, "unsupported protocol version %d", h.Version)
	}
	h.Type = MessageType(b[5])
	if !h.Type.Valid() {
		return h, errs.New(errs.Network, "unknown message type 0x%02x", b[5])
	}
	h.Length = binary.BigEndian.Uint16(b[6:8])
	return h, nil
}

// Message is a decoded frame whose payload is still raw JSON
type Message struct {
	Type    MessageType
	Payload []byte
}

// Decode unmarshals the payload into v
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return errs.Wrap(errs.Network, err, "decode %s payload", m.Type)
	}
	return nil
}

// EncodeMessage serializes v as a complete frame
func EncodeMessage(t MessageType, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "encode %s payload", t)
	}
	h, err := NewHeader(t, len(payload))
	if err != nil {
		return nil, err
	}
	return append(h.ToBytes(), payload...), nil
}

// WriteMessage writes one frame in a single Write call
func WriteMessage(w io.Writer, t MessageType, v any) error {
	frame, err := EncodeMessage(t, v)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return errs.Wrap(errs.Network, err, "write %s", t)
	}
	return nil
}

// ReadMessage reads one frame. Any framing problem is a Network error and
// the caller should drop the connection.
func ReadMessage(r io.Reader) (*Message, error) {
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, classifyRead(err, "read header")
	}
	h, err := FromBytes(hdr)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, classifyRead(err, "read payload")
	}
	return &Message{Type: h.Type, Payload: payload}, nil
}

type timeoutError interface {
	Timeout() bool
}

func classifyRead(err error, what string) error {
	var te timeoutError
	if errors.As(err, &te) && te.Timeout() {
		return errs.Wrap(errs.Timeout, err, "%s", what)
	}
	return errs.Wrap(errs.Network, err, "%s", what)
}
