package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/p2p-filesharing/peersend/pkg/errs"
)

func TestHeaderRoundTrip(t *testing.T) {
	h, err := NewHeader(MsgChunkAck, 300)
	if err != nil {
		t.Fatalf("NewHeader failed: %v", err)
	}
	b := h.ToBytes()

	want := []byte{'P', 'S', 'E', 'N', 1, 0x04, 0x01, 0x2C}
	if !bytes.Equal(b, want) {
		t.Fatalf("Header bytes mismatch:\ngot:      %v\nexpected: %v", b, want)
	}

	parsed, err := FromBytes(b)
	if err != nil {
		t.Fatalf("FromBytes failed: %v", err)
	}
	if parsed != h {
		t.Errorf("Expected %+v, got %+v", h, parsed)
	}
}

func TestFromBytesRejectsMalformed(t *testing.T) {
	good := MessageHeader{Magic: Magic, Version: Version, Type: MsgHeartbeat}.ToBytes()

	badMagic := append([]byte(nil), good...)
	copy(badMagic, "XXXX")

	badVersion := append([]byte(nil), good...)
	badVersion[4] = 9

	badType := append([]byte(nil), good...)
	badType[5] = 0x42

	tests := []struct {
		name  string
		input []byte
	}{
		{"wrong magic", badMagic},
		{"unsupported version", badVersion},
		{"unknown type", badType},
		{"short", good[:5]},
		{"empty", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromBytes(tt.input)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !errs.IsKind(err, errs.Network) {
				t.Errorf("Expected Network error, got %v", err)
			}
		})
	}
}

func TestWriteReadMessage(t *testing.T) {
	var buf bytes.Buffer
	ack := ChunkAck{TaskID: "t1", Index: 7, Success: true}
	if err := WriteMessage(&buf, MsgChunkAck, ack); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	msg, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if msg.Type != MsgChunkAck {
		t.Errorf("Expected CHUNK_ACK, got %s", msg.Type)
	}

	var got ChunkAck
	if err := msg.Decode(&got); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got != ack {
		t.Errorf("Expected %+v, got %+v", ack, got)
	}
}

func TestMaxChunkFitsInFrame(t *testing.T) {
	// worst case: full chunk plus GCM nonce and tag
	chunk := ChunkData{
		TaskID:       "00000000-0000-0000-0000-000000000000",
		Index:        1 << 20,
		Offset:       1 << 40,
		Data:         make([]byte, MaxLocalChunkSize+28),
		Hash:         strings.Repeat("a", 64),
		OriginalSize: MaxLocalChunkSize,
		Compressed:   true,
		Encrypted:    true,
	}
	frame, err := EncodeMessage(MsgChunkData, chunk)
	if err != nil {
		t.Fatalf("Max size chunk should fit in a frame: %v", err)
	}
	if len(frame)-HeaderSize > MaxPayloadSize {
		t.Errorf("Payload %d exceeds limit", len(frame)-HeaderSize)
	}
}

func TestWriteMessageRejectsOversizedPayload(t *testing.T) {
	chunk := ChunkData{Data: make([]byte, 64*1024)}
	err := WriteMessage(&bytes.Buffer{}, MsgChunkData, chunk)
	if !errs.IsKind(err, errs.Network) {
		t.Errorf("Expected Network error for oversized payload, got %v", err)
	}
}

func TestReadMessageTruncated(t *testing.T) {
	frame, _ := EncodeMessage(MsgHeartbeat, Heartbeat{Timestamp: 1})
	_, err := ReadMessage(bytes.NewReader(frame[:len(frame)-2]))
	if !errs.IsKind(err, errs.Network) {
		t.Errorf("Expected Network error for truncated frame, got %v", err)
	}
}
