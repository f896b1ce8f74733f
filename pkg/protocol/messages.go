package protocol

import (
	"net"
	"strconv"
)

// MessageType identifies a framed message on the local transfer connection
type MessageType byte

const (
	MsgFileRequest  MessageType = 0x01
	MsgFileResponse MessageType = 0x02
	MsgChunkData    MessageType = 0x03
	MsgChunkAck     MessageType = 0x04
	MsgCancel       MessageType = 0x05
	MsgHeartbeat    MessageType = 0x06
	MsgError        MessageType = 0x07
)

var messageTypeNames = map[MessageType]string{
	MsgFileRequest:  "FILE_REQUEST",
	MsgFileResponse: "FILE_RESPONSE",
	MsgChunkData:    "CHUNK_DATA",
	MsgChunkAck:     "CHUNK_ACK",
	MsgCancel:       "CANCEL",
	MsgHeartbeat:    "HEARTBEAT",
	MsgError:        "ERROR",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN(0x" + strconv.FormatUint(uint64(t), 16) + ")"
}

// Valid reports whether t is a known message type
func (t MessageType) Valid() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// FileRequest opens a transfer. PublicKey carries the sender's X25519 key
// when Encrypted is set. Metadata travels without its chunk list so the
// request fits a single frame; the receiver rebuilds the partition from
// ChunkSize and each ChunkData carries its own hash.
type FileRequest struct {
	TaskID          string       `json:"task_id"`
	Metadata        FileMetadata `json:"metadata"`
	ChunkSize       int64        `json:"chunk_size"`
	SenderName      string       `json:"sender_name"`
	SenderDevice    DeviceType   `json:"sender_device"`
	Encrypted       bool         `json:"encrypted"`
	PublicKey       []byte       `json:"public_key,omitempty"`
	Compression     bool         `json:"compression"`
	ResumeFromChunk int          `json:"resume_from_chunk,omitempty"`
}

// FileResponse answers a FileRequest. ResumeFromChunk is the first chunk the
// receiver wants, which may be lower than requested if it has no checkpoint.
type FileResponse struct {
	Accepted        bool   `json:"accepted"`
	Reason          string `json:"reason,omitempty"`
	PublicKey       []byte `json:"public_key,omitempty"`
	ResumeFromChunk int    `json:"resume_from_chunk,omitempty"`
}

// ChunkData carries one chunk. Data is compressed first, then encrypted,
// according to the flags.
type ChunkData struct {
	TaskID       string `json:"task_id"`
	Index        int    `json:"index"`
	Offset       int64  `json:"offset"`
	Data         []byte `json:"data"`
	Hash         string `json:"hash"`
	OriginalSize int64  `json:"original_size"`
	Compressed   bool   `json:"compressed,omitempty"`
	Encrypted    bool   `json:"encrypted,omitempty"`
}

// ChunkAck acknowledges a chunk
type ChunkAck struct {
	TaskID  string `json:"task_id"`
	Index   int    `json:"index"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// CancelMessage aborts a transfer from either side
type CancelMessage struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// Heartbeat keeps an idle connection alive
type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrorMessage reports a protocol level failure
type ErrorMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeInvalidMessage = 1001
	ErrCodeHashMismatch   = 1002
	ErrCodeStorage        = 1003
	ErrCodeRejected       = 1004
	ErrCodeDecryption     = 1005
)

// Announcement is the UDP discovery datagram
type Announcement struct {
	DeviceName string     `json:"device_name"`
	Port       int        `json:"port"`
	DeviceType DeviceType `json:"device_type"`
}

// JoinHostPort formats an address for dialing
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
