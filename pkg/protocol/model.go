package protocol

import (
	"time"

	"github.com/google/uuid"
)

// ChunkInfo represents metadata about a file chunk
type ChunkInfo struct {
	Index  int    `json:"index"`
	Size   int64  `json:"size"`
	Offset int64  `json:"offset"`
	Hash   string `json:"hash"`
}

// FileMetadata describes a file before it is transferred. Chunks and Hash
// are filled in by the chunker.
type FileMetadata struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Size     int64       `json:"size"`
	MimeType string      `json:"mime_type"`
	Hash     string      `json:"hash"`
	Chunks   []ChunkInfo `json:"chunks"`
	Path     string      `json:"path,omitempty"`
}

// TransferMode selects the transport for a task
type TransferMode string

const (
	ModeLocal TransferMode = "local"
	ModeCloud TransferMode = "cloud"
)

// Direction of a transfer relative to this node
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// TaskStatus is the lifecycle state of a transfer task
type TaskStatus string

const (
	StatusPending      TaskStatus = "pending"
	StatusTransferring TaskStatus = "transferring"
	StatusCompleted    TaskStatus = "completed"
	StatusFailed       TaskStatus = "failed"
	StatusCancelled    TaskStatus = "cancelled"
	StatusInterrupted  TaskStatus = "interrupted"
)

// PeerStatus is the advertised availability of a peer
type PeerStatus string

const (
	PeerAvailable PeerStatus = "available"
	PeerBusy      PeerStatus = "busy"
	PeerOffline   PeerStatus = "offline"
)

// DeviceType is advertised in discovery datagrams
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceLaptop  DeviceType = "laptop"
	DeviceMobile  DeviceType = "mobile"
	DeviceServer  DeviceType = "server"
	DeviceUnknown DeviceType = "unknown"
)

// PeerOnlineWindow is how recently a peer must have been seen to count as online
const PeerOnlineWindow = 5 * time.Second

// PeerInfo represents a device found on the local network
type PeerInfo struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	IP           string     `json:"ip"`
	Port         int        `json:"port"`
	DeviceType   DeviceType `json:"device_type"`
	DiscoveredAt time.Time  `json:"discovered_at"`
	LastSeen     time.Time  `json:"last_seen"`
	Status       PeerStatus `json:"status"`
}

// IsOnline is recomputed from LastSeen on every call
func (p *PeerInfo) IsOnline(now time.Time) bool {
	return now.Sub(p.LastSeen) <= PeerOnlineWindow
}

// Address returns host:port for dialing the peer's transfer listener
func (p *PeerInfo) Address() string {
	return JoinHostPort(p.IP, p.Port)
}

// TransferTask tracks one file transfer from creation to a terminal state
type TransferTask struct {
	ID               string       `json:"id"`
	File             FileMetadata `json:"file"`
	Mode             TransferMode `json:"mode"`
	Peer             *PeerInfo    `json:"peer,omitempty"`
	Status           TaskStatus   `json:"status"`
	Progress         float64      `json:"progress"`
	TransferredBytes int64        `json:"transferred_bytes"`
	Speed            float64      `json:"speed"`
	CreatedAt        time.Time    `json:"created_at"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	Error            string       `json:"error,omitempty"`
	Direction        Direction    `json:"direction"`
	Resumable        bool         `json:"resumable"`
	ResumeOffset     int64        `json:"resume_offset"`
	Resumed          bool         `json:"resumed"`
	Encrypted        bool         `json:"encrypted"`
	CompressionRatio float64      `json:"compression_ratio,omitempty"`
}

// NewTransferTask creates a pending task with a fresh id
func NewTransferTask(file FileMetadata, mode TransferMode, direction Direction, peer *PeerInfo, now time.Time) *TransferTask {
	return &TransferTask{
		ID:        uuid.New().String(),
		File:      file,
		Mode:      mode,
		Peer:      peer,
		Status:    StatusPending,
		CreatedAt: now,
		Direction: direction,
	}
}

// Start moves the task into Transferring
func (t *TransferTask) Start(now time.Time) {
	t.Status = StatusTransferring
	t.StartedAt = &now
	t.CompletedAt = nil
	t.Error = ""
}

// UpdateProgress records cumulative bytes and recomputes progress and speed.
// Speed only counts bytes moved since this attempt started.
func (t *TransferTask) UpdateProgress(transferred int64, now time.Time) {
	t.TransferredBytes = transferred
	if t.File.Size > 0 {
		t.Progress = float64(transferred) * 100 / float64(t.File.Size)
		if t.Progress > 100 {
			t.Progress = 100
		}
	} else {
		t.Progress = 100
	}
	if t.StartedAt != nil {
		elapsed := now.Sub(*t.StartedAt).Seconds()
		if elapsed > 0 {
			t.Speed = float64(transferred-t.ResumeOffset) / elapsed
		}
	}
}

// Complete marks the task done
func (t *TransferTask) Complete(now time.Time) {
	t.Status = StatusCompleted
	t.Progress = 100
	t.TransferredBytes = t.File.Size
	t.Resumable = false
	t.CompletedAt = &now
}

// Fail marks the task failed with a reason
func (t *TransferTask) Fail(reason string, now time.Time) {
	t.Status = StatusFailed
	t.Error = reason
	t.Resumable = false
	t.CompletedAt = &now
}

// Cancel marks the task cancelled
func (t *TransferTask) Cancel(now time.Time) {
	t.Status = StatusCancelled
	t.Error = "cancelled"
	t.Resumable = false
	t.CompletedAt = &now
}

// Interrupt marks the task resumable from offset
func (t *TransferTask) Interrupt(reason string, offset int64, now time.Time) {
	t.Status = StatusInterrupted
	t.Error = reason
	t.Resumable = true
	t.ResumeOffset = offset
	t.CompletedAt = &now
}

// IsTerminal reports whether the task can no longer change without a resume
func (t *TransferTask) IsTerminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusInterrupted:
		return true
	}
	return false
}

// Clone returns a deep enough copy for handing out of a locked registry
func (t *TransferTask) Clone() *TransferTask {
	c := *t
	c.File.Chunks = append([]ChunkInfo(nil), t.File.Chunks...)
	if t.Peer != nil {
		p := *t.Peer
		c.Peer = &p
	}
	return &c
}
