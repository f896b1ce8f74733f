// Package events delivers node activity to observers such as the desktop UI.
package events

import "time"

// Event types
const (
	PeerDiscovered    = "peer-discovered"
	PeerLost          = "peer-lost"
	TransferStarted   = "transfer-started"
	TransferProgress  = "transfer-progress"
	TransferCompleted = "transfer-completed"
	TransferFailed    = "transfer-failed"
	TransferCancelled = "transfer-cancelled"
	TransferPaused    = "transfer-interrupted"
	IncomingRequest   = "incoming-transfer-request"
	AccessRequest     = "access-request"
	UploadRequest     = "upload-request"
	UploadProgress    = "upload-progress"
	SettingsChanged   = "settings-changed"
)

// Event is one notification
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Emitter publishes events. Implementations must not block the caller.
type Emitter interface {
	Emit(eventType string, data any)
}

// Nop discards events
type Nop struct{}

func (Nop) Emit(string, any) {}

// OrNop returns e, or Nop when e is nil
func OrNop(e Emitter) Emitter {
	if e == nil {
		return Nop{}
	}
	return e
}

// Multi fans one event out to several emitters
type Multi []Emitter

func (m Multi) Emit(eventType string, data any) {
	for _, e := range m {
		e.Emit(eventType, data)
	}
}
