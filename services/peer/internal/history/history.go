// Package history records finished and in-flight transfers for the UI.
package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/p2p-filesharing/peersend/pkg/protocol"
)

// ErrNotFound is returned by Get for unknown ids
var ErrNotFound = errors.New("history entry not found")

// DefaultListLimit caps List when limit <= 0
const DefaultListLimit = 100

// Entry is one transfer as shown in the history view
type Entry struct {
	ID               string                `json:"id"`
	FileName         string                `json:"file_name"`
	FileSize         int64                 `json:"file_size"`
	FileHash         string                `json:"file_hash"`
	Direction        protocol.Direction    `json:"direction"`
	Mode             protocol.TransferMode `json:"mode"`
	PeerName         string                `json:"peer_name,omitempty"`
	PeerAddress      string                `json:"peer_address,omitempty"`
	Status           protocol.TaskStatus   `json:"status"`
	TransferredBytes int64                 `json:"transferred_bytes"`
	Error            string                `json:"error,omitempty"`
	Encrypted        bool                  `json:"encrypted"`
	CompressionRatio float64               `json:"compression_ratio"`
	Resumed          bool                  `json:"resumed"`
	CreatedAt        time.Time             `json:"created_at"`
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
}

// FromTask snapshots a task
func FromTask(t *protocol.TransferTask) Entry {
	e := Entry{
		ID:               t.ID,
		FileName:         t.File.Name,
		FileSize:         t.File.Size,
		FileHash:         t.File.Hash,
		Direction:        t.Direction,
		Mode:             t.Mode,
		Status:           t.Status,
		TransferredBytes: t.TransferredBytes,
		Error:            t.Error,
		Encrypted:        t.Encrypted,
		CompressionRatio: t.CompressionRatio,
		Resumed:          t.Resumed,
		CreatedAt:        t.CreatedAt,
	}
	if t.Peer != nil {
		e.PeerName = t.Peer.Name
		e.PeerAddress = t.Peer.Address()
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		e.CompletedAt = &at
	}
	return e
}

// Store persists history entries. Record upserts by id.
type Store interface {
	Record(ctx context.Context, e Entry) error
	Get(ctx context.Context, id string) (Entry, error)
	List(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// MemoryStore keeps history in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (m *MemoryStore) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.ID] = e
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// List returns the newest entries first
func (m *MemoryStore) List(_ context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	m.mu.RLock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
