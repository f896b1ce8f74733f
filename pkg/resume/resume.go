// Package resume tracks checkpoints of interrupted transfers so they can be
// retried from the next unacknowledged chunk.
package resume

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/p2p-filesharing/peersend/pkg/clock"
	"github.com/p2p-filesharing/peersend/pkg/errs"
	"github.com/p2p-filesharing/peersend/pkg/fsutil"
	"github.com/p2p-filesharing/peersend/pkg/logger"
	"github.com/p2p-filesharing/peersend/pkg/protocol"
)

const (
	// Expiry is how long a checkpoint stays resumable
	Expiry = 24 * time.Hour

	// DefaultSweepInterval for Start
	DefaultSweepInterval = time.Hour

	fileName = "resume_info.json"
)

// ResumeInfo is a checkpoint of an interrupted transfer
type ResumeInfo struct {
	TaskID           string             `json:"task_id"`
	FileName         string             `json:"file_name"`
	FileSize         int64              `json:"file_size"`
	FileHash         string             `json:"file_hash"`
	TransferredBytes int64              `json:"transferred_bytes"`
	LastChunkIndex   int                `json:"last_chunk_index"` // -1 when no chunk was acknowledged
	InterruptedAt    time.Time          `json:"interrupted_at"`
	ExpiresAt        time.Time          `json:"expires_at"`
	PeerAddress      string             `json:"peer_address"`
	PeerName         string             `json:"peer_name,omitempty"`
	Direction        protocol.Direction `json:"direction"`
	SourcePath       string             `json:"source_path,omitempty"`
	SavePath         string             `json:"save_path,omitempty"`
}

// IsExpired is a pure function of now against ExpiresAt
func (r *ResumeInfo) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// NextChunkIndex is the first chunk not yet acknowledged
func (r *ResumeInfo) NextChunkIndex() int {
	return r.LastChunkIndex + 1
}

// FromTask builds a checkpoint for an interrupted task. lastChunk is the
// index of the last acknowledged chunk, -1 if none.
func FromTask(task *protocol.TransferTask, lastChunk int, now time.Time) ResumeInfo {
	info := ResumeInfo{
		TaskID:           task.ID,
		FileName:         task.File.Name,
		FileSize:         task.File.Size,
		FileHash:         task.File.Hash,
		TransferredBytes: task.TransferredBytes,
		LastChunkIndex:   lastChunk,
		InterruptedAt:    now,
		ExpiresAt:        now.Add(Expiry),
		Direction:        task.Direction,
	}
	if task.Peer != nil {
		info.PeerAddress = task.Peer.Address()
		info.PeerName = task.Peer.Name
	}
	if task.Direction == protocol.DirectionSend {
		info.SourcePath = task.File.Path
	} else {
		info.SavePath = task.File.Path
	}
	return info
}

// Manager persists checkpoints as one JSON map keyed by task id
type Manager struct {
	mu      sync.RWMutex
	path    string
	entries map[string]ResumeInfo
	clock   clock.Clock
	log     *logger.Logger
}

// New creates a manager storing its file under dir and loads existing entries
func New(dir string, c clock.Clock, log *logger.Logger) (*Manager, error) {
	m := &Manager{
		path:    filepath.Join(dir, fileName),
		entries: make(map[string]ResumeInfo),
		clock:   clock.OrReal(c),
		log:     logger.OrDiscard(log, "Resume"),
	}
	if err := m.Load(); err != nil {
		if !errs.IsKind(err, errs.InvalidMetadata) {
			return nil, err
		}
		// An unreadable checkpoint file must not keep the node from starting
		aside := m.path + ".corrupt"
		if rerr := os.Rename(m.path, aside); rerr != nil {
			m.log.Warn("%v; starting with no checkpoints", err)
		} else {
			m.log.Warn("%v; moved to %s, starting with no checkpoints", err, aside)
		}
	}
	return m, nil
}

// Load replaces the in-memory map with the file contents, dropping expired entries
func (m *Manager) Load() error {
	loaded := make(map[string]ResumeInfo)
	if _, err := fsutil.ReadJSON(m.path, &loaded); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			return errs.Wrap(errs.InvalidMetadata, err, "decode %s", m.path)
		}
		return errs.FromIO(err, "load %s", m.path)
	}

	now := m.clock.Now()
	for id, info := range loaded {
		if info.IsExpired(now) {
			delete(loaded, id)
		}
	}

	m.mu.Lock()
	m.entries = loaded
	m.mu.Unlock()
	return nil
}

// SaveResumeInfo stores or replaces the checkpoint for info.TaskID
func (m *Manager) SaveResumeInfo(info ResumeInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[info.TaskID] = info
	m.log.Debug("Saved checkpoint for %s at chunk %d", info.TaskID, info.LastChunkIndex)
	return m.persistLocked()
}

// RemoveResumeInfo deletes a checkpoint. Removing an unknown id is a no-op.
func (m *Manager) RemoveResumeInfo(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[taskID]; !ok {
		return nil
	}
	delete(m.entries, taskID)
	return m.persistLocked()
}

// GetResumeInfo returns a live checkpoint
func (m *Manager) GetResumeInfo(taskID string) (ResumeInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.entries[taskID]
	if !ok || info.IsExpired(m.clock.Now()) {
		return ResumeInfo{}, false
	}
	return info, true
}

// List returns live checkpoints, most recently interrupted first
func (m *Manager) List() []ResumeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock.Now()
	out := make([]ResumeInfo, 0, len(m.entries))
	for _, info := range m.entries {
		if !info.IsExpired(now) {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].InterruptedAt.After(out[j].InterruptedAt)
	})
	return out
}

// CleanupExpired drops expired entries and rewrites the file only if any were removed
func (m *Manager) CleanupExpired() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	removed := 0
	for id, info := range m.entries {
		if info.IsExpired(now) {
			delete(m.entries, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, m.persistLocked()
}

// Start sweeps expired checkpoints every interval until ctx is done
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.CleanupExpired()
			if err != nil {
				m.log.Error("Cleanup failed: %v", err)
			} else if n > 0 {
				m.log.Info("Removed %d expired checkpoints", n)
			}
		}
	}
}

func (m *Manager) persistLocked() error {
	if err := fsutil.WriteJSONAtomic(m.path, m.entries); err != nil {
		return errs.FromIO(err, "write %s", m.path)
	}
	return nil
}
