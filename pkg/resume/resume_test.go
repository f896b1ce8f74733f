package resume

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/p2p-filesharing/peersend/pkg/clock"
	"github.com/p2p-filesharing/peersend/pkg/protocol"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func info(id string, at time.Time) ResumeInfo {
	return ResumeInfo{
		TaskID:         id,
		FileName:       id + ".bin",
		FileSize:       1000,
		LastChunkIndex: 2,
		InterruptedAt:  at,
		ExpiresAt:      at.Add(Expiry),
		Direction:      protocol.DirectionSend,
	}
}

func TestIsExpired(t *testing.T) {
	ri := info("a", epoch)

	if ri.IsExpired(epoch.Add(time.Hour)) {
		t.Error("Should not be expired after 1h")
	}
	if !ri.IsExpired(epoch.Add(Expiry + time.Second)) {
		t.Error("Should be expired after 24h")
	}
	if ri.NextChunkIndex() != 3 {
		t.Errorf("Expected next chunk 3, got %d", ri.NextChunkIndex())
	}
}

func TestSaveGetRemove(t *testing.T) {
	dir := t.TempDir()
	fake := clock.NewFake(epoch)
	m, err := New(dir, fake, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := m.SaveResumeInfo(info("task-1", epoch)); err != nil {
		t.Fatalf("SaveResumeInfo failed: %v", err)
	}

	got, ok := m.GetResumeInfo("task-1")
	if !ok {
		t.Fatal("Expected checkpoint to exist")
	}
	if got.FileName != "task-1.bin" {
		t.Errorf("Expected task-1.bin, got %s", got.FileName)
	}

	// A fresh manager sees the persisted entry
	m2, _ := New(dir, fake, nil)
	if _, ok := m2.GetResumeInfo("task-1"); !ok {
		t.Error("Expected checkpoint to survive reload")
	}

	if err := m.RemoveResumeInfo("task-1"); err != nil {
		t.Fatalf("RemoveResumeInfo failed: %v", err)
	}
	if _, ok := m.GetResumeInfo("task-1"); ok {
		t.Error("Expected checkpoint to be removed")
	}
	if err := m.RemoveResumeInfo("unknown"); err != nil {
		t.Errorf("Removing unknown id should be a no-op, got %v", err)
	}
}

func TestLoadFiltersExpired(t *testing.T) {
	dir := t.TempDir()

	// Write a backing file containing one stale and one fresh entry
	entries := map[string]ResumeInfo{
		"stale": info("stale", epoch.Add(-48*time.Hour)),
		"fresh": info("fresh", epoch.Add(-time.Hour)),
	}
	data, _ := json.Marshal(entries)
	os.WriteFile(filepath.Join(dir, "resume_info.json"), data, 0644)

	m, err := New(dir, clock.NewFake(epoch), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	list := m.List()
	if len(list) != 1 || list[0].TaskID != "fresh" {
		t.Errorf("Expected only fresh entry, got %+v", list)
	}
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resume_info.json")
	os.WriteFile(path, []byte(`{"task": {"file_size": "not a number"`), 0644)

	m, err := New(dir, clock.NewFake(epoch), nil)
	if err != nil {
		t.Fatalf("Expected a corrupt file to be tolerated, got %v", err)
	}
	if got := len(m.List()); got != 0 {
		t.Errorf("Expected no checkpoints, got %d", got)
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Errorf("Expected the corrupt file kept aside: %v", err)
	}

	if err := m.SaveResumeInfo(info("next", epoch)); err != nil {
		t.Fatalf("SaveResumeInfo failed: %v", err)
	}
	reloaded, err := New(dir, clock.NewFake(epoch), nil)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if _, ok := reloaded.GetResumeInfo("next"); !ok {
		t.Error("Expected the new checkpoint after reload")
	}
}

func TestCleanupExpiredPersistsOnlyOnChange(t *testing.T) {
	dir := t.TempDir()
	fake := clock.NewFake(epoch)
	m, _ := New(dir, fake, nil)
	path := filepath.Join(dir, "resume_info.json")

	n, err := m.CleanupExpired()
	if err != nil || n != 0 {
		t.Fatalf("Expected 0 removed, got %d %v", n, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Cleanup with no changes should not write the file")
	}

	m.SaveResumeInfo(info("a", epoch))
	m.SaveResumeInfo(info("b", epoch.Add(2*time.Hour)))

	fake.Advance(Expiry + time.Hour)
	n, err = m.CleanupExpired()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Expected 1 removed, got %d", n)
	}

	var onDisk map[string]ResumeInfo
	data, _ := os.ReadFile(path)
	json.Unmarshal(data, &onDisk)
	if _, ok := onDisk["a"]; ok {
		t.Error("Expired entry still on disk")
	}
	if _, ok := onDisk["b"]; !ok {
		t.Error("Live entry missing from disk")
	}
}

func TestListOrdering(t *testing.T) {
	m, _ := New(t.TempDir(), clock.NewFake(epoch), nil)
	m.SaveResumeInfo(info("old", epoch.Add(-3*time.Hour)))
	m.SaveResumeInfo(info("new", epoch.Add(-time.Hour)))

	list := m.List()
	if len(list) != 2 || list[0].TaskID != "new" {
		t.Errorf("Expected newest first, got %+v", list)
	}
}

func TestFromTask(t *testing.T) {
	file := protocol.FileMetadata{ID: "f", Name: "movie.mkv", Size: 5000, Hash: "abc", Path: "/tmp/movie.mkv"}
	peer := &protocol.PeerInfo{Name: "laptop", IP: "192.168.1.5", Port: 9000}
	task := protocol.NewTransferTask(file, protocol.ModeLocal, protocol.DirectionSend, peer, epoch)
	task.TransferredBytes = 2000

	ri := FromTask(task, 1, epoch)
	if ri.PeerAddress != "192.168.1.5:9000" {
		t.Errorf("Expected peer address, got %s", ri.PeerAddress)
	}
	if ri.SourcePath != "/tmp/movie.mkv" || ri.SavePath != "" {
		t.Errorf("Unexpected paths %q %q", ri.SourcePath, ri.SavePath)
	}
	if !ri.ExpiresAt.Equal(epoch.Add(Expiry)) {
		t.Errorf("Unexpected expiry %v", ri.ExpiresAt)
	}
}
