package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/p2p-filesharing/peersend/pkg/protocol"
)

func sampleTask(name string, created time.Time) *protocol.TransferTask {
	file := protocol.FileMetadata{ID: "f-" + name, Name: name, Size: 2048, Hash: "h"}
	peer := &protocol.PeerInfo{Name: "desk", IP: "10.0.0.2", Port: 53317}
	return protocol.NewTransferTask(file, protocol.ModeLocal, protocol.DirectionSend, peer, created)
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := Open("sqlite", filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open sqlite failed: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestRecordAndGet(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			task := sampleTask("report.pdf", base)
			if err := store.Record(ctx, FromTask(task)); err != nil {
				t.Fatalf("Record failed: %v", err)
			}

			task.Start(base)
			task.UpdateProgress(2048, base.Add(time.Second))
			task.Complete(base.Add(time.Second))
			task.Encrypted = true
			if err := store.Record(ctx, FromTask(task)); err != nil {
				t.Fatalf("Upsert failed: %v", err)
			}

			got, err := store.Get(ctx, task.ID)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.Status != protocol.StatusCompleted {
				t.Errorf("Expected completed, got %s", got.Status)
			}
			if got.TransferredBytes != 2048 {
				t.Errorf("Expected 2048 bytes, got %d", got.TransferredBytes)
			}
			if got.PeerAddress != "10.0.0.2:53317" {
				t.Errorf("Unexpected peer address %s", got.PeerAddress)
			}
			if got.CompletedAt == nil || !got.CompletedAt.Equal(base.Add(time.Second)) {
				t.Errorf("Unexpected completion time %v", got.CompletedAt)
			}
			if !got.CreatedAt.Equal(base) {
				t.Errorf("Expected created %v, got %v", base, got.CreatedAt)
			}

			if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestListNewestFirst(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i, n := range []string{"a", "b", "c"} {
				store.Record(ctx, FromTask(sampleTask(n, base.Add(time.Duration(i)*time.Minute))))
			}

			list, err := store.List(ctx, 2)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(list) != 2 {
				t.Fatalf("Expected 2 entries, got %d", len(list))
			}
			if list[0].FileName != "c" || list[1].FileName != "b" {
				t.Errorf("Unexpected order %s, %s", list[0].FileName, list[1].FileName)
			}
		})
	}
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b = ?"
	if got := rebind(SQLite, q); got != q {
		t.Errorf("SQLite query should be unchanged, got %s", got)
	}
	if got := rebind(Postgres, q); got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("Unexpected postgres query %s", got)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open("mongo", ""); err == nil {
		t.Error("Expected error for unknown driver")
	}
}
