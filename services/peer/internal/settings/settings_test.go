package settings

import (
	"testing"

	"github.com/p2p-filesharing/peersend/pkg/compression"
)

func TestUpdatePersists(t *testing.T) {
	dir := t.TempDir()
	svc, err := New(dir, Defaults("/tmp/in"), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = svc.Update(func(s *Settings) {
		s.Compression.Mode = compression.ModeManual
		s.Compression.Level = 12
		s.Receive.AutoAccept = true
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	reloaded, err := New(dir, Defaults("/tmp/in"), nil)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	got := reloaded.Get()
	if got.Compression.Mode != compression.ModeManual || got.Compression.Level != 12 {
		t.Errorf("Compression not persisted: %+v", got.Compression)
	}
	if !got.Receive.AutoAccept {
		t.Error("AutoAccept not persisted")
	}
}

func TestUpdateRejectsInvalid(t *testing.T) {
	svc, _ := New("", Defaults("/tmp/in"), nil)

	tests := []struct {
		name string
		fn   func(*Settings)
	}{
		{"bad mode", func(s *Settings) { s.Compression.Mode = "turbo" }},
		{"bad level", func(s *Settings) { s.Compression.Mode = compression.ModeManual; s.Compression.Level = 25 }},
		{"empty save dir", func(s *Settings) { s.Receive.SaveDir = "" }},
		{"negative bandwidth", func(s *Settings) { s.Bandwidth.UploadBps = -1 }},
		{"short pin", func(s *Settings) { s.Share.PIN = "12" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.Update(tt.fn); err == nil {
				t.Error("Expected validation error")
			}
			if svc.Get() != Defaults("/tmp/in") {
				t.Error("Settings changed after failed update")
			}
		})
	}
}

func TestSubscribe(t *testing.T) {
	svc, _ := New("", Defaults("/tmp/in"), nil)

	var calls []int64
	svc.Subscribe(func(s Settings) {
		calls = append(calls, s.Bandwidth.UploadBps)
	})

	svc.Update(func(s *Settings) { s.Bandwidth.UploadBps = 1000 })
	svc.Update(func(s *Settings) { s.Bandwidth.UploadBps = -5 })

	if len(calls) != 2 {
		t.Fatalf("Expected 2 notifications, got %d", len(calls))
	}
	if calls[0] != 0 || calls[1] != 1000 {
		t.Errorf("Unexpected notifications %v", calls)
	}
}

func TestCompressorFromSettings(t *testing.T) {
	s := Defaults("/x")
	c := s.Compressor()
	if level, ok := c.LevelFor("text/plain"); !ok || level != 9 {
		t.Errorf("Expected smart level 9, got %d %v", level, ok)
	}
}
