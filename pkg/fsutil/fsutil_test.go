package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteJSONAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "state.json")

	in := map[string]int{"a": 1, "b": 2}
	if err := WriteJSONAtomic(path, in); err != nil {
		t.Fatalf("WriteJSONAtomic failed: %v", err)
	}
	if leftovers, _ := filepath.Glob(path + ".tmp*"); len(leftovers) != 0 {
		t.Errorf("Temp files should be renamed away, found %v", leftovers)
	}

	var out map[string]int
	found, err := ReadJSON(path, &out)
	if err != nil || !found {
		t.Fatalf("ReadJSON failed: found=%v err=%v", found, err)
	}
	if out["a"] != 1 || out["b"] != 2 {
		t.Errorf("Unexpected content %v", out)
	}
}

func TestReadJSONMissing(t *testing.T) {
	var out map[string]int
	found, err := ReadJSON(filepath.Join(t.TempDir(), "nope.json"), &out)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if found {
		t.Error("Expected found=false")
	}
}

func TestWriteFileAtomicReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume_info.json")
	if err := WriteFileAtomic(path, []byte("old"), 0600); err != nil {
		t.Fatalf("First write failed: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("new content"), 0600); err != nil {
		t.Fatalf("Second write failed: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "new content" {
		t.Errorf("Expected replaced content, got %q", got)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("Expected mode 0600, got %o", perm)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("Expected only the target file, got %d entries", len(entries))
	}
}
