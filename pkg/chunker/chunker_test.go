package chunker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/p2p-filesharing/peersend/pkg/errs"
	"github.com/p2p-filesharing/peersend/pkg/hash"
)

func TestComputeMetadataWithHashes(t *testing.T) {
	// Create a temp file
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "test.txt")

	// Write test content (1KB)
	content := make([]byte, 1024)
	for i := range content {
		content[i] = byte(i % 256)
	}
	if err := os.WriteFile(testFile, content, 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	// Chunk with small chunk size for testing
	c := New(256)
	metadata, err := c.ComputeMetadataWithHashes(testFile, "")
	if err != nil {
		t.Fatalf("ComputeMetadataWithHashes failed: %v", err)
	}

	if metadata.Name != "test.txt" {
		t.Errorf("Expected name test.txt, got %s", metadata.Name)
	}

	if metadata.Size != 1024 {
		t.Errorf("Expected size 1024, got %d", metadata.Size)
	}

	if metadata.MimeType != "text/plain" {
		t.Errorf("Expected mime text/plain, got %s", metadata.MimeType)
	}

	if metadata.Hash != hash.Calculate(content) {
		t.Errorf("Whole file hash mismatch")
	}

	expectedChunks := 4 // 1024 / 256
	if len(metadata.Chunks) != expectedChunks {
		t.Fatalf("Expected %d chunks, got %d", expectedChunks, len(metadata.Chunks))
	}

	// Verify each chunk has the right hash
	for i, chunk := range metadata.Chunks {
		if chunk.Index != i {
			t.Errorf("Chunk %d has wrong index %d", i, chunk.Index)
		}
		want := hash.Calculate(content[chunk.Offset : chunk.Offset+chunk.Size])
		if chunk.Hash != want {
			t.Errorf("Chunk %d hash mismatch", i)
		}
	}
}

func TestComputeMetadataMissingFile(t *testing.T) {
	c := New(256)
	md, err := c.ComputeMetadataWithHashes(filepath.Join(t.TempDir(), "nope"), "")
	if md != nil {
		t.Error("Expected no partial metadata on error")
	}
	if !errs.IsKind(err, errs.FileNotFound) {
		t.Errorf("Expected FileNotFound, got %v", err)
	}
}

func TestComputeMetadataEmptyFile(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "empty.bin")
	os.WriteFile(testFile, nil, 0644)

	md, err := New(256).ComputeMetadataWithHashes(testFile, "")
	if err != nil {
		t.Fatalf("Empty file should not fail: %v", err)
	}
	if len(md.Chunks) != 0 {
		t.Errorf("Expected no chunks, got %d", len(md.Chunks))
	}
	if md.Hash != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("Unexpected empty hash %s", md.Hash)
	}
}

func TestComputeChunksPartition(t *testing.T) {
	sizes := []int64{0, 1, 255, 256, 257, 1000, 4096, 4097, 123457}
	chunkSizes := []int64{1, 3, 256, 1000, 4096}

	for _, cs := range chunkSizes {
		c := New(cs)
		for _, size := range sizes {
			chunks := c.ComputeChunks(size)

			wantCount := int((size + cs - 1) / cs)
			if len(chunks) != wantCount {
				t.Errorf("size=%d chunk=%d: expected %d chunks, got %d", size, cs, wantCount, len(chunks))
				continue
			}

			var offset, total int64
			for i, ch := range chunks {
				if ch.Index != i {
					t.Errorf("size=%d chunk=%d: index %d at position %d", size, cs, ch.Index, i)
				}
				if ch.Offset != offset {
					t.Errorf("size=%d chunk=%d: chunk %d offset %d, want %d", size, cs, i, ch.Offset, offset)
				}
				if i < len(chunks)-1 && ch.Size != cs {
					t.Errorf("size=%d chunk=%d: non-final chunk %d has size %d", size, cs, i, ch.Size)
				}
				offset += ch.Size
				total += ch.Size
			}
			if total != size {
				t.Errorf("size=%d chunk=%d: sizes sum to %d", size, cs, total)
			}
		}
	}
}

func TestScenarioThreeChunks(t *testing.T) {
	c := New(1_000_000)
	chunks := c.ComputeChunks(2_500_000)

	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(chunks))
	}
	want := []int64{1_000_000, 1_000_000, 500_000}
	for i, ch := range chunks {
		if ch.Size != want[i] {
			t.Errorf("Chunk %d size %d, want %d", i, ch.Size, want[i])
		}
	}
}

func TestReadWriteChunk(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "test.txt")

	// Create file with known content
	content := []byte("Hello World! This is a test file with some content.")
	if err := os.WriteFile(testFile, content, 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	c := New(16) // Small chunks for testing
	chunks := c.ComputeChunks(int64(len(content)))

	// Read first chunk
	chunk0, err := c.ReadChunk(testFile, chunks[0])
	if err != nil {
		t.Fatalf("ReadChunk failed: %v", err)
	}

	if string(chunk0) != "Hello World! Thi" {
		t.Errorf("Chunk 0 content mismatch: %s", string(chunk0))
	}

	last, err := c.ReadChunkAt(testFile, len(chunks)-1)
	if err != nil {
		t.Fatalf("ReadChunkAt failed: %v", err)
	}
	if string(last) != "nt." {
		t.Errorf("Last chunk content mismatch: %q", last)
	}

	// Write out of order into a nested path that does not exist yet
	outFile := filepath.Join(tmpDir, "nested", "dir", "output.txt")
	for i := len(chunks) - 1; i >= 0; i-- {
		data, err := c.ReadChunk(testFile, chunks[i])
		if err != nil {
			t.Fatalf("ReadChunk %d failed: %v", i, err)
		}
		if err := c.WriteChunk(outFile, chunks[i].Offset, data); err != nil {
			t.Fatalf("WriteChunk failed: %v", err)
		}
	}

	// Read back and verify
	written, _ := os.ReadFile(outFile)
	if string(written) != string(content) {
		t.Errorf("Reassembled file mismatch: %q", written)
	}
}

func TestReadChunkAtOutOfRange(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "f")
	os.WriteFile(testFile, []byte("abc"), 0644)

	_, err := New(16).ReadChunkAt(testFile, 1)
	if !errs.IsKind(err, errs.InvalidMetadata) {
		t.Errorf("Expected InvalidMetadata, got %v", err)
	}
}

func TestChunkCount(t *testing.T) {
	c := New(256)

	tests := []struct {
		fileSize int64
		expected int
	}{
		{0, 0},
		{1, 1},
		{256, 1},
		{257, 2},
		{512, 2},
		{1024, 4},
		{1025, 5},
	}

	for _, test := range tests {
		result := c.ChunkCount(test.fileSize)
		if result != test.expected {
			t.Errorf("ChunkCount(%d) = %d, expected %d", test.fileSize, result, test.expected)
		}
	}
}

func TestDetectMimeType(t *testing.T) {
	tests := map[string]string{
		"a.txt":     "text/plain",
		"b.JSON":    "application/json",
		"c.png":     "image/png",
		"noext":     "application/octet-stream",
		"d.unknown": "application/octet-stream",
	}
	for path, want := range tests {
		if got := DetectMimeType(path); got != want {
			t.Errorf("DetectMimeType(%s) = %s, want %s", path, got, want)
		}
	}
}
