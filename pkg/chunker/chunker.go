package chunker

import (
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/p2p-filesharing/peersend/pkg/errs"
	"github.com/p2p-filesharing/peersend/pkg/hash"
	"github.com/p2p-filesharing/peersend/pkg/protocol"
)

const (
	// DefaultChunkSize is 1MB, used by the HTTP share gateway
	DefaultChunkSize = 1024 * 1024
	// MaxChunkSize is 16MB
	MaxChunkSize = 16 * 1024 * 1024
)

// Chunker handles file splitting and assembly
type Chunker struct {
	ChunkSize int64
}

// New creates a new Chunker with specified chunk size
func New(chunkSize int64) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize > MaxChunkSize {
		chunkSize = MaxChunkSize
	}
	return &Chunker{ChunkSize: chunkSize}
}

// ChunkCount calculates how many chunks a file will have
func (c *Chunker) ChunkCount(fileSize int64) int {
	if fileSize <= 0 {
		return 0
	}
	count := fileSize / c.ChunkSize
	if fileSize%c.ChunkSize != 0 {
		count++
	}
	return int(count)
}

// ComputeChunks partitions a file of fileSize bytes into ordered chunks.
// Only the last chunk may be short. Hashes are left empty.
func (c *Chunker) ComputeChunks(fileSize int64) []protocol.ChunkInfo {
	count := c.ChunkCount(fileSize)
	chunks := make([]protocol.ChunkInfo, 0, count)
	var offset int64
	for i := 0; i < count; i++ {
		size := c.ChunkSize
		if remaining := fileSize - offset; remaining < size {
			size = remaining
		}
		chunks = append(chunks, protocol.ChunkInfo{
			Index:  i,
			Size:   size,
			Offset: offset,
		})
		offset += size
	}
	return chunks
}

// ComputeFileChunks stats path and partitions it
func (c *Chunker) ComputeFileChunks(path string) ([]protocol.ChunkInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, errs.FromIO(err, "stat %s", path)
	}
	return c.ComputeChunks(stat.Size()), nil
}

// ReadChunk reads exactly chunk.Size bytes at chunk.Offset
func (c *Chunker) ReadChunk(path string, chunk protocol.ChunkInfo) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.FromIO(err, "open %s", path)
	}
	defer f.Close()

	buf := make([]byte, chunk.Size)
	if _, err := f.ReadAt(buf, chunk.Offset); err != nil {
		if err == io.EOF {
			return nil, errs.New(errs.IO, "chunk %d of %s is past end of file", chunk.Index, path)
		}
		return nil, errs.FromIO(err, "read chunk %d of %s", chunk.Index, path)
	}
	return buf, nil
}

// ReadChunkAt reads the chunk at index, sized from the file's current length
func (c *Chunker) ReadChunkAt(path string, index int) ([]byte, error) {
	chunks, err := c.ComputeFileChunks(path)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(chunks) {
		return nil, errs.New(errs.InvalidMetadata, "chunk index %d out of range [0,%d)", index, len(chunks))
	}
	return c.ReadChunk(path, chunks[index])
}

// WriteChunk writes data at offset, creating parent directories, and syncs
// the file before returning
func (c *Chunker) WriteChunk(path string, offset int64, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errs.FromIO(err, "create directory for %s", path)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return errs.FromIO(err, "open %s", path)
	}
	defer f.Close()

	if _, err := f.WriteAt(data, offset); err != nil {
		return errs.FromIO(err, "write %s at %d", path, offset)
	}
	if err := f.Sync(); err != nil {
		return errs.FromIO(err, "sync %s", path)
	}
	return nil
}

// ComputeFileHash streams the whole file through SHA-256
func (c *Chunker) ComputeFileHash(path string) (string, error) {
	return hash.CalculateFile(path)
}

// ComputeMetadataWithHashes hashes the file and every chunk. Any I/O error
// aborts without returning partial metadata.
func (c *Chunker) ComputeMetadataWithHashes(path, mimeType string) (*protocol.FileMetadata, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, errs.FromIO(err, "stat %s", path)
	}
	if stat.IsDir() {
		return nil, errs.New(errs.InvalidMetadata, "%s is a directory", path)
	}

	fileHash, err := c.ComputeFileHash(path)
	if err != nil {
		return nil, err
	}

	chunks := c.ComputeChunks(stat.Size())
	if len(chunks) > 0 {
		f, err := os.Open(path)
		if err != nil {
			return nil, errs.FromIO(err, "open %s", path)
		}
		defer f.Close()

		buf := make([]byte, c.ChunkSize)
		for i := range chunks {
			data := buf[:chunks[i].Size]
			if _, err := f.ReadAt(data, chunks[i].Offset); err != nil {
				return nil, errs.FromIO(err, "read chunk %d of %s", i, path)
			}
			chunks[i].Hash = hash.Calculate(data)
		}
	}

	if mimeType == "" {
		mimeType = DetectMimeType(path)
	}

	return &protocol.FileMetadata{
		ID:       uuid.New().String(),
		Name:     stat.Name(),
		Size:     stat.Size(),
		MimeType: mimeType,
		Hash:     fileHash,
		Chunks:   chunks,
		Path:     path,
	}, nil
}
