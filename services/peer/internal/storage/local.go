package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/p2p-filesharing/peersend/pkg/chunker"
	"github.com/p2p-filesharing/peersend/pkg/errs"
	"github.com/p2p-filesharing/peersend/pkg/fsutil"
	"github.com/p2p-filesharing/peersend/pkg/protocol"
)

// LocalStorage manages the node's data directory and the registry of files
// offered through the share gateway
type LocalStorage struct {
	mu          sync.RWMutex
	baseDir     string
	sharedFiles map[string]*SharedFile // metadata id -> SharedFile
}

// SharedFile represents a file offered to browsers
type SharedFile struct {
	Metadata *protocol.FileMetadata `json:"metadata"`
	FilePath string                 `json:"file_path"`
}

// NewLocalStorage creates the directory layout and loads saved state
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	s := &LocalStorage{
		baseDir:     baseDir,
		sharedFiles: make(map[string]*SharedFile),
	}

	// Create directories
	for _, dir := range []string{s.SharedDir(), s.ReceivedDir(), s.ResumeDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errs.FromIO(err, "create %s", dir)
		}
	}

	if err := s.loadState(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *LocalStorage) BaseDir() string     { return s.baseDir }
func (s *LocalStorage) SharedDir() string   { return filepath.Join(s.baseDir, "shared") }
func (s *LocalStorage) ReceivedDir() string { return filepath.Join(s.baseDir, "received") }
func (s *LocalStorage) ResumeDir() string   { return filepath.Join(s.baseDir, "resume") }

func (s *LocalStorage) statePath() string {
	return filepath.Join(s.baseDir, "state.json")
}

// ShareFile hashes path and registers it for the share gateway
func (s *LocalStorage) ShareFile(path string, c *chunker.Chunker) (*SharedFile, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errs.FromIO(err, "resolve %s", path)
	}
	metadata, err := c.ComputeMetadataWithHashes(abs, "")
	if err != nil {
		return nil, err
	}
	sf := s.AddSharedFile(metadata, abs)
	return sf, s.SaveState()
}

// AddSharedFile adds a file to the shared files list
func (s *LocalStorage) AddSharedFile(metadata *protocol.FileMetadata, filePath string) *SharedFile {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf := &SharedFile{
		Metadata: metadata,
		FilePath: filePath,
	}
	s.sharedFiles[metadata.ID] = sf
	return sf
}

// RemoveSharedFile stops sharing a file. It reports whether it was shared.
func (s *LocalStorage) RemoveSharedFile(id string) bool {
	s.mu.Lock()
	_, ok := s.sharedFiles[id]
	delete(s.sharedFiles, id)
	s.mu.Unlock()

	if ok {
		s.SaveState()
	}
	return ok
}

// GetSharedFile retrieves a shared file by metadata id
func (s *LocalStorage) GetSharedFile(id string) (*SharedFile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, exists := s.sharedFiles[id]
	return file, exists
}

// SharedFiles returns every shared file ordered by name
func (s *LocalStorage) SharedFiles() []*SharedFile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files := make([]*SharedFile, 0, len(s.sharedFiles))
	for _, f := range s.sharedFiles {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Metadata.Name < files[j].Metadata.Name
	})
	return files
}

// SaveState persists the storage state to disk
func (s *LocalStorage) SaveState() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data := map[string]interface{}{
		"shared_files": s.sharedFiles,
	}
	if err := fsutil.WriteJSONAtomic(s.statePath(), data); err != nil {
		return errs.FromIO(err, "save state")
	}
	return nil
}

// loadState restores shared files whose paths still exist
func (s *LocalStorage) loadState() error {
	var state struct {
		SharedFiles map[string]*SharedFile `json:"shared_files"`
	}
	if _, err := fsutil.ReadJSON(s.statePath(), &state); err != nil {
		return errs.FromIO(err, "load state")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sf := range state.SharedFiles {
		if sf == nil || sf.Metadata == nil {
			continue
		}
		if _, err := os.Stat(sf.FilePath); err != nil {
			continue
		}
		s.sharedFiles[id] = sf
	}
	return nil
}

// SanitizeName strips directory components and characters that are unsafe
// in file names received from peers
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || strings.ContainsRune(`<>:"|?*`, r) {
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "file"
	}
	return name
}

// UniquePath returns a path in dir for name that does not exist yet:
// "name.ext", then "name (1).ext", "name (2).ext", ...
func UniquePath(dir, name string) (string, error) {
	name = SanitizeName(name)
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate, nil
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; i < 10000; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", errs.New(errs.IO, "no free name for %s in %s", name, dir)
}

// CreateUnique creates a new file for name in dir, taking the first free name
// in UniquePath order. Each candidate is claimed with O_EXCL, so concurrent
// callers never share a file.
func CreateUnique(dir, name string) (*os.File, string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, "", errs.FromIO(err, "create %s", dir)
	}
	name = SanitizeName(name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < 10000; i++ {
		candidate := filepath.Join(dir, name)
		if i > 0 {
			candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		}
		f, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", errs.FromIO(err, "create %s", candidate)
		}
		return f, candidate, nil
	}
	return nil, "", errs.New(errs.IO, "no free name for %s in %s", name, dir)
}
