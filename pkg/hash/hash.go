package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/p2p-filesharing/peersend/pkg/errs"
)

// ReadBufferSize is the streaming read size for whole-file hashing
const ReadBufferSize = 8 * 1024

// Calculate computes SHA-256 hash of data and returns hex string
func Calculate(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// CalculateReader streams r through SHA-256 using bufSize reads
func CalculateReader(r io.Reader, bufSize int) (string, error) {
	if bufSize <= 0 {
		bufSize = ReadBufferSize
	}
	h := sha256.New()
	buf := make([]byte, bufSize)
	if _, err := io.CopyBuffer(h, onlyReader{r}, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CalculateFile computes SHA-256 hash of a file
func CalculateFile(filepath string) (string, error) {
	f, err := os.Open(filepath)
	if err != nil {
		return "", errs.FromIO(err, "open %s", filepath)
	}
	defer f.Close()

	sum, err := CalculateReader(f, ReadBufferSize)
	if err != nil {
		return "", errs.FromIO(err, "read %s", filepath)
	}
	return sum, nil
}

// Verify checks if data matches expected hash
func Verify(data []byte, expectedHash string) bool {
	return Calculate(data) == expectedHash
}

// VerifyFile returns an IntegrityCheckFailed error when the file's digest
// differs from expectedHash
func VerifyFile(filepath, expectedHash string) error {
	actual, err := CalculateFile(filepath)
	if err != nil {
		return err
	}
	if actual != expectedHash {
		return errs.New(errs.IntegrityCheckFailed, "%s: expected %s, got %s", filepath, expectedHash, actual)
	}
	return nil
}

// onlyReader hides WriterTo so io.CopyBuffer honours the buffer size
type onlyReader struct {
	io.Reader
}
