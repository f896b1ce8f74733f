// Package compression wraps zstd with MIME-aware level selection.
package compression

import (
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/p2p-filesharing/peersend/pkg/errs"
)

const (
	MinLevel     = 1
	MaxLevel     = 19
	DefaultLevel = 3
	HighLevel    = 9

	// Encoding is the value advertised in X-Compression headers
	Encoding = "zstd"

	maxDecodedSize = 64 << 20
)

// Mode selects how a compression level is chosen
type Mode string

const (
	ModeOff    Mode = "off"
	ModeSmart  Mode = "smart"
	ModeManual Mode = "manual"
)

// ParseMode validates a mode name
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeOff, ModeSmart, ModeManual:
		return m, nil
	}
	return "", fmt.Errorf("unknown compression mode %q", s)
}

var skipTypes = map[string]bool{
	"application/zip":              true,
	"application/x-zip-compressed": true,
	"application/gzip":             true,
	"application/x-gzip":           true,
	"application/x-7z-compressed":  true,
	"application/x-rar-compressed": true,
	"application/vnd.rar":          true,
	"application/x-tar":            true,
	"image/jpeg":                   true,
	"image/jpg":                    true,
	"image/webp":                   true,
	"image/gif":                    true,
	"video/mp4":                    true,
	"video/x-matroska":             true,
	"video/webm":                   true,
	"video/quicktime":              true,
	"video/x-msvideo":              true,
	"audio/mpeg":                   true,
	"audio/mp3":                    true,
	"audio/ogg":                    true,
	"audio/flac":                   true,
	"audio/aac":                    true,
}

var losslessImages = map[string]bool{
	"image/png":                true,
	"image/bmp":                true,
	"image/x-icon":             true,
	"image/vnd.microsoft.icon": true,
	"image/svg+xml":            true,
}

func normalize(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return mime
}

// ShouldSkipCompression reports whether mime names an already-compressed
// container or lossy media format
func ShouldSkipCompression(mime string) bool {
	return skipTypes[normalize(mime)]
}

func isDocument(mime string) bool {
	switch {
	case strings.HasPrefix(mime, "text/"):
		return true
	case mime == "application/json", mime == "application/xml", mime == "application/pdf",
		mime == "application/javascript", mime == "application/rtf", mime == "application/msword":
		return true
	case strings.HasSuffix(mime, "+json"), strings.HasSuffix(mime, "+xml") && mime != "image/svg+xml":
		return true
	case strings.HasPrefix(mime, "application/vnd.openxmlformats-officedocument."),
		strings.HasPrefix(mime, "application/vnd.ms-"),
		strings.HasPrefix(mime, "application/vnd.oasis.opendocument."):
		return true
	}
	return false
}

// SmartCompressionLevel picks a level for mime. ok is false when the content
// should not be compressed at all.
func SmartCompressionLevel(mime string) (level int, ok bool) {
	mime = normalize(mime)
	switch {
	case skipTypes[mime]:
		return 0, false
	case isDocument(mime):
		return HighLevel, true
	case losslessImages[mime]:
		return DefaultLevel, true
	default:
		return DefaultLevel, true
	}
}

// Compressor applies a compression policy. The zero value is ModeOff.
type Compressor struct {
	Mode  Mode
	Level int
}

// LevelFor returns the level to use for content of the given mime type
func (c Compressor) LevelFor(mime string) (int, bool) {
	switch c.Mode {
	case ModeSmart:
		return SmartCompressionLevel(mime)
	case ModeManual:
		if ShouldSkipCompression(mime) {
			return 0, false
		}
		return clampLevel(c.Level), true
	default:
		return 0, false
	}
}

// MaybeCompress compresses data according to the policy and keeps the result
// only when it is strictly smaller than the input
func (c Compressor) MaybeCompress(data []byte, mime string) ([]byte, bool, error) {
	level, ok := c.LevelFor(mime)
	if !ok || len(data) == 0 {
		return data, false, nil
	}
	out, err := Compress(data, level)
	if err != nil {
		return nil, false, err
	}
	if len(out) >= len(data) {
		return data, false, nil
	}
	return out, true, nil
}

func clampLevel(level int) int {
	if level < MinLevel {
		return MinLevel
	}
	if level > MaxLevel {
		return MaxLevel
	}
	return level
}

var (
	encMu    sync.Mutex
	encoders = make(map[int]*zstd.Encoder)

	decOnce sync.Once
	decoder *zstd.Decoder
	decErr  error
)

func encoderFor(level int) (*zstd.Encoder, error) {
	level = clampLevel(level)

	encMu.Lock()
	defer encMu.Unlock()

	if enc, ok := encoders[level]; ok {
		return enc, nil
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithZeroFrames(true),
	)
	if err != nil {
		return nil, err
	}
	encoders[level] = enc
	return enc, nil
}

func sharedDecoder() (*zstd.Decoder, error) {
	decOnce.Do(func() {
		decoder, decErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	})
	return decoder, decErr
}

// Compress encodes data as a single zstd frame at level (clamped to 1..19)
func Compress(data []byte, level int) ([]byte, error) {
	enc, err := encoderFor(level)
	if err != nil {
		return nil, errs.Wrap(errs.Compression, err, "create encoder level %d", level)
	}
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2+64)), nil
}

// Decompress decodes zstd data. Empty input decodes to empty output.
func Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}
	dec, err := sharedDecoder()
	if err != nil {
		return nil, errs.Wrap(errs.Decompression, err, "create decoder")
	}
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Decompression, err, "decode")
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}
