// Package settings holds the runtime-mutable node preferences. One Service is
// built at startup and passed to every component that reads them.
package settings

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/p2p-filesharing/peersend/pkg/compression"
	"github.com/p2p-filesharing/peersend/pkg/fsutil"
	"github.com/p2p-filesharing/peersend/pkg/logger"
)

type CompressionSettings struct {
	Mode  compression.Mode `json:"mode"`
	Level int              `json:"level"`
}

type EncryptionSettings struct {
	Enabled bool `json:"enabled"`
}

type ReceiveSettings struct {
	AutoAccept bool   `json:"auto_accept"`
	SaveDir    string `json:"save_dir"`
}

// ShareSettings govern the browser share gateway
type ShareSettings struct {
	PIN        string `json:"pin,omitempty"`
	AutoAccept bool   `json:"auto_accept"`
}

// UploadSettings govern the browser upload gateway
type UploadSettings struct {
	AutoReceive bool `json:"auto_receive"`
}

// BandwidthSettings are in bytes per second, 0 = unlimited
type BandwidthSettings struct {
	UploadBps   int64 `json:"upload_bps"`
	DownloadBps int64 `json:"download_bps"`
}

type Settings struct {
	Compression CompressionSettings `json:"compression"`
	Encryption  EncryptionSettings  `json:"encryption"`
	Receive     ReceiveSettings     `json:"receive"`
	Share       ShareSettings       `json:"share"`
	Upload      UploadSettings      `json:"upload"`
	Bandwidth   BandwidthSettings   `json:"bandwidth"`
}

// Defaults returns the settings of a fresh install
func Defaults(saveDir string) Settings {
	return Settings{
		Compression: CompressionSettings{Mode: compression.ModeSmart, Level: compression.DefaultLevel},
		Encryption:  EncryptionSettings{Enabled: true},
		Receive:     ReceiveSettings{AutoAccept: false, SaveDir: saveDir},
	}
}

// Compressor returns the compression policy these settings describe
func (s Settings) Compressor() compression.Compressor {
	return compression.Compressor{Mode: s.Compression.Mode, Level: s.Compression.Level}
}

// Redacted returns a copy safe to show observers: the share PIN is removed
func (s Settings) Redacted() Settings {
	s.Share.PIN = ""
	return s
}

// Validate checks invariants
func (s Settings) Validate() error {
	if _, err := compression.ParseMode(string(s.Compression.Mode)); err != nil {
		return err
	}
	if s.Compression.Mode == compression.ModeManual &&
		(s.Compression.Level < compression.MinLevel || s.Compression.Level > compression.MaxLevel) {
		return fmt.Errorf("compression level %d out of range %d-%d", s.Compression.Level, compression.MinLevel, compression.MaxLevel)
	}
	if s.Receive.SaveDir == "" {
		return fmt.Errorf("save directory must be set")
	}
	if s.Bandwidth.UploadBps < 0 || s.Bandwidth.DownloadBps < 0 {
		return fmt.Errorf("bandwidth limits must not be negative")
	}
	if pin := s.Share.PIN; pin != "" {
		if len(pin) < 4 || len(pin) > 12 {
			return fmt.Errorf("share PIN must be 4 to 12 characters")
		}
	}
	return nil
}

// Service guards the current Settings and persists every change
type Service struct {
	mu          sync.RWMutex
	current     Settings
	path        string
	subscribers []func(Settings)
	log         *logger.Logger
}

// New loads settings from dir/settings.json, falling back to defaults. An
// empty dir keeps settings in memory only.
func New(dir string, defaults Settings, log *logger.Logger) (*Service, error) {
	s := &Service{
		current: defaults,
		log:     logger.OrDiscard(log, "Settings"),
	}
	if dir == "" {
		return s, s.current.Validate()
	}

	s.path = filepath.Join(dir, "settings.json")
	loaded := defaults
	found, err := fsutil.ReadJSON(s.path, &loaded)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if found {
		if err := loaded.Validate(); err != nil {
			s.log.Warn("Ignoring invalid stored settings: %v", err)
		} else {
			s.current = loaded
		}
	}
	return s, s.current.Validate()
}

// Get returns a copy of the current settings
func (s *Service) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update applies fn to a copy, validates it, persists it, then notifies
// subscribers. On any error the current settings are unchanged.
func (s *Service) Update(fn func(*Settings)) error {
	s.mu.Lock()
	next := s.current
	fn(&next)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.path != "" {
		if err := fsutil.WriteJSONAtomic(s.path, next); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("persist settings: %w", err)
		}
	}
	s.current = next
	subs := append([]func(Settings){}, s.subscribers...)
	s.mu.Unlock()

	s.log.Info("Settings updated")
	for _, sub := range subs {
		sub(next)
	}
	return nil
}

// Subscribe registers fn for future updates and calls it once with the
// current settings
func (s *Service) Subscribe(fn func(Settings)) {
	s.mu.Lock()
	s.subscribers = append(s.subscribers, fn)
	current := s.current
	s.mu.Unlock()

	fn(current)
}
