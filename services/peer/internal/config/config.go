// Package config loads node process configuration from PEERSEND_* environment
// variables and command-line flags. Flags win over the environment.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/p2p-filesharing/peersend/pkg/protocol"
)

type Config struct {
	DeviceName    string
	DeviceType    protocol.DeviceType
	DataDir       string
	SaveDir       string
	TransferPort  int
	DiscoveryPort int
	ShareAddr     string
	UploadAddr    string
	ControlAddr   string
	LogLevel      string
	EnableMDNS    bool
	HistoryDriver string
	HistoryDSN    string
	AckTimeout    time.Duration
	JWTSecret     string
	SweepInterval time.Duration
}

const (
	DefaultTransferPort  = 53317
	DefaultDiscoveryPort = 53318
	DefaultAckTimeout    = 30 * time.Second
	DefaultSweepInterval = 5 * time.Minute
)

// Defaults returns the configuration used when nothing is overridden
func Defaults() Config {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "peersend"
	}
	return Config{
		DeviceName:    name,
		DeviceType:    protocol.DeviceDesktop,
		DataDir:       "./data",
		TransferPort:  DefaultTransferPort,
		DiscoveryPort: DefaultDiscoveryPort,
		ShareAddr:     ":8080",
		UploadAddr:    ":8081",
		ControlAddr:   "127.0.0.1:8090",
		LogLevel:      "info",
		EnableMDNS:    true,
		HistoryDriver: "memory",
		AckTimeout:    DefaultAckTimeout,
		SweepInterval: DefaultSweepInterval,
	}
}

// Load reads the process environment and args (without the program name)
func Load(args []string) (Config, error) {
	return LoadFrom(args, os.Getenv)
}

// LoadFrom is Load with an injectable environment lookup
func LoadFrom(args []string, getenv func(string) string) (Config, error) {
	cfg := Defaults()
	applyEnv(&cfg, getenv)

	fs := flag.NewFlagSet("peersend", flag.ContinueOnError)
	fs.StringVar(&cfg.DeviceName, "name", cfg.DeviceName, "Device name announced to peers")
	deviceType := fs.String("device-type", string(cfg.DeviceType), "Device type (desktop, laptop, mobile, server)")
	fs.StringVar(&cfg.DataDir, "data", cfg.DataDir, "Data directory")
	fs.StringVar(&cfg.SaveDir, "save-dir", cfg.SaveDir, "Directory for received files (default <data>/received)")
	fs.IntVar(&cfg.TransferPort, "port", cfg.TransferPort, "TCP transfer listen port")
	fs.IntVar(&cfg.DiscoveryPort, "discovery-port", cfg.DiscoveryPort, "UDP discovery port")
	fs.StringVar(&cfg.ShareAddr, "share-addr", cfg.ShareAddr, "Share gateway listen address")
	fs.StringVar(&cfg.UploadAddr, "upload-addr", cfg.UploadAddr, "Upload gateway listen address")
	fs.StringVar(&cfg.ControlAddr, "control-addr", cfg.ControlAddr, "Control API listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.EnableMDNS, "mdns", cfg.EnableMDNS, "Advertise and browse peers over mDNS")
	fs.StringVar(&cfg.HistoryDriver, "history", cfg.HistoryDriver, "History store (memory, sqlite, postgres)")
	fs.StringVar(&cfg.HistoryDSN, "history-dsn", cfg.HistoryDSN, "History store DSN")
	fs.DurationVar(&cfg.AckTimeout, "ack-timeout", cfg.AckTimeout, "Chunk acknowledgement timeout")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "Secret for control API tokens (random if empty)")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "HTTP crypto session sweep interval")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.DeviceType = protocol.DeviceType(strings.ToLower(*deviceType))

	if err := cfg.finish(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if value := getenv("PEERSEND_DEVICE_NAME"); value != "" {
		cfg.DeviceName = value
	}
	if value := getenv("PEERSEND_DEVICE_TYPE"); value != "" {
		cfg.DeviceType = protocol.DeviceType(strings.ToLower(value))
	}
	if value := getenv("PEERSEND_DATA_DIR"); value != "" {
		cfg.DataDir = value
	}
	if value := getenv("PEERSEND_SAVE_DIR"); value != "" {
		cfg.SaveDir = value
	}
	if value := parseIntEnv(getenv, "PEERSEND_PORT"); value > 0 {
		cfg.TransferPort = int(value)
	}
	if value := parseIntEnv(getenv, "PEERSEND_DISCOVERY_PORT"); value > 0 {
		cfg.DiscoveryPort = int(value)
	}
	if value := getenv("PEERSEND_SHARE_ADDR"); value != "" {
		cfg.ShareAddr = value
	}
	if value := getenv("PEERSEND_UPLOAD_ADDR"); value != "" {
		cfg.UploadAddr = value
	}
	if value := getenv("PEERSEND_CONTROL_ADDR"); value != "" {
		cfg.ControlAddr = value
	}
	if value := getenv("PEERSEND_LOG_LEVEL"); value != "" {
		cfg.LogLevel = value
	}
	if value, ok := parseBoolEnv(getenv, "PEERSEND_MDNS"); ok {
		cfg.EnableMDNS = value
	}
	if value := getenv("PEERSEND_HISTORY"); value != "" {
		cfg.HistoryDriver = value
	}
	if value := getenv("PEERSEND_HISTORY_DSN"); value != "" {
		cfg.HistoryDSN = value
	}
	if value := parseDurationEnv(getenv, "PEERSEND_ACK_TIMEOUT"); value > 0 {
		cfg.AckTimeout = value
	}
	if value := getenv("PEERSEND_JWT_SECRET"); value != "" {
		cfg.JWTSecret = value
	}
	if value := parseDurationEnv(getenv, "PEERSEND_SWEEP_INTERVAL"); value > 0 {
		cfg.SweepInterval = value
	}
}

func (c *Config) finish() error {
	switch c.DeviceType {
	case protocol.DeviceDesktop, protocol.DeviceLaptop, protocol.DeviceMobile, protocol.DeviceServer:
	default:
		c.DeviceType = protocol.DeviceUnknown
	}

	switch c.HistoryDriver {
	case "memory":
	case "sqlite":
		if c.HistoryDSN == "" {
			c.HistoryDSN = filepath.Join(c.DataDir, "history.db")
		}
	case "postgres":
		if c.HistoryDSN == "" {
			return fmt.Errorf("history driver postgres requires a DSN")
		}
	default:
		return fmt.Errorf("unknown history driver %q", c.HistoryDriver)
	}

	if c.TransferPort <= 0 || c.TransferPort > 65535 {
		return fmt.Errorf("invalid transfer port %d", c.TransferPort)
	}
	if c.DiscoveryPort <= 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("invalid discovery port %d", c.DiscoveryPort)
	}
	if c.SaveDir == "" {
		c.SaveDir = filepath.Join(c.DataDir, "received")
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.JWTSecret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(buf)
	}
	return nil
}

func parseDurationEnv(getenv func(string) string, key string) time.Duration {
	raw := getenv(key)
	if raw == "" {
		return 0
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return value
}

func parseIntEnv(getenv func(string) string, key string) int64 {
	raw := getenv(key)
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return value
}

func parseBoolEnv(getenv func(string) string, key string) (bool, bool) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return false, false
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return value, true
}
