package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/p2p-filesharing/peersend/pkg/protocol"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(nil, envMap(nil))
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if cfg.TransferPort != DefaultTransferPort {
		t.Errorf("Expected port %d, got %d", DefaultTransferPort, cfg.TransferPort)
	}
	if cfg.SaveDir != filepath.Join("./data", "received") {
		t.Errorf("Unexpected save dir %s", cfg.SaveDir)
	}
	if cfg.JWTSecret == "" {
		t.Error("Expected generated JWT secret")
	}
	if cfg.HistoryDriver != "memory" {
		t.Errorf("Expected memory history, got %s", cfg.HistoryDriver)
	}
}

func TestEnvOverrides(t *testing.T) {
	env := envMap(map[string]string{
		"PEERSEND_DEVICE_NAME": "kitchen",
		"PEERSEND_DEVICE_TYPE": "Laptop",
		"PEERSEND_PORT":        "9000",
		"PEERSEND_MDNS":        "false",
		"PEERSEND_ACK_TIMEOUT": "5s",
		"PEERSEND_HISTORY":     "sqlite",
		"PEERSEND_DATA_DIR":    "/var/lib/peersend",
	})

	cfg, err := LoadFrom(nil, env)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.DeviceName != "kitchen" {
		t.Errorf("Expected kitchen, got %s", cfg.DeviceName)
	}
	if cfg.DeviceType != protocol.DeviceLaptop {
		t.Errorf("Expected laptop, got %s", cfg.DeviceType)
	}
	if cfg.TransferPort != 9000 {
		t.Errorf("Expected 9000, got %d", cfg.TransferPort)
	}
	if cfg.EnableMDNS {
		t.Error("Expected mDNS disabled")
	}
	if cfg.AckTimeout != 5*time.Second {
		t.Errorf("Expected 5s, got %v", cfg.AckTimeout)
	}
	if cfg.HistoryDSN != filepath.Join("/var/lib/peersend", "history.db") {
		t.Errorf("Unexpected sqlite DSN %s", cfg.HistoryDSN)
	}
}

func TestFlagsWinOverEnv(t *testing.T) {
	env := envMap(map[string]string{"PEERSEND_PORT": "9000"})

	cfg, err := LoadFrom([]string{"-port", "9100", "-name", "desk"}, env)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.TransferPort != 9100 {
		t.Errorf("Expected flag port 9100, got %d", cfg.TransferPort)
	}
	if cfg.DeviceName != "desk" {
		t.Errorf("Expected desk, got %s", cfg.DeviceName)
	}
}

func TestInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown history", []string{"-history", "mongo"}},
		{"postgres without dsn", []string{"-history", "postgres"}},
		{"bad port", []string{"-port", "70000"}},
		{"unknown flag", []string{"-nope"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFrom(tt.args, envMap(nil)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}
