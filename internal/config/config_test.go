package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != ModeRelay || cfg.Workers != 4 || cfg.RecvBuffer != 16*1024 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gwsock.yaml")
	body := []byte("mode: p2p\nsignal_addr: \":7000\"\npin: \"4242\"\nworkers: 8\ndebug: true\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != ModeP2P || cfg.SignalAddr != ":7000" || cfg.PIN != "4242" ||
		cfg.Workers != 8 || !cfg.Debug {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	// Untouched keys keep their defaults.
	if cfg.RecvBuffer != 16*1024 {
		t.Fatalf("recv_buffer default lost: %d", cfg.RecvBuffer)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file should fail")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("relay mode without relay_url should fail")
	}
	cfg.RelayURL = "wss://relay.example.com/gw"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid relay config rejected: %v", err)
	}

	cfg.Mode = ModeP2P
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid p2p config rejected: %v", err)
	}

	cfg.Mode = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown mode should fail")
	}

	cfg.Mode = ModeP2P
	cfg.Workers = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero workers should fail")
	}
}
