package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KWPASS_DATA_DIR", "/tmp/kwpass-test")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Role != RolePhone || cfg.StoreDriver != "sqlite" || cfg.PeerTransport != "none" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.QRMargin != 2 || cfg.IdentifierPrefix != "0" || cfg.RemoteTimeout != 30*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.SQLitePath != filepath.Join("/tmp/kwpass-test", "kwpass.db") || cfg.Address() != ":8787" {
		t.Fatalf("unexpected paths %q %q", cfg.SQLitePath, cfg.Address())
	}
}

func TestWatchRoleUsesZeroMargin(t *testing.T) {
	t.Setenv("KWPASS_ROLE", "watch")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.IsWatch() || cfg.QRMargin != 0 {
		t.Fatalf("expected watch with margin 0, got %+v", cfg)
	}
}

func TestFileOverlayAndEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kwpass.yaml")
	body := "port: 9000\nrefresh_interval: 45s\npairing_id: from-file\nqr_pixel_size: 4\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("KWPASS_CONFIG", path)
	t.Setenv("PAIRING_ID", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9000" || cfg.RefreshInterval != 45*time.Second || cfg.QRPixelSize != 4 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.PairingID != "from-env" {
		t.Fatalf("environment must win, got %q", cfg.PairingID)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"role":            {"KWPASS_ROLE": "tablet"},
		"driver":          {"STORE_DRIVER": "etcd"},
		"redis missing":   {"STORE_DRIVER": "redis"},
		"pg missing":      {"STORE_DRIVER": "postgres"},
		"peer missing":    {"PEER_TRANSPORT": "redis"},
		"bad duration":    {"REFRESH_INTERVAL": "soon"},
		"bad int":         {"QR_MARGIN": "two"},
		"bad shutdown":    {"SHUTDOWN_TIMEOUT_SECONDS": "x"},
		"bad pixel size":  {"QR_PIXEL_SIZE": "0"},
		"unknown peering": {"PEER_TRANSPORT": "bluetooth"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %v", env)
			}
		})
	}
}

func TestShutdownSecondsTakesPrecedence(t *testing.T) {
	t.Setenv("SHUTDOWN_TIMEOUT_SECONDS", "3")
	t.Setenv("SHUTDOWN_TIMEOUT", "1m")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ShutdownPeriod != 3*time.Second {
		t.Fatalf("expected 3s, got %v", cfg.ShutdownPeriod)
	}
}
