package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "blocksync.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default should validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
environment: production
log_level: debug
socket:
  rate_limit: 5
  write_timeout: 3s
rooms:
  shards: 4
store:
  kind: redis
  redis_addr: localhost:6379
auth:
  mode: tokens
  tokens:
    abc:
      user_id: u1
      user_name: User One
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Listen != ":9000" || cfg.Environment != Production {
		t.Errorf("unexpected top level: %+v", cfg)
	}
	if cfg.Socket.RateLimit != 5 || cfg.Socket.WriteTimeout != 3*time.Second {
		t.Errorf("unexpected socket: %+v", cfg.Socket)
	}
	if cfg.Socket.PingEvery != 30*time.Second {
		t.Errorf("default ping should survive: %v", cfg.Socket.PingEvery)
	}
	if !cfg.Rooms.SaveOnClose || cfg.Rooms.Shards != 4 {
		t.Errorf("unexpected rooms: %+v", cfg.Rooms)
	}
	if id := cfg.Auth.Tokens["abc"]; id.UserID != "u1" || id.UserName != "User One" {
		t.Errorf("unexpected tokens: %+v", cfg.Auth.Tokens)
	}
	if level, _ := cfg.Level(); level != slog.LevelDebug {
		t.Errorf("expected debug, got %v", level)
	}
}

func TestValidate(t *testing.T) {
	tests := map[string]string{
		"store.kind":         "store:\n  kind: floppy\n",
		"store.postgres_url": "store:\n  kind: postgres\n",
		"auth.mode":          "environment: production\n",
		"auth.tokens":        "auth:\n  mode: tokens\n",
		"log_level":          "log_level: loud\n",
		"rooms.shards":       "rooms:\n  shards: -1\n",
	}

	for field, body := range tests {
		_, err := Load(writeConfig(t, body))
		if err == nil || !strings.Contains(err.Error(), field) {
			t.Errorf("%s: expected error naming field, got %v", field, err)
		}
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Errorf("expected error for missing file")
	}
}
