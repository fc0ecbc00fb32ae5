package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.Server.Port != 3000 || cfg.World.TickRate != 30 {
		t.Errorf("unexpected defaults: %+v %+v", cfg.Server, cfg.World)
	}
	if cfg.Replication.MaxPayloadSize != 1172 {
		t.Errorf("MaxPayloadSize = %d", cfg.Replication.MaxPayloadSize)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("TICK_RATE", "60")
	t.Setenv("VIEW_RADIUS", "750")
	t.Setenv("COMPRESS_THRESHOLD", "0")
	t.Setenv("EVENT_LOG_PATH", "/tmp/events.jsonl.zst")
	t.Setenv("MAX_PLAYERS", "not-a-number")

	cfg := Load()
	if cfg.Server.Port != 8080 || cfg.World.TickRate != 60 || cfg.Replication.ViewRadius != 750 {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.Replication.CompressThreshold != 0 {
		t.Errorf("CompressThreshold = %d, want 0", cfg.Replication.CompressThreshold)
	}
	if cfg.World.MaxPlayers != DefaultWorld().MaxPlayers {
		t.Errorf("bad MAX_PLAYERS changed the value to %d", cfg.World.MaxPlayers)
	}
	if cfg.Observability.EventLogPath != "/tmp/events.jsonl.zst" {
		t.Errorf("EventLogPath = %q", cfg.Observability.EventLogPath)
	}
}

func TestParse(t *testing.T) {
	doc := []byte(`
server:
  port: 4000
world:
  tick_rate: 20
  wanderers: 50
replication:
  max_entity_send_count: 32
  update_interval: 250ms
  region: {min_x: 0, min_y: 0, max_x: 2000, max_y: 4000}
session:
  input_rate: 60.5
`)
	cfg, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Port != 4000 || cfg.World.TickRate != 20 || cfg.World.Wanderers != 50 {
		t.Errorf("values not applied: %+v %+v", cfg.Server, cfg.World)
	}
	if cfg.Replication.UpdateInterval != 250*time.Millisecond || cfg.Replication.MaxEntitySendCount != 32 {
		t.Errorf("replication = %+v", cfg.Replication)
	}
	if cfg.Replication.Region == nil || cfg.Replication.Region.MaxX != 2000 {
		t.Errorf("region = %+v", cfg.Replication.Region)
	}
	// Untouched fields keep their defaults.
	if cfg.World.Width != DefaultWorld().Width || cfg.Session.SendQueue != DefaultSession().SendQueue {
		t.Errorf("defaults lost: %+v %+v", cfg.World, cfg.Session)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown section", "streaming:\n  fps: 30\n"},
		{"unknown field", "world:\n  gravity: 9.8\n"},
		{"wrong type", "server:\n  port: high\n"},
		{"out of range", "world:\n  tick_rate: 0\n"},
		{"bad duration", "replication:\n  update_interval: soon\n"},
		{"empty region", "replication:\n  region: {min_x: 10, min_y: 0, max_x: 10, max_y: 5}\n"},
		{"incomplete region", "replication:\n  region: {min_x: 0}\n"},
		{"radius vs cells", "world:\n  cell_size: 50\nreplication:\n  view_radius: 500\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 4100\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TICK_RATE", "45")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 4100 || cfg.World.TickRate != 45 {
		t.Errorf("got port %d tick rate %d", cfg.Server.Port, cfg.World.TickRate)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
	if cfg, err := LoadFile(""); err != nil || cfg.World.TickRate != 45 {
		t.Errorf("empty path: %v, %+v", err, cfg.World)
	}
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != DefaultServer().Port || cfg.World != DefaultWorld() {
		t.Errorf("empty document changed config: %+v %+v", cfg.Server, cfg.World)
	}
}
