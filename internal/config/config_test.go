package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mimisupply/mimisync/internal/models"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.PushFanout != 4 {
		t.Errorf("expected fanout 4, got %d", cfg.PushFanout)
	}
	if cfg.Backoff.Base != 2*time.Second || cfg.Backoff.Cap != 5*time.Minute {
		t.Errorf("unexpected backoff defaults: %+v", cfg.Backoff)
	}
	if cfg.MaxOnlineAttempts != 10 {
		t.Errorf("expected retry ceiling 10, got %d", cfg.MaxOnlineAttempts)
	}
	if cfg.DebounceInterval != time.Second {
		t.Errorf("expected 1s debounce, got %s", cfg.DebounceInterval)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
data_dir: /var/lib/mimisync
remote_url: https://sync.example.com
partitions: [private, public]
push_fanout: 2
policies:
  order: field_merge
  profile: user_intervention
backoff:
  base: 1s
  cap: 30s
`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.DataDir != "/var/lib/mimisync" {
		t.Errorf("unexpected data dir: %q", cfg.DataDir)
	}
	if cfg.PushFanout != 2 {
		t.Errorf("expected overridden fanout 2, got %d", cfg.PushFanout)
	}
	if len(cfg.Partitions) != 2 || cfg.Partitions[1] != "public" {
		t.Errorf("unexpected partitions: %v", cfg.Partitions)
	}
	if cfg.PolicyFor(models.TypeOrder) != PolicyFieldMerge {
		t.Errorf("expected field_merge for orders, got %s", cfg.PolicyFor(models.TypeOrder))
	}
	if cfg.PolicyFor(models.TypeProduct) != PolicyLastWriteWins {
		t.Error("types without an entry must default to last-write-wins")
	}
	// Untouched knobs keep their defaults.
	if cfg.PushTimeout != 30*time.Second {
		t.Errorf("expected default push timeout kept, got %s", cfg.PushTimeout)
	}
	if cfg.Backoff.Base != time.Second || cfg.Backoff.Cap != 30*time.Second {
		t.Errorf("unexpected backoff: %+v", cfg.Backoff)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"unknown policy": "policies:\n  order: newest_wins\n",
		"zero fanout":    "push_fanout: 0\n",
		"no partitions":  "partitions: []\n",
		"cap below base": "backoff:\n  base: 10s\n  cap: 1s\n",
		"zero retry cap": "max_online_attempts: 0\n",
	}
	for name, raw := range cases {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
