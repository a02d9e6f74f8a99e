// Package config provides engine configuration loaded from YAML.
// Every knob the engine uses is carried explicitly on Config; there are
// no hidden global defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mimisupply/mimisync/internal/models"
)

// Policy names a conflict resolution strategy attached to a record type.
type Policy string

const (
	PolicyLastWriteWins    Policy = "last_write_wins"
	PolicyFieldMerge       Policy = "field_merge"
	PolicyUserIntervention Policy = "user_intervention"
)

// Backoff holds retry backoff parameters for transient remote failures.
type Backoff struct {
	Base time.Duration `yaml:"base"`
	Cap  time.Duration `yaml:"cap"`
}

// Config holds the full engine configuration.
type Config struct {
	// DataDir is the directory holding the local SQLite store.
	DataDir string `yaml:"data_dir"`

	// RemoteURL is the base URL of the remote record store.
	RemoteURL string `yaml:"remote_url"`

	// AccessToken is the opaque bearer token for the sync transport.
	AccessToken string `yaml:"access_token"`

	// Policies maps record types to their conflict resolution policy.
	// Types without an entry use last-write-wins.
	Policies map[models.RecordType]Policy `yaml:"policies"`

	// Partitions lists the remote partitions pulled independently.
	Partitions []models.Partition `yaml:"partitions"`

	// PushFanout bounds concurrent pushes across distinct targets.
	PushFanout int `yaml:"push_fanout"`

	// PushTimeout is the per-network-call deadline.
	PushTimeout time.Duration `yaml:"push_timeout"`

	// PullInterval is the periodic pull cadence while idle.
	PullInterval time.Duration `yaml:"pull_interval"`

	// Backoff configures transient-failure retry delays.
	Backoff Backoff `yaml:"backoff"`

	// MaxOnlineAttempts is the consecutive transient-failure ceiling while
	// online before the engine reports degraded. Retries are unbounded
	// while offline.
	MaxOnlineAttempts int `yaml:"max_online_attempts"`

	// DebounceInterval is the per-partition change-signal debounce.
	DebounceInterval time.Duration `yaml:"debounce_interval"`

	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		DataDir:           "./data",
		Policies:          map[models.RecordType]Policy{},
		Partitions:        []models.Partition{"private"},
		PushFanout:        4,
		PushTimeout:       30 * time.Second,
		PullInterval:      60 * time.Second,
		Backoff:           Backoff{Base: 2 * time.Second, Cap: 5 * time.Minute},
		MaxOnlineAttempts: 10,
		DebounceInterval:  time.Second,
		LogLevel:          "info",
	}
}

// Load reads a YAML config file, overlaying it on the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	if c.PushFanout < 1 {
		return fmt.Errorf("push_fanout must be at least 1, got %d", c.PushFanout)
	}
	if c.PushTimeout <= 0 {
		return fmt.Errorf("push_timeout must be positive")
	}
	if c.PullInterval <= 0 {
		return fmt.Errorf("pull_interval must be positive")
	}
	if c.Backoff.Base <= 0 || c.Backoff.Cap < c.Backoff.Base {
		return fmt.Errorf("backoff base must be positive and cap >= base")
	}
	if c.MaxOnlineAttempts < 1 {
		return fmt.Errorf("max_online_attempts must be at least 1")
	}
	if len(c.Partitions) == 0 {
		return fmt.Errorf("at least one partition is required")
	}
	for t, p := range c.Policies {
		switch p {
		case PolicyLastWriteWins, PolicyFieldMerge, PolicyUserIntervention:
		default:
			return fmt.Errorf("unknown policy %q for type %q", p, t)
		}
	}
	return nil
}

// PolicyFor returns the resolution policy for a record type,
// defaulting to last-write-wins.
func (c *Config) PolicyFor(t models.RecordType) Policy {
	if p, ok := c.Policies[t]; ok {
		return p
	}
	return PolicyLastWriteWins
}
