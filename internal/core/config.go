package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mwa-ops/shadower/pkg/api"
)

// Config is the full deployment configuration. Numeric tunables (poll
// cadence, dedup window, safety buffer) are deployment-tuned, not design
// constants, so they all live here with defaults applied by normalize.
type Config struct {
	ASKAP struct {
		BaseURL        string `yaml:"base_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		PollSeconds    int    `yaml:"poll_seconds"`
	} `yaml:"askap"`

	MWA struct {
		TriggerURL     string `yaml:"trigger_url"`
		TrigType       string `yaml:"trigtype"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		AuditDir       string `yaml:"audit_dir"`
	} `yaml:"mwa"`

	Engine struct {
		PollSeconds       int `yaml:"poll_seconds"`
		ReadyPollSeconds  int `yaml:"ready_poll_seconds"`
		RetrySeconds      int `yaml:"retry_seconds"`
		BufferSeconds     int `yaml:"buffer_seconds"`
		SettleSeconds     int `yaml:"settle_seconds"`
		CalWindowSeconds  int `yaml:"cal_window_seconds"`
		CalExpTimeSeconds int `yaml:"cal_exptime_seconds"`
	} `yaml:"engine"`

	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`

	Clock struct {
		NTPPool string `yaml:"ntp_pool"`
	} `yaml:"clock"`

	Log struct {
		Dir string `yaml:"dir"`
	} `yaml:"log"`

	// Projects holds per-MWA-project trigger defaults, keyed by project id
	// with a "default" fallback entry.
	Projects map[string]api.TriggerRequest `yaml:"projects"`

	// Dispatch maps an alias to the set of primary-telescope projects whose
	// observations trigger follow-up, and the MWA project to trigger under.
	Dispatch map[string]DispatchRule `yaml:"dispatch"`
}

type DispatchRule struct {
	ASKAPProjectIDs []string `yaml:"askap_project_ids"`
	MWAProjectID    string   `yaml:"mwa_project_id"`
}

// ProjectDefaults returns the trigger defaults for a project id, falling
// back to the "default" entry when the project has no block of its own.
func (c *Config) ProjectDefaults(projectID string) api.TriggerRequest {
	if p, ok := c.Projects[projectID]; ok {
		return p
	}
	return c.Projects["default"]
}

// Rule returns the dispatch rule for an alias, falling back to "default".
func (c *Config) Rule(alias string) (DispatchRule, bool) {
	if r, ok := c.Dispatch[alias]; ok {
		return r, true
	}
	r, ok := c.Dispatch["default"]
	return r, ok
}

func (c *Config) ASKAPTimeout() time.Duration { return seconds(c.ASKAP.TimeoutSeconds) }
func (c *Config) ASKAPPoll() time.Duration    { return seconds(c.ASKAP.PollSeconds) }
func (c *Config) MWATimeout() time.Duration   { return seconds(c.MWA.TimeoutSeconds) }

// EngineConfig converts the tuning block into the engine's durations.
func (c *Config) EngineConfig(exptime int) EngineConfig {
	return EngineConfig{
		Poll:       seconds(c.Engine.PollSeconds),
		ReadyPoll:  seconds(c.Engine.ReadyPollSeconds),
		Retry:      seconds(c.Engine.RetrySeconds),
		Buffer:     seconds(c.Engine.BufferSeconds),
		Settle:     seconds(c.Engine.SettleSeconds),
		ExpTime:    seconds(exptime),
		CalExpTime: seconds(c.Engine.CalExpTimeSeconds),
		CalWindow:  seconds(c.Engine.CalWindowSeconds),
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// DefaultConfigPath resolves $XDG_CONFIG_HOME/shadower/config.yaml or
// ~/.config/shadower/config.yaml.
func DefaultConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "shadower", "config.yaml")
}

// LoadConfig reads YAML configuration from a path. If path is empty, the
// default location is used. Missing or malformed configuration is fatal to
// the caller: triggering with partial defaults risks malformed remote
// commands.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	if c.ASKAP.TimeoutSeconds == 0 {
		c.ASKAP.TimeoutSeconds = 30
	}
	if c.ASKAP.PollSeconds == 0 {
		c.ASKAP.PollSeconds = 10
	}
	if c.MWA.TriggerURL == "" {
		c.MWA.TriggerURL = "http://mro.mwa128t.org/trigger"
	}
	if c.MWA.TrigType == "" {
		c.MWA.TrigType = "triggerobs"
	}
	if c.MWA.TimeoutSeconds == 0 {
		c.MWA.TimeoutSeconds = 30
	}
	if c.Engine.PollSeconds == 0 {
		c.Engine.PollSeconds = 10
	}
	if c.Engine.ReadyPollSeconds == 0 {
		c.Engine.ReadyPollSeconds = 10
	}
	if c.Engine.RetrySeconds == 0 {
		c.Engine.RetrySeconds = 10
	}
	if c.Engine.BufferSeconds == 0 {
		c.Engine.BufferSeconds = 30
	}
	if c.Engine.SettleSeconds == 0 {
		c.Engine.SettleSeconds = 10
	}
	if c.Engine.CalWindowSeconds == 0 {
		c.Engine.CalWindowSeconds = 3600
	}
	if c.Engine.CalExpTimeSeconds == 0 {
		c.Engine.CalExpTimeSeconds = 120
	}
	if c.Store.Path == "" {
		c.Store.Path = "trigger.db"
	}
	if c.Projects == nil {
		c.Projects = map[string]api.TriggerRequest{}
	}
	if _, ok := c.Projects["default"]; !ok {
		c.Projects["default"] = api.TriggerRequest{ExpTime: 300}
	}
}

func (c *Config) validate() error {
	if c.ASKAP.BaseURL == "" {
		return fmt.Errorf("askap.base_url is required")
	}
	if c.Engine.BufferSeconds >= c.Projects["default"].ExpTime && c.Projects["default"].ExpTime > 0 {
		return fmt.Errorf("engine.buffer_seconds must be below the default exposure time")
	}
	return nil
}

// WriteDefaultConfig creates a starter configuration at path unless one is
// already there.
func WriteDefaultConfig(path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	var cfg Config
	cfg.ASKAP.BaseURL = "http://localhost:8080/askap"
	cfg.normalize()
	cfg.Dispatch = map[string]DispatchRule{
		"default": {ASKAPProjectIDs: []string{"AS203"}, MWAProjectID: "T001"},
	}
	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o644)
}
