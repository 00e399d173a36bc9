package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up inside the config directory.
const FileName = "worktrack.yml"

// Activity source modes.
const (
	ActivityAuto      = "auto"
	ActivityNative    = "native"
	ActivityHeuristic = "heuristic"
)

// Config models worktrack.yml.
type Config struct {
	Server      Server      `yaml:"server"`
	Agent       Agent       `yaml:"agent"`
	Tracking    Tracking    `yaml:"tracking"`
	Screenshots Screenshots `yaml:"screenshots"`
	Activity    Activity    `yaml:"activity"`
	Log         Log         `yaml:"log"`
	Notify      Notify      `yaml:"notify"`
	Webhooks    []Webhook   `yaml:"webhooks"`
}

// Server is the remote time-log API.
type Server struct {
	BaseURL  string        `yaml:"base_url"`
	Token    string        `yaml:"token"`
	ClientID string        `yaml:"client_id"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Agent is the local control API and data directory.
type Agent struct {
	Addr      string `yaml:"addr"`
	DataDir   string `yaml:"data_dir"`
	JWTSecret string `yaml:"jwt_secret"`
}

type Tracking struct {
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ResumeThreshold      time.Duration `yaml:"resume_threshold"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	OfflineProbeInterval time.Duration `yaml:"offline_probe_interval"`
	StopOnSleep          bool          `yaml:"stop_on_sleep"`
}

type Screenshots struct {
	Enabled      bool `yaml:"enabled"`
	JPEGQuality  int  `yaml:"jpeg_quality"`
	MaxWidth     int  `yaml:"max_width"`
	RandomPerBlk int  `yaml:"random_per_block"`
}

type Activity struct {
	Mode        string    `yaml:"mode"`
	HookCommand []string  `yaml:"hook_command"`
	Heuristic   Heuristic `yaml:"heuristic"`
}

// Heuristic tunes the visual-diff activity estimate. The thresholds are
// sums of absolute grayscale differences over one sample.
type Heuristic struct {
	Width             int `yaml:"width"`
	Height            int `yaml:"height"`
	NoiseThreshold    int `yaml:"noise_threshold"`
	ClickThreshold    int `yaml:"click_threshold"`
	KeyboardThreshold int `yaml:"keyboard_threshold"`
}

type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type Notify struct {
	Desktop bool `yaml:"desktop"`
}

type Webhook struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// Load reads and validates config from dir.
func Load(dir string) (*Config, error) {
	path := Path(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with wt config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("config.server.base_url is required")
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config.server.base_url must be an absolute url")
	}
	if c.Agent.Addr == "" {
		return fmt.Errorf("config.agent.addr is required")
	}
	if c.Tracking.HeartbeatInterval <= 0 {
		return fmt.Errorf("config.tracking.heartbeat_interval must be positive")
	}
	if c.Tracking.ResumeThreshold <= 0 {
		return fmt.Errorf("config.tracking.resume_threshold must be positive")
	}
	if c.Tracking.IdleTimeout < 0 {
		return fmt.Errorf("config.tracking.idle_timeout must not be negative")
	}
	if q := c.Screenshots.JPEGQuality; q < 1 || q > 100 {
		return fmt.Errorf("config.screenshots.jpeg_quality must be between 1 and 100")
	}
	if c.Screenshots.MaxWidth < 0 {
		return fmt.Errorf("config.screenshots.max_width must not be negative")
	}
	if n := c.Screenshots.RandomPerBlk; n < 0 || n > 9 {
		return fmt.Errorf("config.screenshots.random_per_block must be between 0 and 9")
	}
	switch c.Activity.Mode {
	case ActivityAuto, ActivityHeuristic:
	case ActivityNative:
		if len(c.Activity.HookCommand) == 0 {
			return fmt.Errorf("config.activity.hook_command is required in native mode")
		}
	default:
		return fmt.Errorf("config.activity.mode must be one of auto, native, heuristic")
	}
	h := c.Activity.Heuristic
	if h.Width <= 0 || h.Height <= 0 {
		return fmt.Errorf("config.activity.heuristic sample size must be positive")
	}
	if h.NoiseThreshold <= 0 || h.ClickThreshold < h.NoiseThreshold || h.KeyboardThreshold < h.ClickThreshold {
		return fmt.Errorf("config.activity.heuristic thresholds must be positive and ascending")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not a valid level", c.Log.Level)
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Dir returns the default config directory.
func Dir() string {
	if base, err := os.UserConfigDir(); err == nil {
		return filepath.Join(base, "worktrack")
	}
	return "."
}

// Path returns the config file path inside dir.
func Path(dir string) string {
	if dir == "" {
		dir = Dir()
	}
	return filepath.Join(dir, FileName)
}

// GenerateDefault returns default config YAML pointing at baseURL.
func GenerateDefault(baseURL string) string {
	return fmt.Sprintf(defaultTemplate, baseURL)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(dir string) (*Config, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault("http://localhost:8000/api")), &cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `server:
  base_url: %s
  token: ""
  client_id: ""
  timeout: 15s

agent:
  addr: 127.0.0.1:7431
  data_dir: ""
  jwt_secret: ""

tracking:
  heartbeat_interval: 60s
  resume_threshold: 60s
  idle_timeout: 0s
  offline_probe_interval: 5s
  stop_on_sleep: true

screenshots:
  enabled: true
  jpeg_quality: 70
  max_width: 1920
  random_per_block: 3

activity:
  mode: auto
  hook_command: []
  heuristic:
    width: 64
    height: 36
    noise_threshold: 2000
    click_threshold: 10000
    keyboard_threshold: 20000

log:
  level: info
  file: ""
  max_size_mb: 10
  max_backups: 3
  max_age_days: 28
  compress: false

notify:
  desktop: true
`
