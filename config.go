package clinicsync

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("30s")
// in TOML and YAML files.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full runtime configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Store    StoreConfig    `toml:"store" yaml:"store"`
	Sync     SyncConfig     `toml:"sync" yaml:"sync"`
	Cache    CacheConfig    `toml:"cache" yaml:"cache"`
	Realtime RealtimeConfig `toml:"realtime" yaml:"realtime"`
}

// ServerConfig locates the REST API and the realtime endpoint.
type ServerConfig struct {
	BaseURL string `toml:"base_url" yaml:"base_url"`
	WSURL   string `toml:"ws_url" yaml:"ws_url"`
	Token   string `toml:"token" yaml:"token"`
}

// StoreConfig selects the Durable Store backend.
type StoreConfig struct {
	// Path of the SQLite file; empty keeps everything in memory.
	Path       string   `toml:"path" yaml:"path"`
	CacheTTL   Duration `toml:"cache_ttl" yaml:"cache_ttl"`
	QuotaBytes int64    `toml:"quota_bytes" yaml:"quota_bytes"`
}

// SyncConfig tunes queue replay.
type SyncConfig struct {
	MaxRetries    int               `toml:"max_retries" yaml:"max_retries"`
	DrainInterval Duration          `toml:"drain_interval" yaml:"drain_interval"`
	PingInterval Duration          `toml:"ping_interval" yaml:"ping_interval"`
	APIPrefix     string            `toml:"api_prefix" yaml:"api_prefix"`
	Endpoints     map[string]string `toml:"endpoints" yaml:"endpoints"`
}

// CacheConfig drives the Cache Router.
type CacheConfig struct {
	Generation    string   `toml:"generation" yaml:"generation"`
	StaticAssets  []string `toml:"static_assets" yaml:"static_assets"`
	APIRoutes     []string `toml:"api_routes" yaml:"api_routes"`
	OfflinePage   string   `toml:"offline_page" yaml:"offline_page"`
	FallbackImage string   `toml:"fallback_image" yaml:"fallback_image"`
}

// RealtimeConfig configures the realtime channel.
type RealtimeConfig struct {
	BaseInterval      Duration `toml:"base_interval" yaml:"base_interval"`
	GrowthFactor      float64  `toml:"growth_factor" yaml:"growth_factor"`
	MaxInterval       Duration `toml:"max_interval" yaml:"max_interval"`
	MaxAttempts       int      `toml:"max_attempts" yaml:"max_attempts"`
	HeartbeatInterval Duration `toml:"heartbeat_interval" yaml:"heartbeat_interval"`
}

const (
	DefaultMaxRetries = 5
	DefaultCacheTTL   = 7 * 24 * time.Hour
	DefaultGeneration = "equidade-clinic-v1"
)

// Defaults fills zero values in place.
func (c *Config) Defaults() {
	if c.Store.CacheTTL == 0 {
		c.Store.CacheTTL = Duration(DefaultCacheTTL)
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = DefaultMaxRetries
	}
	if c.Sync.DrainInterval == 0 {
		c.Sync.DrainInterval = Duration(30 * time.Second)
	}
	if c.Sync.PingInterval == 0 {
		c.Sync.PingInterval = Duration(10 * time.Second)
	}
	if c.Sync.APIPrefix == "" {
		c.Sync.APIPrefix = "/api"
	}
	if c.Cache.Generation == "" {
		c.Cache.Generation = DefaultGeneration
	}
	if c.Cache.StaticAssets == nil {
		c.Cache.StaticAssets = []string{
			"/",
			"/index.html",
			"/assets/index.css",
			"/assets/index.js",
			"/assets/images/logo.png",
			"/assets/images/fallback.png",
			"/manifest.json",
		}
	}
	if c.Cache.APIRoutes == nil {
		c.Cache.APIRoutes = []string{"/api/user", "/api/facilities", "/api/professionals"}
	}
	if c.Cache.OfflinePage == "" {
		c.Cache.OfflinePage = "/offline.html"
	}
	if c.Cache.FallbackImage == "" {
		c.Cache.FallbackImage = "/assets/images/fallback.png"
	}
	c.Realtime.defaults()
}

func (c *RealtimeConfig) defaults() {
	if c.BaseInterval == 0 {
		c.BaseInterval = Duration(2 * time.Second)
	}
	if c.GrowthFactor == 0 {
		c.GrowthFactor = 1.5
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = Duration(30 * time.Second)
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = Duration(30 * time.Second)
	}
}

// EndpointFor returns the collection endpoint for an entity type.
// Unmapped types default to <api_prefix>/<type>s.
func (c *SyncConfig) EndpointFor(entityType string) string {
	if ep, ok := c.Endpoints[entityType]; ok && ep != "" {
		return ep
	}
	prefix := c.APIPrefix
	if prefix == "" {
		prefix = "/api"
	}
	name := entityType
	if !strings.HasSuffix(name, "s") {
		name += "s"
	}
	return strings.TrimRight(prefix, "/") + "/" + name
}

// WebSocketURL derives the realtime endpoint from the base URL when not
// configured explicitly.
func (c *ServerConfig) WebSocketURL() string {
	if c.WSURL != "" {
		return c.WSURL
	}
	u := strings.Replace(c.BaseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimRight(u, "/") + "/ws"
}

// LoadConfig reads a TOML or YAML file (by extension) and applies defaults.
// A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Defaults()
			return &cfg, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	if configFormat(path) == "yaml" {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = toml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config %s: %w", path, err)
	}
	cfg.Defaults()
	return &cfg, nil
}

// EncodeConfig renders cfg as "toml" or "yaml".
func EncodeConfig(cfg *Config, format string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(format) {
	case "yaml", "yml":
		data, err = yaml.Marshal(cfg)
	case "toml", "":
		data, err = toml.Marshal(cfg)
	default:
		return nil, fmt.Errorf("unknown config format %q (valid: toml, yaml)", format)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot marshal config: %w", err)
	}
	return data, nil
}

// configFormat picks the encoding from a file extension.
func configFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	}
	return "toml"
}

// SaveConfig writes cfg as TOML or YAML depending on the extension.
func SaveConfig(path string, cfg *Config) error {
	data, err := EncodeConfig(cfg, configFormat(path))
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}
