package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Session   SessionConfig   `yaml:"session"`
	Tabs      TabsConfig      `yaml:"tabs"`
	Sync      SyncConfig      `yaml:"sync"`
	Remote    RemoteConfig    `yaml:"remote"`
	Database  DatabaseConfig  `yaml:"database"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Server    ServerConfig    `yaml:"server"`
}

type StoreConfig struct {
	Path       string `yaml:"path"`
	QuotaBytes int64  `yaml:"quota_bytes"`
}

type SessionConfig struct {
	Throttle  time.Duration `yaml:"throttle"`
	Freshness time.Duration `yaml:"freshness"`
}

type TabsConfig struct {
	Heartbeat    time.Duration `yaml:"heartbeat"`
	LeaseTimeout time.Duration `yaml:"lease_timeout"`
}

type SyncConfig struct {
	BaseDelay           time.Duration `yaml:"base_delay"`
	MaxDelay            time.Duration `yaml:"max_delay"`
	MaxAttempts         int           `yaml:"max_attempts"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	DeadLetterRetention time.Duration `yaml:"deadletter_retention"`
}

type RemoteConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

type TailscaleConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Hostname string `yaml:"hostname"`
	StateDir string `yaml:"state_dir"`
}

type ServerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

// Enabled reports whether a Postgres sink is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

// DSN returns a PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	sslmode := d.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, sslmode)
}

// Default returns the configuration used for anything a file leaves out.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Path: "setkeeper.db", QuotaBytes: 10 << 20},
		Session: SessionConfig{
			Throttle:  5 * time.Second,
			Freshness: 24 * time.Hour,
		},
		Tabs: TabsConfig{
			Heartbeat:    5 * time.Second,
			LeaseTimeout: 10 * time.Second,
		},
		Sync: SyncConfig{
			BaseDelay:           time.Second,
			MaxDelay:            5 * time.Minute,
			MaxAttempts:         10,
			PollInterval:        30 * time.Second,
			DeadLetterRetention: 30 * 24 * time.Hour,
		},
		Remote:    RemoteConfig{Timeout: 30 * time.Second},
		Tailscale: TailscaleConfig{Hostname: "setkeeper", StateDir: "tsnet-state"},
		Server:    ServerConfig{Host: "127.0.0.1", Port: 8090},
	}
}

// Load reads config from a YAML file over the defaults, then applies
// environment variable overrides. Env vars use the prefix SETKEEPER_ and
// underscore-separated paths:
//
//	SETKEEPER_STORE_PATH, SETKEEPER_STORE_QUOTA_BYTES,
//	SETKEEPER_REMOTE_URL, SETKEEPER_REMOTE_API_KEY,
//	SETKEEPER_DB_HOST, SETKEEPER_DB_PORT, SETKEEPER_DB_NAME,
//	SETKEEPER_DB_USER, SETKEEPER_DB_PASSWORD, SETKEEPER_DB_SSLMODE,
//	SETKEEPER_TAILSCALE_ENABLED, SETKEEPER_TAILSCALE_HOSTNAME,
//	SETKEEPER_SERVER_HOST, SETKEEPER_SERVER_PORT, SETKEEPER_SERVER_API_KEY
//
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SETKEEPER_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SETKEEPER_STORE_QUOTA_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Store.QuotaBytes = n
		}
	}
	if v := os.Getenv("SETKEEPER_REMOTE_URL"); v != "" {
		cfg.Remote.URL = v
	}
	if v := os.Getenv("SETKEEPER_REMOTE_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	if v := os.Getenv("SETKEEPER_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("SETKEEPER_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("SETKEEPER_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("SETKEEPER_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("SETKEEPER_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("SETKEEPER_DB_SSLMODE"); v != "" {
		cfg.Database.SSLMode = v
	}
	if v := os.Getenv("SETKEEPER_TAILSCALE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tailscale.Enabled = b
		}
	}
	if v := os.Getenv("SETKEEPER_TAILSCALE_HOSTNAME"); v != "" {
		cfg.Tailscale.Hostname = v
	}
	if v := os.Getenv("SETKEEPER_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SETKEEPER_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SETKEEPER_SERVER_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
}

func (c *Config) validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.QuotaBytes < 0 {
		return fmt.Errorf("store.quota_bytes must not be negative")
	}
	if c.Tabs.Heartbeat <= 0 || c.Tabs.LeaseTimeout <= c.Tabs.Heartbeat {
		return fmt.Errorf("tabs.lease_timeout (%s) must exceed tabs.heartbeat (%s)", c.Tabs.LeaseTimeout, c.Tabs.Heartbeat)
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1")
	}
	if c.Sync.BaseDelay <= 0 || c.Sync.MaxDelay < c.Sync.BaseDelay {
		return fmt.Errorf("sync.max_delay must be at least sync.base_delay")
	}
	if c.Remote.URL == "" && !c.Database.Enabled() {
		return fmt.Errorf("remote.url or database.host is required")
	}
	if c.Database.Enabled() {
		if c.Database.Port == 0 {
			return fmt.Errorf("database.port is required")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required")
		}
	}
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port is required")
	}
	if c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key is required")
	}
	return nil
}
