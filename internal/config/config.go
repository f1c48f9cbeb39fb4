package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr            string
	DataDir         string
	TempDir         string
	ShutdownTimeout time.Duration

	// Retention and CleanupInterval are the two knobs that govern the sweeper.
	Retention       time.Duration
	CleanupInterval time.Duration
	// ActiveGrace protects non-terminal tasks with a recent access from the sweeper.
	ActiveGrace time.Duration
	// TerminalGrace keeps finished progress channels around for late subscribers.
	TerminalGrace time.Duration
	// TerminalRetention is how long finished task records stay before the
	// sweeper may reap them ahead of their nominal expiry.
	TerminalRetention time.Duration

	SSEIdleTimeout   time.Duration
	ChunkSize        int
	MaxDownloadBytes int64
	ResolveTimeout   time.Duration
	// AllowPrivateOrigins disables the SSRF guard on direct URLs. Off in
	// production; useful behind a trusted reverse proxy or in tests.
	AllowPrivateOrigins bool

	// Headers are sent on every origin fetch.
	Headers map[string]string
}

func defaults() *Config {
	return &Config{
		Addr:              ":8084",
		DataDir:           "./data",
		TempDir:           "./tmp",
		ShutdownTimeout:   10 * time.Second,
		Retention:         24 * time.Hour,
		CleanupInterval:   time.Hour,
		ActiveGrace:       10 * time.Minute,
		TerminalGrace:     30 * time.Second,
		TerminalRetention: time.Hour,
		SSEIdleTimeout:    3 * time.Minute,
		ChunkSize:         512 * 1024,
		MaxDownloadBytes:  500 << 20,
		ResolveTimeout:    30 * time.Second,
		Headers: map[string]string{
			"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
	}
}

// fileConfig is the on-disk shape. Durations are Go duration strings ("2h",
// "15m") rather than nanosecond integers.
type fileConfig struct {
	Addr                string            `yaml:"addr"`
	DataDir             string            `yaml:"data_dir"`
	TempDir             string            `yaml:"temp_dir"`
	ShutdownTimeout     string            `yaml:"shutdown_timeout"`
	Retention           string            `yaml:"retention"`
	CleanupInterval     string            `yaml:"cleanup_interval"`
	ActiveGrace         string            `yaml:"active_grace"`
	TerminalGrace       string            `yaml:"terminal_grace"`
	TerminalRetention   string            `yaml:"terminal_retention"`
	SSEIdleTimeout      string            `yaml:"sse_idle_timeout"`
	ChunkSize           int               `yaml:"chunk_size"`
	MaxDownloadBytes    int64             `yaml:"max_download_bytes"`
	ResolveTimeout      string            `yaml:"resolve_timeout"`
	AllowPrivateOrigins *bool             `yaml:"allow_private_origins"`
	Headers             map[string]string `yaml:"headers"`
}

func (fc *fileConfig) apply(cfg *Config) error {
	if fc.Addr != "" {
		cfg.Addr = fc.Addr
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.TempDir != "" {
		cfg.TempDir = fc.TempDir
	}
	if fc.ChunkSize > 0 {
		cfg.ChunkSize = fc.ChunkSize
	}
	if fc.MaxDownloadBytes > 0 {
		cfg.MaxDownloadBytes = fc.MaxDownloadBytes
	}
	if fc.AllowPrivateOrigins != nil {
		cfg.AllowPrivateOrigins = *fc.AllowPrivateOrigins
	}
	for k, v := range fc.Headers {
		cfg.Headers[k] = v
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"shutdown_timeout", fc.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"retention", fc.Retention, &cfg.Retention},
		{"cleanup_interval", fc.CleanupInterval, &cfg.CleanupInterval},
		{"active_grace", fc.ActiveGrace, &cfg.ActiveGrace},
		{"terminal_grace", fc.TerminalGrace, &cfg.TerminalGrace},
		{"terminal_retention", fc.TerminalRetention, &cfg.TerminalRetention},
		{"sse_idle_timeout", fc.SSEIdleTimeout, &cfg.SSEIdleTimeout},
		{"resolve_timeout", fc.ResolveTimeout, &cfg.ResolveTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Load reads the YAML config at path, falling back to defaults when the file
// does not exist. SNAPLOAD_RETENTION and SNAPLOAD_CLEANUP_INTERVAL override
// the corresponding file values.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
	} else {
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("config: unmarshal yaml: %w", err)
		}
		if err := fc.apply(cfg); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("SNAPLOAD_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: SNAPLOAD_RETENTION: %w", err)
		}
		cfg.Retention = d
	}
	if v := os.Getenv("SNAPLOAD_CLEANUP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: SNAPLOAD_CLEANUP_INTERVAL: %w", err)
		}
		cfg.CleanupInterval = d
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr is empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is empty")
	}
	if c.TempDir == "" {
		return fmt.Errorf("config: temp_dir is empty")
	}
	if c.Retention <= 0 {
		return fmt.Errorf("config: retention must be positive, got %s", c.Retention)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("config: cleanup_interval must be positive, got %s", c.CleanupInterval)
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 512 * 1024
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.SSEIdleTimeout <= 0 {
		c.SSEIdleTimeout = 3 * time.Minute
	}
	if c.TerminalGrace <= 0 {
		c.TerminalGrace = 30 * time.Second
	}
	if c.TerminalRetention <= 0 {
		c.TerminalRetention = time.Hour
	}
	return nil
}
