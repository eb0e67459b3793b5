package stakingd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"stakepool/gateway/middleware"
	"stakepool/services/stakingd/journal"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for stakingd.
type Config struct {
	ListenAddress   string                    `yaml:"listen"`
	DataDir         string                    `yaml:"data_dir"`
	PoolFile        string                    `yaml:"pool_file"`
	PassphraseEnv   string                    `yaml:"passphrase_env"`
	PausedModules   []string                  `yaml:"paused_modules"`
	ShutdownTimeout Duration                  `yaml:"shutdown_timeout"`
	Log             LogConfig                 `yaml:"log"`
	Auth            AuthConfig                `yaml:"auth"`
	RateLimits      map[string]RateLimitEntry `yaml:"rate_limits"`
	Journal         JournalConfig             `yaml:"journal"`
	Idempotency     IdempotencyConfig         `yaml:"idempotency"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// AuthConfig configures bearer token verification for participant calls.
type AuthConfig struct {
	Disabled       bool     `yaml:"disabled"`
	HMACSecret     string   `yaml:"hmac_secret"`
	HMACSecretFile string   `yaml:"hmac_secret_file"`
	HMACSecretEnv  string   `yaml:"hmac_secret_env"`
	Issuer         string   `yaml:"issuer"`
	Audience       string   `yaml:"audience"`
	ClockSkew      Duration `yaml:"clock_skew"`
}

// RateLimitEntry bounds one route group.
type RateLimitEntry struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// JournalConfig selects the event journal database. Buffer sizes the queue
// in front of the journal writer.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Buffer int    `yaml:"buffer"`
}

// IdempotencyConfig controls Idempotency-Key replay on deposit and funding.
type IdempotencyConfig struct {
	Disabled bool     `yaml:"disabled"`
	Path     string   `yaml:"path"`
	TTL      Duration `yaml:"ttl"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg, filepath.Dir(path))
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config, baseDir string) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./stakingd-data"
	}
	if cfg.PoolFile == "" {
		cfg.PoolFile = "pool.toml"
	}
	if !filepath.IsAbs(cfg.PoolFile) && baseDir != "" {
		cfg.PoolFile = filepath.Join(baseDir, cfg.PoolFile)
	}
	if cfg.PassphraseEnv == "" {
		cfg.PassphraseEnv = "STAKINGD_OPERATOR_PASSPHRASE"
	}
	if cfg.ShutdownTimeout.Duration == 0 {
		cfg.ShutdownTimeout.Duration = 10 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "stakingd"
	}
	if cfg.Auth.Audience == "" {
		cfg.Auth.Audience = "stakepool"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = map[string]RateLimitEntry{}
	}
	for _, group := range []string{routeGroupRead, routeGroupWrite} {
		if _, ok := cfg.RateLimits[group]; !ok {
			cfg.RateLimits[group] = defaultRateLimits[group]
		}
	}
	cfg.Journal.Driver = strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = journal.DriverSQLite
	}
	if cfg.Journal.Driver == journal.DriverSQLite && cfg.Journal.DSN == "" {
		cfg.Journal.DSN = "file:" + filepath.Join(cfg.DataDir, "journal.db")
	}
	if cfg.Journal.Buffer == 0 {
		cfg.Journal.Buffer = 256
	}
	if cfg.Idempotency.Path == "" {
		cfg.Idempotency.Path = filepath.Join(cfg.DataDir, "idempotency.db")
	}
	if cfg.Idempotency.TTL.Duration == 0 {
		cfg.Idempotency.TTL.Duration = defaultIdempotencyTTL
	}
}

const defaultIdempotencyTTL = 24 * time.Hour

func (c Config) idempotencyTTL() time.Duration {
	if c.Idempotency.TTL.Duration <= 0 {
		return defaultIdempotencyTTL
	}
	return c.Idempotency.TTL.Duration
}

var defaultRateLimits = map[string]RateLimitEntry{
	routeGroupRead:  {RequestsPerMinute: 600, Burst: 60},
	routeGroupWrite: {RequestsPerMinute: 60, Burst: 10},
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("listen address must be configured")
	}
	if !cfg.Auth.Disabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth hmac_secret must be configured unless auth.disabled is set")
	}
	for group, limit := range cfg.RateLimits {
		if limit.RequestsPerMinute < 0 || limit.Burst < 0 {
			return fmt.Errorf("rate_limits.%s must not be negative", group)
		}
	}
	if cfg.Journal.Buffer < 0 {
		return fmt.Errorf("journal buffer must not be negative")
	}
	switch strings.ToLower(cfg.Journal.Driver) {
	case journal.DriverSQLite, journal.DriverPostgres:
	default:
		return fmt.Errorf("journal driver %q not supported", cfg.Journal.Driver)
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("auth configuration missing")
	}
	a.HMACSecret = strings.TrimSpace(a.HMACSecret)
	a.HMACSecretEnv = strings.TrimSpace(a.HMACSecretEnv)
	a.HMACSecretFile = strings.TrimSpace(a.HMACSecretFile)
	if a.HMACSecret != "" || a.Disabled {
		return nil
	}
	switch {
	case a.HMACSecretEnv != "":
		value := strings.TrimSpace(os.Getenv(a.HMACSecretEnv))
		if value == "" {
			return fmt.Errorf("hmac_secret_env %s is empty", a.HMACSecretEnv)
		}
		a.HMACSecret = value
	case a.HMACSecretFile != "":
		contents, err := os.ReadFile(a.HMACSecretFile)
		if err != nil {
			return fmt.Errorf("read hmac_secret_file: %w", err)
		}
		a.HMACSecret = strings.TrimSpace(string(contents))
	}
	return nil
}

func (c Config) authenticator() middleware.AuthConfig {
	return middleware.AuthConfig{
		Enabled:       !c.Auth.Disabled,
		HMACSecret:    c.Auth.HMACSecret,
		Issuer:        c.Auth.Issuer,
		Audience:      c.Auth.Audience,
		OptionalPaths: []string{"/healthz", "/metrics"},
		ClockSkew:     c.Auth.ClockSkew.Duration,
	}
}

func (c Config) rateLimits() map[string]middleware.RateLimit {
	out := make(map[string]middleware.RateLimit, len(c.RateLimits))
	for group, limit := range c.RateLimits {
		out[group] = middleware.RateLimit{RequestsPerMinute: limit.RequestsPerMinute, Burst: limit.Burst}
	}
	return out
}
