package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RelayConfig locates the session relay.
type RelayConfig struct {
	URL                string `yaml:"url"`
	Token              string `yaml:"token"`
	MaxBackoffSeconds  int    `yaml:"max_backoff_seconds"`
	CallTimeoutSeconds int    `yaml:"call_timeout_seconds"`
}

// WalletConfig locates the wallet RPC daemon. Cert, key and CA files enable
// mutual TLS.
type WalletConfig struct {
	URL            string `yaml:"url"`
	CertFile       string `yaml:"cert_file"`
	KeyFile        string `yaml:"key_file"`
	CAFile         string `yaml:"ca_file"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// AuthConfig configures the authentication gate.
type AuthConfig struct {
	// Enabled is the initial gate state; a value persisted in the store wins.
	Enabled                 bool   `yaml:"enabled"`
	CooldownSeconds         int    `yaml:"cooldown_seconds"`
	ChallengeTimeoutSeconds int    `yaml:"challenge_timeout_seconds"`
	// PassphraseHash is a bcrypt hash. When set, approving a challenge
	// requires the matching passphrase.
	PassphraseHash string `yaml:"passphrase_hash"`
}

// RateLimitConfig configures token-bucket limiting of the control gateway.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// CORSConfig configures cross-origin access to the control gateway's HTTP endpoints.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// TelemetryConfig mirrors otel.Config.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken protects the control gateway. Empty rejects every client.
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// DrainTimeoutSeconds bounds shutdown. 0 uses the default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// RetentionDays prunes request and audit rows older than this. 0 keeps forever.
	RetentionDays     int    `yaml:"retention_days"`
	RetentionSchedule string `yaml:"retention_schedule"`

	Relay     RelayConfig     `yaml:"relay"`
	Wallet    WalletConfig    `yaml:"wallet"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

const (
	defaultBindAddr          = "127.0.0.1:18790"
	defaultRelayURL          = "ws://127.0.0.1:18791/relay"
	defaultWalletURL         = "https://127.0.0.1:9256"
	defaultRetentionSchedule = "@every 1h"
)

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Cooldown is the authentication cooldown as a duration.
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.Auth.CooldownSeconds) * time.Second
}

// ChallengeTimeout is how long an authentication challenge may stay unanswered.
func (c Config) ChallengeTimeout() time.Duration {
	return time.Duration(c.Auth.ChallengeTimeoutSeconds) * time.Second
}

// DrainTimeout bounds graceful shutdown.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config. Secrets are not
// part of the hash input.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|relay=%s|wallet=%s|auth=%t/%d/%d|retention=%d/%s|origins=%v",
		c.BindAddr, c.LogLevel, c.Relay.URL, c.Wallet.URL,
		c.Auth.Enabled, c.Auth.CooldownSeconds, c.Auth.ChallengeTimeoutSeconds,
		c.RetentionDays, c.RetentionSchedule, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            defaultBindAddr,
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		RetentionDays:       30,
		RetentionSchedule:   defaultRetentionSchedule,
		Relay: RelayConfig{
			URL:                defaultRelayURL,
			MaxBackoffSeconds:  30,
			CallTimeoutSeconds: 15,
		},
		Wallet: WalletConfig{
			URL:            defaultWalletURL,
			TimeoutSeconds: 30,
		},
		Auth: AuthConfig{
			CooldownSeconds:         300,
			ChallengeTimeoutSeconds: 60,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("WALLETBRIDGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".walletbridge")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml over the defaults, then applies
// environment overrides. A missing file is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o700); err != nil {
		return cfg, fmt.Errorf("create walletbridge home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes a starter config.yaml with the given gateway token.
func WriteDefault(homeDir, authToken string) error {
	cfg := defaultConfig()
	cfg.AuthToken = authToken
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o700); err != nil {
		return fmt.Errorf("create walletbridge home: %w", err)
	}
	return os.WriteFile(ConfigPath(homeDir), out, 0o600)
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = defaultBindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.Relay.URL = strings.TrimSpace(cfg.Relay.URL)
	if cfg.Relay.URL == "" {
		cfg.Relay.URL = defaultRelayURL
	}
	if cfg.Relay.MaxBackoffSeconds <= 0 {
		cfg.Relay.MaxBackoffSeconds = 30
	}
	if cfg.Relay.CallTimeoutSeconds <= 0 {
		cfg.Relay.CallTimeoutSeconds = 15
	}
	cfg.Wallet.URL = strings.TrimRight(strings.TrimSpace(cfg.Wallet.URL), "/")
	if cfg.Wallet.URL == "" {
		cfg.Wallet.URL = defaultWalletURL
	}
	if cfg.Wallet.TimeoutSeconds <= 0 {
		cfg.Wallet.TimeoutSeconds = 30
	}
	if cfg.Auth.CooldownSeconds <= 0 {
		cfg.Auth.CooldownSeconds = 300
	}
	if cfg.Auth.ChallengeTimeoutSeconds <= 0 {
		cfg.Auth.ChallengeTimeoutSeconds = 60
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.RetentionDays < 0 {
		cfg.RetentionDays = 0
	}
	if strings.TrimSpace(cfg.RetentionSchedule) == "" {
		cfg.RetentionSchedule = defaultRetentionSchedule
	}
}

func validate(cfg Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q must be one of debug, info, warn, error", cfg.LogLevel)
	}
	if !strings.HasPrefix(cfg.Relay.URL, "ws://") && !strings.HasPrefix(cfg.Relay.URL, "wss://") {
		return fmt.Errorf("relay.url %q must be a ws:// or wss:// url", cfg.Relay.URL)
	}
	if (cfg.Wallet.CertFile == "") != (cfg.Wallet.KeyFile == "") {
		return fmt.Errorf("wallet.cert_file and wallet.key_file must be set together")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("WALLETBRIDGE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("WALLETBRIDGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("WALLETBRIDGE_RELAY_URL"); raw != "" {
		cfg.Relay.URL = raw
	}
	if raw := os.Getenv("WALLETBRIDGE_WALLET_URL"); raw != "" {
		cfg.Wallet.URL = raw
	}
	if raw := os.Getenv("WALLETBRIDGE_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("WALLETBRIDGE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
}
