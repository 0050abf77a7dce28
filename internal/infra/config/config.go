package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Recording RecordingConfig `yaml:"recording"`
	Store     StoreConfig     `yaml:"store"`
	Summary   SummaryConfig   `yaml:"summary"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Retention RetentionConfig `yaml:"retention"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// DeviceConfig holds ECG bridge transport settings.
type DeviceConfig struct {
	// Transport selects the device transport: "bridge" (WebSocket bridge)
	// or "mock" (scripted transport for development).
	Transport string `yaml:"transport"`
	// BridgeURL is the WebSocket endpoint of a known bridge. When empty and
	// MDNS is enabled, bridges are discovered on the local network.
	BridgeURL      string        `yaml:"bridge_url"`
	MDNS           bool          `yaml:"mdns"`
	ScanTimeout    time.Duration `yaml:"scan_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// SampleRate is the expected samples-per-second of the sensor; bridges
	// may override it in their hello frame.
	SampleRate int `yaml:"sample_rate"`
}

// RecordingConfig holds session lifecycle settings.
type RecordingConfig struct {
	Countdown   time.Duration `yaml:"countdown"`
	MaxDuration time.Duration `yaml:"max_duration"`
	// LiveWindow caps the in-memory window feeding the heart-rate detector
	// and live display. It never truncates the persisted record.
	LiveWindow int `yaml:"live_window"`
	// SavePartial controls whether a session aborted by a device disconnect
	// is persisted with the samples captured so far, or discarded.
	SavePartial bool `yaml:"save_partial"`
}

// StoreConfig holds session persistence settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// RetentionConfig holds scheduled session pruning settings.
type RetentionConfig struct {
	Enabled bool `yaml:"enabled"`
	// Schedule is a cron expression; the default prunes once a day.
	Schedule string        `yaml:"schedule"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// SummaryConfig holds AI summary gateway settings.
type SummaryConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Language        string               `yaml:"language"`
	Timeout         time.Duration        `yaml:"timeout"`
	Providers       []ProviderConfig     `yaml:"providers"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ProviderConfig holds settings for a single summary provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"` // "openai" or "bedrock"
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Region      string        `yaml:"region,omitempty"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// PoolConfig holds HTTP connection pool settings for summary providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// CircuitBreakerConfig holds circuit breaker settings for summary providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// GatewayConfig holds WebSocket client gateway settings.
type GatewayConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Addr      string          `yaml:"addr"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or ""
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// RateLimitConfig holds per-client RPC rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSec float64 `yaml:"requests_per_sec"`
	Burst          int     `yaml:"burst"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns the persistent data directory under
// $HOME/.pulselink. Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".pulselink")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Device: DeviceConfig{
			Transport:      "bridge",
			MDNS:           true,
			ScanTimeout:    5 * time.Second,
			ConnectTimeout: 10 * time.Second,
			SampleRate:     250,
		},
		Recording: RecordingConfig{
			Countdown:   3 * time.Second,
			MaxDuration: 5 * time.Minute,
			LiveWindow:  2500, // 10s at 250 Hz
			SavePartial: false,
		},
		Store: StoreConfig{
			Path: filepath.Join(dataDir, "sessions.db"),
		},
		Retention: RetentionConfig{
			Enabled:  false,
			Schedule: "0 3 * * *",
			MaxAge:   90 * 24 * time.Hour,
		},
		Summary: SummaryConfig{
			DefaultProvider: "openai",
			Language:        "en",
			Timeout:         20 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled: true,
			},
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Addr:    ":8880",
			RateLimit: RateLimitConfig{
				RequestsPerSec: 10,
				Burst:          20,
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts
// secrets. A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("PULSELINK_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps PULSELINK_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PULSELINK_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("PULSELINK_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("PULSELINK_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("PULSELINK_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	if v := os.Getenv("PULSELINK_DEVICE_TRANSPORT"); v != "" {
		cfg.Device.Transport = v
	}
	if v := os.Getenv("PULSELINK_DEVICE_BRIDGE_URL"); v != "" {
		cfg.Device.BridgeURL = v
	}
	if v := os.Getenv("PULSELINK_DEVICE_MDNS"); v == "false" {
		cfg.Device.MDNS = false
	}
	if v := os.Getenv("PULSELINK_DEVICE_SCAN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Device.ScanTimeout = d
		}
	}
	if v := os.Getenv("PULSELINK_DEVICE_SAMPLE_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Device.SampleRate = n
		}
	}

	if v := os.Getenv("PULSELINK_RECORDING_COUNTDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.Recording.Countdown = d
		}
	}
	if v := os.Getenv("PULSELINK_RECORDING_MAX_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Recording.MaxDuration = d
		}
	}
	if v := os.Getenv("PULSELINK_RECORDING_LIVE_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Recording.LiveWindow = n
		}
	}
	if v := os.Getenv("PULSELINK_RECORDING_SAVE_PARTIAL"); v == "true" {
		cfg.Recording.SavePartial = true
	} else if v == "false" {
		cfg.Recording.SavePartial = false
	}

	if v := os.Getenv("PULSELINK_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}

	if v := os.Getenv("PULSELINK_RETENTION_ENABLED"); v == "true" {
		cfg.Retention.Enabled = true
	}
	if v := os.Getenv("PULSELINK_RETENTION_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Retention.MaxAge = d
		}
	}
	if v := os.Getenv("PULSELINK_RETENTION_SCHEDULE"); v != "" {
		cfg.Retention.Schedule = v
	}

	if v := os.Getenv("PULSELINK_SUMMARY_DEFAULT_PROVIDER"); v != "" {
		cfg.Summary.DefaultProvider = v
	}
	if v := os.Getenv("PULSELINK_SUMMARY_LANGUAGE"); v != "" {
		cfg.Summary.Language = v
	}
	if v := os.Getenv("PULSELINK_SUMMARY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Summary.Timeout = d
		}
	}

	if v := os.Getenv("PULSELINK_GATEWAY_ENABLED"); v == "false" {
		cfg.Gateway.Enabled = false
	}
	if v := os.Getenv("PULSELINK_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}

	// Per-provider API key overrides: PULSELINK_SUMMARY_PROVIDER_<NAME>_API_KEY
	for i := range cfg.Summary.Providers {
		envKey := fmt.Sprintf("PULSELINK_SUMMARY_PROVIDER_%s_API_KEY",
			strings.ToUpper(cfg.Summary.Providers[i].Name))
		if v := os.Getenv(envKey); v != "" {
			cfg.Summary.Providers[i].APIKey = v
		}
	}
}

// decryptSecrets finds "enc:..." values in secret fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.Summary.Providers {
		key := cfg.Summary.Providers[i].APIKey
		if strings.HasPrefix(key, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(key, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("provider %s api_key: %w", cfg.Summary.Providers[i].Name, err)
			}
			cfg.Summary.Providers[i].APIKey = decrypted
		}
	}

	for i := range cfg.Gateway.Auth.Tokens {
		tok := cfg.Gateway.Auth.Tokens[i].Token
		if strings.HasPrefix(tok, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(tok, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("gateway token %s: %w", cfg.Gateway.Auth.Tokens[i].Name, err)
			}
			cfg.Gateway.Auth.Tokens[i].Token = decrypted
		}
	}

	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}
