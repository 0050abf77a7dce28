package config

import (
	"fmt"
	"strings"
)

// Validate checks a loaded Config for inconsistencies that would otherwise
// surface as confusing runtime failures.
func Validate(cfg *Config) error {
	switch cfg.Device.Transport {
	case "bridge", "mock":
	default:
		return fmt.Errorf("device.transport: unknown transport %q", cfg.Device.Transport)
	}

	if cfg.Device.Transport == "bridge" && cfg.Device.BridgeURL == "" && !cfg.Device.MDNS {
		return fmt.Errorf("device: bridge transport needs bridge_url or mdns discovery")
	}
	if cfg.Device.SampleRate <= 0 {
		return fmt.Errorf("device.sample_rate: must be positive, got %d", cfg.Device.SampleRate)
	}

	if cfg.Recording.Countdown < 0 {
		return fmt.Errorf("recording.countdown: must not be negative")
	}
	if cfg.Recording.MaxDuration <= 0 {
		return fmt.Errorf("recording.max_duration: must be positive")
	}
	if cfg.Recording.LiveWindow <= 0 {
		return fmt.Errorf("recording.live_window: must be positive, got %d", cfg.Recording.LiveWindow)
	}

	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path: must not be empty")
	}

	if cfg.Retention.Enabled && cfg.Retention.MaxAge <= 0 {
		return fmt.Errorf("retention.max_age: must be positive when retention is enabled")
	}

	if cfg.Summary.Timeout <= 0 {
		return fmt.Errorf("summary.timeout: must be positive")
	}
	seen := map[string]bool{}
	for _, p := range cfg.Summary.Providers {
		if p.Name == "" {
			return fmt.Errorf("summary.providers: provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("summary.providers: duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case "openai", "bedrock":
		default:
			return fmt.Errorf("summary.providers: provider %q has unknown type %q", p.Name, p.Type)
		}
	}
	if len(cfg.Summary.Providers) > 0 && !seen[cfg.Summary.DefaultProvider] {
		return fmt.Errorf("summary.default_provider: %q is not a configured provider", cfg.Summary.DefaultProvider)
	}

	if cfg.Gateway.Enabled {
		if cfg.Gateway.Addr == "" {
			return fmt.Errorf("gateway.addr: must not be empty when gateway is enabled")
		}
		if cfg.Gateway.Auth.Type == "static" && len(cfg.Gateway.Auth.Tokens) == 0 {
			return fmt.Errorf("gateway.auth: static auth requires at least one token")
		}
	}

	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logger.level: unknown level %q", cfg.Logger.Level)
	}

	return nil
}
