package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pulselink/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Session store", Fn: checkStorePath},
		{Name: "Device transport", Fn: checkTransport},
		{Name: "Bridge reachability", Fn: checkBridge},
		{Name: "Summary providers", Fn: checkSummaryProviders},
		{Name: "Gateway address", Fn: checkGatewayAddr},
	}

	fmt.Println("pulselink doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above to ensure pulselink runs correctly.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\npulselink should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! pulselink is ready to run.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check that verifies the config file parses.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and PULSELINK_* environment variables",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
				Fix:     "Create config.yaml to customize device, store and gateway settings",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

func checkStorePath(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "skipped (config error)"}
	}
	dir := filepath.Dir(cfg.Store.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create store directory %s: %v", dir, err),
			Fix:     "Check permissions or point store.path somewhere writable",
		}
	}
	probe := filepath.Join(dir, ".pulselink-doctor")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("store directory %s is not writable: %v", dir, err),
			Fix:     "Check permissions or point store.path somewhere writable",
		}
	}
	os.Remove(probe)
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("store directory %s is writable", dir),
	}
}

func checkTransport(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "skipped (config error)"}
	}
	switch cfg.Device.Transport {
	case "bridge", "":
		if cfg.Device.BridgeURL == "" && !cfg.Device.MDNS {
			return CheckResult{
				Status:  StatusFail,
				Message: "bridge transport has no bridge_url and mdns is disabled",
				Fix:     "Set device.bridge_url or enable device.mdns",
			}
		}
		return CheckResult{Status: StatusPass, Message: "bridge transport configured"}
	case "mock":
		return CheckResult{Status: StatusPass, Message: "mock transport configured (no hardware needed)"}
	default:
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("unknown transport %q", cfg.Device.Transport),
			Fix:     `Set device.transport to "bridge" or "mock"`,
		}
	}
}

func checkBridge(cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Device.Transport == "mock" || cfg.Device.BridgeURL == "" {
		return CheckResult{Status: StatusWarn, Message: "skipped (no fixed bridge_url)"}
	}
	u, err := url.Parse(cfg.Device.BridgeURL)
	if err != nil || u.Host == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("bridge_url %q is not a valid URL", cfg.Device.BridgeURL),
			Fix:     "Use a ws:// URL like ws://192.168.1.20:8765/ws",
		}
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "80")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("bridge %s unreachable: %v", host, err),
			Fix:     "Ensure the ECG bridge is powered on and on the same network",
		}
	}
	conn.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("bridge %s is reachable", host)}
}

func checkSummaryProviders(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "skipped (config error)"}
	}
	if len(cfg.Summary.Providers) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no summary providers configured, recordings get the built-in fallback text",
			Fix:     "Add a provider under summary.providers to enable AI summaries",
		}
	}
	for _, p := range cfg.Summary.Providers {
		if p.Type == "openai" && p.APIKey == "" {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("provider %q has no API key", p.Name),
				Fix:     fmt.Sprintf("Set PULSELINK_SUMMARY_PROVIDER_%s_API_KEY", strings.ToUpper(p.Name)),
			}
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d provider(s) configured", len(cfg.Summary.Providers)),
	}
}

func checkGatewayAddr(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "skipped (config error)"}
	}
	if !cfg.Gateway.Enabled {
		return CheckResult{Status: StatusWarn, Message: "gateway disabled, apps cannot connect"}
	}
	ln, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot bind gateway address %s: %v", cfg.Gateway.Addr, err),
			Fix:     "Stop the conflicting process or change gateway.addr",
		}
	}
	ln.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("gateway address %s is available", cfg.Gateway.Addr)}
}
