package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"pulselink/internal/adapter/gateway"
	"pulselink/internal/adapter/store"
	"pulselink/internal/adapter/summary"
	"pulselink/internal/adapter/transport"
	"pulselink/internal/domain"
	"pulselink/internal/infra/config"
	"pulselink/internal/infra/logger"
	"pulselink/internal/infra/tracer"
	"pulselink/internal/usecase/coordinator"
	"pulselink/internal/usecase/eventbus"
	"pulselink/internal/usecase/retention"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'pulselink --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`pulselink - ECG recording coordinator

USAGE:
    pulselink [COMMAND] [FLAGS]

COMMANDS:
    doctor      Run health checks on your setup

    (no command) - Run the recorder with existing config

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml (missing file falls back to defaults)
    Environment: PULSELINK_* variables override config

EXAMPLES:
    pulselink                                  # Run with config.yaml
    pulselink --config /etc/pulselink.yaml     # Run with custom config
    PULSELINK_DEVICE_TRANSPORT=mock pulselink  # Run against the mock device
    pulselink doctor                           # Check system health`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("PULSELINK_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 4. Session store
	if dir := filepath.Dir(cfg.Store.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("store dir: %w", err)
		}
	}
	sessionStore, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer sessionStore.Close()

	// 5. Device transport
	deviceTransport, err := newTransport(cfg.Device, log)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	// 6. Recording coordinator
	coord := coordinator.New(coordinator.Config{
		Countdown:   cfg.Recording.Countdown,
		MaxDuration: cfg.Recording.MaxDuration,
		LiveWindow:  cfg.Recording.LiveWindow,
		SampleRate:  cfg.Device.SampleRate,
		SavePartial: cfg.Recording.SavePartial,
	}, deviceTransport, sessionStore, bus, log)
	defer coord.Close()

	// 7. AI summaries
	summaries, err := summary.NewServiceFromConfig(cfg.Summary, bus, log)
	if err != nil {
		return fmt.Errorf("summary: %w", err)
	}

	// 8. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 9. Retention janitor
	if cfg.Retention.Enabled {
		janitor, err := retention.New(retention.Config{
			Schedule: cfg.Retention.Schedule,
			MaxAge:   cfg.Retention.MaxAge,
		}, sessionStore, bus, log)
		if err != nil {
			return fmt.Errorf("retention: %w", err)
		}
		if err := janitor.Start(ctx); err != nil {
			return fmt.Errorf("retention: %w", err)
		}
		defer janitor.Stop()
	}

	// 10. Gateway
	var srv *gateway.Server
	if cfg.Gateway.Enabled {
		srv = gateway.NewServer(cfg.Gateway, bus, log)
		gateway.NewHandlers(coord, sessionStore, summaries, log).Register(srv)
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Error("gateway server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				log.Error("gateway stop error", "error", err)
			}
		}()
	}

	log.Info("pulselink starting",
		"transport", cfg.Device.Transport,
		"store", cfg.Store.Path,
		"gateway", cfg.Gateway.Enabled,
		"retention", cfg.Retention.Enabled,
		"providers", summaries.Providers(),
	)

	<-ctx.Done()
	log.Info("pulselink shutting down")
	return nil
}

func newTransport(cfg config.DeviceConfig, log *slog.Logger) (domain.Transport, error) {
	switch cfg.Transport {
	case "mock":
		return transport.NewMock(cfg.SampleRate, log), nil
	case "bridge", "":
		return transport.NewBridge(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown device transport %q", cfg.Transport)
	}
}
