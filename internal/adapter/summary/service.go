package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"pulselink/internal/domain"
	"pulselink/internal/infra/config"
)

// defaultTimeout bounds one summary generation end to end.
const defaultTimeout = 20 * time.Second

// Service generates session summaries. Provider failures and timeouts are
// absorbed: callers always receive a usable Summary, with Fallback set when
// the canned text was substituted.
type Service struct {
	registry        *Registry
	defaultProvider string
	language        string
	timeout         time.Duration
	bus             domain.EventBus
	logger          *slog.Logger
}

// NewService creates a Service around an already-populated registry.
func NewService(registry *Registry, cfg config.SummaryConfig, bus domain.EventBus, logger *slog.Logger) *Service {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Service{
		registry:        registry,
		defaultProvider: cfg.DefaultProvider,
		language:        cfg.Language,
		timeout:         timeout,
		bus:             bus,
		logger:          logger,
	}
}

// NewServiceFromConfig builds providers from configuration, wraps each in a
// circuit breaker when enabled, and returns a ready Service.
func NewServiceFromConfig(cfg config.SummaryConfig, bus domain.EventBus, logger *slog.Logger) (*Service, error) {
	registry := NewRegistry()
	for _, pc := range cfg.Providers {
		var (
			provider domain.SummaryProvider
			err      error
		)
		switch pc.Type {
		case "openai":
			provider = NewOpenAIProvider(pc, logger)
		case "bedrock":
			provider, err = NewBedrockProvider(pc, logger)
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
			}
		default:
			return nil, fmt.Errorf("provider %q: unknown type %q", pc.Name, pc.Type)
		}
		if cfg.CircuitBreaker.Enabled {
			provider = NewCircuitBreakerProvider(provider, cfg.CircuitBreaker, logger)
		}
		if err := registry.Register(provider); err != nil {
			return nil, err
		}
	}
	return NewService(registry, cfg, bus, logger), nil
}

// Providers returns the registered provider names.
func (s *Service) Providers() []string {
	return s.registry.List()
}

// Summarize generates a summary for the given statistics. providerName may be
// empty to use the configured default. The returned summary is never nil and
// the call never fails: any provider error yields the canned fallback.
func (s *Service) Summarize(ctx context.Context, stats domain.SessionStatistics, providerName string) *domain.Summary {
	if providerName == "" {
		providerName = s.defaultProvider
	}

	provider, err := s.registry.Get(providerName)
	if err != nil {
		s.logger.Warn("summary provider unavailable", "provider", providerName, "error", err)
		return s.fallback(ctx, stats, err)
	}

	genCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := provider.Summarize(genCtx, stats, s.language)
	if err != nil {
		if genCtx.Err() != nil {
			err = fmt.Errorf("%w: %v", domain.ErrGatewayTimeout, err)
		}
		s.logger.Warn("summary generation failed",
			"provider", providerName,
			"session_id", stats.SessionID,
			"error", err)
		return s.fallback(ctx, stats, err)
	}

	s.publish(ctx, domain.EventSummaryGenerated, stats, map[string]any{"provider": providerName})
	return result
}

// fallback builds the canned summary from the statistics alone.
func (s *Service) fallback(ctx context.Context, stats domain.SessionStatistics, cause error) *domain.Summary {
	result := &domain.Summary{
		Summary: fmt.Sprintf(
			"Recorded %s of ECG data (%d samples). Heart rate ranged from %d to %d BPM with an average of %d BPM.",
			stats.Duration.Round(time.Second), stats.SampleCount, stats.MinBPM, stats.MaxBPM, stats.AvgBPM),
		Observations: "An automatic interpretation was not available for this session.",
		Suggestions:  []string{"Review the recording with a healthcare professional if you have concerns."},
		Fallback:     true,
	}
	if stats.SampleCount == 0 {
		result.Summary = "No samples were captured in this session."
	}
	payload := map[string]any{}
	if cause != nil {
		payload["reason"] = cause.Error()
	}
	s.publish(ctx, domain.EventSummaryFellBack, stats, payload)
	return result
}

func (s *Service) publish(ctx context.Context, eventType domain.EventType, stats domain.SessionStatistics, payload map[string]any) {
	var raw json.RawMessage
	if len(payload) > 0 {
		raw, _ = json.Marshal(payload)
	}
	s.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: stats.SessionID,
		DeviceID:  stats.DeviceID,
		Payload:   raw,
	})
}
