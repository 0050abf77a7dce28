package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"pulselink/internal/domain"
	"pulselink/internal/infra/config"
	"pulselink/internal/infra/tracer"
)

// OpenAIProvider implements domain.SummaryProvider for any OpenAI-compatible
// chat completions API.
type OpenAIProvider struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAIProvider creates a provider with configured timeouts.
func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &OpenAIProvider{
		name:    cfg.Name,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

// Summarize implements domain.SummaryProvider.
func (p *OpenAIProvider) Summarize(ctx context.Context, stats domain.SessionStatistics, language string) (*domain.Summary, error) {
	ctx, span := tracer.StartSpan(ctx, "summary.generate",
		trace.WithAttributes(
			tracer.StringAttr("summary.provider", p.name),
			tracer.StringAttr("summary.model", p.model),
			tracer.StringAttr("session.id", stats.SessionID),
		),
	)
	defer span.End()

	body, err := json.Marshal(openaiRequest{
		Model: p.model,
		Messages: []openaiMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(stats, language)},
		},
		MaxTokens: 512,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	respBody, err := doJSONRequest(ctx, p.client, p.baseURL+"/chat/completions", body, headers)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var oaiResp openaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(oaiResp.Choices) == 0 {
		err := fmt.Errorf("%w: empty choices", domain.ErrGatewayResponse)
		tracer.RecordError(span, err)
		return nil, err
	}

	result := parseSummaryText(oaiResp.Choices[0].Message.Content)
	tracer.SetOK(span)
	p.logger.Debug("summary generated",
		"provider", p.name,
		"model", oaiResp.Model,
		"tokens", oaiResp.Usage.TotalTokens,
	)
	return result, nil
}

// Name implements domain.SummaryProvider.
func (p *OpenAIProvider) Name() string { return p.name }

// --- OpenAI API wire types ---

type openaiRequest struct {
	Model     string          `json:"model"`
	Messages  []openaiMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message openaiMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}
