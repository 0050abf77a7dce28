package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"pulselink/internal/domain"
	"pulselink/internal/infra/config"
	"pulselink/internal/infra/tracer"
)

// bedrockConverseAPI abstracts the Bedrock runtime method for testability.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockProvider implements domain.SummaryProvider via the AWS Bedrock
// Converse API.
type BedrockProvider struct {
	name   string
	model  string
	client bedrockConverseAPI
	logger *slog.Logger
}

// NewBedrockProvider creates a Bedrock provider using the default AWS
// credential chain.
func NewBedrockProvider(cfg config.ProviderConfig, logger *slog.Logger) (*BedrockProvider, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &BedrockProvider{
		name:   cfg.Name,
		model:  cfg.Model,
		client: bedrockruntime.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// newBedrockProviderWithClient creates a BedrockProvider with an injected
// client (for testing).
func newBedrockProviderWithClient(name, model string, client bedrockConverseAPI, logger *slog.Logger) *BedrockProvider {
	return &BedrockProvider{
		name:   name,
		model:  model,
		client: client,
		logger: logger,
	}
}

// Summarize implements domain.SummaryProvider.
func (p *BedrockProvider) Summarize(ctx context.Context, stats domain.SessionStatistics, language string) (*domain.Summary, error) {
	ctx, span := tracer.StartSpan(ctx, "summary.generate",
		trace.WithAttributes(
			tracer.StringAttr("summary.provider", p.name),
			tracer.StringAttr("summary.model", p.model),
			tracer.StringAttr("session.id", stats.SessionID),
		),
	)
	defer span.End()

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(p.model),
		System: []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: systemPrompt},
		},
		Messages: []types.Message{
			{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberText{Value: buildPrompt(stats, language)},
				},
			},
		},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(512),
		},
	}

	output, err := p.client.Converse(ctx, input)
	if err != nil {
		err = mapBedrockError(err)
		tracer.RecordError(span, err)
		return nil, err
	}

	text := extractBedrockText(output)
	if text == "" {
		err := fmt.Errorf("%w: empty converse output", domain.ErrGatewayResponse)
		tracer.RecordError(span, err)
		return nil, err
	}

	result := parseSummaryText(text)
	tracer.SetOK(span)
	p.logger.Debug("summary generated", "provider", p.name, "model", p.model)
	return result, nil
}

// Name implements domain.SummaryProvider.
func (p *BedrockProvider) Name() string { return p.name }

func extractBedrockText(output *bedrockruntime.ConverseOutput) string {
	msg, ok := output.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			return text.Value
		}
	}
	return ""
}

// mapBedrockError maps AWS SDK errors to domain errors so the circuit breaker
// and fallback policy classify them consistently with HTTP providers.
func mapBedrockError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return fmt.Errorf("%w: %s", domain.ErrRateLimit, msg)
		case "AccessDeniedException", "UnrecognizedClientException":
			return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, msg)
		case "ModelNotReadyException", "ServiceUnavailableException", "InternalServerException":
			return fmt.Errorf("%w: %s", domain.ErrGatewayResponse, msg)
		}
	}

	return domain.WrapOp("bedrock", err)
}
