// Package summary generates AI-assisted session summaries with a canned
// fallback so recording flows never block on a provider.
package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pulselink/internal/domain"
)

// maxResponseBody is the maximum response body size read from provider APIs.
const maxResponseBody = 1 * 1024 * 1024 // 1 MB

// doJSONRequest performs a JSON POST request and returns the response body.
// It handles: create request, set headers, execute, read body (with limit),
// and check HTTP status code. Returns a domain error for non-200 responses.
func doJSONRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}

	return respBody, nil
}

// mapHTTPError maps an HTTP status code + response body to a domain error so
// the circuit breaker and fallback policy can classify provider failures.
func mapHTTPError(statusCode int, body []byte) error {
	detail := fmt.Sprintf("API error %d: %s", statusCode, string(body))

	switch {
	case statusCode == http.StatusTooManyRequests: // 429
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden: // 401, 403
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case statusCode >= 500: // 500, 502, 503, etc.
		return fmt.Errorf("%w: %s", domain.ErrGatewayResponse, detail)
	default:
		return fmt.Errorf("%s", detail)
	}
}

const systemPrompt = `You are a health assistant reviewing a single ECG recording session.
Given the session statistics, respond with JSON only, shaped as
{"summary": "...", "observations": "...", "suggestions": ["..."]}.
Keep the summary to two sentences, note whether the heart rate range is
within typical resting bounds, and never give a diagnosis.`

// buildPrompt renders session statistics into the user message.
func buildPrompt(stats domain.SessionStatistics, language string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Recording duration: %s\n", stats.Duration.Round(time.Second))
	fmt.Fprintf(&b, "Samples captured: %d\n", stats.SampleCount)
	fmt.Fprintf(&b, "Heart rate (BPM): min %d, avg %d, max %d\n", stats.MinBPM, stats.AvgBPM, stats.MaxBPM)
	if language != "" {
		fmt.Fprintf(&b, "Respond in language: %s\n", language)
	}
	return b.String()
}

// parseSummaryText decodes the model's JSON reply. Replies that are not the
// requested JSON shape are kept verbatim as the summary text.
func parseSummaryText(text string) *domain.Summary {
	trimmed := strings.TrimSpace(text)
	// Models occasionally wrap JSON in a code fence.
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var parsed domain.Summary
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil && parsed.Summary != "" {
		parsed.Fallback = false
		return &parsed
	}
	return &domain.Summary{Summary: strings.TrimSpace(text)}
}
