package domain

import "context"

// Summary is the AI-assisted interpretation of one session's statistics.
type Summary struct {
	Summary      string   `json:"summary"`
	Observations string   `json:"observations,omitempty"`
	Suggestions  []string `json:"suggestions,omitempty"`
	// Fallback is true when the text is the canned summary substituted after
	// a provider failure or timeout.
	Fallback bool `json:"fallback,omitempty"`
}

// SummaryProvider generates a Summary from session statistics. Providers are
// expected to honor ctx cancellation; timeout and fallback policy live in the
// summary service, not in providers.
type SummaryProvider interface {
	Summarize(ctx context.Context, stats SessionStatistics, language string) (*Summary, error)
	Name() string
}
