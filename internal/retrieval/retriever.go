// Package retrieval supplies reference context for the match and customize stages.
package retrieval

import (
	"context"
	"strings"

	"jobmatch-backend/internal/shared/telemetry"
)

// Signals describe what the match stage is looking for.
type Signals struct {
	JobTitle string
	Keywords []string
	Skills   []string
	Locale   string
}

// Retriever returns opaque context strings for prompts.
type Retriever interface {
	RetrieveMatchContext(ctx context.Context, signals Signals) (string, error)
	RetrieveCustomizeContext(ctx context.Context, jobTitle, locale string) (string, error)
}

// Noop returns no context.
type Noop struct{}

func (Noop) RetrieveMatchContext(ctx context.Context, signals Signals) (string, error) {
	return "", nil
}

func (Noop) RetrieveCustomizeContext(ctx context.Context, jobTitle, locale string) (string, error) {
	return "", nil
}

// MatchContext calls r and degrades any failure to "".
func MatchContext(ctx context.Context, r Retriever, signals Signals) string {
	if r == nil {
		return ""
	}
	out, err := r.RetrieveMatchContext(ctx, signals)
	if err != nil {
		telemetry.Warn("retrieval.match.failed", map[string]any{
			"job_title": signals.JobTitle,
			"error":     err,
		})
		return ""
	}
	return strings.TrimSpace(out)
}

// CustomizeContext calls r and degrades any failure to "".
func CustomizeContext(ctx context.Context, r Retriever, jobTitle, locale string) string {
	if r == nil {
		return ""
	}
	out, err := r.RetrieveCustomizeContext(ctx, jobTitle, locale)
	if err != nil {
		telemetry.Warn("retrieval.customize.failed", map[string]any{
			"job_title": jobTitle,
			"locale":    locale,
			"error":     err,
		})
		return ""
	}
	return strings.TrimSpace(out)
}

var _ Retriever = Noop{}
