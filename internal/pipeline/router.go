package pipeline

import "jobmatch-backend/internal/services"

// Mode is how the model is called.
type Mode string

const (
	ModeStructured Mode = "structured"
	ModeStreaming  Mode = "streaming"
)

// Router picks the execution mode from tier and modality. Vision stages are
// always structured; the free tier streams match only.
type Router struct{}

func (Router) Mode(tier services.Tier, t Template) Mode {
	switch t {
	case TemplateOCR, TemplateVisionSummary:
		return ModeStructured
	case TemplateMatch:
		return ModeStreaming
	case TemplateInterview:
		if tier == services.TierPaid {
			return ModeStreaming
		}
	}
	return ModeStructured
}
